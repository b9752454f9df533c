package domain

import (
	"fmt"
	"net/http"
)

// PaymentProvider — идентификатор внешнего платёжного провайдера.
type PaymentProvider string

const (
	// ProviderA — hosted checkout: сессия создаётся заранее, списание после возврата покупателя.
	ProviderA PaymentProvider = "provider_a"
	// ProviderB — провайдер «создать, затем capture»: отдельный вызов capture завершает списание.
	ProviderB PaymentProvider = "provider_b"
)

// ParsePaymentProvider разбирает селектор провайдера из запроса.
func ParsePaymentProvider(raw string) (PaymentProvider, error) {
	switch p := PaymentProvider(raw); p {
	case ProviderA, ProviderB:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
}

// CapturesOnPull сообщает, что клиент подтверждает оплату отдельным вызовом capture.
func (p PaymentProvider) CapturesOnPull() bool {
	return p == ProviderB
}

// SessionRequest — данные для открытия платёжной сессии у провайдера.
type SessionRequest struct {
	OrderID          string
	Currency         string
	Items            []LineItem
	ShippingFeeMinor int64
	TotalMinor       int64
	SuccessURL       string
	CancelURL        string
}

// PaymentSession — созданная у провайдера сессия.
type PaymentSession struct {
	Provider    PaymentProvider
	SessionID   string
	RedirectURL string
	Status      string
}

// PaymentOutcome — авторитетный итог оплаты по данным провайдера.
type PaymentOutcome string

const (
	// PaymentOutcomePending — покупатель ещё не завершил оплату.
	PaymentOutcomePending PaymentOutcome = "pending"
	// PaymentOutcomeSucceeded — деньги списаны.
	PaymentOutcomeSucceeded PaymentOutcome = "succeeded"
	// PaymentOutcomeDeclined — оплата окончательно отклонена или сессия истекла.
	PaymentOutcomeDeclined PaymentOutcome = "declined"
	// PaymentOutcomeCancelled — заказ отменён до оплаты.
	PaymentOutcomeCancelled PaymentOutcome = "cancelled"
)

// PaymentResult — ответ провайдера на запрос статуса или capture.
type PaymentResult struct {
	Outcome        PaymentOutcome
	SessionID      string
	CaptureID      string
	ProviderStatus string
}

// WebhookRequest — сырой вебхук: тело и заголовки нужны для проверки подписи.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
}

// WebhookEvent — проверенное событие провайдера.
type WebhookEvent struct {
	Provider  PaymentProvider
	EventID   string
	EventType string
	SessionID string
}

// OutcomeForStatus возвращает итог оплаты, уже зафиксированный статусом заказа.
func OutcomeForStatus(status OrderStatus) PaymentOutcome {
	switch status {
	case OrderStatusPending:
		return PaymentOutcomePending
	case OrderStatusPaymentFailed:
		return PaymentOutcomeDeclined
	case OrderStatusCancelled:
		return PaymentOutcomeCancelled
	default:
		return PaymentOutcomeSucceeded
	}
}
