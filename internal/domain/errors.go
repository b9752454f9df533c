package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCart — в корзине пользователя нет ни одной позиции.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrProductUnavailable — товар из корзины отсутствует в каталоге или снят с продажи.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrInsufficientStock — запрошенное количество превышает доступный остаток.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrProviderSessionCreationFailed — провайдер не создал платёжную сессию; заказ остаётся pending, повтор допустим.
	ErrProviderSessionCreationFailed = errors.New("provider session creation failed")
	// ErrInvalidTransition — переход статуса запрещён машиной состояний.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrNotAuthorized — заказ принадлежит другому пользователю.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrPaymentDeclined — платёж окончательно отклонён провайдером.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrProviderTransient — временная ошибка провайдера (таймаут, 5xx); состояние не менялось, можно повторить.
	ErrProviderTransient = errors.New("payment provider transient error")

	// ErrUserRequired — не указан владелец заказа.
	ErrUserRequired = errors.New("user_id is required")
	// ErrCurrencyRequired — не указан код валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// ErrItemsRequired — в заказе нет позиций.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// ErrItemQtyInvalid — количество в позиции меньше единицы.
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// ErrItemPriceInvalid — отрицательная цена позиции.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// ErrAmountMismatch — итог заказа не равен сумме позиций плюс доставка.
	ErrAmountMismatch = errors.New("order total does not match items sum plus shipping")
	// ErrShippingFeeNegative — отрицательная стоимость доставки.
	ErrShippingFeeNegative = errors.New("shipping fee must be non-negative")
	// ErrAddressInvalid — адрес доставки не прошёл валидацию.
	ErrAddressInvalid = errors.New("shipping address is invalid")
	// ErrUnknownProvider — выбран неподдерживаемый платёжный провайдер.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrUnknownStatus — статус заказа не входит в перечисление.
	ErrUnknownStatus = errors.New("unknown order status")

	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrStatusConflict — условная запись не применена: статус заказа уже изменился.
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrSessionAlreadyAttached — у заказа уже есть платёжная сессия.
	ErrSessionAlreadyAttached = errors.New("payment session already attached")
	// ErrWebhookSignature — подпись вебхука не прошла проверку.
	ErrWebhookSignature = errors.New("webhook signature verification failed")
	// ErrWebhookIgnored — событие вебхука не относится к оплате и не требует обработки.
	ErrWebhookIgnored = errors.New("webhook event ignored")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxNotClaimed — сообщение не найдено или не удерживается вызывающим (аренда истекла).
	ErrOutboxNotClaimed = errors.New("outbox message is not claimed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyInProgress — запрос с тем же ключом ещё обрабатывается.
	ErrIdempotencyInProgress = errors.New("request with the same idempotency key is still processing")
	// ErrIdempotencyKeyNotFound — запись по ключу не найдена.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	ErrIdempotencyKindInvalid = errors.New("idempotency kind is invalid")
	// ErrIdempotencySettleStatus — результат можно записать только как done или failed.
	ErrIdempotencySettleStatus = errors.New("idempotency record can only be settled as done or failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsRetryable сообщает, можно ли повторить операцию без изменения входных данных.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderTransient) || errors.Is(err, ErrProviderSessionCreationFailed)
}

// CheckoutError уточняет бизнес-ошибку оформления заказа деталями для пользователя.
type CheckoutError struct {
	Err       error
	ProductID string
	Requested int64
	Available int64
}

func (e *CheckoutError) Error() string {
	switch {
	case e.ProductID == "":
		return e.Err.Error()
	case errors.Is(e.Err, ErrInsufficientStock):
		return fmt.Sprintf("%s: product %s requested %d, available %d", e.Err, e.ProductID, e.Requested, e.Available)
	default:
		return fmt.Sprintf("%s: product %s", e.Err, e.ProductID)
	}
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// InsufficientStock строит ошибку нехватки остатка по конкретному товару.
func InsufficientStock(productID string, requested, available int64) error {
	return &CheckoutError{Err: ErrInsufficientStock, ProductID: productID, Requested: requested, Available: available}
}

// ProductUnavailable строит ошибку отсутствующего товара.
func ProductUnavailable(productID string) error {
	return &CheckoutError{Err: ErrProductUnavailable, ProductID: productID}
}
