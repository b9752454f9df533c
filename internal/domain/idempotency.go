package domain

import "time"

// IdempotencyKind разделяет пространства ключей: клиентские ключи оформления и события вебхуков.
type IdempotencyKind string

const (
	IdempotencyCheckout IdempotencyKind = "checkout"
	IdempotencyWebhook  IdempotencyKind = "webhook"
)

// Valid проверяет вид ключа.
func (k IdempotencyKind) Valid() bool {
	return k == IdempotencyCheckout || k == IdempotencyWebhook
}

// IdempotencyStatus — состояние записи.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — ключ занят, результата ещё нет.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed — сохранён ответ с ошибкой, повтор получит его же.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyClaim — заявка на ключ. Owner — пользователь для checkout или провайдер для вебхука.
type IdempotencyClaim struct {
	Key         string
	Kind        IdempotencyKind
	Owner       string
	RequestHash string
	ExpiresAt   time.Time
}

// Validate проверяет заявку до обращения к хранилищу.
func (c IdempotencyClaim) Validate() error {
	switch {
	case c.Key == "":
		return ErrIdempotencyKeyRequired
	case c.RequestHash == "":
		return ErrIdempotencyRequestHashRequired
	case !c.Kind.Valid():
		return ErrIdempotencyKindInvalid
	}
	return nil
}

// IdempotencyRecord — сохранённое состояние ключа.
type IdempotencyRecord struct {
	Key         string
	Kind        IdempotencyKind
	Owner       string
	RequestHash string
	Status      IdempotencyStatus
	HTTPStatus  int
	Response    []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Settled сообщает, что результат записан и повтор можно обслужить из записи.
func (r IdempotencyRecord) Settled() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Expired сообщает, что запись больше не защищает ключ.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// WebhookIdempotencyKey строит ключ дедупликации события вебхука.
func WebhookIdempotencyKey(provider PaymentProvider, eventID string) string {
	return "webhook:" + string(provider) + ":" + eventID
}

// CheckoutIdempotencyKey ограничивает пространство клиентских ключей пользователем.
func CheckoutIdempotencyKey(userID, key string) string {
	return "checkout:" + userID + ":" + key
}
