package domain

import (
	"context"
	"time"
)

// CartLine — позиция корзины: товар и желаемое количество.
type CartLine struct {
	ProductID string
	Qty       int64
}

// CartStore — внешнее хранилище корзин; ядро только читает и очищает корзину.
type CartStore interface {
	Lines(ctx context.Context, userID string) ([]CartLine, error)
	Clear(ctx context.Context, userID string) error
}

// Product — карточка товара из внешнего каталога.
type Product struct {
	ID         string
	Name       string
	PriceMinor int64
	Active     bool
}

// Catalog — внешний каталог товаров. Для отсутствующего товара возвращает ErrProductUnavailable.
type Catalog interface {
	Product(ctx context.Context, productID string) (Product, error)
}

// PaymentGateway — адаптер конкретного провайдера за общим интерфейсом фабрики сессий.
type PaymentGateway interface {
	Provider() PaymentProvider
	// CreateSession открывает сессию у провайдера. Повтор с тем же OrderID не должен создавать дубль.
	CreateSession(ctx context.Context, req SessionRequest) (PaymentSession, error)
	// Confirm запрашивает авторитетный статус оплаты; для create-then-capture выполняет capture.
	Confirm(ctx context.Context, sessionID string) (PaymentResult, error)
	// ParseWebhook проверяет подпись и извлекает событие.
	ParseWebhook(req WebhookRequest) (WebhookEvent, error)
}

// Notification — сообщение внешнему сервису уведомлений о смене статуса.
type Notification struct {
	OrderID     string
	UserID      string
	Status      OrderStatus
	TotalMinor  int64
	Currency    string
	TrackingRef string
	OccurredAt  time.Time
}

// Notifier передаёт уведомление внешнему сервису; вызывающая сторона не ждёт результата.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// TimelineRepository хранит историю заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	// List возвращает записи заказа в хронологическом порядке; записи с одинаковым временем идут в порядке добавления.
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит ключи идемпотентности оформления и отметки обработанных вебхуков.
type IdempotencyRepository interface {
	// Claim занимает ключ. Если живая запись уже есть, возвращает её вместе с
	// ErrIdempotencyKeyAlreadyExists или, при другом хэше запроса, ErrIdempotencyHashMismatch.
	// Просроченная запись перезаписывается.
	Claim(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Settle записывает результат занятого ключа.
	Settle(ctx context.Context, key string, status IdempotencyStatus, httpStatus int, response []byte) error
	// Release освобождает ключ без результата, чтобы повтор выполнился заново.
	// Записи с результатом не трогает.
	Release(ctx context.Context, key string) error
	// PurgeExpired удаляет до limit записей с ExpiresAt <= before.
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
