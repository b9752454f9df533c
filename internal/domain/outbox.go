package domain

import (
	"context"
	"time"
)

// Типы агрегатов и событий outbox.
const (
	AggregateOrder     = "order"
	AggregateInventory = "inventory"

	EventOrderStatusChanged = "order.status_changed"
	EventOrderNotification  = "order.notification"
	EventInventoryLowStock  = "inventory.low_stock"
)

// OutboxState — состояние записи outbox.
type OutboxState string

const (
	// OutboxPending — ждёт доставки; с AvailableAt в будущем — отложенный повтор.
	OutboxPending OutboxState = "pending"
	// OutboxPublishing — арендована воркером до LeaseUntil.
	OutboxPublishing OutboxState = "publishing"
	OutboxSent       OutboxState = "sent"
	// OutboxDead — попытки исчерпаны, сообщение ушло в DLQ.
	OutboxDead OutboxState = "dead"
)

// OutboxMessage — событие, записанное вместе с изменением состояния и доставляемое позже.
// Attempts и LastError заполняет хранилище.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	LastError     string
	CreatedAt     time.Time
}

// OutboxStats — срез backlog для метрик и health.
type OutboxStats struct {
	Pending         int
	Dead            int
	OldestPendingAt time.Time
}

// OutboxPublisher передаёт событие во внешний транспорт. Получатели дедуплицируют по ID,
// поэтому повторная публикация допустима.
type OutboxPublisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository хранит события до доставки.
//
// Воркер арендует порцию через Claim и обязан закрыть каждое сообщение одним из
// MarkSent, Retry или Bury. Если аренда истекла, сообщение снова выдаётся Claim,
// а запоздалое закрытие возвращает ErrOutboxNotClaimed.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// Claim арендует до limit сообщений, готовых к доставке, в порядке постановки.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]OutboxMessage, error)
	MarkSent(ctx context.Context, id string) error
	// Retry возвращает сообщение в очередь не раньше at и запоминает причину неудачи.
	Retry(ctx context.Context, id string, at time.Time, reason string) error
	// Bury окончательно снимает сообщение с доставки.
	Bury(ctx context.Context, id string, reason string) error
	Stats(ctx context.Context) (OutboxStats, error)
}
