package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Payload — тело события order.notification для внешнего сервиса уведомлений.
type Payload struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	Status      string    `json:"status"`
	TotalMinor  int64     `json:"total_minor"`
	Total       string    `json:"total"`
	Currency    string    `json:"currency"`
	TrackingRef string    `json:"tracking_ref,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OutboxNotifier передаёт уведомление через transactional outbox; доставку в брокер
// выполняет outbox worker.
type OutboxNotifier struct {
	outbox domain.OutboxRepository
}

// NewOutboxNotifier создаёт notifier поверх outbox.
func NewOutboxNotifier(outbox domain.OutboxRepository) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox}
}

func (n *OutboxNotifier) Notify(ctx context.Context, msg domain.Notification) error {
	payload, err := json.Marshal(Payload{
		OrderID:     msg.OrderID,
		UserID:      msg.UserID,
		Status:      string(msg.Status),
		TotalMinor:  msg.TotalMinor,
		Total:       domain.FormatMinor(msg.TotalMinor),
		Currency:    msg.Currency,
		TrackingRef: msg.TrackingRef,
		OccurredAt:  msg.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	if _, err := n.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   msg.OrderID,
		EventType:     domain.EventOrderNotification,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

var _ domain.Notifier = (*OutboxNotifier)(nil)
