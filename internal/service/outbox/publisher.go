package outbox

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Router выбирает publisher по типу события: уведомления и доменные события идут
// в разные топики, прочее — в fallback.
type Router struct {
	routes   map[string]domain.OutboxPublisher
	fallback domain.OutboxPublisher
}

func NewRouter(fallback domain.OutboxPublisher) *Router {
	return &Router{routes: make(map[string]domain.OutboxPublisher), fallback: fallback}
}

// Route направляет события eventType в publisher.
func (r *Router) Route(eventType string, publisher domain.OutboxPublisher) *Router {
	r.routes[eventType] = publisher
	return r
}

func (r *Router) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	target := r.routes[msg.EventType]
	if target == nil {
		target = r.fallback
	}
	if target == nil {
		return fmt.Errorf("%w: no route for %q", domain.ErrOutboxPublish, msg.EventType)
	}
	return target.Publish(ctx, msg)
}

// LogPublisher пишет события в лог вместо брокера (локальный запуск без Kafka).
type LogPublisher struct {
	logger *log.Entry
}

func NewLogPublisher(logger *log.Entry) *LogPublisher {
	if logger == nil {
		logger = log.WithField("component", "outbox-log-publisher")
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
		"attempts":     msg.Attempts,
	}).Infof("outbox event %s", msg.Payload)
	return nil
}

var (
	_ domain.OutboxPublisher = (*Router)(nil)
	_ domain.OutboxPublisher = (*LogPublisher)(nil)
)
