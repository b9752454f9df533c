package kafka

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// TopicPublisher публикует outbox-сообщения в один topic.
type TopicPublisher struct {
	producer *Producer
	topic    string
	// origin сопоставляет тип события с topic, куда его не удалось доставить; только для DLQ.
	origin map[string]string
}

// NewTopicPublisher создаёт publisher; пустой topic — события заказов.
func NewTopicPublisher(producer *Producer, topic string) *TopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &TopicPublisher{producer: producer, topic: topic}
}

// NewDLQPublisher создаёт publisher для dead letter topic, который помечает
// каждое сообщение исходным topic события.
func NewDLQPublisher(producer *Producer, topic string, origin map[string]string) *TopicPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &TopicPublisher{producer: producer, topic: topic, origin: origin}
}

func (p *TopicPublisher) Topic() string { return p.topic }

func (p *TopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.Join(domain.ErrOutboxPublish, errProducerClosed)
	}

	var extra []Header
	if source := p.origin[msg.EventType]; source != "" {
		extra = append(extra, Header{Key: HeaderOriginalTopic, Value: source})
	}
	record, err := EncodeOutbox(p.topic, msg, p.producer.now(), extra...)
	if err != nil {
		return errors.Join(domain.ErrOutboxPublish, err)
	}
	if err := p.producer.Send(ctx, record); err != nil {
		return errors.Join(domain.ErrOutboxPublish, err)
	}
	return nil
}

var _ domain.OutboxPublisher = (*TopicPublisher)(nil)
