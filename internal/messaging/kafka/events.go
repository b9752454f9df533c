package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Топики по умолчанию; переопределяются конфигурацией.
const (
	TopicNotifications   = "checkout.notifications"
	TopicOrderEvents     = "checkout.order.events"
	TopicDeadLetterQueue = "checkout.dlq"
)

// Заголовки сообщений. Получатели дедуплицируют по HeaderOutboxID.
const (
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAttempt       = "x-attempt"
	HeaderOriginalTopic = "x-original-topic"
	HeaderReplayedFrom  = "x-replayed-from"
)

// Envelope — формат сообщения во всех топиках сервиса.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает outbox-сообщение; пустой payload становится null.
func NewEnvelope(msg domain.OutboxMessage, at time.Time) Envelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   at.UTC(),
	}
}

// EncodeOutbox собирает запись для topic: конверт, ключ партиционирования и заголовки.
func EncodeOutbox(topic string, msg domain.OutboxMessage, at time.Time, extra ...Header) (Message, error) {
	value, err := json.Marshal(NewEnvelope(msg, at))
	if err != nil {
		return Message{}, fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}
	headers := []Header{
		{Key: HeaderEventType, Value: msg.EventType},
		{Key: HeaderOutboxID, Value: msg.ID},
		{Key: HeaderAggregateType, Value: msg.AggregateType},
		{Key: HeaderAttempt, Value: strconv.Itoa(msg.Attempts + 1)},
	}
	return Message{Topic: topic, Key: MessageKey(msg), Value: value, Headers: append(headers, extra...)}, nil
}

// MessageKey держит события одного заказа в одной партиции.
func MessageKey(msg domain.OutboxMessage) string {
	if msg.AggregateID != "" {
		return msg.AggregateID
	}
	return msg.ID
}
