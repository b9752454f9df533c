package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestTopicPublisher_Publish(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, TopicOrderEvents, msg.Topic)
		require.Equal(t, "outbox-1", headerValue(msg, HeaderOutboxID))
		require.Equal(t, domain.EventOrderStatusChanged, headerValue(msg, HeaderEventType))
		require.Empty(t, headerValue(msg, HeaderOriginalTopic))
		return nil
	})
	producer := newProducer(sync)

	err := NewTopicPublisher(producer, "").Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"to":"paid"}`),
	})
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestTopicPublisher_WrapsBrokerError(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := newProducer(sync)

	err := NewTopicPublisher(producer, TopicNotifications).Publish(context.Background(),
		domain.OutboxMessage{ID: "outbox-2", AggregateID: "order-234", EventType: domain.EventOrderNotification})
	require.ErrorIs(t, err, domain.ErrOutboxPublish)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())
}

func TestDLQPublisher_MarksOriginalTopic(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, TopicDeadLetterQueue, msg.Topic)
		require.Equal(t, TopicNotifications, headerValue(msg, HeaderOriginalTopic))
		return nil
	})
	producer := newProducer(sync)

	dlq := NewDLQPublisher(producer, "", map[string]string{domain.EventOrderNotification: TopicNotifications})
	require.Equal(t, TopicDeadLetterQueue, dlq.Topic())
	require.NoError(t, dlq.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3", EventType: domain.EventOrderNotification}))
	require.NoError(t, producer.Close())
}

func TestTopicPublisher_WithoutProducer(t *testing.T) {
	err := NewTopicPublisher(nil, TopicOrderEvents).Publish(context.Background(), domain.OutboxMessage{ID: "outbox-4"})
	require.ErrorIs(t, err, domain.ErrOutboxPublish)
}
