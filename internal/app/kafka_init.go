package app

import (
	"context"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

// outboxTransport — куда outbox worker доставляет события. Без Kafka события
// пишутся в лог, а исчерпавшие попытки хоронятся без DLQ.
type outboxTransport struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	// probe проверяет брокеры; nil, если Kafka не используется.
	probe    healthcheck.CheckFunc
	producer *kafka.Producer
	logger   *log.Entry
}

// newOutboxTransport без брокеров или при ошибке подключения к Kafka
// возвращает транспорт, который пишет события в лог.
func newOutboxTransport(cfg Config, logger *log.Entry) *outboxTransport {
	t := &outboxTransport{
		publisher: outbox.NewLogPublisher(logger.WithField("publisher", "log")),
		logger:    logger,
	}
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		logger.Info("kafka is not configured, outbox events are logged")
		return t
	}
	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokers, ClientID: version.Product})
	if err != nil {
		logger.WithError(err).Warn("kafka is unavailable, outbox events are logged")
		return t
	}

	notifications := kafka.NewTopicPublisher(producer, cfg.KafkaNotificationsTopic)
	events := kafka.NewTopicPublisher(producer, cfg.KafkaEventsTopic)
	routes := map[string]*kafka.TopicPublisher{
		domain.EventOrderNotification:  notifications,
		domain.EventOrderStatusChanged: events,
		domain.EventInventoryLowStock:  events,
	}
	router := outbox.NewRouter(events)
	origins := make(map[string]string, len(routes))
	for eventType, pub := range routes {
		router.Route(eventType, pub)
		origins[eventType] = pub.Topic()
	}

	t.producer = producer
	t.publisher = router
	t.dlq = kafka.NewDLQPublisher(producer, cfg.KafkaDLQTopic, origins)
	t.probe = brokerDialCheck(brokers)
	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return t
}

func (t *outboxTransport) Close() {
	if t == nil || t.producer == nil {
		return
	}
	if err := t.producer.Close(); err != nil {
		t.logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	t.logger.Info("kafka producer closed")
}

// brokerDialCheck считает Kafka доступной, если отвечает хотя бы один брокер.
func brokerDialCheck(brokers []string) healthcheck.CheckFunc {
	return func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: kafkaDialTimeout}
		var errs []error
		for _, broker := range brokers {
			conn, err := dialer.DialContext(ctx, "tcp", broker)
			if err == nil {
				return conn.Close()
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
}
