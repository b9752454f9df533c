package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Header — заголовок Kafka-сообщения.
type Header struct {
	Key   string
	Value string
}

// Message — готовая к отправке запись.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers []Header
}

// ProducerConfig описывает подключение producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// MaxRetries — повторы внутри sarama до возврата ошибки; 0 — значение по умолчанию.
	MaxRetries int
}

var errProducerClosed = errors.New("kafka producer is not initialized")

// NewSaramaConfig возвращает настройки идемпотентного producer с подтверждением
// от всех in-sync реплик; общие для сервиса и dlq-replay.
func NewSaramaConfig(clientID string, maxRetries int) *sarama.Config {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = maxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Consumer.Return.Errors = true
	return config
}

// Producer — синхронный producer: Send возвращается после подтверждения брокера.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	sync, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID, cfg.MaxRetries))
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return newProducer(sync), nil
}

func newProducer(sync sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   sync,
		logger: log.WithField("component", "kafka-producer"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send отправляет сообщение. SyncProducer не принимает ctx, поэтому отмена
// проверяется только до отправки.
func (p *Producer) Send(ctx context.Context, msg Message) error {
	if p == nil || p.sync == nil {
		return errProducerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Timestamp: p.now(),
		Headers:   make([]sarama.RecordHeader, 0, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		record.Headers = append(record.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: []byte(h.Value)})
	}

	fields := log.Fields{"topic": msg.Topic, "key": msg.Key}
	partition, offset, err := p.sync.SendMessage(record)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	p.logger.WithFields(fields).WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message sent")
	return nil
}

// Close закрывает producer; повторный вызов безопасен.
func (p *Producer) Close() error {
	if p == nil || p.sync == nil {
		return nil
	}
	err := p.sync.Close()
	p.sync = nil
	if err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
