// Команда dlq-replay перечитывает dead letter topic и возвращает события
// в исходные топики. По умолчанию работает в режиме dry-run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const envBrokers = "CHECKOUT_KAFKA_BROKERS"

type options struct {
	brokers     []string
	dlqTopic    string
	notifyTopic string
	eventsTopic string
	eventType   string
	aggregateID string
	limit       int
	execute     bool
	tail        bool
	idle        time.Duration
}

// offsets — часть sarama.Client, нужная для выбора окна чтения.
type offsets interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
	Close() error
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type streamOpener interface {
	Open(topic string, partition int32, offset int64) (partitionStream, error)
	Close() error
}

type sender interface {
	Send(ctx context.Context, msg kafka.Message) error
	Close() error
}

type consumerOpener struct{ consumer sarama.Consumer }

func (c consumerOpener) Open(topic string, partition int32, offset int64) (partitionStream, error) {
	return c.consumer.ConsumePartition(topic, partition, offset)
}

func (c consumerOpener) Close() error { return c.consumer.Close() }

// connect подключается к Kafka; producer создаётся только в режиме execute.
var connect = func(opts options) (offsets, streamOpener, sender, error) {
	clientID := version.Product + "-dlq-replay"
	client, err := sarama.NewClient(opts.brokers, kafka.NewSaramaConfig(clientID, 0))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if !opts.execute {
		return client, consumerOpener{consumer}, nil, nil
	}
	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: opts.brokers, ClientID: clientID})
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, consumerOpener{consumer}, producer, nil
}

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	opts, err := parseOptions(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string, output io.Writer) (options, error) {
	opts := options{}
	var brokers string

	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&brokers, "brokers", "", "comma separated Kafka brokers, defaults to $"+envBrokers)
	fs.StringVar(&opts.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "dead letter topic to read")
	fs.StringVar(&opts.notifyTopic, "notifications-topic", kafka.TopicNotifications, "target for notifications without origin header")
	fs.StringVar(&opts.eventsTopic, "events-topic", kafka.TopicOrderEvents, "target for other events without origin header")
	fs.StringVar(&opts.eventType, "event-type", "", "only replay this event type")
	fs.StringVar(&opts.aggregateID, "aggregate-id", "", "only replay events of this order")
	fs.IntVar(&opts.limit, "limit", 100, "max dead letters to inspect")
	fs.BoolVar(&opts.execute, "execute", false, "publish events; without it only prints candidates")
	fs.BoolVar(&opts.tail, "tail", false, "inspect the newest dead letters instead of the oldest")
	fs.DurationVar(&opts.idle, "idle-timeout", 2*time.Second, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envBrokers)
	}
	opts.brokers = splitList(brokers)

	switch {
	case len(opts.brokers) == 0:
		return options{}, fmt.Errorf("no kafka brokers: pass -brokers or set %s", envBrokers)
	case strings.TrimSpace(opts.dlqTopic) == "":
		return options{}, errors.New("-dlq-topic must not be empty")
	case strings.TrimSpace(opts.notifyTopic) == "", strings.TrimSpace(opts.eventsTopic) == "":
		return options{}, errors.New("-notifications-topic and -events-topic must not be empty")
	case opts.limit < 1:
		return options{}, errors.New("-limit must be positive")
	case opts.idle <= 0:
		return options{}, errors.New("-idle-timeout must be positive")
	}
	return opts, nil
}

func splitList(raw string) []string {
	var out []string
	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func run(ctx context.Context, opts options) error {
	client, opener, out, err := connect(opts)
	if err != nil {
		return err
	}
	defer func() {
		if out != nil {
			_ = out.Close()
		}
		_ = opener.Close()
		_ = client.Close()
	}()

	r := &replayer{opts: opts, offsets: client, opener: opener, out: out, now: time.Now}
	_, err = r.replay(ctx)
	return err
}

// summary считает просмотренные, переотправленные и пропущенные dead letters.
type summary struct {
	seen     int
	replayed int
	skipped  int
}

func (s *summary) merge(o summary) {
	s.seen += o.seen
	s.replayed += o.replayed
	s.skipped += o.skipped
}

type replayer struct {
	opts    options
	offsets offsets
	opener  streamOpener
	out     sender
	now     func() time.Time
}

func (r *replayer) replay(ctx context.Context) (summary, error) {
	var total summary
	if r.offsets == nil || r.opener == nil {
		return total, errors.New("kafka consumer is not configured")
	}
	if r.opts.execute && r.out == nil {
		return total, errors.New("execute mode needs a producer")
	}

	partitions, err := r.offsets.Partitions(r.opts.dlqTopic)
	if err != nil {
		return total, fmt.Errorf("partitions of %s: %w", r.opts.dlqTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.opts.limit - total.seen
		if budget <= 0 {
			break
		}
		part, err := r.partition(ctx, partition, budget)
		total.merge(part)
		if err != nil {
			return total, err
		}
	}

	log.WithFields(log.Fields{
		"dlq_topic": r.opts.dlqTopic,
		"execute":   r.opts.execute,
		"seen":      total.seen,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay done")
	return total, nil
}

// window возвращает [start, end) — диапазон offset партиции, который нужно прочитать.
func (r *replayer) window(partition int32, budget int) (start, end int64, err error) {
	first, err := r.offsets.GetOffset(r.opts.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err = r.offsets.GetOffset(r.opts.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	start = first
	if r.opts.tail {
		start = max(end-int64(budget), first)
	}
	return start, end, nil
}

func (r *replayer) partition(ctx context.Context, partition int32, budget int) (summary, error) {
	var s summary
	start, end, err := r.window(partition, budget)
	if err != nil || start >= end {
		return s, err
	}

	stream, err := r.opener.Open(r.opts.dlqTopic, partition, start)
	if err != nil {
		return s, fmt.Errorf("open partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	idle := time.NewTimer(r.opts.idle)
	defer idle.Stop()

	for s.seen < budget {
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-idle.C:
			return s, nil
		case cerr := <-stream.Errors():
			if cerr != nil {
				return s, fmt.Errorf("read partition %d: %w", partition, cerr)
			}
		case msg, ok := <-stream.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return s, nil
			}
			idle.Reset(r.opts.idle)
			s.seen++

			replayed, err := r.handle(ctx, msg)
			if err != nil {
				return s, err
			}
			if replayed {
				s.replayed++
			} else {
				s.skipped++
			}
			if msg.Offset+1 >= end {
				return s, nil
			}
		}
	}
	return s, nil
}

// handle переотправляет одно dead letter сообщение. false — сообщение пропущено.
func (r *replayer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	event, ok, err := decodeDeadLetter(msg.Value)
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("skip malformed dead letter")
		return false, nil
	}
	if !ok || !r.matches(event) {
		return false, nil
	}

	record, err := kafka.EncodeOutbox(r.target(msg, event.EventType), event, r.now(),
		kafka.Header{Key: kafka.HeaderReplayedFrom, Value: r.opts.dlqTopic})
	if err != nil {
		return false, err
	}
	fields["topic"] = record.Topic
	fields["outbox_id"] = event.ID

	if !r.opts.execute {
		log.WithFields(fields).Info("would replay")
		return true, nil
	}
	if err := r.out.Send(ctx, record); err != nil {
		return false, fmt.Errorf("replay %s: %w", event.ID, err)
	}
	log.WithFields(fields).Info("replayed")
	return true, nil
}

func (r *replayer) matches(event domain.OutboxMessage) bool {
	if r.opts.eventType != "" && event.EventType != r.opts.eventType {
		return false
	}
	return r.opts.aggregateID == "" || event.AggregateID == r.opts.aggregateID
}

// target берёт topic из заголовка исходного topic, иначе выбирает по типу события.
func (r *replayer) target(msg *sarama.ConsumerMessage, eventType string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == kafka.HeaderOriginalTopic && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	if eventType == domain.EventOrderNotification {
		return r.opts.notifyTopic
	}
	return r.opts.eventsTopic
}

// decodeDeadLetter восстанавливает исходное событие из конверта DLQ.
// false без ошибки: значение не похоже на конверт сервиса.
func decodeDeadLetter(value []byte) (domain.OutboxMessage, bool, error) {
	var envelope kafka.Envelope
	if json.Unmarshal(value, &envelope) != nil || len(envelope.Payload) == 0 {
		return domain.OutboxMessage{}, false, nil
	}

	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return domain.OutboxMessage{}, false, fmt.Errorf("dead letter body: %w", err)
	}
	if len(dead.Payload) == 0 || string(dead.Payload) == "null" {
		return domain.OutboxMessage{}, false, errors.New("dead letter has no original payload")
	}

	return domain.OutboxMessage{
		ID:            cmpOr(dead.OutboxID, envelope.ID),
		AggregateType: cmpOr(dead.AggregateType, envelope.AggregateType),
		AggregateID:   cmpOr(dead.AggregateID, envelope.AggregateID),
		EventType:     cmpOr(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
	}, true, nil
}

func cmpOr(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
