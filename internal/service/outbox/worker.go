package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = time.Second
	defaultMaxRetryDelay  = 5 * time.Minute
	defaultClaimLease     = 30 * time.Second
)

// Исходы доставки для метрик.
const (
	resultSent      = "sent"
	resultRetry     = "retry"
	resultDead      = "dead"
	resultDLQFailed = "dlq_failed"
)

// Options задаёт параметры Worker.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.CheckoutMetrics
	DLQ            domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	ClaimLease     time.Duration
	Now            func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithDLQPublisher задаёт, куда уходят сообщения с исчерпанными попытками.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(o *Options) { o.DLQ = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) { o.PollInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(o *Options) { o.BatchSize = size }
}

// WithMaxAttempts задаёт, после скольких неудачных доставок сообщение хоронится.
func WithMaxAttempts(attempts int) Option {
	return func(o *Options) { o.MaxAttempts = attempts }
}

// WithRetryBaseDelay задаёт задержку перед первым повтором; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(o *Options) { o.RetryBaseDelay = delay }
}

func WithMaxRetryDelay(delay time.Duration) Option {
	return func(o *Options) { o.MaxRetryDelay = delay }
}

// WithClaimLease задаёт срок аренды порции; должен превышать время её публикации.
func WithClaimLease(lease time.Duration) Option {
	return func(o *Options) { o.ClaimLease = lease }
}

func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// Worker доставляет события outbox во внешний транспорт at-least-once.
// Неудачная публикация не блокирует порцию: сообщение возвращается в outbox
// с отложенным повтором, а после MaxAttempts уходит в DLQ.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	opts      Options
	logger    *log.Entry
}

// NewWorker создаёт Worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := Options{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
		MaxRetryDelay:  defaultMaxRetryDelay,
		ClaimLease:     defaultClaimLease,
		Now:            func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.MaxRetryDelay < opts.RetryBaseDelay {
		opts.MaxRetryDelay = opts.RetryBaseDelay
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}
	return &Worker{repo: repo, publisher: publisher, opts: opts, logger: logger}
}

// Run доставляет события до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		// Полная порция: скорее всего есть ещё, тика не ждём.
		if w.ProcessOnce(ctx) == w.opts.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce арендует одну порцию и закрывает каждое сообщение. Возвращает размер порции.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.reportBacklog(ctx)

	batch, err := w.repo.Claim(ctx, w.opts.BatchSize, w.opts.ClaimLease)
	if err != nil {
		w.logger.WithError(err).Warn("outbox claim failed")
		return 0
	}
	for _, msg := range batch {
		if ctx.Err() != nil {
			// Незакрытые сообщения вернутся после истечения аренды.
			break
		}
		w.deliver(ctx, msg)
	}
	return len(batch)
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":    msg.ID,
		"event_type":   msg.EventType,
		"aggregate_id": msg.AggregateID,
		"attempt":      msg.Attempts + 1,
	})

	publishErr := w.publisher.Publish(ctx, msg)
	// Закрытие аренды не должно срываться из-за отмены ctx на остановке.
	settleCtx := context.WithoutCancel(ctx)

	if publishErr == nil {
		w.opts.Metrics.RecordOutboxDelivery(msg.EventType, resultSent)
		if err := w.repo.MarkSent(settleCtx, msg.ID); err != nil {
			// Сообщение будет опубликовано повторно; получатели дедуплицируют по ID.
			entry.WithError(err).Warn("outbox message sent but not marked")
		}
		return
	}

	if msg.Attempts+1 < w.opts.MaxAttempts {
		at := w.opts.Now().Add(w.backoff(msg.Attempts + 1))
		w.opts.Metrics.RecordOutboxDelivery(msg.EventType, resultRetry)
		entry.WithError(publishErr).WithField("retry_at", at).Warn("outbox publish failed, retry scheduled")
		if err := w.repo.Retry(settleCtx, msg.ID, at, publishErr.Error()); err != nil {
			entry.WithError(err).Warn("outbox retry not recorded")
		}
		return
	}

	if err := w.deadLetter(ctx, msg, publishErr); err != nil {
		// Пока DLQ недоступна, сообщение не хоронится: откладываем на максимальную задержку.
		w.opts.Metrics.RecordOutboxDelivery(msg.EventType, resultDLQFailed)
		entry.WithError(err).Error("dead letter publish failed")
		if err := w.repo.Retry(settleCtx, msg.ID, w.opts.Now().Add(w.opts.MaxRetryDelay), publishErr.Error()); err != nil {
			entry.WithError(err).Warn("outbox retry not recorded")
		}
		return
	}
	w.opts.Metrics.RecordOutboxDelivery(msg.EventType, resultDead)
	entry.WithError(publishErr).Error("outbox message moved to dead letters")
	if err := w.repo.Bury(settleCtx, msg.ID, publishErr.Error()); err != nil {
		entry.WithError(err).Warn("outbox message not buried")
	}
}

// backoff — задержка перед повтором attempt: base, 2*base, 4*base, ... не больше MaxRetryDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.opts.RetryBaseDelay
	for i := 1; i < attempt && delay < w.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, w.opts.MaxRetryDelay)
}

func (w *Worker) reportBacklog(ctx context.Context) {
	if w.opts.Metrics == nil {
		return
	}
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.WithError(err).Debug("outbox stats unavailable")
		return
	}
	var age time.Duration
	if stats.Pending > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.opts.Now().Sub(stats.OldestPendingAt)
	}
	w.opts.Metrics.SetOutboxBacklog(stats.Pending, stats.Dead, age)
}

// DeadLetter — тело сообщения в DLQ: исходное событие и история неудачи.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"failed_at"`
}

// deadLetter публикует сообщение в DLQ. Без DLQ сообщение остаётся только в outbox
// в состоянии dead.
func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if w.opts.DLQ == nil {
		return nil
	}
	original := json.RawMessage(msg.Payload)
	if !json.Valid(original) {
		original = json.RawMessage("null")
	}
	payload, err := json.Marshal(DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       original,
		Attempts:      msg.Attempts + 1,
		PublishError:  cause.Error(),
		FailedAt:      w.opts.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	dead := msg
	dead.Payload = payload
	if err := w.opts.DLQ.Publish(ctx, dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
