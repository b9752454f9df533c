package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// defaultMaxBatches ограничивает один проход; остаток дочищается на следующем тике.
	defaultMaxBatches = 20
)

// CleanupOptions задаёт параметры CleanupWorker.
type CleanupOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.CheckoutMetrics
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
	Now        func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.CheckoutMetrics) CleanupOption {
	return func(opts *CleanupOptions) { opts.Metrics = m }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithBatchSize задаёт размер одного DELETE.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithMaxBatches ограничивает число DELETE за проход.
func WithMaxBatches(n int) CleanupOption {
	return func(opts *CleanupOptions) { opts.MaxBatches = n }
}

func WithClock(now func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) { opts.Now = now }
}

// CleanupWorker удаляет просроченные ключи оформления и отметки вебхуков.
// После удаления отметки повторная доставка того же события снова пройдёт сверку;
// это безопасно, потому что переход статуса условный.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.CheckoutMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:   defaultCleanupInterval,
		BatchSize:  defaultCleanupBatchSize,
		MaxBatches: defaultMaxBatches,
		Now:        func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}

	return &CleanupWorker{
		repo:       repo,
		logger:     logger,
		metrics:    opts.Metrics,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		maxBatches: opts.MaxBatches,
		now:        opts.Now,
	}
}

// Run чистит хранилище сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: repository is nil")
		return
	}

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход и возвращает число удалённых записей.
func (w *CleanupWorker) RunOnce(ctx context.Context) int {
	purged, err := w.Purge(ctx, w.now())
	switch {
	case errors.Is(err, context.Canceled):
		return purged
	case err != nil:
		w.metrics.RecordIdempotencyCleanup("error", purged)
		w.logger.WithError(err).Warn("idempotency cleanup failed")
		return purged
	}

	w.metrics.RecordIdempotencyCleanup("ok", purged)
	if purged > 0 {
		w.logger.WithField("purged", purged).Info("expired idempotency keys removed")
	}
	return purged
}

// Purge удаляет записи с ExpiresAt <= before порциями batchSize, но не больше maxBatches порций.
func (w *CleanupWorker) Purge(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for batch := 0; batch < w.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.repo.PurgeExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < w.batchSize {
			break
		}
	}
	return total, nil
}
