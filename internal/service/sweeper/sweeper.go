package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/reconcile"
)

const (
	defaultInterval  = time.Minute
	defaultMaxAge    = 30 * time.Minute
	defaultBatchSize = 100

	expiredProviderStatus = "expired_by_sweeper"
)

var sweeperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "checkout_sweeper_runs_total",
	Help: "Total number of stale pending sweeps grouped by result.",
}, []string{"result"})

// Reconciler — сверка pending-заказа с провайдером.
type Reconciler interface {
	Reconcile(ctx context.Context, source string, order domain.Order) (reconcile.Result, error)
}

// Expirer отменяет pending-заказ с возвратом остатков.
type Expirer interface {
	Expire(ctx context.Context, orderID, reason string) (domain.Order, error)
}

// Releaser возвращает остатки заказа не более одного раза.
type Releaser interface {
	ReleaseOrder(ctx context.Context, order domain.Order) (bool, error)
}

// Options задаёт параметры Sweeper.
type Options struct {
	Releaser  Releaser
	Logger    *log.Entry
	Metrics   *metrics.CheckoutMetrics
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
	Now       func() time.Time
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithReleaser включает довозврат остатков отменённым заказам, у которых возврат не записался.
func WithReleaser(r Releaser) Option {
	return func(o *Options) { o.Releaser = r }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithInterval задаёт период обхода.
func WithInterval(interval time.Duration) Option {
	return func(o *Options) { o.Interval = interval }
}

// WithMaxAge задаёт возраст, после которого pending-заказ считается брошенным.
func WithMaxAge(maxAge time.Duration) Option {
	return func(o *Options) { o.MaxAge = maxAge }
}

// WithBatchSize ограничивает число заказов за один обход.
func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// Summary — итог одного обхода.
type Summary struct {
	Checked int
	Settled int
	Expired int
	Skipped int

	// Recovered — отменённые заказы, остатки которых вернул этот обход.
	Recovered int
}

// Sweeper закрывает брошенные pending-заказы: сначала спрашивает провайдера,
// и только если оплаты нет, отменяет заказ и возвращает остатки.
type Sweeper struct {
	orders     domain.OrderRepository
	reconciler Reconciler
	expirer    Expirer
	releaser   Releaser
	interval   time.Duration
	maxAge     time.Duration
	batchSize  int
	now        func() time.Time
	metrics    *metrics.CheckoutMetrics
	logger     *log.Entry
}

// New создаёт Sweeper.
func New(orders domain.OrderRepository, reconciler Reconciler, expirer Expirer, options ...Option) *Sweeper {
	opts := Options{
		Interval:  defaultInterval,
		MaxAge:    defaultMaxAge,
		BatchSize: defaultBatchSize,
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "pending-sweeper")
	}

	return &Sweeper{
		orders:     orders,
		reconciler: reconciler,
		expirer:    expirer,
		releaser:   opts.Releaser,
		interval:   opts.Interval,
		maxAge:     opts.MaxAge,
		batchSize:  opts.BatchSize,
		now:        opts.Now,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// Run обходит зависшие заказы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := s.SweepOnce(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				sweeperRunsTotal.WithLabelValues("error").Inc()
				s.logger.WithError(err).Warn("pending sweep failed")
				continue
			}
			sweeperRunsTotal.WithLabelValues("ok").Inc()
			if summary.Checked > 0 || summary.Recovered > 0 {
				s.logger.WithFields(log.Fields{
					"checked":   summary.Checked,
					"settled":   summary.Settled,
					"expired":   summary.Expired,
					"skipped":   summary.Skipped,
					"recovered": summary.Recovered,
				}).Info("pending sweep completed")
			}
		}
	}
}

// SweepOnce обрабатывает одну порцию pending-заказов старше maxAge, затем
// возвращает остатки отменённым заказам, если прежний возврат не записался.
func (s *Sweeper) SweepOnce(ctx context.Context) (Summary, error) {
	summary, err := s.sweepPending(ctx)
	if err != nil {
		return summary, err
	}
	summary.Recovered, err = s.recoverReleases(ctx)
	return summary, err
}

func (s *Sweeper) sweepPending(ctx context.Context) (Summary, error) {
	var summary Summary

	stale, err := s.orders.ListPendingBefore(ctx, s.now().Add(-s.maxAge), s.batchSize)
	if err != nil {
		return summary, err
	}

	for _, order := range stale {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++

		if order.ProviderSessionID != "" {
			res, err := s.reconciler.Reconcile(ctx, reconcile.SourceSweeper, order)
			switch {
			case err != nil:
				// Провайдер ничего не сказал об оплате: остатки не трогаем до следующего обхода.
				summary.Skipped++
				s.logger.WithError(err).WithFields(log.Fields{
					"order_id":  order.ID,
					"transient": errors.Is(err, domain.ErrProviderTransient),
				}).Warn("sweeper could not confirm payment, order stays pending")
				continue
			case res.Outcome != domain.PaymentOutcomePending:
				summary.Settled++
				continue
			}
		}

		if _, err := s.expirer.Expire(ctx, order.ID, expiredProviderStatus); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				summary.Settled++
				continue
			}
			summary.Skipped++
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to expire pending order")
			continue
		}
		summary.Expired++
		s.metrics.RecordPendingSwept()
	}
	return summary, nil
}

func (s *Sweeper) recoverReleases(ctx context.Context) (int, error) {
	if s.releaser == nil {
		return 0, nil
	}
	unreleased, err := s.orders.ListUnreleased(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, order := range unreleased {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		released, err := s.releaser.ReleaseOrder(ctx, order)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to recover stock release")
			continue
		}
		if released {
			recovered++
			s.logger.WithFields(log.Fields{"order_id": order.ID, "status": order.Status}).Info("stock release recovered")
		}
	}
	return recovered, nil
}
