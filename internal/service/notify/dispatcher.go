package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const defaultDispatchTimeout = 5 * time.Second

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout ограничивает одну доставку уведомления.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher отправляет уведомления в фоне: вызывающий не ждёт доставки,
// ошибки только логируются и считаются в метриках.
type Dispatcher struct {
	sink    domain.Notifier
	timeout time.Duration
	metrics *metrics.CheckoutMetrics
	logger  *log.Entry

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher создаёт асинхронный диспетчер поверх sink.
func NewDispatcher(sink domain.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		timeout: defaultDispatchTimeout,
		logger:  log.WithField("component", "notification-dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify запускает доставку и сразу возвращает nil. Отмена ctx запроса доставку не прерывает.
func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.RecordNotification("dropped")
		d.logger.WithField("order_id", n.OrderID).Warn("dispatcher closed, notification dropped")
		return nil
	}
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()

		sendCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()

		if err := d.sink.Notify(sendCtx, n); err != nil {
			d.metrics.RecordNotification("failed")
			d.logger.WithError(err).WithFields(log.Fields{
				"order_id": n.OrderID,
				"status":   n.Status,
			}).Warn("notification delivery failed")
			return
		}
		d.metrics.RecordNotification("sent")
	}()
	return nil
}

// Close перестаёт принимать уведомления и ждёт отправки уже принятых или отмены ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ domain.Notifier = (*Dispatcher)(nil)
