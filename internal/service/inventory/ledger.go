package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// Options задаёт необязательные зависимости Ledger.
type Options struct {
	Logger            *log.Entry
	Metrics           *metrics.CheckoutMetrics
	Outbox            domain.OutboxRepository
	LowStockThreshold int64
}

// Option настраивает Ledger.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithLowStockAlerts включает события inventory.low_stock, когда остаток падает до threshold.
func WithLowStockAlerts(outbox domain.OutboxRepository, threshold int64) Option {
	return func(o *Options) {
		o.Outbox = outbox
		o.LowStockThreshold = threshold
	}
}

// Ledger — единственная точка изменения остатков: резерв при оформлении и однократный возврат.
type Ledger struct {
	repo              domain.InventoryRepository
	orders            domain.OrderRepository
	outbox            domain.OutboxRepository
	lowStockThreshold int64
	metrics           *metrics.CheckoutMetrics
	logger            *log.Entry
}

// NewLedger создаёт Ledger поверх репозиториев остатков и заказов.
func NewLedger(repo domain.InventoryRepository, orders domain.OrderRepository, options ...Option) *Ledger {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "inventory-ledger")
	}

	return &Ledger{
		repo:              repo,
		orders:            orders,
		outbox:            opts.Outbox,
		lowStockThreshold: opts.LowStockThreshold,
		metrics:           opts.Metrics,
		logger:            logger,
	}
}

// Reserve резервирует все позиции или ни одной. При нехватке хотя бы одной позиции
// уже списанные позиции возвращаются до выхода, и вызывающий видит только ошибку.
func (l *Ledger) Reserve(ctx context.Context, items []domain.LineItem) error {
	reserved := make([]domain.LineItem, 0, len(items))
	remaining := make(map[string]int64, len(items))

	for _, item := range items {
		left, err := l.repo.Decrement(ctx, item.ProductID, item.Qty)
		if err != nil {
			l.rollback(ctx, reserved)
			l.metrics.RecordReservation(reservationResult(err))
			return fmt.Errorf("reserve %s: %w", item.ProductID, err)
		}
		reserved = append(reserved, item)
		remaining[item.ProductID] = left
	}

	l.metrics.RecordReservation("reserved")
	l.alertLowStock(ctx, remaining)
	return nil
}

// ReleaseOrder возвращает остатки заказа ровно один раз. Флаг StockReleased выставляется
// условной записью до начисления, поэтому повторные и параллельные вызовы ничего не начисляют.
// Возврат идёт после уже применённого перехода и не зависит от отмены ctx вызывающего.
func (l *Ledger) ReleaseOrder(ctx context.Context, order domain.Order) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	won, err := l.orders.MarkStockReleased(ctx, order.ID)
	if err != nil {
		l.metrics.RecordStockRelease("failed")
		return false, fmt.Errorf("mark stock released: %w", err)
	}
	if !won {
		l.metrics.RecordStockRelease("already_released")
		return false, nil
	}

	var errs []error
	for _, item := range order.Items {
		if err := l.repo.Increment(ctx, item.ProductID, item.Qty); err != nil {
			errs = append(errs, fmt.Errorf("release %s x%d: %w", item.ProductID, item.Qty, err))
		}
	}
	if len(errs) > 0 {
		// Флаг уже выставлен: повтор не начислит дважды, расхождение требует ручной сверки.
		l.metrics.RecordStockRelease("failed")
		l.logger.WithField("order_id", order.ID).WithError(errors.Join(errs...)).Error("stock release partially failed")
		return true, errors.Join(errs...)
	}

	l.metrics.RecordStockRelease("released")
	l.logger.WithField("order_id", order.ID).Info("reserved stock released")
	return true, nil
}

// Restore возвращает резерв, под который так и не был создан заказ.
// Для существующих заказов используется ReleaseOrder.
func (l *Ledger) Restore(ctx context.Context, items []domain.LineItem) {
	l.rollback(ctx, items)
	l.metrics.RecordStockRelease("restored")
}

// Available возвращает текущий остаток товара.
func (l *Ledger) Available(ctx context.Context, productID string) (int64, error) {
	return l.repo.Available(ctx, productID)
}

// rollback возвращает уже списанное даже после отмены ctx: иначе резерв останется навсегда.
func (l *Ledger) rollback(ctx context.Context, reserved []domain.LineItem) {
	ctx = context.WithoutCancel(ctx)
	for _, item := range reserved {
		if err := l.repo.Increment(ctx, item.ProductID, item.Qty); err != nil {
			l.metrics.RecordStockRelease("rollback_failed")
			l.logger.WithError(err).WithFields(log.Fields{
				"product_id": item.ProductID,
				"qty":        item.Qty,
			}).Error("failed to roll back partial reservation")
		}
	}
}

func (l *Ledger) alertLowStock(ctx context.Context, remaining map[string]int64) {
	if l.outbox == nil || l.lowStockThreshold <= 0 {
		return
	}
	for productID, left := range remaining {
		if left > l.lowStockThreshold {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"product_id": productID,
			"remaining":  left,
			"threshold":  l.lowStockThreshold,
		})
		if err != nil {
			continue
		}
		if _, err := l.outbox.Enqueue(context.WithoutCancel(ctx), domain.OutboxMessage{
			AggregateType: domain.AggregateInventory,
			AggregateID:   productID,
			EventType:     domain.EventInventoryLowStock,
			Payload:       payload,
		}); err != nil {
			l.logger.WithError(err).WithField("product_id", productID).Warn("failed to enqueue low stock event")
		}
	}
}

func reservationResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrProductUnavailable):
		return "product_unavailable"
	default:
		return "error"
	}
}
