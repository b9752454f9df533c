package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
)

// maxConflictRetries ограничивает повторы административного перехода при гонке статусов.
const maxConflictRetries = 3

// Инициаторы переходов, которые выполняет сам сервис заказов.
const (
	SourceAdmin  = "admin"
	SourceExpiry = "expiry"
)

// Caller — аутентифицированный пользователь, от имени которого выполняется запрос.
type Caller struct {
	UserID string
	Admin  bool
}

// CanRead сообщает, может ли пользователь видеть заказ.
func (c Caller) CanRead(order domain.Order) bool {
	return c.Admin || order.OwnedBy(c.UserID)
}

// Options задаёт необязательные зависимости Service.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.CheckoutMetrics
	Notifier domain.Notifier
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Now      func() time.Time
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithNotifier задаёт получателя уведомлений о смене статуса.
func WithNotifier(n domain.Notifier) Option {
	return func(o *Options) { o.Notifier = n }
}

// WithOutbox включает доменные события order.status_changed.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(o *Options) { o.Outbox = repo }
}

// WithTimeline включает запись переходов в timeline.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(o *Options) { o.Timeline = repo }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// Service — машина состояний заказа поверх репозитория. Все переходы, и от сверки оплаты,
// и административные, проходят через Apply.
type Service struct {
	orders   domain.OrderRepository
	ledger   *inventory.Ledger
	notifier domain.Notifier
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewService создаёт сервис заказов.
func NewService(orders domain.OrderRepository, ledger *inventory.Ledger, options ...Option) *Service {
	opts := Options{Now: func() time.Time { return time.Now().UTC() }}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "orders")
	}

	return &Service{
		orders:   orders,
		ledger:   ledger,
		notifier: opts.Notifier,
		outbox:   opts.Outbox,
		timeline: opts.Timeline,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      opts.Now,
	}
}

// Get возвращает заказ, если пользователь владеет им или является администратором.
func (s *Service) Get(ctx context.Context, caller Caller, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !caller.CanRead(order) {
		return domain.Order{}, domain.ErrNotAuthorized
	}
	return order, nil
}

// List возвращает заказы пользователя, новые первыми.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	return s.orders.ListByUser(ctx, userID, limit)
}

// Timeline возвращает историю заказа.
func (s *Service) Timeline(ctx context.Context, caller Caller, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.Get(ctx, caller, orderID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(ctx, orderID)
}

// UpdateStatus — административный переход. Paid и PaymentFailed выставляет только сверка оплаты.
// При гонке с другим переходом текущий статус перечитывается, и переход проверяется заново.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus, trackingRef string) (domain.Order, error) {
	if !target.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q", domain.ErrUnknownStatus, target)
	}
	if target == domain.OrderStatusPaid || target == domain.OrderStatusPaymentFailed {
		return domain.Order{}, fmt.Errorf("%w: %s is set by payment confirmation", domain.ErrInvalidTransition, target)
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		current, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}

		updated, err := s.Apply(ctx, orderID, domain.OrderUpdate{
			Expected:    current.Status,
			Status:      target,
			TrackingRef: trackingRef,
			Source:      SourceAdmin,
		})
		if errors.Is(err, domain.ErrStatusConflict) {
			lastErr = err
			continue
		}
		return updated, err
	}
	return domain.Order{}, lastErr
}

// Expire отменяет зависший pending-заказ и возвращает его остатки.
func (s *Service) Expire(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return s.Apply(ctx, orderID, domain.OrderUpdate{
		Expected:       domain.OrderStatusPending,
		Status:         domain.OrderStatusCancelled,
		ProviderStatus: reason,
		Source:         SourceExpiry,
	})
}

// Apply выполняет условный переход и, только если он применён, его последствия:
// timeline, доменное событие, возврат остатков для отмены и отказа, уведомление.
// При ErrStatusConflict возвращает текущий заказ без побочных эффектов.
func (s *Service) Apply(ctx context.Context, orderID string, upd domain.OrderUpdate) (domain.Order, error) {
	if upd.At.IsZero() {
		upd.At = s.now()
	}
	if err := upd.Validate(); err != nil {
		return domain.Order{}, err
	}

	updated, err := s.orders.Transition(ctx, orderID, upd)
	if err != nil {
		return updated, err
	}

	s.metrics.RecordTransition(string(updated.Status))
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"from":     upd.Expected,
		"to":       updated.Status,
	}).Info("order status changed")

	s.appendTimeline(ctx, domain.StatusChange(orderID, upd))
	s.enqueueStatusChanged(ctx, updated, upd.Expected)

	if updated.Status.ReleasesStock() && s.ledger != nil {
		released, err := s.ledger.ReleaseOrder(ctx, updated)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Error("failed to release stock")
		}
		if released {
			updated.StockReleased = true
			s.appendTimeline(ctx, domain.TimelineEvent{
				OrderID: orderID,
				Kind:    domain.TimelineStockReleased,
				To:      updated.Status,
				Source:  upd.Source,
				At:      s.now(),
			})
		}
	}

	if updated.Status.Notifies() {
		s.notify(ctx, updated, upd.At)
	}
	return updated, nil
}

func (s *Service) notify(ctx context.Context, order domain.Order, at time.Time) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, domain.Notification{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalMinor:  order.TotalMinor,
		Currency:    order.Currency,
		TrackingRef: order.TrackingRef,
		OccurredAt:  at,
	})
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("notification not dispatched")
	}
}

type statusChangedPayload struct {
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	TotalMinor  int64     `json:"total_minor"`
	Currency    string    `json:"currency"`
	TrackingRef string    `json:"tracking_ref,omitempty"`
	CaptureID   string    `json:"capture_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// enqueueStatusChanged пишет событие после применённого перехода, поэтому не зависит от отмены ctx.
func (s *Service) enqueueStatusChanged(ctx context.Context, order domain.Order, from domain.OrderStatus) {
	if s.outbox == nil {
		return
	}
	payload, err := json.Marshal(statusChangedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		From:        string(from),
		To:          string(order.Status),
		TotalMinor:  order.TotalMinor,
		Currency:    order.Currency,
		TrackingRef: order.TrackingRef,
		CaptureID:   order.ProviderCaptureID,
		OccurredAt:  order.UpdatedAt,
	})
	if err != nil {
		return
	}
	if _, err := s.outbox.Enqueue(context.WithoutCancel(ctx), domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventOrderStatusChanged,
		Payload:       payload,
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to enqueue status event")
	}
}

func (s *Service) appendTimeline(ctx context.Context, event domain.TimelineEvent) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(ctx, event); err != nil {
		s.logger.WithError(err).WithField("order_id", event.OrderID).Warn("failed to append timeline event")
	}
}
