package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
)

// Request — запрос на оформление заказа из корзины пользователя.
type Request struct {
	UserID          string
	ShippingAddress domain.ShippingAddress
	Provider        domain.PaymentProvider
}

// Result — созданный (или возобновлённый) заказ и ссылка на оплату.
type Result struct {
	Order       domain.Order
	RedirectURL string
	Provider    domain.PaymentProvider
}

// Config — параметры оформления: единая валюта и фиксированная стоимость доставки.
type Config struct {
	Currency         string
	ShippingFeeMinor int64
}

// Options задаёт необязательные зависимости Service.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.CheckoutMetrics
	Timeline domain.TimelineRepository
	Now      func() time.Time
	NewID    func() string
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

// WithTimeline включает запись события создания заказа.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(o *Options) { o.Timeline = repo }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithIDGenerator подменяет генератор ID заказов.
func WithIDGenerator(newID func() string) Option {
	return func(o *Options) { o.NewID = newID }
}

// Service оформляет заказ: снимок корзины, резерв, создание pending-заказа, открытие сессии.
type Service struct {
	cfg       Config
	snapshots *SnapshotBuilder
	ledger    *inventory.Ledger
	orders    domain.OrderRepository
	sessions  *payment.Factory
	timeline  domain.TimelineRepository
	metrics   *metrics.CheckoutMetrics
	logger    *log.Entry
	now       func() time.Time
	newID     func() string
}

// NewService создаёт сервис оформления.
func NewService(cfg Config, snapshots *SnapshotBuilder, ledger *inventory.Ledger, orders domain.OrderRepository, sessions *payment.Factory, options ...Option) *Service {
	opts := Options{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}

	return &Service{
		cfg:       cfg,
		snapshots: snapshots,
		ledger:    ledger,
		orders:    orders,
		sessions:  sessions,
		timeline:  opts.Timeline,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       opts.Now,
		newID:     opts.NewID,
	}
}

// StartCheckout создаёт новый заказ. Ошибки проверки и резерва возвращаются без побочных
// эффектов. Если не удалось открыть сессию, возвращается созданный pending-заказ вместе
// с ErrProviderSessionCreationFailed: остатки остаются за заказом, повтор — через ResumeCheckout.
func (s *Service) StartCheckout(ctx context.Context, req Request) (Result, error) {
	if req.UserID == "" {
		return Result{}, domain.ErrUserRequired
	}
	if err := req.ShippingAddress.Validate(); err != nil {
		s.metrics.RecordCheckout("invalid")
		return Result{}, err
	}
	if !s.sessions.Supports(req.Provider) {
		s.metrics.RecordCheckout("invalid")
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, req.Provider)
	}

	snapshot, err := s.snapshots.Build(ctx, req.UserID)
	if err != nil {
		s.metrics.RecordCheckout(checkoutResult(err))
		return Result{}, err
	}

	if err := s.ledger.Reserve(ctx, snapshot.Items); err != nil {
		s.metrics.RecordCheckout(checkoutResult(err))
		return Result{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:               s.newID(),
		UserID:           req.UserID,
		Items:            snapshot.Items,
		Currency:         s.cfg.Currency,
		SubtotalMinor:    snapshot.SubtotalMinor,
		ShippingFeeMinor: s.cfg.ShippingFeeMinor,
		TotalMinor:       snapshot.SubtotalMinor + s.cfg.ShippingFeeMinor,
		Status:           domain.OrderStatusPending,
		Provider:         req.Provider,
		ShippingAddress:  req.ShippingAddress,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		s.ledger.Restore(ctx, snapshot.Items)
		s.metrics.RecordCheckout("invalid")
		return Result{}, errors.Join(errs...)
	}
	if err := s.orders.Create(ctx, order); err != nil {
		s.ledger.Restore(ctx, snapshot.Items)
		s.metrics.RecordCheckout("error")
		return Result{}, fmt.Errorf("create order: %w", err)
	}
	s.appendTimeline(ctx, order.ID, fmt.Sprintf("total=%s %s", domain.FormatMinor(order.TotalMinor), order.Currency))

	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"user_id":     order.UserID,
		"total_minor": order.TotalMinor,
		"provider":    order.Provider,
	}).Info("order created")

	withSession, err := s.sessions.OpenSession(ctx, order)
	if err != nil {
		s.metrics.RecordCheckout("session_failed")
		return Result{Order: withSession, Provider: order.Provider}, err
	}

	s.metrics.RecordCheckout("created")
	return Result{
		Order:       withSession,
		RedirectURL: withSession.ProviderRedirectURL,
		Provider:    withSession.Provider,
	}, nil
}

// ResumeCheckout возвращает или заново открывает платёжную сессию pending-заказа пользователя.
// Не резервирует остатки повторно и не создаёт новый заказ.
func (s *Service) ResumeCheckout(ctx context.Context, userID, orderID string) (Result, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !order.OwnedBy(userID) {
		return Result{}, domain.ErrNotAuthorized
	}
	if order.Status != domain.OrderStatusPending {
		return Result{Order: order, Provider: order.Provider}, fmt.Errorf("%w: order is %s", domain.ErrInvalidTransition, order.Status)
	}

	withSession, err := s.sessions.OpenSession(ctx, order)
	if err != nil {
		return Result{Order: withSession, Provider: order.Provider}, err
	}
	return Result{
		Order:       withSession,
		RedirectURL: withSession.ProviderRedirectURL,
		Provider:    withSession.Provider,
	}, nil
}

func (s *Service) appendTimeline(ctx context.Context, orderID, detail string) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(ctx, domain.TimelineEvent{
		OrderID: orderID,
		Kind:    domain.TimelineCreated,
		To:      domain.OrderStatusPending,
		Source:  "checkout",
		Detail:  detail,
		At:      s.now(),
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to append timeline event")
	}
}

func checkoutResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, domain.ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "error"
	}
}
