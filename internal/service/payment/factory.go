package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerReset    = 30 * time.Second
)

// Options задаёт параметры Factory.
type Options struct {
	Logger          *log.Entry
	Metrics         *metrics.CheckoutMetrics
	Timeline        domain.TimelineRepository
	Tracer          trace.Tracer
	Timeout         time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
}

// Option настраивает Factory.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics задаёт метрики вызовов провайдеров.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTimeline включает запись событий открытия сессии.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(o *Options) { o.Timeline = repo }
}

// WithTracer задаёт tracer для span-ов вызовов провайдеров.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Options) { o.Tracer = tracer }
}

// WithTimeout ограничивает длительность одного вызова провайдера.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.Timeout = timeout
		}
	}
}

// WithBreaker настраивает circuit breaker каждого провайдера. failures <= 0 отключает его.
func WithBreaker(failures int, reset time.Duration) Option {
	return func(o *Options) {
		o.BreakerFailures = failures
		o.BreakerReset = reset
	}
}

type gatewayEntry struct {
	gateway domain.PaymentGateway
	breaker *CircuitBreaker
}

// Factory открывает платёжные сессии и проводит все вызовы провайдеров через общий
// таймаут, circuit breaker, метрики и трассировку. Статус заказа не меняет.
type Factory struct {
	orders   domain.OrderRepository
	gateways map[domain.PaymentProvider]gatewayEntry
	baseURL  string
	timeout  time.Duration
	timeline domain.TimelineRepository
	metrics  *metrics.CheckoutMetrics
	tracer   trace.Tracer
	logger   *log.Entry
}

// NewFactory создаёт фабрику сессий. baseURL используется для ссылок возврата покупателя.
func NewFactory(orders domain.OrderRepository, baseURL string, gateways []domain.PaymentGateway, options ...Option) *Factory {
	opts := Options{
		Timeout:         defaultProviderTimeout,
		BreakerFailures: defaultBreakerFailures,
		BreakerReset:    defaultBreakerReset,
	}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-factory")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/vladislavdragonenkov/checkout/internal/service/payment")
	}

	entries := make(map[domain.PaymentProvider]gatewayEntry, len(gateways))
	for _, gw := range gateways {
		provider := string(gw.Provider())
		breaker := NewCircuitBreaker(opts.BreakerFailures, opts.BreakerReset, logger.WithField("provider", provider))
		breaker.OnStateChange(func(_, to CircuitState) { opts.Metrics.SetCircuitState(provider, int(to)) })
		opts.Metrics.SetCircuitState(provider, int(CircuitClosed))
		entries[gw.Provider()] = gatewayEntry{gateway: gw, breaker: breaker}
	}

	return &Factory{
		orders:   orders,
		gateways: entries,
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  opts.Timeout,
		timeline: opts.Timeline,
		metrics:  opts.Metrics,
		tracer:   tracer,
		logger:   logger,
	}
}

// Providers возвращает список подключённых провайдеров.
func (f *Factory) Providers() []domain.PaymentProvider {
	result := make([]domain.PaymentProvider, 0, len(f.gateways))
	for p := range f.gateways {
		result = append(result, p)
	}
	return result
}

// Supports сообщает, подключён ли провайдер.
func (f *Factory) Supports(provider domain.PaymentProvider) bool {
	_, ok := f.gateways[provider]
	return ok
}

// OpenSession открывает сессию у провайдера заказа и записывает её в заказ.
// Повторный вызов для заказа с уже записанной сессией возвращает её без обращения к провайдеру,
// поэтому возобновление после сбоя не создаёт второй сессии и не трогает остатки.
func (f *Factory) OpenSession(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.ProviderSessionID != "" {
		return order, nil
	}
	if order.Status != domain.OrderStatusPending {
		return order, fmt.Errorf("%w: cannot open payment session for %s order", domain.ErrInvalidTransition, order.Status)
	}
	entry, err := f.entry(order.Provider)
	if err != nil {
		return order, err
	}

	req := domain.SessionRequest{
		OrderID:          order.ID,
		Currency:         order.Currency,
		Items:            order.Items,
		ShippingFeeMinor: order.ShippingFeeMinor,
		TotalMinor:       order.TotalMinor,
		SuccessURL:       f.returnURL("success", order.ID),
		CancelURL:        f.returnURL("cancel", order.ID),
	}

	var session domain.PaymentSession
	err = f.call(ctx, entry, "create_session", order.ID, func(callCtx context.Context) error {
		var callErr error
		session, callErr = entry.gateway.CreateSession(callCtx, req)
		return callErr
	})
	if err != nil {
		f.appendTimeline(ctx, order, domain.TimelineSessionFailure, err.Error())
		f.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"provider": order.Provider,
		}).Warn("payment session creation failed")
		if !errors.Is(err, domain.ErrProviderSessionCreationFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrProviderSessionCreationFailed, err)
		}
		return order, err
	}

	updated, err := f.orders.AttachSession(ctx, order.ID, session)
	if errors.Is(err, domain.ErrSessionAlreadyAttached) {
		// Параллельное возобновление успело раньше; провайдер дедуплицирует по ID заказа.
		return updated, nil
	}
	if err != nil {
		return order, fmt.Errorf("attach session: %w", err)
	}

	f.appendTimeline(ctx, order, domain.TimelineSessionOpened, session.SessionID)
	f.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"provider":   session.Provider,
		"session_id": session.SessionID,
	}).Info("payment session opened")
	return updated, nil
}

// Confirm запрашивает у провайдера авторитетный итог оплаты по сессии.
func (f *Factory) Confirm(ctx context.Context, provider domain.PaymentProvider, sessionID string) (domain.PaymentResult, error) {
	entry, err := f.entry(provider)
	if err != nil {
		return domain.PaymentResult{}, err
	}

	var result domain.PaymentResult
	err = f.call(ctx, entry, "confirm", sessionID, func(callCtx context.Context) error {
		var callErr error
		result, callErr = entry.gateway.Confirm(callCtx, sessionID)
		return callErr
	})
	return result, err
}

// ParseWebhook проверяет подпись вебхука провайдера.
func (f *Factory) ParseWebhook(provider domain.PaymentProvider, req domain.WebhookRequest) (domain.WebhookEvent, error) {
	entry, err := f.entry(provider)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	return entry.gateway.ParseWebhook(req)
}

func (f *Factory) entry(provider domain.PaymentProvider) (gatewayEntry, error) {
	entry, ok := f.gateways[provider]
	if !ok {
		return gatewayEntry{}, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, provider)
	}
	return entry, nil
}

// call выполняет вызов провайдера с таймаутом. Истечение таймаута — временная ошибка.
func (f *Factory) call(ctx context.Context, entry gatewayEntry, operation, ref string, fn func(context.Context) error) error {
	provider := string(entry.gateway.Provider())
	ctx, span := f.tracer.Start(ctx, "payment."+operation, trace.WithAttributes(
		attribute.String("payment.provider", provider),
		attribute.String("payment.ref", ref),
	))
	defer span.End()

	start := time.Now()
	err := entry.breaker.Execute(operation, func() error {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		callErr := fn(callCtx)
		if callErr != nil && !errors.Is(callErr, domain.ErrProviderTransient) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			callErr = fmt.Errorf("%w: %s timed out: %v", domain.ErrProviderTransient, operation, callErr)
		}
		return callErr
	})

	result := "ok"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case errors.Is(err, domain.ErrProviderTransient):
		result = "transient"
	case err != nil:
		result = "error"
	}
	f.metrics.ObserveProviderCall(provider, operation, result, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	return err
}

func (f *Factory) returnURL(kind, orderID string) string {
	return f.baseURL + "/checkout/" + kind + "?orderId=" + url.QueryEscape(orderID)
}

func (f *Factory) appendTimeline(ctx context.Context, order domain.Order, kind domain.TimelineKind, detail string) {
	if f.timeline == nil {
		return
	}
	if err := f.timeline.Append(ctx, domain.TimelineEvent{
		OrderID: order.ID,
		Kind:    kind,
		Source:  string(order.Provider),
		Detail:  detail,
		At:      time.Now().UTC(),
	}); err != nil {
		f.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to append timeline event")
	}
}
