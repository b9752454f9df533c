package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/orders"
)

// Источники сигнала подтверждения.
const (
	SourceWebhook = "webhook"
	SourceVerify  = "verify"
	SourceCapture = "capture"
	SourceSweeper = "sweeper"
)

const defaultWebhookDedupeTTL = 7 * 24 * time.Hour

// PaymentConfirmer — доступ к провайдерам: авторитетный статус и проверка вебхука.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, provider domain.PaymentProvider, sessionID string) (domain.PaymentResult, error)
	ParseWebhook(provider domain.PaymentProvider, req domain.WebhookRequest) (domain.WebhookEvent, error)
}

// Result — итог сверки. AlreadyDecided означает, что заказ уже был оплачен или отклонён
// до этого вызова, и никаких изменений не выполнялось.
type Result struct {
	Order          domain.Order
	Outcome        domain.PaymentOutcome
	AlreadyDecided bool
	Duplicate      bool
}

// Options задаёт необязательные зависимости Reconciler.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.CheckoutMetrics
	Tracer      trace.Tracer
	Idempotency domain.IdempotencyRepository
	DedupeTTL   time.Duration
}

// Option настраивает Reconciler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithTracer задаёт tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Options) { o.Tracer = tracer }
}

// WithWebhookDedupe включает запоминание обработанных событий вебхуков.
func WithWebhookDedupe(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(o *Options) {
		o.Idempotency = repo
		if ttl > 0 {
			o.DedupeTTL = ttl
		}
	}
}

// Reconciler — единственная точка, где pending-заказ становится оплаченным или отклонённым.
// Вебхук и клиентский запрос проверки сходятся в reconcile и различаются только источником.
type Reconciler struct {
	orders    domain.OrderRepository
	machine   *orders.Service
	payments  PaymentConfirmer
	carts     domain.CartStore
	idem      domain.IdempotencyRepository
	dedupeTTL time.Duration
	metrics   *metrics.CheckoutMetrics
	tracer    trace.Tracer
	logger    *log.Entry
}

// NewReconciler создаёт Reconciler.
func NewReconciler(repo domain.OrderRepository, machine *orders.Service, payments PaymentConfirmer, carts domain.CartStore, options ...Option) *Reconciler {
	opts := Options{DedupeTTL: defaultWebhookDedupeTTL}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reconciler")
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/vladislavdragonenkov/checkout/internal/service/reconcile")
	}

	return &Reconciler{
		orders:    repo,
		machine:   machine,
		payments:  payments,
		carts:     carts,
		idem:      opts.Idempotency,
		dedupeTTL: opts.DedupeTTL,
		metrics:   opts.Metrics,
		tracer:    tracer,
		logger:    logger,
	}
}

// ReconcileSession находит заказ по сессии провайдера и сверяет его.
func (r *Reconciler) ReconcileSession(ctx context.Context, source, sessionID string) (Result, error) {
	if sessionID == "" {
		return Result{}, domain.ErrOrderNotFound
	}
	order, err := r.orders.GetBySession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	return r.Reconcile(ctx, source, order)
}

// VerifyForUser — клиентская проверка после возврата с провайдера (redirect-and-capture-later).
func (r *Reconciler) VerifyForUser(ctx context.Context, userID, sessionID string) (Result, error) {
	if sessionID == "" {
		return Result{}, domain.ErrOrderNotFound
	}
	order, err := r.orders.GetBySession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if !order.OwnedBy(userID) {
		return Result{}, domain.ErrNotAuthorized
	}
	return r.Reconcile(ctx, SourceVerify, order)
}

// CaptureForUser — клиентский capture для провайдеров «создать, затем capture».
func (r *Reconciler) CaptureForUser(ctx context.Context, userID, orderID string) (Result, error) {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if !order.OwnedBy(userID) {
		return Result{}, domain.ErrNotAuthorized
	}
	return r.Reconcile(ctx, SourceCapture, order)
}

// Reconcile выполняет сверку заказа:
//   - уже решённый заказ возвращается как есть, без обращения к провайдеру;
//   - иначе у провайдера запрашивается авторитетный статус;
//   - успех: capture ID, Paid, очистка корзины, уведомление;
//   - отказ: PaymentFailed и однократный возврат остатков;
//   - временная ошибка: заказ остаётся pending, ошибка допускает повтор.
//
// Запись статуса условная (Expected = pending), поэтому из двух параллельных сверок
// побочные эффекты выполняет только победившая.
func (r *Reconciler) Reconcile(ctx context.Context, source string, order domain.Order) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("reconcile.source", source),
		attribute.String("order.id", order.ID),
	))
	defer span.End()

	if order.Status != domain.OrderStatusPending {
		r.metrics.RecordReconcile(source, "already_decided")
		return decided(order), nil
	}
	if order.ProviderSessionID == "" {
		// Сессия ещё не открыта: подтверждать нечего.
		r.metrics.RecordReconcile(source, "no_session")
		return Result{Order: order, Outcome: domain.PaymentOutcomePending}, nil
	}

	payment, err := r.payments.Confirm(ctx, order.Provider, order.ProviderSessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		if errors.Is(err, domain.ErrProviderTransient) {
			r.metrics.RecordReconcile(source, "transient")
			r.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"source":   source,
			}).Warn("provider confirmation is ambiguous, order stays pending")
			return Result{Order: order, Outcome: domain.PaymentOutcomePending}, err
		}
		r.metrics.RecordReconcile(source, "error")
		return Result{Order: order, Outcome: domain.PaymentOutcomePending}, fmt.Errorf("confirm payment: %w", err)
	}

	span.SetAttributes(attribute.String("payment.outcome", string(payment.Outcome)))

	switch payment.Outcome {
	case domain.PaymentOutcomeSucceeded:
		return r.settle(ctx, source, order, domain.OrderUpdate{
			Expected:       domain.OrderStatusPending,
			Status:         domain.OrderStatusPaid,
			CaptureID:      payment.CaptureID,
			ProviderStatus: payment.ProviderStatus,
		})
	case domain.PaymentOutcomeDeclined, domain.PaymentOutcomeCancelled:
		return r.settle(ctx, source, order, domain.OrderUpdate{
			Expected:       domain.OrderStatusPending,
			Status:         domain.OrderStatusPaymentFailed,
			ProviderStatus: payment.ProviderStatus,
		})
	default:
		r.metrics.RecordReconcile(source, "pending")
		return Result{Order: order, Outcome: domain.PaymentOutcomePending}, nil
	}
}

func (r *Reconciler) settle(ctx context.Context, source string, order domain.Order, upd domain.OrderUpdate) (Result, error) {
	upd.Source = source
	updated, err := r.machine.Apply(ctx, order.ID, upd)
	if errors.Is(err, domain.ErrStatusConflict) {
		// Другая сверка успела раньше: её результат и есть итог.
		r.metrics.RecordReconcile(source, "lost_race")
		return decided(updated), nil
	}
	if err != nil {
		r.metrics.RecordReconcile(source, "error")
		return Result{Order: order, Outcome: domain.PaymentOutcomePending}, fmt.Errorf("apply %s: %w", upd.Status, err)
	}

	if updated.Status == domain.OrderStatusPaid {
		if err := r.carts.Clear(ctx, updated.UserID); err != nil {
			r.logger.WithError(err).WithField("order_id", updated.ID).Warn("failed to clear cart after payment")
		}
	}

	r.metrics.RecordReconcile(source, string(updated.Status))
	r.logger.WithFields(log.Fields{
		"order_id":   updated.ID,
		"source":     source,
		"status":     updated.Status,
		"capture_id": updated.ProviderCaptureID,
	}).Info("payment reconciled")
	return Result{Order: updated, Outcome: domain.OutcomeForStatus(updated.Status)}, nil
}

// HandleWebhook проверяет подпись события и запускает сверку по его сессии.
// Уже обработанное событие возвращается без обращения к провайдеру.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider domain.PaymentProvider, req domain.WebhookRequest) (Result, error) {
	event, err := r.payments.ParseWebhook(provider, req)
	if err != nil {
		if errors.Is(err, domain.ErrWebhookSignature) {
			r.metrics.RecordReconcile(SourceWebhook, "bad_signature")
		}
		return Result{}, err
	}

	key, duplicate := r.claimEvent(ctx, provider, event)
	if duplicate {
		r.metrics.RecordReconcile(SourceWebhook, "duplicate")
		r.metrics.RecordIdempotency(string(domain.IdempotencyWebhook), "duplicate")
		return Result{Duplicate: true}, nil
	}

	result, err := r.ReconcileSession(ctx, SourceWebhook, event.SessionID)
	if key != "" {
		r.finishEvent(ctx, key, result, err)
	}
	return result, err
}

// claimEvent занимает отметку события до сверки; duplicate — событие уже обработано.
// Пустой ключ означает, что отметка не занята: нет ID события, нет хранилища или
// параллельная доставка уже держит ключ. Сверка всё равно выполняется, условный
// переход не даст применить итог дважды.
func (r *Reconciler) claimEvent(ctx context.Context, provider domain.PaymentProvider, event domain.WebhookEvent) (string, bool) {
	if event.EventID == "" || r.idem == nil {
		return "", false
	}
	hash := event.EventType
	if hash == "" {
		hash = "event"
	}
	key := domain.WebhookIdempotencyKey(provider, event.EventID)
	record, err := r.idem.Claim(ctx, domain.IdempotencyClaim{
		Key:         key,
		Kind:        domain.IdempotencyWebhook,
		Owner:       string(provider),
		RequestHash: hash,
		ExpiresAt:   time.Now().UTC().Add(r.dedupeTTL),
	})
	switch {
	case err == nil:
		return key, false
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists), errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return "", record.Settled()
	default:
		r.logger.WithError(err).WithField("event_id", event.EventID).Warn("webhook dedupe unavailable")
		return "", false
	}
}

// finishEvent закрепляет отметку только за решённой оплатой; pending и ошибки
// освобождают ключ, чтобы повторная доставка провайдера прошла сверку снова.
func (r *Reconciler) finishEvent(ctx context.Context, key string, result Result, reconcileErr error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if reconcileErr != nil || result.Outcome == domain.PaymentOutcomePending {
		err = r.idem.Release(ctx, key)
	} else {
		err = r.idem.Settle(ctx, key, domain.IdempotencyStatusDone, http.StatusOK, []byte(result.Order.Status))
	}
	if err != nil {
		r.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to record webhook event")
	}
}

func decided(order domain.Order) Result {
	return Result{Order: order, Outcome: domain.OutcomeForStatus(order.Status), AlreadyDecided: true}
}
