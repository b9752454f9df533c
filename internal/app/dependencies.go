package app

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout/internal/service/notify"
	"github.com/vladislavdragonenkov/checkout/internal/service/orders"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout/internal/service/reconcile"
	"github.com/vladislavdragonenkov/checkout/internal/service/sweeper"
	"github.com/vladislavdragonenkov/checkout/internal/tracing"
)

// Dependencies содержит собранные сервисы и фоновые воркеры приложения.
type Dependencies struct {
	Checkout   *checkout.Service
	Orders     *orders.Service
	Reconciler *reconcile.Reconciler
	Guard      *idempotency.Guard
	Dispatcher *notify.Dispatcher
	Payments   *payment.Factory

	OutboxWorker  *outbox.Worker
	Sweeper       *sweeper.Sweeper
	CleanupWorker *idempotency.CleanupWorker
}

// NewDependencies связывает хранилища, провайдеров и сервисы.
// publisher и dlq приходят из kafka_init; dlq может быть nil.
func NewDependencies(cfg Config, rt *runtimeDependencies, publisher, dlq domain.OutboxPublisher, m *metrics.CheckoutMetrics, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	shippingFee, err := cfg.ShippingFeeMinor()
	if err != nil {
		return nil, err
	}

	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		return nil, err
	}
	factory := payment.NewFactory(rt.repo, cfg.BaseURL, gateways,
		payment.WithLogger(logger.WithField("component", "payment-factory")),
		payment.WithMetrics(m),
		payment.WithTimeline(rt.timelineRepo),
		payment.WithTracer(tracing.Tracer("checkout/payment")),
		payment.WithTimeout(cfg.ProviderTimeout),
	)

	ledger := inventory.NewLedger(rt.inventoryRepo, rt.repo,
		inventory.WithLogger(logger.WithField("component", "inventory-ledger")),
		inventory.WithMetrics(m),
		inventory.WithLowStockAlerts(rt.outboxRepo, cfg.LowStockThreshold),
	)

	dispatcher := notify.NewDispatcher(notify.NewOutboxNotifier(rt.outboxRepo),
		notify.WithLogger(logger.WithField("component", "notification-dispatcher")),
		notify.WithMetrics(m),
	)

	orderSvc := orders.NewService(rt.repo, ledger,
		orders.WithLogger(logger.WithField("component", "order-service")),
		orders.WithMetrics(m),
		orders.WithNotifier(dispatcher),
		orders.WithOutbox(rt.outboxRepo),
		orders.WithTimeline(rt.timelineRepo),
	)

	checkoutSvc := checkout.NewService(
		checkout.Config{Currency: cfg.Currency, ShippingFeeMinor: shippingFee},
		checkout.NewSnapshotBuilder(rt.carts, rt.catalog, rt.inventoryRepo),
		ledger,
		rt.repo,
		factory,
		checkout.WithLogger(logger.WithField("component", "checkout")),
		checkout.WithMetrics(m),
		checkout.WithTimeline(rt.timelineRepo),
	)

	reconciler := reconcile.NewReconciler(rt.repo, orderSvc, factory, rt.carts,
		reconcile.WithLogger(logger.WithField("component", "reconciler")),
		reconcile.WithMetrics(m),
		reconcile.WithTracer(tracing.Tracer("checkout/reconcile")),
		reconcile.WithWebhookDedupe(rt.idempotencyRepo, cfg.IdempotencyTTL),
	)

	workerOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(m),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithMaxRetryDelay(cfg.OutboxMaxRetry),
		outbox.WithClaimLease(cfg.OutboxClaimLease),
	}
	if dlq != nil {
		workerOpts = append(workerOpts, outbox.WithDLQPublisher(dlq))
	}

	return &Dependencies{
		Checkout:   checkoutSvc,
		Orders:     orderSvc,
		Reconciler: reconciler,
		Guard:      idempotency.NewGuard(rt.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency-guard")).WithMetrics(m),
		Dispatcher: dispatcher,
		Payments:   factory,

		OutboxWorker: outbox.NewWorker(rt.outboxRepo, publisher, workerOpts...),
		Sweeper: sweeper.New(rt.repo, reconciler, orderSvc,
			sweeper.WithLogger(logger.WithField("component", "pending-sweeper")),
			sweeper.WithReleaser(ledger),
			sweeper.WithMetrics(m),
			sweeper.WithInterval(cfg.SweeperInterval),
			sweeper.WithMaxAge(cfg.SweeperMaxAge),
			sweeper.WithBatchSize(cfg.SweeperBatchSize),
		),
		CleanupWorker: idempotency.NewCleanupWorker(rt.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithMetrics(m),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		),
	}, nil
}

// buildGateways подключает реальных провайдеров с полными учётными данными.
// Без них MockGateway подставляется только при включённом provider.sandbox:
// песочница подтверждает любую оплату и не проверяет подпись вебхуков.
func buildGateways(cfg Config, logger *log.Entry) ([]domain.PaymentGateway, error) {
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	gateways := make([]domain.PaymentGateway, 0, 2)

	switch {
	case cfg.providerAConfigured():
		gateways = append(gateways, payment.NewProviderA(payment.ProviderAConfig{
			BaseURL:       cfg.ProviderABaseURL,
			APIKey:        cfg.ProviderAAPIKey,
			WebhookSecret: cfg.ProviderAWebhookSecret,
			HTTPClient:    client,
		}))
	case cfg.ProviderSandbox:
		logger.WithField("provider", domain.ProviderA).Warn("no credentials, using sandbox gateway")
		gateways = append(gateways, payment.NewMockGateway(domain.ProviderA, cfg.BaseURL))
	default:
		return nil, fmt.Errorf("%s: credentials are missing and provider.sandbox is disabled", domain.ProviderA)
	}

	switch {
	case cfg.providerBConfigured():
		gateways = append(gateways, payment.NewProviderB(payment.ProviderBConfig{
			BaseURL:       cfg.ProviderBBaseURL,
			ClientID:      cfg.ProviderBClientID,
			ClientSecret:  cfg.ProviderBClientSecret,
			WebhookID:     cfg.ProviderBWebhookID,
			WebhookSecret: cfg.ProviderBWebhookSecret,
			HTTPClient:    client,
		}))
	case cfg.ProviderSandbox:
		logger.WithField("provider", domain.ProviderB).Warn("no credentials, using sandbox gateway")
		gateways = append(gateways, payment.NewMockGateway(domain.ProviderB, cfg.BaseURL))
	default:
		return nil, fmt.Errorf("%s: credentials are missing and provider.sandbox is disabled", domain.ProviderB)
	}
	return gateways, nil
}
