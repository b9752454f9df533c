package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/outbox"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestDependencies(t *testing.T, cfg Config) (*Dependencies, *runtimeDependencies) {
	t.Helper()
	rt, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.closeFn() })

	m := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())
	deps, err := NewDependencies(cfg, rt, outbox.NewLogPublisher(testLogger()), nil, m, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Dispatcher.Close(context.Background()) })
	return deps, rt
}

func TestNewDependencies_AllFieldsInitialized(t *testing.T) {
	deps, _ := newTestDependencies(t, validConfig())

	require.NotNil(t, deps.Checkout)
	require.NotNil(t, deps.Orders)
	require.NotNil(t, deps.Reconciler)
	require.NotNil(t, deps.Guard)
	require.NotNil(t, deps.Dispatcher)
	require.NotNil(t, deps.Payments)
	require.NotNil(t, deps.OutboxWorker)
	require.NotNil(t, deps.Sweeper)
	require.NotNil(t, deps.CleanupWorker)
	require.ElementsMatch(t, []domain.PaymentProvider{domain.ProviderA, domain.ProviderB}, deps.Payments.Providers())
}

func TestNewDependencies_InvalidShippingFee(t *testing.T) {
	cfg := validConfig()
	rt, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	cfg.ShippingFee = "free"
	_, err = NewDependencies(cfg, rt, outbox.NewLogPublisher(nil), nil, nil, nil)
	require.ErrorContains(t, err, "checkout.shipping_fee")
}

func TestBuildGateways_SandboxWithoutCredentials(t *testing.T) {
	gateways, err := buildGateways(validConfig(), testLogger())
	require.NoError(t, err)

	require.Len(t, gateways, 2)
	for _, gw := range gateways {
		require.IsType(t, &payment.MockGateway{}, gw)
	}
}

func TestBuildGateways_RealProviders(t *testing.T) {
	cfg := validConfig()
	cfg.ProviderAAPIKey = "key"
	cfg.ProviderAWebhookSecret = "whsec_a"
	cfg.ProviderBClientID = "id"
	cfg.ProviderBClientSecret = "secret"
	cfg.ProviderBWebhookID = "wh"
	cfg.ProviderBWebhookSecret = "whsec_b"

	gateways, err := buildGateways(cfg, testLogger())
	require.NoError(t, err)

	require.Len(t, gateways, 2)
	require.IsType(t, &payment.ProviderA{}, gateways[0])
	require.IsType(t, &payment.ProviderB{}, gateways[1])
}

func TestBuildGateways_NoSandboxWithoutCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.ProviderSandbox = false
	cfg.ProviderAAPIKey = "key"
	cfg.ProviderAWebhookSecret = "whsec_a"

	_, err := buildGateways(cfg, testLogger())
	require.ErrorContains(t, err, "provider.sandbox is disabled")

	rt, err := initRuntimeDependencies(context.Background(), validConfig(), testLogger())
	require.NoError(t, err)
	_, err = NewDependencies(cfg, rt, outbox.NewLogPublisher(nil), nil, nil, nil)
	require.ErrorContains(t, err, "credentials are missing")
}

// Полный путь через собранный граф: корзина, резерв, сессия песочницы, оплата, уведомление в outbox.
func TestNewDependencies_CheckoutFlow(t *testing.T) {
	deps, rt := newTestDependencies(t, validConfig())
	ctx := context.Background()

	catalog := rt.catalog.(*memory.Catalog)
	catalog.Upsert(domain.Product{ID: "sku-1", Name: "Mug", PriceMinor: 1500, Active: true})
	require.NoError(t, rt.inventoryRepo.SetStock(ctx, "sku-1", 10))
	rt.carts.(*memory.CartStore).Put("u1", "sku-1", 2)

	res, err := deps.Checkout.StartCheckout(ctx, checkout.Request{
		UserID:          "u1",
		ShippingAddress: testAddress(),
		Provider:        domain.ProviderA,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, res.Order.Status)
	require.Equal(t, int64(2*1500+599), res.Order.TotalMinor)
	require.NotEmpty(t, res.RedirectURL)

	left, err := rt.inventoryRepo.Available(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(8), left)

	result, err := deps.Reconciler.CaptureForUser(ctx, "u1", res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, result.Order.Status)

	require.NoError(t, deps.Dispatcher.Close(ctx))
	outboxRepo := rt.outboxRepo.(*memory.OutboxRepository)
	require.NotEmpty(t, outboxRepo.ByEventType(domain.EventOrderStatusChanged))
	require.NotEmpty(t, outboxRepo.ByEventType(domain.EventOrderNotification))
}
