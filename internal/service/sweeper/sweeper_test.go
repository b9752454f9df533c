package sweeper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout/internal/service/orders"
	"github.com/vladislavdragonenkov/checkout/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout/internal/service/reconcile"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

type fixture struct {
	sweeper   *Sweeper
	orders    domain.OrderRepository
	inventory *memory.InventoryRepository
	gateway   *payment.MockGateway
	factory   *payment.Factory
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewOrderRepository()
	inv := memory.NewInventoryRepository(map[string]int64{"x": 0})
	gw := payment.NewMockGateway(domain.ProviderA, "https://shop.test")
	factory := payment.NewFactory(repo, "https://shop.test", []domain.PaymentGateway{gw})
	ledger := inventory.NewLedger(inv, repo)
	machine := orders.NewService(repo, ledger)
	reconciler := reconcile.NewReconciler(repo, machine, factory, memory.NewCartStore())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sw := New(repo, reconciler, machine,
		WithMaxAge(30*time.Minute),
		WithClock(func() time.Time { return now }),
		WithReleaser(ledger),
	)
	return &fixture{sweeper: sw, orders: repo, inventory: inv, gateway: gw, factory: factory, now: now}
}

func (f *fixture) addOrder(t *testing.T, id string, age time.Duration, withSession bool) domain.Order {
	t.Helper()
	ctx := context.Background()
	order := domain.Order{
		ID:            id,
		UserID:        "user-1",
		Items:         []domain.LineItem{{ProductID: "x", Name: "X", UnitPriceMinor: 100, Qty: 1}},
		Currency:      "USD",
		SubtotalMinor: 100,
		TotalMinor:    100,
		Status:        domain.OrderStatusPending,
		Provider:      domain.ProviderA,
		CreatedAt:     f.now.Add(-age),
	}
	require.NoError(t, f.orders.Create(ctx, order))
	if withSession {
		var err error
		order, err = f.factory.OpenSession(ctx, order)
		require.NoError(t, err)
	}
	return order
}

func (f *fixture) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	order, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return order.Status
}

func TestSweepOnce_ExpiresAbandonedOrders(t *testing.T) {
	f := newFixture(t)
	f.addOrder(t, "abandoned", time.Hour, false)
	f.addOrder(t, "fresh", time.Minute, false)

	summary, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, Expired: 1}, summary)

	require.Equal(t, domain.OrderStatusCancelled, f.status(t, "abandoned"))
	require.Equal(t, domain.OrderStatusPending, f.status(t, "fresh"))

	stock, _ := f.inventory.Available(context.Background(), "x")
	require.Equal(t, int64(1), stock, "expired order returns its stock")
}

func TestSweepOnce_PaidAtProviderIsSettledNotExpired(t *testing.T) {
	f := newFixture(t)
	f.addOrder(t, "paid-late", time.Hour, true)

	summary, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Settled)
	require.Equal(t, domain.OrderStatusPaid, f.status(t, "paid-late"))

	stock, _ := f.inventory.Available(context.Background(), "x")
	require.Zero(t, stock)
}

func TestSweepOnce_UnpaidSessionIsExpired(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetConfirm(domain.PaymentOutcomePending, nil)
	f.addOrder(t, "open-session", time.Hour, true)

	summary, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Expired)
	require.Equal(t, domain.OrderStatusCancelled, f.status(t, "open-session"))
}

func TestSweepOnce_TransientProviderErrorKeepsReservation(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetConfirm("", fmt.Errorf("%w: 503", domain.ErrProviderTransient))
	f.addOrder(t, "unknown", time.Hour, true)

	summary, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, domain.OrderStatusPending, f.status(t, "unknown"))

	stock, _ := f.inventory.Available(context.Background(), "x")
	require.Zero(t, stock)
}

func TestSweepOnce_DefinitiveProviderErrorKeepsReservation(t *testing.T) {
	f := newFixture(t)
	f.gateway.SetConfirm("", errors.New("provider responded 401"))
	f.addOrder(t, "rotated-key", time.Hour, true)

	summary, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, Skipped: 1}, summary)
	require.Equal(t, domain.OrderStatusPending, f.status(t, "rotated-key"))

	stock, _ := f.inventory.Available(context.Background(), "x")
	require.Zero(t, stock, "unknown payment outcome must not return stock")
}

func TestSweepOnce_RecoversMissedStockRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.addOrder(t, "declined", time.Minute, false)

	// переход записан, а возврат остатков до хранилища не дошёл
	_, err := f.orders.Transition(ctx, order.ID, domain.OrderUpdate{
		Expected: domain.OrderStatusPending,
		Status:   domain.OrderStatusPaymentFailed,
		At:       f.now,
	})
	require.NoError(t, err)

	summary, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Summary{Recovered: 1}, summary)

	stock, _ := f.inventory.Available(ctx, "x")
	require.Equal(t, int64(1), stock)

	again, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Recovered, "release is recovered once")
	stock, _ = f.inventory.Available(ctx, "x")
	require.Equal(t, int64(1), stock)
}
