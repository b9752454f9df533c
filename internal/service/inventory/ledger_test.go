package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func newTestLedger(stock map[string]int64) (*Ledger, *memory.InventoryRepository, domain.OrderRepository) {
	inv := memory.NewInventoryRepository(stock)
	orders := memory.NewOrderRepository()
	return NewLedger(inv, orders), inv, orders
}

func TestLedger_ReserveAllOrNothing(t *testing.T) {
	ctx := context.Background()
	ledger, inv, _ := newTestLedger(map[string]int64{"x": 5, "y": 1, "z": 0})

	err := ledger.Reserve(ctx, []domain.LineItem{
		{ProductID: "x", Qty: 2},
		{ProductID: "y", Qty: 1},
		{ProductID: "z", Qty: 1},
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	for id, want := range map[string]int64{"x": 5, "y": 1, "z": 0} {
		if got, _ := inv.Available(ctx, id); got != want {
			t.Fatalf("stock for %s = %d, want %d (rollback incomplete)", id, got, want)
		}
	}
}

func TestLedger_ReserveDecrementsEveryLine(t *testing.T) {
	ctx := context.Background()
	ledger, inv, _ := newTestLedger(map[string]int64{"x": 5, "y": 3})

	if err := ledger.Reserve(ctx, []domain.LineItem{{ProductID: "x", Qty: 2}, {ProductID: "y", Qty: 1}}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if got, _ := inv.Available(ctx, "x"); got != 3 {
		t.Fatalf("x stock = %d, want 3", got)
	}
	if got, _ := inv.Available(ctx, "y"); got != 2 {
		t.Fatalf("y stock = %d, want 2", got)
	}
}

func TestLedger_ReleaseOrderExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ledger, inv, orders := newTestLedger(map[string]int64{"x": 5})

	items := []domain.LineItem{{ProductID: "x", Name: "X", UnitPriceMinor: 100, Qty: 2}}
	if err := ledger.Reserve(ctx, items); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	order := domain.Order{ID: "order-1", UserID: "u", Items: items, Status: domain.OrderStatusPending, CreatedAt: time.Now()}
	if err := orders.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.ReleaseOrder(ctx, order); err != nil {
				t.Errorf("release failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got, _ := inv.Available(ctx, "x"); got != 5 {
		t.Fatalf("stock after release = %d, want 5", got)
	}
	stored, _ := orders.Get(ctx, order.ID)
	if !stored.StockReleased {
		t.Fatal("order must be flagged as released")
	}
}

func TestLedger_LowStockAlert(t *testing.T) {
	ctx := context.Background()
	inv := memory.NewInventoryRepository(map[string]int64{"x": 3, "y": 100})
	outbox := memory.NewOutboxRepository()
	ledger := NewLedger(inv, memory.NewOrderRepository(), WithLowStockAlerts(outbox, 2))

	if err := ledger.Reserve(ctx, []domain.LineItem{{ProductID: "x", Qty: 1}, {ProductID: "y", Qty: 1}}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	events := outbox.ByEventType(domain.EventInventoryLowStock)
	if len(events) != 1 || events[0].AggregateID != "x" {
		t.Fatalf("expected one low stock event for x, got %+v", events)
	}
}

// ctxInventory отказывает в любой операции после отмены ctx, как сетевое хранилище.
type ctxInventory struct {
	domain.InventoryRepository
	afterDecrement func()
}

func (c *ctxInventory) Decrement(ctx context.Context, productID string, qty int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	left, err := c.InventoryRepository.Decrement(ctx, productID, qty)
	if err == nil && c.afterDecrement != nil {
		c.afterDecrement()
	}
	return left, err
}

func (c *ctxInventory) Increment(ctx context.Context, productID string, qty int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.InventoryRepository.Increment(ctx, productID, qty)
}

type ctxOrders struct {
	domain.OrderRepository
}

func (c ctxOrders) MarkStockReleased(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.OrderRepository.MarkStockReleased(ctx, orderID)
}

func TestLedger_RollbackSurvivesCancelledRequest(t *testing.T) {
	inv := memory.NewInventoryRepository(map[string]int64{"x": 10, "y": 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := NewLedger(&ctxInventory{InventoryRepository: inv, afterDecrement: cancel}, memory.NewOrderRepository())

	err := ledger.Reserve(ctx, []domain.LineItem{{ProductID: "x", Qty: 2}, {ProductID: "y", Qty: 1}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for id, want := range map[string]int64{"x": 10, "y": 10} {
		if got, _ := inv.Available(context.Background(), id); got != want {
			t.Fatalf("stock for %s = %d, want %d", id, got, want)
		}
	}
}

func TestLedger_RestoreAndReleaseIgnoreCancellation(t *testing.T) {
	inv := memory.NewInventoryRepository(map[string]int64{"x": 6})
	repo := memory.NewOrderRepository()
	ledger := NewLedger(&ctxInventory{InventoryRepository: inv}, ctxOrders{repo})

	items := []domain.LineItem{{ProductID: "x", Name: "X", UnitPriceMinor: 100, Qty: 2}}
	order := domain.Order{ID: "order-c", UserID: "u", Items: items, Status: domain.OrderStatusPending, CreatedAt: time.Now()}
	if err := repo.Create(context.Background(), order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ledger.Reserve(context.Background(), items); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := ledger.Reserve(context.Background(), items); err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	ledger.Restore(cancelled, items)
	released, err := ledger.ReleaseOrder(cancelled, order)
	if err != nil || !released {
		t.Fatalf("release on cancelled ctx: released=%v err=%v", released, err)
	}
	if got, _ := inv.Available(context.Background(), "x"); got != 6 {
		t.Fatalf("stock = %d, want 6", got)
	}
}
