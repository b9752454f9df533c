package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func newOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:               id,
		UserID:           "user-1",
		Items:            []domain.LineItem{{ProductID: "sku-1", Name: "Sku", UnitPriceMinor: 100, Qty: 5}},
		Currency:         "USD",
		SubtotalMinor:    500,
		ShippingFeeMinor: 0,
		TotalMinor:       500,
		Status:           domain.OrderStatusPending,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestOrderRepository_CreateGetList(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	base := time.Now().UTC()

	older := newOrder("order-1", base.Add(-time.Minute))
	newer := newOrder("order-2", base)
	for _, o := range []domain.Order{older, newer} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if err := repo.Create(ctx, older); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("duplicate id must conflict, got %v", err)
	}

	stored, err := repo.Get(ctx, older.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	stored.Items[0].Qty = 99
	again, _ := repo.Get(ctx, older.ID)
	if again.Items[0].Qty != 5 {
		t.Fatal("stored items must not be shared with callers")
	}

	orders, err := repo.ListByUser(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "order-2" {
		t.Fatalf("expected newest first, got %+v", orders)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_AttachSessionOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	attached, err := repo.AttachSession(ctx, order.ID, domain.PaymentSession{
		Provider: domain.ProviderA, SessionID: "cs_1", RedirectURL: "https://pay/cs_1",
	})
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if attached.ProviderSessionID != "cs_1" || attached.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order after attach: %+v", attached)
	}

	current, err := repo.AttachSession(ctx, order.ID, domain.PaymentSession{Provider: domain.ProviderA, SessionID: "cs_2"})
	if !errors.Is(err, domain.ErrSessionAlreadyAttached) {
		t.Fatalf("expected ErrSessionAlreadyAttached, got %v", err)
	}
	if current.ProviderSessionID != "cs_1" {
		t.Fatalf("session id must be immutable, got %s", current.ProviderSessionID)
	}

	bySession, err := repo.GetBySession(ctx, "cs_1")
	if err != nil || bySession.ID != order.ID {
		t.Fatalf("lookup by session failed: %v %+v", err, bySession)
	}

	other := newOrder("order-2", time.Now().UTC())
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := repo.AttachSession(ctx, other.ID, domain.PaymentSession{Provider: domain.ProviderA, SessionID: "cs_1"}); !errors.Is(err, domain.ErrSessionAlreadyAttached) {
		t.Fatalf("session of another order must be rejected, got %v", err)
	}
	if owner, _ := repo.GetBySession(ctx, "cs_1"); owner.ID != order.ID {
		t.Fatalf("session owner changed to %s", owner.ID)
	}
}

func TestOrderRepository_TransitionIsGuardedByStatus(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, order.ID, domain.OrderUpdate{
				Expected:  domain.OrderStatusPending,
				Status:    domain.OrderStatusPaid,
				CaptureID: "cap",
			})
			if err == nil {
				winners.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrStatusConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}

	stored, _ := repo.Get(ctx, order.ID)
	if stored.Status != domain.OrderStatusPaid || stored.PaidAt == nil {
		t.Fatalf("unexpected stored order: %+v", stored)
	}

	if _, err := repo.Transition(ctx, order.ID, domain.OrderUpdate{
		Expected: domain.OrderStatusPaid,
		Status:   domain.OrderStatusDelivered,
	}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOrderRepository_MarkStockReleasedOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, err := repo.MarkStockReleased(ctx, order.ID)
	if err != nil || !first {
		t.Fatalf("first release must win: %v %v", first, err)
	}
	second, err := repo.MarkStockReleased(ctx, order.ID)
	if err != nil || second {
		t.Fatalf("second release must be a no-op: %v %v", second, err)
	}
}

func TestOrderRepository_ListPendingBefore(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	now := time.Now().UTC()

	stale := newOrder("stale", now.Add(-2*time.Hour))
	fresh := newOrder("fresh", now)
	paid := newOrder("paid", now.Add(-3*time.Hour))
	paid.Status = domain.OrderStatusPaid
	for _, o := range []domain.Order{stale, fresh, paid} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	orders, err := repo.ListPendingBefore(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "stale" {
		t.Fatalf("expected only stale pending order, got %+v", orders)
	}
}

func TestOrderRepository_ListUnreleased(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	now := time.Now().UTC()

	failed := newOrder("failed", now.Add(-time.Hour))
	failed.Status = domain.OrderStatusPaymentFailed
	released := newOrder("released", now.Add(-time.Hour))
	released.Status = domain.OrderStatusCancelled
	paid := newOrder("paid", now)
	paid.Status = domain.OrderStatusPaid
	for _, o := range []domain.Order{failed, released, paid, newOrder("pending", now)} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, err := repo.MarkStockReleased(ctx, "released"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	orders, err := repo.ListUnreleased(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "failed" {
		t.Fatalf("expected only the unreleased failed order, got %+v", orders)
	}
}
