package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestOrderRepository_PostgresCreateGetList(t *testing.T) {
	store := freshStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder("order-1", "user-1", now.Add(-2*time.Minute))
	order2 := sampleOrder("order-2", "user-1", now.Add(-time.Minute))

	require.NoError(t, repo.Create(ctx, order1))
	require.NoError(t, repo.Create(ctx, order2))

	got, err := repo.Get(ctx, order1.ID)
	require.NoError(t, err)
	require.Equal(t, order1.UserID, got.UserID)
	require.Equal(t, domain.OrderStatusPending, got.Status)
	require.Equal(t, order1.Items, got.Items)
	require.Equal(t, order1.ShippingAddress, got.ShippingAddress)
	require.Equal(t, int64(3099), got.TotalMinor)
	require.Empty(t, got.ProviderSessionID)

	listed, err := repo.ListByUser(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, order2.ID, listed[0].ID)

	all, err := repo.ListByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	stale, err := repo.ListPendingBefore(ctx, now.Add(-90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, order1.ID, stale[0].ID)
}

func TestOrderRepository_PostgresAttachSessionOnce(t *testing.T) {
	store := freshStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	order := sampleOrder("order-session", "user-1", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, order))

	session := domain.PaymentSession{Provider: domain.ProviderA, SessionID: "cs_1", RedirectURL: "https://pay.test/cs_1", Status: "open"}
	attached, err := repo.AttachSession(ctx, order.ID, session)
	require.NoError(t, err)
	require.Equal(t, "cs_1", attached.ProviderSessionID)

	again, err := repo.AttachSession(ctx, order.ID, domain.PaymentSession{Provider: domain.ProviderA, SessionID: "cs_2"})
	require.ErrorIs(t, err, domain.ErrSessionAlreadyAttached)
	require.Equal(t, "cs_1", again.ProviderSessionID)

	bySession, err := repo.GetBySession(ctx, "cs_1")
	require.NoError(t, err)
	require.Equal(t, order.ID, bySession.ID)
}

func TestOrderRepository_PostgresTransitionIsGuarded(t *testing.T) {
	store := freshStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	order := sampleOrder("order-cas", "user-1", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, order))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := domain.OrderStatusPaid
			if i%2 == 1 {
				target = domain.OrderStatusPaymentFailed
			}
			_, err := repo.Transition(ctx, order.ID, domain.OrderUpdate{
				Expected:  domain.OrderStatusPending,
				Status:    target,
				CaptureID: "cap_1",
			})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrStatusConflict) {
				t.Errorf("unexpected transition error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, applied, "exactly one guarded write must win")

	current, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.NotEqual(t, domain.OrderStatusPending, current.Status)
	require.NotNil(t, current.StatusChangedAt(current.Status))

	_, err = repo.Transition(ctx, "missing", domain.OrderUpdate{Expected: domain.OrderStatusPending, Status: domain.OrderStatusPaid})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderRepository_PostgresMarkStockReleasedOnce(t *testing.T) {
	store := freshStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	order := sampleOrder("order-release", "user-1", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, order))

	first, err := repo.MarkStockReleased(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, first)

	second, err := repo.MarkStockReleased(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, second)

	_, err = repo.MarkStockReleased(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderRepository_PostgresErrors(t *testing.T) {
	store := freshStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	base := sampleOrder("order-errors", "user-2", time.Now().UTC())

	_, err := repo.Get(ctx, "missing-order")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = repo.GetBySession(ctx, "")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	require.NoError(t, repo.Create(ctx, base))
	require.ErrorIs(t, repo.Create(ctx, base), domain.ErrOrderVersionConflict)
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected unique violation for code 23505")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "22001"}) {
		t.Fatal("unexpected unique violation for non-unique code")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatal("plain error must not be unique violation")
	}
}

func sampleOrder(id, userID string, createdAt time.Time) domain.Order {
	createdAt = createdAt.Round(time.Microsecond)
	return domain.Order{
		ID:     id,
		UserID: userID,
		Items: []domain.LineItem{
			{ProductID: "prod-a", Name: "Mug", UnitPriceMinor: 1000, Qty: 2},
			{ProductID: "prod-b", Name: "Sticker", UnitPriceMinor: 500, Qty: 1},
		},
		Currency:         "USD",
		SubtotalMinor:    2500,
		ShippingFeeMinor: 599,
		TotalMinor:       3099,
		Status:           domain.OrderStatusPending,
		Provider:         domain.ProviderA,
		ShippingAddress: domain.ShippingAddress{
			FullName:   "Ada Lovelace",
			Line1:      "1 Main St",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestOrderRepository_PostgresListUnreleased(t *testing.T) {
	store := freshStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, target := range []domain.OrderStatus{domain.OrderStatusPaymentFailed, domain.OrderStatusCancelled, domain.OrderStatusPaid} {
		order := sampleOrder("order-unreleased-"+string(target), "user-1", now.Add(time.Duration(i)*time.Second))
		require.NoError(t, repo.Create(ctx, order))
		_, err := repo.Transition(ctx, order.ID, domain.OrderUpdate{Expected: domain.OrderStatusPending, Status: target, CaptureID: "cap_1"})
		require.NoError(t, err)
	}
	_, err := repo.MarkStockReleased(ctx, "order-unreleased-cancelled")
	require.NoError(t, err)

	pending, err := repo.ListUnreleased(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "order-unreleased-payment_failed", pending[0].ID)
}
