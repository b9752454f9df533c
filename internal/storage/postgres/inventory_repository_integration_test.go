package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestInventoryRepository_PostgresDecrementIsConditional(t *testing.T) {
	store := freshStore(t)
	repo := NewInventoryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.SetStock(ctx, "prod-a", 3))

	remaining, err := repo.Decrement(ctx, "prod-a", 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), remaining)

	_, err = repo.Decrement(ctx, "prod-a", 2)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var checkoutErr *domain.CheckoutError
	require.True(t, errors.As(err, &checkoutErr))
	require.Equal(t, "prod-a", checkoutErr.ProductID)

	require.NoError(t, repo.Increment(ctx, "prod-a", 2))
	available, err := repo.Available(ctx, "prod-a")
	require.NoError(t, err)
	require.Equal(t, int64(3), available)

	_, err = repo.Decrement(ctx, "missing", 1)
	require.ErrorIs(t, err, domain.ErrProductUnavailable)
	require.ErrorIs(t, repo.Increment(ctx, "missing", 1), domain.ErrProductUnavailable)
}

func TestInventoryRepository_PostgresLastUnitSoldOnce(t *testing.T) {
	store := freshStore(t)
	repo := NewInventoryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.SetStock(ctx, "last", 1))

	const buyers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Decrement(ctx, "last", 1); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
	available, err := repo.Available(ctx, "last")
	require.NoError(t, err)
	require.Zero(t, available)
}
