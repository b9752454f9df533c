package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func newTestStore(t *testing.T) (*CartStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCartStore(client, ""), mr
}

func TestCartStore_LinesSortedByProduct(t *testing.T) {
	store, mr := newTestStore(t)
	mr.HSet("cart:user-1", "sku-b", "2")
	mr.HSet("cart:user-1", "sku-a", "1")

	lines, err := store.Lines(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, []domain.CartLine{
		{ProductID: "sku-a", Qty: 1},
		{ProductID: "sku-b", Qty: 2},
	}, lines)
}

func TestCartStore_EmptyCart(t *testing.T) {
	store, _ := newTestStore(t)

	lines, err := store.Lines(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestCartStore_InvalidQty(t *testing.T) {
	store, mr := newTestStore(t)
	mr.HSet("cart:user-1", "sku-a", "many")

	_, err := store.Lines(context.Background(), "user-1")
	require.Error(t, err)
}

func TestCartStore_PutAndClear(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "user-1", "sku-a", 3))
	require.Equal(t, "3", mr.HGet("cart:user-1", "sku-a"))

	require.NoError(t, store.Clear(ctx, "user-1"))
	if mr.Exists("cart:user-1") {
		t.Fatalf("cart key must be removed after Clear")
	}
	// Повторная очистка пустой корзины не ошибка.
	require.NoError(t, store.Clear(ctx, "user-1"))
}

func TestCartStore_CustomPrefixAndPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewCartStore(client, "shop:cart:")

	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Put(context.Background(), "u", "p", 1))
	if !mr.Exists("shop:cart:u") {
		t.Fatalf("expected key with custom prefix")
	}
}

func TestCartStore_NilClient(t *testing.T) {
	var store *CartStore
	_, err := store.Lines(context.Background(), "u")
	require.ErrorIs(t, err, errClientNotInitialized)
	require.ErrorIs(t, store.Ping(context.Background()), errClientNotInitialized)
	require.NoError(t, store.Close())
}
