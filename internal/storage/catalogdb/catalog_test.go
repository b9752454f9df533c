package catalogdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
)

func TestProductRowMapping(t *testing.T) {
	p := domain.Product{ID: "sku-1", Name: "Mug", PriceMinor: 1299, Active: true}

	row := fromDomain(p)
	require.Equal(t, "products", row.TableName())
	require.Equal(t, p, row.toDomain())
}

func openCatalogForIntegrationTest(t *testing.T) *Catalog {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("CHECKOUT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("CHECKOUT_TEST_POSTGRES_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `TRUNCATE TABLE products`); err != nil {
		t.Fatalf("truncate products: %v", err)
	}

	catalog, err := Open(dsn)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = catalog.Close() })
	return catalog
}

func TestCatalog_ProductLifecycle(t *testing.T) {
	catalog := openCatalogForIntegrationTest(t)
	ctx := context.Background()

	require.NoError(t, catalog.Ping(ctx))
	require.NoError(t, catalog.Upsert(ctx, domain.Product{ID: "sku-1", Name: "Mug", PriceMinor: 1299, Active: true}))

	got, err := catalog.Product(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(1299), got.PriceMinor)

	// Цена меняется повторным upsert.
	require.NoError(t, catalog.Upsert(ctx, domain.Product{ID: "sku-1", Name: "Mug", PriceMinor: 1499, Active: true}))
	got, err = catalog.Product(ctx, "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(1499), got.PriceMinor)

	require.NoError(t, catalog.Upsert(ctx, domain.Product{ID: "sku-1", Name: "Mug", PriceMinor: 1499, Active: false}))
	_, err = catalog.Product(ctx, "sku-1")
	if !errors.Is(err, domain.ErrProductUnavailable) {
		t.Fatalf("inactive product must be unavailable, got %v", err)
	}
}

func TestCatalog_MissingProduct(t *testing.T) {
	catalog := openCatalogForIntegrationTest(t)

	_, err := catalog.Product(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrProductUnavailable)
}

func TestCatalog_ListActive(t *testing.T) {
	catalog := openCatalogForIntegrationTest(t)
	ctx := context.Background()

	require.NoError(t, catalog.Upsert(ctx, domain.Product{ID: "b", Name: "B", PriceMinor: 2, Active: true}))
	require.NoError(t, catalog.Upsert(ctx, domain.Product{ID: "a", Name: "A", PriceMinor: 1, Active: true}))
	require.NoError(t, catalog.Upsert(ctx, domain.Product{ID: "c", Name: "C", PriceMinor: 3, Active: false}))

	list, err := catalog.ListActive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].ID)
	require.Equal(t, "b", list[1].ID)
}

func TestCatalog_UpsertValidation(t *testing.T) {
	c := New(nil)
	require.Error(t, c.Upsert(context.Background(), domain.Product{}))
	require.ErrorIs(t, c.Upsert(context.Background(), domain.Product{ID: "x", PriceMinor: -1}), domain.ErrItemPriceInvalid)
}
