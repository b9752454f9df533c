package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// integrationDSNEnv включает тесты против настоящего PostgreSQL.
const integrationDSNEnv = "CHECKOUT_TEST_POSTGRES_DSN"

// checkoutTables — все таблицы схемы; порядок не важен, TRUNCATE идёт с CASCADE.
var checkoutTables = []string{
	"idempotency_keys", "outbox_messages", "timeline_events",
	"order_items", "orders", "inventory", "products",
}

// connectForTest открывает Store по DSN из окружения без миграций; без DSN или базы тест пропускается.
func connectForTest(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(integrationDSNEnv))
	if dsn == "" {
		t.Skipf("set %s to run postgres integration tests", integrationDSNEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// freshStore возвращает Store с применёнными миграциями и пустыми таблицами.
func freshStore(t *testing.T) *Store {
	t.Helper()

	store := connectForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, store.EnsureSchema(ctx))
	_, err := store.DB().ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(checkoutTables, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return store
}
