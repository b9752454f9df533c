package app

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

func testLogger() *log.Entry {
	return log.WithField("test", "app")
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), validConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, deps.closeFn()) })

	require.NotNil(t, deps.repo)
	require.NotNil(t, deps.inventoryRepo)
	require.NotNil(t, deps.outboxRepo)
	require.NotNil(t, deps.timelineRepo)
	require.NotNil(t, deps.idempotencyRepo)
	require.IsType(t, &memory.Catalog{}, deps.catalog)
	require.IsType(t, &memory.CartStore{}, deps.carts)
	require.Empty(t, deps.probes)
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	cfg := validConfig()
	cfg.StorageDriver = "sqlite"

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.ErrorContains(t, err, `unsupported storage driver "sqlite"`)
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.StorageDriver = StorageDriverPostgres

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.ErrorContains(t, err, "postgres dsn is required")
}

func TestInitRuntimeDependencies_RedisCarts(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := validConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.RedisCartPrefix = "cart-test:"

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.closeFn() })

	require.IsType(t, &redisstore.CartStore{}, deps.carts)
	require.Len(t, deps.probes, 1)
	require.Equal(t, "redis", deps.probes[0].Name)
	require.NoError(t, deps.probes[0].Check(context.Background()))

	mr.HSet("cart-test:u1", "p1", "2")
	lines, err := deps.carts.Lines(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, int64(2), lines[0].Qty)
}

func TestInitRuntimeDependencies_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := validConfig()
	cfg.RedisAddr = addr

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.ErrorContains(t, err, "ping redis")
}

func TestRuntimeDependencies_CloseOrder(t *testing.T) {
	var order []string
	deps := &runtimeDependencies{}
	deps.closers = append(deps.closers,
		func() error { order = append(order, "first"); return nil },
		func() error { order = append(order, "second"); return nil },
	)

	require.NoError(t, deps.closeFn())
	require.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, deps.closeFn())
	require.Len(t, order, 2)
}

func TestInitRuntimeDependencies_PostgresIntegration(t *testing.T) {
	dsn := os.Getenv("CHECKOUT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHECKOUT_TEST_POSTGRES_DSN is not set")
	}

	cfg := validConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.CatalogDriver = CatalogDriverPostgres
	cfg.PostgresDSN = dsn

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, deps.closeFn()) })

	names := make([]string, 0, len(deps.probes))
	for _, probe := range deps.probes {
		names = append(names, probe.Name)
		require.NoErrorf(t, probe.Check(context.Background()), "probe %s", probe.Name)
	}
	require.ElementsMatch(t, []string{"postgres", "catalog"}, names)
}
