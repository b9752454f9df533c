package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/storage/catalogdb"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

// runtimeDependencies — хранилища, выбранные по конфигурации, и их проверки готовности.
type runtimeDependencies struct {
	repo            domain.OrderRepository
	inventoryRepo   domain.InventoryRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	catalog         domain.Catalog
	carts           domain.CartStore

	probes  []healthcheck.Probe
	closers []func() error
}

// closeFn закрывает подключения в обратном порядке открытия.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// requireHealthy добавляет критичную пробу: без зависимости сервис не готов.
func (d *runtimeDependencies) requireHealthy(name string, check healthcheck.CheckFunc) {
	d.probes = append(d.probes, healthcheck.Probe{Name: name, Level: healthcheck.Critical, Check: check})
}

// initRuntimeDependencies открывает хранилища заказов, каталог и корзины.
// При ошибке уже открытые подключения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	if err := initOrderStorage(ctx, cfg, deps, logger); err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	if err := initCatalog(cfg, deps, logger); err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	if err := initCarts(ctx, cfg, deps, logger); err != nil {
		_ = deps.closeFn()
		return nil, err
	}
	return deps, nil
}

func initOrderStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		deps.repo = memory.NewOrderRepository()
		deps.inventoryRepo = memory.NewInventoryRepository(nil)
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")
		return nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN,
			postgres.WithPool(postgres.PoolConfig{
				MaxOpenConns:    cfg.PostgresMaxOpenConns,
				MaxIdleConns:    cfg.PostgresMaxIdleConns,
				ConnMaxLifetime: cfg.PostgresConnMaxLifetime,
			}),
			postgres.WithPoolMetrics(prometheus.DefaultRegisterer),
		)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply postgres migrations: %w", err)
			}
		}

		deps.repo = postgres.NewOrderRepository(store)
		deps.inventoryRepo = postgres.NewInventoryRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.requireHealthy("postgres", store.Ping)
		logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("using postgres storage")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initCatalog(cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.CatalogDriver {
	case CatalogDriverMemory, "":
		deps.catalog = memory.NewCatalog()
		return nil

	case CatalogDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres dsn is required for postgres catalog")
		}
		catalog, err := catalogdb.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		deps.closers = append(deps.closers, catalog.Close)
		deps.catalog = catalog
		deps.requireHealthy("catalog", catalog.Ping)
		logger.Info("using postgres catalog")
		return nil

	default:
		return fmt.Errorf("unsupported catalog driver %q", cfg.CatalogDriver)
	}
}

// initCarts подключает Redis, если задан адрес; иначе корзины живут в памяти процесса.
func initCarts(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if cfg.RedisAddr == "" {
		deps.carts = memory.NewCartStore()
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	carts := redisstore.NewCartStore(client, cfg.RedisCartPrefix)
	deps.closers = append(deps.closers, carts.Close)
	if err := carts.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	deps.carts = carts
	deps.requireHealthy("redis", carts.Ping)
	logger.WithField("addr", cfg.RedisAddr).Info("using redis cart store")
	return nil
}
