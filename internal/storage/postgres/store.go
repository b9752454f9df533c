package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// PoolConfig — параметры пула database/sql. Нулевые поля заменяются значениями DefaultPoolConfig.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (p PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = d.MaxOpenConns
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = min(d.MaxIdleConns, p.MaxOpenConns)
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if p.ConnMaxIdleTime <= 0 {
		p.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	return p
}

type settings struct {
	pool        PoolConfig
	pingTimeout time.Duration
	registerer  prometheus.Registerer
}

// Option настраивает Open.
type Option func(*settings)

// WithPool задаёт параметры пула.
func WithPool(pool PoolConfig) Option {
	return func(s *settings) { s.pool = pool }
}

// WithPingTimeout ограничивает проверку соединения при открытии и в Ping.
func WithPingTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pingTimeout = d
		}
	}
}

// WithPoolMetrics публикует статистику пула (go_sql_*{db_name="checkout"}) в реестре.
func WithPoolMetrics(registerer prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = registerer }
}

// Store — пул соединений с PostgreSQL поверх pgx stdlib.
type Store struct {
	db          *sql.DB
	pingTimeout time.Duration
}

// Open открывает пул и проверяет, что база отвечает.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := settings{pingTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	pool := cfg.pool.withDefaults()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	store := &Store{db: db, pingTimeout: cfg.pingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.registerer != nil {
		err := cfg.registerer.Register(collectors.NewDBStatsCollector(db, "checkout"))
		if err != nil && !errors.As(err, &prometheus.AlreadyRegisteredError{}) {
			_ = db.Close()
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется проверкой готовности.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema доводит схему до последней встроенной миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	migrator, err := s.Migrator()
	if err != nil {
		return err
	}
	_, err = migrator.Up(ctx, 0)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// inTx выполняет fn в транзакции: коммит при nil, откат при ошибке.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
