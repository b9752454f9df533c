package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrMigrationDrift — up-скрипт применённой миграции изменился после применения.
var ErrMigrationDrift = errors.New("applied migration was modified")

const (
	// migrationLock — ключ pg_advisory_lock; реплики с auto_migrate мигрируют по очереди.
	migrationLock = int64(0x636b6f7574)

	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

// MigrationState — миграция и её состояние в базе.
type MigrationState struct {
	Migration
	AppliedAt *time.Time
	// Drifted: миграция применена, но её up-скрипт с тех пор изменился.
	Drifted bool
}

// applied — запись schema_migrations.
type applied struct {
	checksum string
	at       time.Time
}

// Migrator применяет и откатывает миграции схемы.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *log.Entry
}

func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
		logger:     log.WithField("component", "postgres-migrator"),
	}
}

// Migrator возвращает мигратор встроенных миграций.
func (s *Store) Migrator() (*Migrator, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}
	migrations, err := EmbeddedMigrations()
	if err != nil {
		return nil, err
	}
	return NewMigrator(s.db, migrations), nil
}

// Up применяет до steps неприменённых миграций по возрастанию; steps <= 0 — все.
// Перед применением проверяется, что уже применённые миграции не изменены.
func (m *Migrator) Up(ctx context.Context, steps int) ([]Migration, error) {
	var done []Migration
	err := m.locked(ctx, func(conn *sql.Conn) error {
		state, err := m.readApplied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range m.migrations {
			rec, ok := state[mig.Version]
			if ok && rec.checksum != "" && rec.checksum != mig.Checksum() {
				return fmt.Errorf("%w: %s", ErrMigrationDrift, mig)
			}
		}
		for _, mig := range m.migrations {
			if steps > 0 && len(done) == steps {
				break
			}
			if _, ok := state[mig.Version]; ok {
				continue
			}
			if err := m.apply(ctx, conn, mig.Up, mig, recordApplied); err != nil {
				return err
			}
			done = append(done, mig)
		}
		return nil
	})
	return done, err
}

// Down откатывает steps последних применённых миграций; steps <= 0 — одну.
func (m *Migrator) Down(ctx context.Context, steps int) ([]Migration, error) {
	steps = max(steps, 1)
	var done []Migration
	err := m.locked(ctx, func(conn *sql.Conn) error {
		state, err := m.readApplied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range slices.Backward(m.migrations) {
			if len(done) == steps {
				break
			}
			if _, ok := state[mig.Version]; !ok {
				continue
			}
			if err := m.apply(ctx, conn, mig.Down, mig, recordReverted); err != nil {
				return err
			}
			done = append(done, mig)
		}
		return nil
	})
	return done, err
}

// Status возвращает все известные миграции с отметками применения.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	state, err := m.readApplied(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationState, 0, len(m.migrations))
	for _, mig := range m.migrations {
		s := MigrationState{Migration: mig}
		if rec, ok := state[mig.Version]; ok {
			at := rec.at
			s.AppliedAt = &at
			s.Drifted = rec.checksum != "" && rec.checksum != mig.Checksum()
		}
		out = append(out, s)
	}
	return out, nil
}

// Version возвращает старшую применённую версию и число применённых миграций.
func (m *Migrator) Version(ctx context.Context) (version int64, count int, err error) {
	states, err := m.Status(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range states {
		if s.AppliedAt != nil {
			count++
			version = max(version, s.Version)
		}
	}
	return version, count, nil
}

func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if m == nil || m.db == nil {
		return errStoreNotInitialized
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLock)
	}()
	return fn(conn)
}

func (m *Migrator) readApplied(ctx context.Context, conn *sql.Conn) (map[int64]applied, error) {
	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]applied)
	for rows.Next() {
		var (
			version int64
			rec     applied
		)
		if err := rows.Scan(&version, &rec.checksum, &rec.at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		rec.at = rec.at.UTC()
		out[version] = rec
	}
	return out, rows.Err()
}

type recordFunc func(ctx context.Context, tx *sql.Tx, mig Migration) error

func recordApplied(ctx context.Context, tx *sql.Tx, mig Migration) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		mig.Version, mig.Name, mig.Checksum())
	return err
}

func recordReverted(ctx context.Context, tx *sql.Tx, mig Migration) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version)
	return err
}

// apply выполняет скрипт и запись в schema_migrations в одной транзакции.
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, script string, mig Migration, record recordFunc) error {
	started := time.Now()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", mig, err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w", mig, err)
	}
	if err := record(ctx, tx, mig); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: record: %w", mig, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", mig, err)
	}
	m.logger.WithFields(log.Fields{
		"migration":   mig.String(),
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("migration executed")
	return nil
}
