package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// OutboxRepository — outbox в таблице outbox_messages. Несколько реплик делят таблицу:
// Claim берёт строки через FOR UPDATE SKIP LOCKED и арендует их до lease_until.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.Payload) == 0 {
		msg.Payload = []byte("{}")
	}
	msg.CreatedAt = r.now()
	msg.Attempts = 0
	msg.LastError = ""

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload,
			state, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message %s: %w", msg.EventType, err)
	}
	return msg, nil
}

func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	now := r.now()

	// RETURNING не сохраняет порядок подзапроса, поэтому порядок восстанавливается
	// во внешнем SELECT.
	rows, err := r.db.QueryContext(ctx, `
		WITH ready AS (
			SELECT id
			FROM outbox_messages
			WHERE (state = 'pending' AND available_at <= $1)
			   OR (state = 'publishing' AND lease_until < $1)
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), leased AS (
			UPDATE outbox_messages m
			SET state = 'publishing', lease_until = $3, updated_at = $1
			FROM ready
			WHERE m.id = ready.id
			RETURNING m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload,
				m.attempt_count, m.last_error, m.created_at
		)
		SELECT id, aggregate_type, aggregate_id, event_type, payload, attempt_count, last_error, created_at
		FROM leased
		ORDER BY created_at, id
	`, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload,
			&msg.Attempts, &msg.LastError, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed outbox messages: %w", err)
	}
	return claimed, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.release(ctx, id, `state = 'sent'`)
}

func (r *OutboxRepository) Retry(ctx context.Context, id string, at time.Time, reason string) error {
	return r.release(ctx, id, `state = 'pending', available_at = $3, last_error = $4`, at.UTC(), reason)
}

func (r *OutboxRepository) Bury(ctx context.Context, id string, reason string) error {
	return r.release(ctx, id, `state = 'dead', last_error = $3`, reason)
}

// release закрывает аренду: set дополняет общие поля, его параметры начинаются с $3.
func (r *OutboxRepository) release(ctx context.Context, id, set string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		UPDATE outbox_messages
		SET ` + set + `, attempt_count = attempt_count + 1, lease_until = NULL, updated_at = $2
		WHERE id = $1 AND state = 'publishing'`
	res, err := r.db.ExecContext(ctx, query, append([]any{id, r.now()}, args...)...)
	if err != nil {
		return fmt.Errorf("release outbox message %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release outbox message %s: %w", id, err)
	}
	if affected == 0 {
		return domain.ErrOutboxNotClaimed
	}
	return nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('pending', 'publishing')),
			COUNT(*) FILTER (WHERE state = 'dead'),
			MIN(created_at) FILTER (WHERE state IN ('pending', 'publishing'))
		FROM outbox_messages
		WHERE state <> 'sent'
	`).Scan(&stats.Pending, &stats.Dead, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
