package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const timelineColumns = `order_id, kind, from_status, to_status, source, detail, at`

// TimelineRepository — журнал заказа в timeline_events; id задаёт порядок записей с равным at.
type TimelineRepository struct {
	db *sql.DB
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB()}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO timeline_events (`+timelineColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.OrderID, string(event.Kind), string(event.From), string(event.To),
		event.Source, event.Detail, event.At.UTC(),
	); err != nil {
		return fmt.Errorf("append timeline event for %s: %w", event.OrderID, err)
	}
	return nil
}

func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+timelineColumns+` FROM timeline_events WHERE order_id = $1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline of %s: %w", orderID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		event, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline of %s: %w", orderID, err)
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	return events, nil
}

func scanTimelineEvent(row rowScanner) (domain.TimelineEvent, error) {
	var (
		e              domain.TimelineEvent
		kind, from, to string
	)
	if err := row.Scan(&e.OrderID, &kind, &from, &to, &e.Source, &e.Detail, &e.At); err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("scan timeline event: %w", err)
	}
	e.Kind = domain.TimelineKind(kind)
	e.From = domain.OrderStatus(from)
	e.To = domain.OrderStatus(to)
	e.At = e.At.UTC()
	return e, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
