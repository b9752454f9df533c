package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type outboxEntry struct {
	msg         domain.OutboxMessage
	state       domain.OutboxState
	seq         uint64
	availableAt time.Time
	leaseUntil  time.Time
}

// OutboxRepository держит outbox в памяти с той же арендой и отложенными повторами,
// что и PostgreSQL-реализация.
type OutboxRepository struct {
	mu      sync.Mutex
	entries map[string]*outboxEntry
	seq     uint64
	now     func() time.Time
}

// NewOutboxRepository создаёт пустой outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет часы; нужно тестам аренды и повторов.
func (r *OutboxRepository) WithClock(now func() time.Time) *OutboxRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := r.entries[msg.ID]; exists {
		return r.entries[msg.ID].msg, nil
	}
	now := r.now()
	msg.CreatedAt = now
	msg.Attempts = 0
	msg.LastError = ""
	r.seq++
	r.entries[msg.ID] = &outboxEntry{msg: msg, state: domain.OutboxPending, seq: r.seq, availableAt: now}
	return msg, nil
}

func (r *OutboxRepository) Claim(_ context.Context, limit int, lease time.Duration) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	now := r.now()

	ready := make([]*outboxEntry, 0)
	for _, e := range r.entries {
		switch {
		case e.state == domain.OutboxPending && !e.availableAt.After(now):
			ready = append(ready, e)
		case e.state == domain.OutboxPublishing && e.leaseUntil.Before(now):
			ready = append(ready, e)
		}
	}
	sortBySeq(ready)
	if len(ready) > limit {
		ready = ready[:limit]
	}

	claimed := make([]domain.OutboxMessage, 0, len(ready))
	for _, e := range ready {
		e.state = domain.OutboxPublishing
		e.leaseUntil = now.Add(lease)
		claimed = append(claimed, e.msg)
	}
	return claimed, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.state = domain.OutboxSent
	})
}

func (r *OutboxRepository) Retry(_ context.Context, id string, at time.Time, reason string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.state = domain.OutboxPending
		e.availableAt = at.UTC()
		e.msg.LastError = reason
	})
}

func (r *OutboxRepository) Bury(_ context.Context, id string, reason string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.state = domain.OutboxDead
		e.msg.LastError = reason
	})
}

// settle закрывает аренду; каждое закрытие считается попыткой доставки.
func (r *OutboxRepository) settle(id string, apply func(*outboxEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != domain.OutboxPublishing {
		return domain.ErrOutboxNotClaimed
	}
	e.msg.Attempts++
	e.leaseUntil = time.Time{}
	apply(e)
	return nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		switch e.state {
		case domain.OutboxPending, domain.OutboxPublishing:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || e.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = e.msg.CreatedAt
			}
		case domain.OutboxDead:
			stats.Dead++
		}
	}
	return stats, nil
}

// ByEventType возвращает сообщения типа eventType в порядке постановки, в любом состоянии.
func (r *OutboxRepository) ByEventType(eventType string) []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*outboxEntry, 0)
	for _, e := range r.entries {
		if e.msg.EventType == eventType {
			matched = append(matched, e)
		}
	}
	sortBySeq(matched)

	result := make([]domain.OutboxMessage, 0, len(matched))
	for _, e := range matched {
		result = append(result, e.msg)
	}
	return result
}

// State возвращает состояние сообщения; false — такого нет.
func (r *OutboxRepository) State(id string) (domain.OutboxState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

func sortBySeq(entries []*outboxEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
