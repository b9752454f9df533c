package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type timelineEntry struct {
	seq   uint64
	event domain.TimelineEvent
}

// TimelineRepository — история заказов в памяти.
type TimelineRepository struct {
	mu      sync.Mutex
	seq     uint64
	byOrder map[string][]timelineEntry
}

// NewTimelineRepository создаёт пустую историю.
func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{byOrder: make(map[string][]timelineEntry)}
}

func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.byOrder[event.OrderID] = append(r.byOrder[event.OrderID], timelineEntry{seq: r.seq, event: event})
	return nil
}

func (r *TimelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.Lock()
	entries := append([]timelineEntry(nil), r.byOrder[orderID]...)
	r.mu.Unlock()

	// Переход и возврат остатков пишутся разными вызовами, время у них может совпасть.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].event.At.Equal(entries[j].event.At) {
			return entries[i].event.At.Before(entries[j].event.At)
		}
		return entries[i].seq < entries[j].seq
	})

	events := make([]domain.TimelineEvent, 0, len(entries))
	for _, entry := range entries {
		events = append(events, entry.event)
	}
	return events, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
