package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestTimelineRepository_ChronologicalWithStableTies(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	events := []domain.TimelineEvent{
		{OrderID: "o-1", Kind: domain.TimelineSessionOpened, Source: "payment", At: base.Add(time.Second)},
		{OrderID: "o-1", Kind: domain.TimelineCreated, Source: "checkout", At: base},
		{OrderID: "o-1", Kind: domain.TimelineStatusChanged, From: domain.OrderStatusPending, To: domain.OrderStatusCancelled, At: base.Add(time.Minute)},
		{OrderID: "o-1", Kind: domain.TimelineStockReleased, At: base.Add(time.Minute)},
		{OrderID: "o-2", Kind: domain.TimelineCreated, At: base},
	}
	for _, event := range events {
		if err := repo.Append(ctx, event); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := repo.List(ctx, "o-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []domain.TimelineKind{
		domain.TimelineCreated,
		domain.TimelineSessionOpened,
		domain.TimelineStatusChanged,
		domain.TimelineStockReleased,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i, kind := range want {
		if got[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, got[i].Kind)
		}
	}
	if got[2].From != domain.OrderStatusPending || got[2].To != domain.OrderStatusCancelled {
		t.Fatalf("status change lost from/to: %+v", got[2])
	}
}

func TestTimelineRepository_RejectsIncompleteEvents(t *testing.T) {
	repo := memory.NewTimelineRepository()
	if err := repo.Append(context.Background(), domain.TimelineEvent{Kind: domain.TimelineCreated}); !errors.Is(err, domain.ErrTimelineEventInvalid) {
		t.Fatalf("expected ErrTimelineEventInvalid, got %v", err)
	}
	events, err := repo.List(context.Background(), "missing")
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty history, got %v, %v", events, err)
	}
}
