package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

type manualClock struct{ now time.Time }

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func statusEvent(orderID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     domain.EventOrderStatusChanged,
		Payload:       []byte(`{"status":"paid"}`),
	}
}

func TestOutboxRepository_ClaimInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	repo := memory.NewOutboxRepository().WithClock(clock.Now)

	first, err := repo.Enqueue(ctx, statusEvent("order-1"))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, clock.now, first.CreatedAt)
	second, err := repo.Enqueue(ctx, statusEvent("order-2"))
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, first.ID, claimed[0].ID)
	require.Equal(t, second.ID, claimed[1].ID)

	// Арендованные сообщения не выдаются повторно, пока аренда жива.
	again, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, clock.now, stats.OldestPendingAt)
}

func TestOutboxRepository_EnqueueSameIDOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()

	msg := statusEvent("order-1")
	msg.ID = "fixed"
	_, err := repo.Enqueue(ctx, msg)
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, msg)
	require.NoError(t, err)

	require.Len(t, repo.ByEventType(domain.EventOrderStatusChanged), 1)
}

func TestOutboxRepository_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	repo := memory.NewOutboxRepository().WithClock(clock.Now)

	msg, err := repo.Enqueue(ctx, statusEvent("order-1"))
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock.Advance(31 * time.Second)
	reclaimed, err := repo.Claim(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, msg.ID, reclaimed[0].ID)
}

func TestOutboxRepository_RetryDelaysRedelivery(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	repo := memory.NewOutboxRepository().WithClock(clock.Now)

	msg, err := repo.Enqueue(ctx, statusEvent("order-1"))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)

	require.NoError(t, repo.Retry(ctx, msg.ID, clock.now.Add(5*time.Second), "broker down"))
	state, ok := repo.State(msg.ID)
	require.True(t, ok)
	require.Equal(t, domain.OutboxPending, state)

	early, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, early)

	clock.Advance(5 * time.Second)
	ready, err := repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, 1, ready[0].Attempts)
	require.Equal(t, "broker down", ready[0].LastError)
}

func TestOutboxRepository_SettleRequiresClaim(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()

	msg, err := repo.Enqueue(ctx, statusEvent("order-1"))
	require.NoError(t, err)
	require.ErrorIs(t, repo.MarkSent(ctx, msg.ID), domain.ErrOutboxNotClaimed)
	require.ErrorIs(t, repo.Bury(ctx, "missing", "x"), domain.ErrOutboxNotClaimed)

	_, err = repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(ctx, msg.ID))
	require.ErrorIs(t, repo.MarkSent(ctx, msg.ID), domain.ErrOutboxNotClaimed)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
	require.True(t, stats.OldestPendingAt.IsZero())
}

func TestOutboxRepository_BuryCountsDead(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()

	msg, err := repo.Enqueue(ctx, statusEvent("order-1"))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.Bury(ctx, msg.ID, "schema rejected"))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
	require.Equal(t, 1, stats.Dead)

	buried := repo.ByEventType(domain.EventOrderStatusChanged)
	require.Len(t, buried, 1)
	require.Equal(t, "schema rejected", buried[0].LastError)
	require.Equal(t, 1, buried[0].Attempts)
}
