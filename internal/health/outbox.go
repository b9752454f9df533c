package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// OutboxStatsFunc читает срез backlog outbox.
type OutboxStatsFunc func(ctx context.Context) (domain.OutboxStats, error)

// OutboxBacklog падает, если в outbox есть dead-сообщения или самое старое
// ожидающее сообщение старше maxAge. maxAge <= 0 отключает проверку возраста.
func OutboxBacklog(stats OutboxStatsFunc, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		s, err := stats(ctx)
		if err != nil {
			return fmt.Errorf("outbox stats: %w", err)
		}
		if s.Dead > 0 {
			return fmt.Errorf("%d outbox messages are dead", s.Dead)
		}
		if maxAge > 0 && s.Pending > 0 && !s.OldestPendingAt.IsZero() {
			if age := now().Sub(s.OldestPendingAt); age > maxAge {
				return fmt.Errorf("oldest pending outbox message is %s old (limit %s)", age.Truncate(time.Second), maxAge)
			}
		}
		return nil
	}
}
