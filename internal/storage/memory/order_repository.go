package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// orderStore держит заказы в памяти. Условные записи идут под одной блокировкой,
// как UPDATE ... WHERE status = $expected в PostgreSQL.
type orderStore struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	bySession map[string]string
	now       func() time.Time
}

// NewOrderRepository возвращает хранилище заказов для локального запуска и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderStore{
		orders:    make(map[string]domain.Order),
		bySession: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *orderStore) Create(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.orders[order.ID]; taken {
		return domain.ErrOrderVersionConflict
	}
	if owner, taken := s.bySession[order.ProviderSessionID]; taken && order.ProviderSessionID != "" {
		return fmt.Errorf("%w: session %s belongs to order %s", domain.ErrSessionAlreadyAttached, order.ProviderSessionID, owner)
	}
	s.orders[order.ID] = detach(order)
	if order.ProviderSessionID != "" {
		s.bySession[order.ProviderSessionID] = order.ID
	}
	return nil
}

func (s *orderStore) Get(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return detach(order), nil
}

func (s *orderStore) GetBySession(ctx context.Context, sessionID string) (domain.Order, error) {
	s.mu.RLock()
	id, ok := s.bySession[sessionID]
	s.mu.RUnlock()
	if !ok || sessionID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.Get(ctx, id)
}

// ListByUser: новые первыми, при равном времени — по убыванию ID.
func (s *orderStore) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	return s.pick(limit,
		func(o domain.Order) bool { return o.UserID == userID },
		func(a, b domain.Order) int { return -byCreation(a, b) },
	), nil
}

// ListPendingBefore: старые первыми, чтобы sweeper не голодал на хвосте.
func (s *orderStore) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return s.pick(limit,
		func(o domain.Order) bool { return o.Status == domain.OrderStatusPending && o.CreatedAt.Before(before) },
		byCreation,
	), nil
}

func (s *orderStore) ListUnreleased(_ context.Context, limit int) ([]domain.Order, error) {
	return s.pick(limit,
		func(o domain.Order) bool { return o.Status.ReleasesStock() && !o.StockReleased },
		byCreation,
	), nil
}

func (s *orderStore) pick(limit int, match func(domain.Order) bool, order func(a, b domain.Order) int) []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0)
	for _, o := range s.orders {
		if match(o) {
			out = append(out, detach(o))
		}
	}
	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byCreation(a, b domain.Order) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
}

// AttachSession пишет сессию только в pending-заказ без сессии; чужая сессия отвергается.
func (s *orderStore) AttachSession(_ context.Context, orderID string, session domain.PaymentSession) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	switch {
	case !ok:
		return domain.Order{}, domain.ErrOrderNotFound
	case order.ProviderSessionID != "":
		return detach(order), domain.ErrSessionAlreadyAttached
	case order.Status != domain.OrderStatusPending:
		return detach(order), domain.ErrStatusConflict
	}
	if owner, taken := s.bySession[session.SessionID]; taken {
		return domain.Order{}, fmt.Errorf("%w: session %s belongs to order %s", domain.ErrSessionAlreadyAttached, session.SessionID, owner)
	}

	order.Provider = session.Provider
	order.ProviderSessionID = session.SessionID
	order.ProviderRedirectURL = session.RedirectURL
	order.ProviderStatus = session.Status
	order.UpdatedAt = s.now()
	order.Version++
	s.orders[orderID] = order
	s.bySession[session.SessionID] = orderID
	return detach(order), nil
}

func (s *orderStore) Transition(_ context.Context, orderID string, upd domain.OrderUpdate) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	updated, err := current.Apply(upd)
	if err != nil {
		return detach(current), err
	}
	s.orders[orderID] = updated
	return detach(updated), nil
}

// MarkStockReleased срабатывает один раз на заказ.
func (s *orderStore) MarkStockReleased(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if order.StockReleased {
		return false, nil
	}
	order.StockReleased = true
	order.Version++
	s.orders[orderID] = order
	return true, nil
}

// detach копирует позиции, чтобы вызывающий не правил хранилище через общий срез.
func detach(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}

var _ domain.OrderRepository = (*orderStore)(nil)
