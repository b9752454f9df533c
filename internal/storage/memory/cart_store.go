package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// CartStore — in-memory заменитель внешнего хранилища корзин.
type CartStore struct {
	mu      sync.RWMutex
	carts   map[string]map[string]int64
	cleared map[string]int
}

// NewCartStore создаёт пустое хранилище корзин.
func NewCartStore() *CartStore {
	return &CartStore{
		carts:   make(map[string]map[string]int64),
		cleared: make(map[string]int),
	}
}

// Put задаёт количество товара в корзине пользователя.
func (s *CartStore) Put(userID, productID string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, ok := s.carts[userID]
	if !ok {
		cart = make(map[string]int64)
		s.carts[userID] = cart
	}
	cart[productID] = qty
}

// Lines возвращает позиции корзины, упорядоченные по product id.
func (s *CartStore) Lines(_ context.Context, userID string) ([]domain.CartLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart := s.carts[userID]
	lines := make([]domain.CartLine, 0, len(cart))
	for productID, qty := range cart {
		lines = append(lines, domain.CartLine{ProductID: productID, Qty: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

func (s *CartStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.carts, userID)
	s.cleared[userID]++
	return nil
}

// ClearCount возвращает число очисток корзины пользователя (используется в тестах).
func (s *CartStore) ClearCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleared[userID]
}

var _ domain.CartStore = (*CartStore)(nil)
