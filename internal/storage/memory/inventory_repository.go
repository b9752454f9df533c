package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// InventoryRepository хранит остатки в памяти. Проверка и уменьшение выполняются под одной
// блокировкой, поэтому параллельные резервы последней единицы не проходят оба.
type InventoryRepository struct {
	mu    sync.Mutex
	stock map[string]int64
}

// NewInventoryRepository создаёт in-memory склад с начальными остатками.
func NewInventoryRepository(initial map[string]int64) *InventoryRepository {
	stock := make(map[string]int64, len(initial))
	for id, qty := range initial {
		stock[id] = qty
	}
	return &InventoryRepository{stock: stock}
}

func (r *InventoryRepository) Decrement(_ context.Context, productID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, domain.ErrItemQtyInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.stock[productID]
	if !ok {
		return 0, domain.ProductUnavailable(productID)
	}
	if current < qty {
		return current, domain.InsufficientStock(productID, qty, current)
	}
	current -= qty
	r.stock[productID] = current
	return current, nil
}

func (r *InventoryRepository) Increment(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stock[productID]; !ok {
		return domain.ProductUnavailable(productID)
	}
	r.stock[productID] += qty
	return nil
}

func (r *InventoryRepository) Available(_ context.Context, productID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.stock[productID]
	if !ok {
		return 0, domain.ProductUnavailable(productID)
	}
	return current, nil
}

func (r *InventoryRepository) SetStock(_ context.Context, productID string, qty int64) error {
	if qty < 0 {
		return domain.ErrItemQtyInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stock[productID] = qty
	return nil
}

var _ domain.InventoryRepository = (*InventoryRepository)(nil)
