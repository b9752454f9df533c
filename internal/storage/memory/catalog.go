package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Catalog — in-memory каталог товаров для разработки и тестов.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewCatalog создаёт каталог из переданных карточек.
func NewCatalog(products ...domain.Product) *Catalog {
	c := &Catalog{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Upsert добавляет или заменяет карточку.
func (c *Catalog) Upsert(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// Remove удаляет товар из каталога.
func (c *Catalog) Remove(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, productID)
}

func (c *Catalog) Product(_ context.Context, productID string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[productID]
	if !ok || !p.Active {
		return domain.Product{}, domain.ProductUnavailable(productID)
	}
	return p, nil
}

var _ domain.Catalog = (*Catalog)(nil)
