package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Snapshot — корзина, разрешённая в позиции с ценами каталога на момент оформления.
type Snapshot struct {
	Items         []domain.LineItem
	SubtotalMinor int64
}

// SnapshotBuilder превращает корзину пользователя в замороженные позиции заказа.
// Только читает: корзина, каталог и остатки не меняются.
type SnapshotBuilder struct {
	carts     domain.CartStore
	catalog   domain.Catalog
	inventory domain.InventoryRepository
}

// NewSnapshotBuilder создаёт SnapshotBuilder.
func NewSnapshotBuilder(carts domain.CartStore, catalog domain.Catalog, inventory domain.InventoryRepository) *SnapshotBuilder {
	return &SnapshotBuilder{carts: carts, catalog: catalog, inventory: inventory}
}

// Build читает корзину и цены из каталога. Проверка остатков здесь предварительная:
// окончательное решение принимает атомарный резерв.
func (b *SnapshotBuilder) Build(ctx context.Context, userID string) (Snapshot, error) {
	lines, err := b.carts.Lines(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read cart: %w", err)
	}

	lines = positiveLines(lines)
	if len(lines) == 0 {
		return Snapshot{}, domain.ErrEmptyCart
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	snapshot := Snapshot{Items: make([]domain.LineItem, 0, len(lines))}
	for _, line := range lines {
		product, err := b.catalog.Product(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrProductUnavailable) {
				return Snapshot{}, err
			}
			return Snapshot{}, fmt.Errorf("resolve product %s: %w", line.ProductID, err)
		}
		if !product.Active {
			return Snapshot{}, domain.ProductUnavailable(line.ProductID)
		}

		available, err := b.inventory.Available(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrProductUnavailable) {
				return Snapshot{}, err
			}
			return Snapshot{}, fmt.Errorf("check stock %s: %w", line.ProductID, err)
		}
		if available < line.Qty {
			return Snapshot{}, domain.InsufficientStock(line.ProductID, line.Qty, available)
		}

		item := domain.LineItem{
			ProductID:      product.ID,
			Name:           product.Name,
			UnitPriceMinor: product.PriceMinor,
			Qty:            line.Qty,
		}
		snapshot.Items = append(snapshot.Items, item)
		snapshot.SubtotalMinor += item.SubtotalMinor()
	}
	return snapshot, nil
}

// positiveLines отбрасывает позиции с нулевым количеством и складывает дубли одного товара.
func positiveLines(lines []domain.CartLine) []domain.CartLine {
	merged := make(map[string]int64, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 || line.ProductID == "" {
			continue
		}
		if _, seen := merged[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		merged[line.ProductID] += line.Qty
	}

	result := make([]domain.CartLine, 0, len(order))
	for _, id := range order {
		result = append(result, domain.CartLine{ProductID: id, Qty: merged[id]})
	}
	return result
}
