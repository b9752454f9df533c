package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// InventoryRepository хранит остатки в таблице inventory. Уменьшение — один
// условный UPDATE, поэтому две параллельные покупки последней единицы не проходят обе.
type InventoryRepository struct {
	db *sql.DB
}

// NewInventoryRepository создаёт PostgreSQL-реализацию InventoryRepository.
func NewInventoryRepository(store *Store) *InventoryRepository {
	return &InventoryRepository{db: store.DB()}
}

func (r *InventoryRepository) Decrement(ctx context.Context, productID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, domain.ErrItemQtyInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var remaining int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET stock = stock - $2,
		    updated_at = NOW()
		WHERE product_id = $1
		  AND stock >= $2
		RETURNING stock
	`, productID, qty).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("decrement stock for %s: %w", productID, err)
	}

	// Строка не обновилась: либо товара нет, либо остатка не хватает.
	available, err := r.Available(ctx, productID)
	if err != nil {
		return 0, err
	}
	return available, domain.InsufficientStock(productID, qty, available)
}

func (r *InventoryRepository) Increment(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return domain.ErrItemQtyInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE inventory
		SET stock = stock + $2,
		    updated_at = NOW()
		WHERE product_id = $1
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("increment stock for %s: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ProductUnavailable(productID)
	}
	return nil
}

func (r *InventoryRepository) Available(ctx context.Context, productID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var stock int64
	err := r.db.QueryRowContext(ctx, `SELECT stock FROM inventory WHERE product_id = $1`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ProductUnavailable(productID)
		}
		return 0, fmt.Errorf("select stock for %s: %w", productID, err)
	}
	return stock, nil
}

func (r *InventoryRepository) SetStock(ctx context.Context, productID string, qty int64) error {
	if qty < 0 {
		return domain.ErrItemQtyInvalid
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stock, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO UPDATE
		SET stock = EXCLUDED.stock,
		    updated_at = EXCLUDED.updated_at
	`, productID, qty, time.Now().UTC()); err != nil {
		return fmt.Errorf("set stock for %s: %w", productID, err)
	}
	return nil
}

var _ domain.InventoryRepository = (*InventoryRepository)(nil)
