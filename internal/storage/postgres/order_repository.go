package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	orderColumns = `
		id, user_id, status, currency, subtotal_minor, shipping_fee_minor, total_minor,
		provider, provider_session_id, provider_redirect_url, provider_capture_id, provider_status,
		shipping_address, tracking_ref, stock_released, version, created_at, updated_at,
		paid_at, processing_at, packed_at, dispatched_at, in_transit_at, delivered_at,
		cancelled_at, payment_failed_at, refunded_at`
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// rowScanner — общий интерфейс *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		status    string
		provider  string
		sessionID sql.NullString
		address   []byte
		stamps    [9]sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &status, &order.Currency,
		&order.SubtotalMinor, &order.ShippingFeeMinor, &order.TotalMinor,
		&provider, &sessionID, &order.ProviderRedirectURL, &order.ProviderCaptureID, &order.ProviderStatus,
		&address, &order.TrackingRef, &order.StockReleased, &order.Version, &order.CreatedAt, &order.UpdatedAt,
		&stamps[0], &stamps[1], &stamps[2], &stamps[3], &stamps[4], &stamps[5],
		&stamps[6], &stamps[7], &stamps[8],
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.Provider = domain.PaymentProvider(provider)
	order.ProviderSessionID = sessionID.String
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address of %s: %w", order.ID, err)
	}

	targets := []**time.Time{
		&order.PaidAt, &order.ProcessingAt, &order.PackedAt, &order.DispatchedAt, &order.InTransitAt,
		&order.DeliveredAt, &order.CancelledAt, &order.PaymentFailedAt, &order.RefundedAt,
	}
	for i, target := range targets {
		if stamps[i].Valid {
			at := stamps[i].Time.UTC()
			*target = &at
		}
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, user_id, status, currency, subtotal_minor, shipping_fee_minor, total_minor,
				provider, provider_session_id, provider_redirect_url, shipping_address,
				version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,$11,$12,$13,$14)
		`,
			order.ID, order.UserID, string(order.Status), order.Currency,
			order.SubtotalMinor, order.ShippingFeeMinor, order.TotalMinor,
			string(order.Provider), order.ProviderSessionID, order.ProviderRedirectURL, address,
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		switch {
		case isUniqueViolation(err):
			return domain.ErrOrderVersionConflict
		case err != nil:
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, product_id, name, unit_price_minor, qty)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, order.ID, i, item.ProductID, item.Name, item.UnitPriceMinor, item.Qty); err != nil {
				return fmt.Errorf("insert order item %s: %w", item.ProductID, err)
			}
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.getOne(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) GetBySession(ctx context.Context, sessionID string) (domain.Order, error) {
	if sessionID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.getOne(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE provider_session_id = $1`, sessionID)
}

// querier — общий интерфейс *sql.DB и *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *orderRepository) getOne(ctx context.Context, q querier, query string, args ...any) (domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := loadItems(ctx, q, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *orderRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC, id ASC`
	args := []any{string(domain.OrderStatusPending), before}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

// ListUnreleased находит заказы, у которых переход в отмену записан, а возврат остатков нет.
func (r *orderRepository) ListUnreleased(ctx context.Context, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE status IN ($1, $2) AND stock_released = FALSE ORDER BY created_at ASC, id ASC`
	args := []any{string(domain.OrderStatusCancelled), string(domain.OrderStatusPaymentFailed)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		items, err := loadItems(ctx, r.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// AttachSession записывает сессию только в pending-заказ без сессии.
func (r *orderRepository) AttachSession(ctx context.Context, orderID string, session domain.PaymentSession) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET provider = $2,
		    provider_session_id = $3,
		    provider_redirect_url = $4,
		    provider_status = $5,
		    version = version + 1,
		    updated_at = $6
		WHERE id = $1
		  AND provider_session_id IS NULL
		  AND status = $7
	`, orderID, string(session.Provider), session.SessionID, session.RedirectURL, session.Status,
		time.Now().UTC(), string(domain.OrderStatusPending))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, fmt.Errorf("%w: session %s belongs to another order", domain.ErrSessionAlreadyAttached, session.SessionID)
		}
		return domain.Order{}, fmt.Errorf("attach session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}

	current, err := r.getOne(ctx, r.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if affected == 0 {
		if current.ProviderSessionID != "" {
			return current, domain.ErrSessionAlreadyAttached
		}
		return current, domain.ErrStatusConflict
	}
	return current, nil
}

// Transition блокирует строку заказа, применяет domain.Order.Apply и пишет результат
// с тем же условием на статус в WHERE.
func (r *orderRepository) Transition(ctx context.Context, orderID string, upd domain.OrderUpdate) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var current, updated domain.Order
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		current, err = r.getOne(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
		if err != nil {
			return err
		}
		if updated, err = current.Apply(upd); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $3,
			    provider_capture_id = $4,
			    provider_status = $5,
			    tracking_ref = $6,
			    version = $7,
			    updated_at = $8,
			    paid_at = $9,
			    processing_at = $10,
			    packed_at = $11,
			    dispatched_at = $12,
			    in_transit_at = $13,
			    delivered_at = $14,
			    cancelled_at = $15,
			    payment_failed_at = $16,
			    refunded_at = $17
			WHERE id = $1
			  AND status = $2
		`,
			orderID, string(upd.Expected), string(updated.Status),
			updated.ProviderCaptureID, updated.ProviderStatus, updated.TrackingRef,
			updated.Version, updated.UpdatedAt,
			updated.PaidAt, updated.ProcessingAt, updated.PackedAt, updated.DispatchedAt, updated.InTransitAt,
			updated.DeliveredAt, updated.CancelledAt, updated.PaymentFailedAt, updated.RefundedAt,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if affected == 0 {
			return fmt.Errorf("%w: expected %s", domain.ErrStatusConflict, upd.Expected)
		}
		return nil
	})
	if err != nil {
		return current, err
	}
	return updated, nil
}

func (r *orderRepository) MarkStockReleased(ctx context.Context, orderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET stock_released = TRUE,
		    version = version + 1
		WHERE id = $1
		  AND stock_released = FALSE
	`, orderID)
	if err != nil {
		return false, fmt.Errorf("mark stock released: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	exists, err := orderExists(ctx, r.db, orderID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrOrderNotFound
	}
	return false, nil
}

func loadItems(ctx context.Context, q querier, orderID string) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, name, unit_price_minor, qty
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0)
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPriceMinor, &item.Qty); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func orderExists(ctx context.Context, q querier, orderID string) (bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
