package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// GetBySession находит заказ по идентификатору сессии провайдера.
	GetBySession(ctx context.Context, sessionID string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми; limit <= 0 — без ограничения.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListPendingBefore возвращает pending-заказы, созданные раньше before.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]Order, error)
	// ListUnreleased возвращает отменённые и неоплаченные заказы, остатки которых ещё не возвращены.
	ListUnreleased(ctx context.Context, limit int) ([]Order, error)
	// AttachSession однократно записывает сессию провайдера в pending-заказ.
	// Если сессия уже есть, возвращает текущий заказ и ErrSessionAlreadyAttached.
	AttachSession(ctx context.Context, orderID string, session PaymentSession) (Order, error)
	// Transition атомарно применяет OrderUpdate, только если статус заказа равен upd.Expected.
	// При несовпадении возвращает текущий заказ и ErrStatusConflict.
	Transition(ctx context.Context, orderID string, upd OrderUpdate) (Order, error)
	// MarkStockReleased выставляет флаг возврата остатков; true — только для первого вызова.
	MarkStockReleased(ctx context.Context, orderID string) (bool, error)
}

// InventoryRepository — хранилище счётчиков остатков; единственный, кто их изменяет.
type InventoryRepository interface {
	// Decrement атомарно уменьшает остаток, если его хватает, и возвращает новое значение.
	// Нехватка — ErrInsufficientStock, неизвестный товар — ErrProductUnavailable.
	Decrement(ctx context.Context, productID string, qty int64) (int64, error)
	// Increment возвращает qty единиц на склад.
	Increment(ctx context.Context, productID string, qty int64) error
	// Available возвращает текущий остаток.
	Available(ctx context.Context, productID string) (int64, error)
	// SetStock задаёт остаток (загрузка и администрирование).
	SetStock(ctx context.Context, productID string, qty int64) error
}
