package domain

import (
	"fmt"
	"time"
)

// Основная цепочка: каждый статус может перейти только в следующий.
var forwardTransitions = map[OrderStatus]OrderStatus{
	OrderStatusPending:       OrderStatusPaid,
	OrderStatusPaid:          OrderStatusProcessing,
	OrderStatusProcessing:    OrderStatusPackagePacked,
	OrderStatusPackagePacked: OrderStatusDispatched,
	OrderStatusDispatched:    OrderStatusInTransit,
	OrderStatusInTransit:     OrderStatusDelivered,
}

// Боковые рёбра: отмена и отказ оплаты только из pending, возврат из оплаченных до доставки.
var sideTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:       {OrderStatusCancelled, OrderStatusPaymentFailed},
	OrderStatusPaid:          {OrderStatusRefunded},
	OrderStatusProcessing:    {OrderStatusRefunded},
	OrderStatusPackagePacked: {OrderStatusRefunded},
	OrderStatusDispatched:    {OrderStatusRefunded},
	OrderStatusInTransit:     {OrderStatusRefunded},
}

var allStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPaid,
	OrderStatusProcessing,
	OrderStatusPackagePacked,
	OrderStatusDispatched,
	OrderStatusInTransit,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusPaymentFailed,
	OrderStatusRefunded,
}

// ParseOrderStatus разбирает строковое представление статуса.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

// Valid проверяет принадлежность статуса перечислению.
func (s OrderStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, что из статуса больше нет переходов.
// payment_failed не терминален по перечню, но исходящих рёбер у него тоже нет.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет, разрешён ли переход s → to.
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next, ok := forwardTransitions[s]; ok && next == to {
		return true
	}
	for _, side := range sideTransitions[s] {
		if side == to {
			return true
		}
	}
	return false
}

// Notifies сообщает, уведомляется ли покупатель о переходе в этот статус.
// Сборка посылки — внутренний шаг склада и уведомления не порождает.
func (s OrderStatus) Notifies() bool {
	switch s {
	case OrderStatusPaid,
		OrderStatusProcessing,
		OrderStatusDispatched,
		OrderStatusInTransit,
		OrderStatusDelivered,
		OrderStatusCancelled,
		OrderStatusPaymentFailed,
		OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// ReleasesStock сообщает, что переход в статус возвращает зарезервированные остатки.
func (s OrderStatus) ReleasesStock() bool {
	return s == OrderStatusCancelled || s == OrderStatusPaymentFailed
}

// OrderUpdate описывает условную запись статуса: применяется, только если текущий статус равен Expected.
type OrderUpdate struct {
	Expected OrderStatus
	Status   OrderStatus
	At       time.Time
	// CaptureID записывается только если у заказа его ещё нет.
	CaptureID      string
	ProviderStatus string
	TrackingRef    string
	// Source — инициатор перехода (webhook, verify, sweeper, admin); попадает в историю заказа.
	Source string
}

// Validate проверяет, что переход допустим машиной состояний.
func (u OrderUpdate) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, u.Status)
	}
	if !u.Expected.CanTransitionTo(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.Expected, u.Status)
	}
	return nil
}

// Apply применяет обновление к копии заказа. Репозитории вызывают его под своей блокировкой
// (или повторяют ту же логику в SQL), поэтому проверка статуса и запись атомарны.
func (o Order) Apply(u OrderUpdate) (Order, error) {
	if o.Status != u.Expected {
		return o, fmt.Errorf("%w: expected %s, got %s", ErrStatusConflict, u.Expected, o.Status)
	}
	if err := u.Validate(); err != nil {
		return o, err
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	o.Status = u.Status
	o.stamp(u.Status, at)
	if u.CaptureID != "" && o.ProviderCaptureID == "" {
		o.ProviderCaptureID = u.CaptureID
	}
	if u.ProviderStatus != "" {
		o.ProviderStatus = u.ProviderStatus
	}
	if u.TrackingRef != "" {
		o.TrackingRef = u.TrackingRef
	}
	o.UpdatedAt = at
	o.Version++
	o.Items = append([]LineItem(nil), o.Items...)
	return o, nil
}
