package domain

import (
	"errors"
	"time"
)

// TimelineKind — вид записи в истории заказа.
type TimelineKind string

const (
	TimelineCreated        TimelineKind = "created"
	TimelineSessionOpened  TimelineKind = "session_opened"
	TimelineSessionFailure TimelineKind = "session_failed"
	TimelineStatusChanged  TimelineKind = "status_changed"
	TimelineStockReleased  TimelineKind = "stock_released"
)

// ErrTimelineEventInvalid — у записи нет заказа или вида.
var ErrTimelineEventInvalid = errors.New("timeline event requires order id and kind")

// TimelineEvent — запись в истории заказа. From/To заполнены только для смены статуса,
// Source называет инициатора (checkout, payment, webhook, verify, sweeper, admin).
type TimelineEvent struct {
	OrderID string
	Kind    TimelineKind
	From    OrderStatus
	To      OrderStatus
	Source  string
	Detail  string
	At      time.Time
}

// Validate проверяет обязательные поля.
func (e TimelineEvent) Validate() error {
	if e.OrderID == "" || e.Kind == "" {
		return ErrTimelineEventInvalid
	}
	return nil
}

// StatusChange строит запись о применённом переходе.
func StatusChange(orderID string, upd OrderUpdate) TimelineEvent {
	return TimelineEvent{
		OrderID: orderID,
		Kind:    TimelineStatusChanged,
		From:    upd.Expected,
		To:      upd.Status,
		Source:  upd.Source,
		Detail:  upd.ProviderStatus,
		At:      upd.At,
	}
}
