package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from domain.OrderStatus
		to   domain.OrderStatus
		want bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusPaid, true},
		{domain.OrderStatusPaid, domain.OrderStatusProcessing, true},
		{domain.OrderStatusProcessing, domain.OrderStatusPackagePacked, true},
		{domain.OrderStatusPackagePacked, domain.OrderStatusDispatched, true},
		{domain.OrderStatusDispatched, domain.OrderStatusInTransit, true},
		{domain.OrderStatusInTransit, domain.OrderStatusDelivered, true},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPending, domain.OrderStatusPaymentFailed, true},
		{domain.OrderStatusPaid, domain.OrderStatusRefunded, true},
		{domain.OrderStatusInTransit, domain.OrderStatusRefunded, true},

		{domain.OrderStatusPending, domain.OrderStatusDelivered, false},
		{domain.OrderStatusPaid, domain.OrderStatusDispatched, false},
		{domain.OrderStatusPaid, domain.OrderStatusCancelled, false},
		{domain.OrderStatusPending, domain.OrderStatusRefunded, false},
		{domain.OrderStatusProcessing, domain.OrderStatusPaid, false},
		{domain.OrderStatusDelivered, domain.OrderStatusRefunded, false},
		{domain.OrderStatusDelivered, domain.OrderStatusPending, false},
		{domain.OrderStatusCancelled, domain.OrderStatusPaid, false},
		{domain.OrderStatusRefunded, domain.OrderStatusPaid, false},
		{domain.OrderStatusPaymentFailed, domain.OrderStatusPaid, false},
		{domain.OrderStatusPending, domain.OrderStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Fatalf("CanTransitionTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyStampsTimestampAndCapture(t *testing.T) {
	order := makeOrder()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	updated, err := order.Apply(domain.OrderUpdate{
		Expected:  domain.OrderStatusPending,
		Status:    domain.OrderStatusPaid,
		At:        at,
		CaptureID: "cap-1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Status != domain.OrderStatusPaid || updated.PaidAt == nil || !updated.PaidAt.Equal(at) {
		t.Fatalf("unexpected order after apply: %+v", updated)
	}
	if updated.ProviderCaptureID != "cap-1" || updated.Version != order.Version+1 {
		t.Fatalf("capture id or version not applied: %+v", updated)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatal("Apply must not mutate the receiver")
	}

	// capture id задаётся не более одного раза
	again, err := updated.Apply(domain.OrderUpdate{
		Expected:  domain.OrderStatusPaid,
		Status:    domain.OrderStatusRefunded,
		CaptureID: "cap-2",
	})
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if again.ProviderCaptureID != "cap-1" {
		t.Fatalf("capture id overwritten: %s", again.ProviderCaptureID)
	}
	if again.RefundedAt == nil {
		t.Fatal("refund timestamp not stamped")
	}
}

func TestApplyRejectsIllegalAndStaleUpdates(t *testing.T) {
	order := makeOrder()

	_, err := order.Apply(domain.OrderUpdate{Expected: domain.OrderStatusPending, Status: domain.OrderStatusDelivered})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = order.Apply(domain.OrderUpdate{Expected: domain.OrderStatusPaid, Status: domain.OrderStatusProcessing})
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestNotifiesAndReleasesStock(t *testing.T) {
	if domain.OrderStatusPackagePacked.Notifies() {
		t.Fatal("packing is an internal step")
	}
	for _, s := range []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusProcessing, domain.OrderStatusDispatched, domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
		if !s.Notifies() {
			t.Fatalf("%s must notify", s)
		}
	}
	if !domain.OrderStatusCancelled.ReleasesStock() || !domain.OrderStatusPaymentFailed.ReleasesStock() {
		t.Fatal("cancel and payment failure release stock")
	}
	if domain.OrderStatusRefunded.ReleasesStock() {
		t.Fatal("refund does not release stock")
	}
}

func TestParseOrderStatus(t *testing.T) {
	if s, err := domain.ParseOrderStatus("in_transit"); err != nil || s != domain.OrderStatusInTransit {
		t.Fatalf("unexpected parse result %q %v", s, err)
	}
	if _, err := domain.ParseOrderStatus("shipped"); !errors.Is(err, domain.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
