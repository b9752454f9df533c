package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "version conflict", err: ErrOrderVersionConflict, want: true},
		{name: "joined", err: errors.Join(ErrOrderVersionConflict, errors.New("ctx")), want: true},
		{name: "other", err: ErrOrderNotFound, want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVersionConflict(tt.err); got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("capture: %w", ErrProviderTransient)) {
		t.Fatal("wrapped transient error must be retryable")
	}
	if !IsRetryable(ErrProviderSessionCreationFailed) {
		t.Fatal("session creation failure must be retryable")
	}
	if IsRetryable(ErrPaymentDeclined) {
		t.Fatal("decline is definitive")
	}
}

func TestCheckoutErrorUnwrapsAndDescribesProduct(t *testing.T) {
	err := fmt.Errorf("reserve: %w", InsufficientStock("sku-z", 2, 1))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	var ce *CheckoutError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CheckoutError in chain")
	}
	if ce.ProductID != "sku-z" || ce.Available != 1 {
		t.Fatalf("unexpected details: %+v", ce)
	}
	if !strings.Contains(err.Error(), "sku-z") {
		t.Fatalf("message must name the product: %q", err.Error())
	}

	if !errors.Is(ProductUnavailable("gone"), ErrProductUnavailable) {
		t.Fatal("ProductUnavailable must unwrap to ErrProductUnavailable")
	}
}
