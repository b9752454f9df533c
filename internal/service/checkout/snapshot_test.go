package checkout

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestSnapshotBuilder_FreezesCatalogPrices(t *testing.T) {
	carts := memory.NewCartStore()
	carts.Put("u", "b", 1)
	carts.Put("u", "a", 3)
	catalog := memory.NewCatalog(
		domain.Product{ID: "a", Name: "A", PriceMinor: 250, Active: true},
		domain.Product{ID: "b", Name: "B", PriceMinor: 1999, Active: true},
	)
	inv := memory.NewInventoryRepository(map[string]int64{"a": 3, "b": 1})

	snap, err := NewSnapshotBuilder(carts, catalog, inv).Build(context.Background(), "u")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(snap.Items) != 2 || snap.Items[0].ProductID != "a" || snap.Items[1].ProductID != "b" {
		t.Fatalf("unexpected items: %+v", snap.Items)
	}
	if snap.SubtotalMinor != 3*250+1999 {
		t.Fatalf("subtotal = %d", snap.SubtotalMinor)
	}

	// Изменение каталога после снимка не влияет на уже снятые цены.
	catalog.Upsert(domain.Product{ID: "a", Name: "A", PriceMinor: 9999, Active: true})
	if snap.Items[0].UnitPriceMinor != 250 {
		t.Fatal("snapshot must keep frozen price")
	}

	if n, _ := inv.Available(context.Background(), "a"); n != 3 {
		t.Fatalf("snapshot must not touch stock, got %d", n)
	}
}

func TestSnapshotBuilder_InactiveProduct(t *testing.T) {
	carts := memory.NewCartStore()
	carts.Put("u", "a", 1)
	catalog := memory.NewCatalog(domain.Product{ID: "a", Name: "A", PriceMinor: 100, Active: false})
	inv := memory.NewInventoryRepository(map[string]int64{"a": 3})

	_, err := NewSnapshotBuilder(carts, catalog, inv).Build(context.Background(), "u")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPositiveLines_MergesAndDropsZero(t *testing.T) {
	lines := positiveLines([]domain.CartLine{
		{ProductID: "a", Qty: 1},
		{ProductID: "b", Qty: 0},
		{ProductID: "a", Qty: 2},
	})
	if len(lines) != 1 || lines[0].Qty != 3 {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}
