package billing

import (
	"testing"
	"time"

	"countermart/backend/internal/domain"
)

func TestPriceLineReferenceVector(t *testing.T) {
	priced := PriceLine(domain.InvoiceLine{
		ProductID:       "PR-1",
		Name:            "Basmati Rice",
		Quantity:        2,
		UnitPrice:       100,
		GSTRate:         9,
		CGSTRate:        9,
		DiscountPercent: 10,
	})

	if priced.GrossTotal != 180.00 {
		t.Fatalf("expected gross 180.00, got %v", priced.GrossTotal)
	}
	if priced.NetTotal != 152.54 {
		t.Fatalf("expected net 152.54, got %v", priced.NetTotal)
	}
	if priced.GSTAmount != 13.73 {
		t.Fatalf("expected gst amount 13.73, got %v", priced.GSTAmount)
	}
	if priced.CGSTAmount != 13.73 {
		t.Fatalf("expected cgst amount 13.73, got %v", priced.CGSTAmount)
	}
}

func TestPriceLineRoundsHalfUpAtEachStep(t *testing.T) {
	// 3 * 33.335 = 100.005 rounds up to 100.01 only when the gross is
	// rounded before the tax split.
	priced := PriceLine(domain.InvoiceLine{
		ProductID: "PR-2",
		Quantity:  3,
		UnitPrice: 33.335,
	})

	if priced.GrossTotal != 100.01 {
		t.Fatalf("expected gross 100.01, got %v", priced.GrossTotal)
	}
	if priced.NetTotal != 100.01 {
		t.Fatalf("expected net to equal gross with zero tax, got %v", priced.NetTotal)
	}
	if priced.GSTAmount != 0 || priced.CGSTAmount != 0 {
		t.Fatalf("expected zero tax amounts, got %v / %v", priced.GSTAmount, priced.CGSTAmount)
	}
}

func TestSummarizeAccumulatesTotalsAndDiscount(t *testing.T) {
	invoice := domain.Invoice{
		InvoiceID:     "INV-0000000000",
		InvoiceDate:   time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		PaymentMode:   domain.PaymentCash,
		DiscountGiven: 30,
	}
	lines := []domain.InvoiceLine{
		{ProductID: "PR-1", Quantity: 2, UnitPrice: 100, GSTRate: 9, CGSTRate: 9, DiscountPercent: 10},
		{ProductID: "PR-2", Quantity: 1, UnitPrice: 50},
	}

	view := Summarize(invoice, lines)
	if len(view.Lines) != 2 {
		t.Fatalf("expected 2 priced lines, got %d", len(view.Lines))
	}
	if view.GrossTotal != 230.00 {
		t.Fatalf("expected gross total 230.00, got %v", view.GrossTotal)
	}
	if view.TotalGST != 13.73 || view.TotalCGST != 13.73 {
		t.Fatalf("expected tax totals 13.73/13.73, got %v/%v", view.TotalGST, view.TotalCGST)
	}
	if view.GrandTotal != 200.00 {
		t.Fatalf("expected grand total 200.00, got %v", view.GrandTotal)
	}
}

func TestSummarizeGrandTotalFloorsAtZero(t *testing.T) {
	invoice := domain.Invoice{InvoiceID: "INV-0000000001", DiscountGiven: 500}
	lines := []domain.InvoiceLine{{ProductID: "PR-1", Quantity: 1, UnitPrice: 40}}

	view := Summarize(invoice, lines)
	if view.GrandTotal != 0 {
		t.Fatalf("expected grand total floored at 0, got %v", view.GrandTotal)
	}
	if view.DiscountGiven != 500 {
		t.Fatalf("expected stored discount untouched, got %v", view.DiscountGiven)
	}
}
