package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestGenerateInvoiceRecyclesToken(t *testing.T) {
	databaseURL := os.Getenv("COUNTERMART_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set COUNTERMART_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("PR-INV-IT-%d", stamp)
	tokenID := fmt.Sprintf("TOK-IT-%d", stamp)

	var invoiceID string
	t.Cleanup(func() {
		if invoiceID != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM products_in_invoices WHERE invoice_id = $1`, invoiceID)
			_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE invoice_id = $1`, invoiceID)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tokens_select_products WHERE token_id = $1`, tokenID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token_id = $1`, tokenID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE product_id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_id, name, description, unit_price, unit_type, gst_rate, cgst_rate, current_discount)
		VALUES ($1, 'Integration Rice', 'integration test product', 100, 'kg', 9, 9, 10)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stored_quantity, displayed_quantity, store_threshold)
		VALUES ($1, 50, 10, 5)
	`, productID); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token_id, assigned, invoice_id)
		VALUES ($1, true, null)
	`, tokenID); err != nil {
		t.Fatalf("insert token: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens_select_products (token_id, product_id, quantity)
		VALUES ($1, $2, 2)
	`, tokenID, productID); err != nil {
		t.Fatalf("insert basket line: %v", err)
	}

	invoice, err := s.GenerateInvoice(ctx, []string{tokenID}, "cash", time.Now().UTC())
	if err != nil {
		t.Fatalf("generate invoice: %v", err)
	}
	invoiceID = invoice.InvoiceID

	var assigned bool
	var stampedInvoice *string
	if err := s.db.QueryRowContext(ctx, `
		SELECT assigned, invoice_id
		FROM tokens
		WHERE token_id = $1
	`, tokenID).Scan(&assigned, &stampedInvoice); err != nil {
		t.Fatalf("query token: %v", err)
	}
	if assigned || stampedInvoice != nil {
		t.Fatalf("expected token recycled after billing, got assigned=%v invoice=%v", assigned, stampedInvoice)
	}

	var basketLines int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM tokens_select_products
		WHERE token_id = $1
	`, tokenID).Scan(&basketLines); err != nil {
		t.Fatalf("query basket: %v", err)
	}
	if basketLines != 0 {
		t.Fatalf("expected basket cleared, got %d lines", basketLines)
	}

	var qty, unitPrice float64
	if err := s.db.QueryRowContext(ctx, `
		SELECT quantity, unit_price
		FROM products_in_invoices
		WHERE invoice_id = $1 AND product_id = $2
	`, invoiceID, productID).Scan(&qty, &unitPrice); err != nil {
		t.Fatalf("query invoice line: %v", err)
	}
	if qty != 2 || unitPrice != 100 {
		t.Fatalf("expected snapshot line qty=2 price=100, got qty=%v price=%v", qty, unitPrice)
	}
}
