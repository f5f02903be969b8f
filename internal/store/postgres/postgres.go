package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"countermart/backend/internal/domain"
	"countermart/backend/internal/store"
	"countermart/backend/internal/xid"
)

const tokenPoolMax = 100

type Store struct {
	db *sql.DB

	// Formatted ID sequences. Each is lazily seeded from the row count of
	// its table and then advanced in memory; single writer process assumed.
	ledgerSeq  sequence
	orderSeq   sequence
	invoiceSeq sequence
}

type sequence struct {
	mu     sync.Mutex
	seeded bool
	next   int64
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nextID(ctx context.Context, seq *sequence, table string, prefix string) (string, error) {
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.seeded {
		var count int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count); err != nil {
			return "", err
		}
		seq.next = count
		seq.seeded = true
	}
	id := fmt.Sprintf("%s-%010d", prefix, seq.next)
	seq.next++
	return id, nil
}

// appendLedger inserts one immutable ledger row inside the caller's
// transaction; it never commits on its own.
func (s *Store) appendLedger(ctx context.Context, tx *sql.Tx, txType string, productID string, qty float64, at time.Time) error {
	id, err := s.nextID(ctx, &s.ledgerSeq, "inventory_transactions", "TRC")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (transaction_id, type, product_id, quantity, ts)
		VALUES ($1,$2,$3,$4,$5)
	`, id, txType, productID, qty, at)
	return err
}

func validateProduct(product domain.Product) error {
	if strings.TrimSpace(product.ProductID) == "" || strings.TrimSpace(product.Name) == "" {
		return fmt.Errorf("%w: product id and name are required", store.ErrInvalidInput)
	}
	if product.UnitPrice <= 0 {
		return fmt.Errorf("%w: unit price must be positive", store.ErrInvalidInput)
	}
	if !domain.ValidUnitType(product.UnitType) {
		return fmt.Errorf("%w: unit type %q", store.ErrInvalidInput, product.UnitType)
	}
	if product.GSTRate < 0 || product.GSTRate > 100 || product.CGSTRate < 0 || product.CGSTRate > 100 {
		return fmt.Errorf("%w: tax rates must be within [0,100]", store.ErrInvalidInput)
	}
	if product.CurrentDiscount < 0 {
		return fmt.Errorf("%w: discount must not be negative", store.ErrInvalidInput)
	}
	return nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := validateProduct(product); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_id, name, description, unit_price, unit_type, gst_rate, cgst_rate, current_discount)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, product.ProductID, product.Name, product.Description, product.UnitPrice, product.UnitType,
		product.GSTRate, product.CGSTRate, product.CurrentDiscount)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrProductExists
		}
		return nil, err
	}

	created := product
	return &created, nil
}

const productColumns = `product_id, name, description, unit_price, unit_type, gst_rate, cgst_rate, current_discount`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ProductID, &p.Name, &p.Description, &p.UnitPrice, &p.UnitType, &p.GSTRate, &p.CGSTRate, &p.CurrentDiscount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = $1
	`, productID))
}

func (s *Store) FindProductByName(ctx context.Context, name string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE name = $1
		ORDER BY product_id
		LIMIT 1
	`, name))
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ProductID, &p.Name, &p.Description, &p.UnitPrice, &p.UnitType, &p.GSTRate, &p.CGSTRate, &p.CurrentDiscount); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) UpdateProductPrice(ctx context.Context, productID string, unitPrice float64) (*domain.Product, error) {
	return s.updateProduct(ctx, productID, func(p *domain.Product) { p.UnitPrice = unitPrice })
}

func (s *Store) UpdateProductDiscount(ctx context.Context, productID string, discount float64) (*domain.Product, error) {
	return s.updateProduct(ctx, productID, func(p *domain.Product) { p.CurrentDiscount = discount })
}

func (s *Store) UpdateProductDescription(ctx context.Context, productID string, description string) (*domain.Product, error) {
	return s.updateProduct(ctx, productID, func(p *domain.Product) { p.Description = description })
}

func (s *Store) UpdateProductTax(ctx context.Context, productID string, gstRate float64, cgstRate float64) (*domain.Product, error) {
	return s.updateProduct(ctx, productID, func(p *domain.Product) {
		p.GSTRate = gstRate
		p.CGSTRate = cgstRate
	})
}

func (s *Store) updateProduct(ctx context.Context, productID string, mutate func(*domain.Product)) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	product, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE product_id = $1
		FOR UPDATE
	`, productID))
	if err != nil {
		return nil, err
	}

	mutate(product)
	if err := validateProduct(*product); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, unit_price = $4, unit_type = $5, gst_rate = $6, cgst_rate = $7, current_discount = $8
		WHERE product_id = $1
	`, product.ProductID, product.Name, product.Description, product.UnitPrice, product.UnitType,
		product.GSTRate, product.CGSTRate, product.CurrentDiscount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return product, nil
}

func (s *Store) GetInventoryRecord(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	var record domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, stored_quantity, displayed_quantity, store_threshold
		FROM inventory
		WHERE product_id = $1
	`, productID).Scan(&record.ProductID, &record.StoredQuantity, &record.DisplayedQuantity, &record.StoreThreshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryView, error) {
	return s.queryInventoryViews(ctx, false)
}

func (s *Store) ListBelowThreshold(ctx context.Context) ([]domain.InventoryView, error) {
	return s.queryInventoryViews(ctx, true)
}

func (s *Store) queryInventoryViews(ctx context.Context, belowOnly bool) ([]domain.InventoryView, error) {
	query := `
		SELECT i.product_id, i.stored_quantity, i.displayed_quantity, i.store_threshold,
		       COALESCE(p.name, ''), COALESCE(p.unit_type, '')
		FROM inventory i
		LEFT JOIN products p ON p.product_id = i.product_id
	`
	if belowOnly {
		query += ` WHERE i.stored_quantity < i.store_threshold`
	}
	query += ` ORDER BY i.product_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := make([]domain.InventoryView, 0, 64)
	for rows.Next() {
		var v domain.InventoryView
		if err := rows.Scan(&v.ProductID, &v.StoredQuantity, &v.DisplayedQuantity, &v.StoreThreshold, &v.ProductName, &v.UnitType); err != nil {
			return nil, err
		}
		v.BelowThreshold = v.StoredQuantity < v.StoreThreshold
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Store) UpdateThreshold(ctx context.Context, productID string, threshold float64) (*domain.InventoryRecord, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must not be negative", store.ErrInvalidInput)
	}

	var record domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET store_threshold = $2
		WHERE product_id = $1
		RETURNING product_id, stored_quantity, displayed_quantity, store_threshold
	`, productID, threshold).Scan(&record.ProductID, &record.StoredQuantity, &record.DisplayedQuantity, &record.StoreThreshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) SubtractStock(ctx context.Context, productID string, qty float64) (*domain.InventoryRecord, error) {
	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var record domain.InventoryRecord
	err = tx.QueryRowContext(ctx, `
		SELECT product_id, stored_quantity, displayed_quantity, store_threshold
		FROM inventory
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&record.ProductID, &record.StoredQuantity, &record.DisplayedQuantity, &record.StoreThreshold)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if record.StoredQuantity < qty {
		return nil, store.ErrInsufficientStock
	}

	record.StoredQuantity -= qty
	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET stored_quantity = stored_quantity - $2
		WHERE product_id = $1
	`, productID, qty); err != nil {
		return nil, err
	}
	if err := s.appendLedger(ctx, tx, domain.TxInventorySub, productID, qty, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

const ledgerColumns = `transaction_id, type, product_id, quantity, ts`

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]domain.InventoryTransaction, error) {
	if limit < 1 {
		limit = 100
	}
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+`
		FROM inventory_transactions
		ORDER BY transaction_id DESC
		LIMIT $1
	`, limit)
}

func (s *Store) ListTransactionsByDate(ctx context.Context, date time.Time) ([]domain.InventoryTransaction, error) {
	day := nowDateUTC(date)
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+`
		FROM inventory_transactions
		WHERE ts >= $1 AND ts < $2
		ORDER BY transaction_id
	`, day, day.AddDate(0, 0, 1))
}

func (s *Store) ListProductTransactionsByDate(ctx context.Context, productID string, date time.Time) ([]domain.InventoryTransaction, error) {
	day := nowDateUTC(date)
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+`
		FROM inventory_transactions
		WHERE product_id = $3 AND ts >= $1 AND ts < $2
		ORDER BY transaction_id
	`, day, day.AddDate(0, 0, 1), productID)
}

func (s *Store) queryLedger(ctx context.Context, query string, args ...any) ([]domain.InventoryTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.InventoryTransaction, 0, 64)
	for rows.Next() {
		var entry domain.InventoryTransaction
		if err := rows.Scan(&entry.TransactionID, &entry.Type, &entry.ProductID, &entry.Quantity, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) AcquireToken(ctx context.Context) (*domain.Token, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT token_id
		FROM tokens
		WHERE assigned = false
		ORDER BY token_id
		LIMIT 1
		FOR UPDATE
	`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoTokenAvailable
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tokens
		SET assigned = true
		WHERE token_id = $1
	`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.Token{TokenID: id, Assigned: true}, nil
}

func (s *Store) ReleaseToken(ctx context.Context, tokenID string) (*domain.Token, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	assigned, err := lockToken(ctx, tx, tokenID)
	if err != nil {
		return nil, err
	}
	lineCount, err := basketLineCount(ctx, tx, tokenID)
	if err != nil {
		return nil, err
	}
	if lineCount > 0 {
		return nil, store.ErrTokenHasProducts
	}
	if !assigned {
		return nil, store.ErrTokenNotAssigned
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tokens
		SET assigned = false, invoice_id = NULL
		WHERE token_id = $1
	`, tokenID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.Token{TokenID: tokenID}, nil
}

func (s *Store) AddToken(ctx context.Context) (*domain.Token, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT token_id
		FROM tokens
		ORDER BY token_id
		FOR UPDATE
	`)
	if err != nil {
		return nil, err
	}
	used := make(map[string]struct{}, tokenPoolMax)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		used[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Lowest-gap allocation: a removed token's suffix is reused exactly.
	newID := ""
	for i := 0; i < tokenPoolMax; i++ {
		candidate := fmt.Sprintf("TOK-%02d", i)
		if _, exists := used[candidate]; !exists {
			newID = candidate
			break
		}
	}
	if newID == "" {
		return nil, store.ErrPoolExhausted
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tokens (token_id, assigned, invoice_id)
		VALUES ($1, false, NULL)
	`, newID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.Token{TokenID: newID}, nil
}

func (s *Store) RemoveToken(ctx context.Context, tokenID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	assigned, err := lockToken(ctx, tx, tokenID)
	if err != nil {
		return err
	}
	lineCount, err := basketLineCount(ctx, tx, tokenID)
	if err != nil {
		return err
	}
	if lineCount > 0 {
		return store.ErrTokenHasProducts
	}
	if assigned {
		return store.ErrTokenAssigned
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE token_id = $1`, tokenID); err != nil {
		return err
	}
	return tx.Commit()
}

func lockToken(ctx context.Context, tx *sql.Tx, tokenID string) (bool, error) {
	var assigned bool
	err := tx.QueryRowContext(ctx, `
		SELECT assigned
		FROM tokens
		WHERE token_id = $1
		FOR UPDATE
	`, tokenID).Scan(&assigned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: token %s", store.ErrNotFound, tokenID)
		}
		return false, err
	}
	return assigned, nil
}

func basketLineCount(ctx context.Context, tx *sql.Tx, tokenID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM tokens_select_products
		WHERE token_id = $1
	`, tokenID).Scan(&count)
	return count, err
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*domain.TokenView, error) {
	var view domain.TokenView
	err := s.db.QueryRowContext(ctx, `
		SELECT token_id, assigned, invoice_id
		FROM tokens
		WHERE token_id = $1
	`, tokenID).Scan(&view.TokenID, &view.Assigned, &view.InvoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, product_id, quantity
		FROM tokens_select_products
		WHERE token_id = $1
		ORDER BY product_id
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	view.Basket = make([]domain.TokenBasketLine, 0, 8)
	for rows.Next() {
		var line domain.TokenBasketLine
		if err := rows.Scan(&line.TokenID, &line.ProductID, &line.Quantity); err != nil {
			return nil, err
		}
		view.Basket = append(view.Basket, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *Store) ListTokens(ctx context.Context) ([]domain.TokenView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, assigned, invoice_id
		FROM tokens
		ORDER BY token_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := make([]domain.TokenView, 0, tokenPoolMax)
	index := make(map[string]int, tokenPoolMax)
	for rows.Next() {
		var view domain.TokenView
		if err := rows.Scan(&view.TokenID, &view.Assigned, &view.InvoiceID); err != nil {
			return nil, err
		}
		view.Basket = make([]domain.TokenBasketLine, 0, 4)
		index[view.TokenID] = len(views)
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT token_id, product_id, quantity
		FROM tokens_select_products
		ORDER BY token_id, product_id
	`)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var line domain.TokenBasketLine
		if err := lineRows.Scan(&line.TokenID, &line.ProductID, &line.Quantity); err != nil {
			return nil, err
		}
		if i, ok := index[line.TokenID]; ok {
			views[i].Basket = append(views[i].Basket, line)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Store) MoveCounterToToken(ctx context.Context, tokenID string, productID string, qty float64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	assigned, err := lockToken(ctx, tx, tokenID)
	if err != nil {
		return err
	}
	if !assigned {
		return store.ErrTokenNotAssigned
	}
	if qty <= 0 {
		return store.ErrInvalidQuantity
	}

	var displayed float64
	err = tx.QueryRowContext(ctx, `
		SELECT displayed_quantity
		FROM inventory
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&displayed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: product %s not in inventory", store.ErrNotFound, productID)
		}
		return err
	}
	if displayed < qty {
		return store.ErrInsufficientStock
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET displayed_quantity = displayed_quantity - $2
		WHERE product_id = $1
	`, productID, qty); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tokens_select_products (token_id, product_id, quantity)
		VALUES ($1,$2,$3)
		ON CONFLICT (token_id, product_id)
		DO UPDATE SET quantity = tokens_select_products.quantity + EXCLUDED.quantity
	`, tokenID, productID, qty); err != nil {
		return err
	}
	if err := s.appendLedger(ctx, tx, domain.TxCounterSub, productID, qty, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MoveInventoryToCounter(ctx context.Context, productID string, qty float64) error {
	if qty <= 0 {
		return store.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var stored float64
	err = tx.QueryRowContext(ctx, `
		SELECT stored_quantity
		FROM inventory
		WHERE product_id = $1
		FOR UPDATE
	`, productID).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: product %s not in inventory", store.ErrNotFound, productID)
		}
		return err
	}
	if stored < qty {
		return store.ErrInsufficientStock
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET stored_quantity = stored_quantity - $2, displayed_quantity = displayed_quantity + $2
		WHERE product_id = $1
	`, productID, qty); err != nil {
		return err
	}
	if err := s.appendLedger(ctx, tx, domain.TxInventoryToCounter, productID, qty, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MoveTokenToCounter(ctx context.Context, tokenID string, productID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockToken(ctx, tx, tokenID); err != nil {
		return err
	}

	var qty float64
	err = tx.QueryRowContext(ctx, `
		SELECT quantity
		FROM tokens_select_products
		WHERE token_id = $1 AND product_id = $2
		FOR UPDATE
	`, tokenID, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: token %s has no line for product %s", store.ErrNotFound, tokenID, productID)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tokens_select_products
		WHERE token_id = $1 AND product_id = $2
	`, tokenID, productID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stored_quantity, displayed_quantity, store_threshold)
		VALUES ($1, 0, $2, 0)
		ON CONFLICT (product_id)
		DO UPDATE SET displayed_quantity = inventory.displayed_quantity + EXCLUDED.displayed_quantity
	`, productID, qty); err != nil {
		return err
	}
	if err := s.appendLedger(ctx, tx, domain.TxCounterAdd, productID, qty, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateOrder(ctx context.Context, lines []domain.OrderLine, orderedAt time.Time) (*domain.Order, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one line", store.ErrInvalidInput)
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, store.ErrInvalidQuantity
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := uniqueProductIDs(lines)
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id
		FROM products
		WHERE product_id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(productIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, id := range productIDs {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
	}

	orderID, err := s.nextID(ctx, &s.orderSeq, "orders", "ORD")
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, order_date, delivered, cancelled, delivered_at)
		VALUES ($1, $2, false, false, NULL)
	`, orderID, orderedAt); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders_of_products (order_id, product_id, quantity)
			VALUES ($1,$2,$3)
		`, orderID, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order := domain.Order{OrderID: orderID, OrderDate: orderedAt, Lines: lines}
	return &order, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.queryOrderHeader(ctx, orderID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM orders_of_products
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order.Lines = make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Quantity); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) queryOrderHeader(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	var deliveredAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, order_date, delivered, cancelled, delivered_at
		FROM orders
		WHERE order_id = $1
	`, orderID).Scan(&order.OrderID, &order.OrderDate, &order.Delivered, &order.Cancelled, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	order.OrderDate = order.OrderDate.UTC()
	return &order, nil
}

func (s *Store) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}
	return s.queryOrders(ctx, `
		SELECT order_id, order_date, delivered, cancelled, delivered_at
		FROM orders
		ORDER BY order_id DESC
		LIMIT $1
	`, limit)
}

func (s *Store) ListOrdersBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT order_id, order_date, delivered, cancelled, delivered_at
		FROM orders
		WHERE order_date >= $1 AND order_date <= $2
		ORDER BY order_id
	`, from, to)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	for rows.Next() {
		var order domain.Order
		var deliveredAt sql.NullTime
		if err := rows.Scan(&order.OrderID, &order.OrderDate, &order.Delivered, &order.Cancelled, &deliveredAt); err != nil {
			return nil, err
		}
		if deliveredAt.Valid {
			at := deliveredAt.Time.UTC()
			order.DeliveredAt = &at
		}
		order.OrderDate = order.OrderDate.UTC()
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Delivered {
		return nil, store.ErrAlreadyDelivered
	}
	if order.Cancelled {
		return nil, store.ErrAlreadyCancelled
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET cancelled = true
		WHERE order_id = $1
	`, orderID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	order.Cancelled = true
	return order, nil
}

func (s *Store) ReceiveOrder(ctx context.Context, orderID string, receivedAt time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Delivered {
		return nil, store.ErrAlreadyDelivered
	}
	if order.Cancelled {
		return nil, store.ErrAlreadyCancelled
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM orders_of_products
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	lines := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Quantity); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, line := range lines {
		// First delivery of a product seeds its restock threshold at a
		// tenth of the received quantity.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory (product_id, stored_quantity, displayed_quantity, store_threshold)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (product_id)
			DO UPDATE SET stored_quantity = inventory.stored_quantity + EXCLUDED.stored_quantity
		`, line.ProductID, line.Quantity, line.Quantity*0.1); err != nil {
			return nil, err
		}
		if err := s.appendLedger(ctx, tx, domain.TxInventoryAdd, line.ProductID, line.Quantity, receivedAt); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET delivered = true, delivered_at = $2
		WHERE order_id = $1
	`, orderID, receivedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.Delivered = true
	order.DeliveredAt = &receivedAt
	order.Lines = lines
	return order, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	var order domain.Order
	var deliveredAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT order_id, order_date, delivered, cancelled, delivered_at
		FROM orders
		WHERE order_id = $1
		FOR UPDATE
	`, orderID).Scan(&order.OrderID, &order.OrderDate, &order.Delivered, &order.Cancelled, &deliveredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	order.OrderDate = order.OrderDate.UTC()
	return &order, nil
}

func (s *Store) GenerateInvoice(ctx context.Context, tokenIDs []string, paymentMode string, createdAt time.Time) (*domain.Invoice, error) {
	if !domain.ValidPaymentMode(paymentMode) {
		return nil, store.ErrInvalidPaymentMode
	}
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one token is required", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[string]struct{}, len(tokenIDs))
	selected := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		assigned, err := lockToken(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !assigned {
			return nil, fmt.Errorf("%w: token %s", store.ErrTokenNotAssigned, id)
		}
		selected = append(selected, id)
	}

	// Union-wide has-products check: billing an empty token alongside a
	// full one is allowed, only an all-empty selection is rejected.
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, SUM(quantity)
		FROM tokens_select_products
		WHERE token_id = ANY($1)
		GROUP BY product_id
		ORDER BY product_id
	`, selected)
	if err != nil {
		return nil, err
	}
	type aggregate struct {
		productID string
		quantity  float64
	}
	aggregated := make([]aggregate, 0, 16)
	for rows.Next() {
		var agg aggregate
		if err := rows.Scan(&agg.productID, &agg.quantity); err != nil {
			_ = rows.Close()
			return nil, err
		}
		aggregated = append(aggregated, agg)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(aggregated) == 0 {
		return nil, store.ErrNothingToBill
	}

	invoiceID, err := s.nextID(ctx, &s.invoiceSeq, "invoices", "INV")
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (invoice_id, invoice_date, payment_mode, discount_given)
		VALUES ($1, $2, $3, 0)
	`, invoiceID, createdAt, paymentMode); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tokens
		SET invoice_id = $2
		WHERE token_id = ANY($1)
	`, selected, invoiceID); err != nil {
		return nil, err
	}

	for _, agg := range aggregated {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO products_in_invoices (invoice_id, product_id, name, quantity, unit_price, gst_rate, cgst_rate, discount_percent)
			SELECT $1, product_id, name, $3, unit_price, gst_rate, cgst_rate, current_discount
			FROM products
			WHERE product_id = $2
		`, invoiceID, agg.productID, agg.quantity); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tokens
		SET assigned = false, invoice_id = NULL
		WHERE token_id = ANY($1)
	`, selected); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tokens_select_products
		WHERE token_id = ANY($1)
	`, selected); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	invoice := domain.Invoice{InvoiceID: invoiceID, InvoiceDate: createdAt, PaymentMode: paymentMode}
	return &invoice, nil
}

func (s *Store) SetInvoiceDiscount(ctx context.Context, invoiceID string, amount float64) (*domain.Invoice, error) {
	invoice, err := s.getInvoiceHeader(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, store.ErrNegativeDiscount
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET discount_given = $2
		WHERE invoice_id = $1
	`, invoiceID, amount); err != nil {
		return nil, err
	}
	invoice.DiscountGiven = amount
	return invoice, nil
}

func (s *Store) getInvoiceHeader(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT invoice_id, invoice_date, payment_mode, discount_given
		FROM invoices
		WHERE invoice_id = $1
	`, invoiceID).Scan(&invoice.InvoiceID, &invoice.InvoiceDate, &invoice.PaymentMode, &invoice.DiscountGiven)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.InvoiceDate = invoice.InvoiceDate.UTC()
	return &invoice, nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, []domain.InvoiceLine, error) {
	invoice, err := s.getInvoiceHeader(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, product_id, name, quantity, unit_price, gst_rate, cgst_rate, discount_percent
		FROM products_in_invoices
		WHERE invoice_id = $1
		ORDER BY product_id
	`, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	lines := make([]domain.InvoiceLine, 0, 16)
	for rows.Next() {
		var line domain.InvoiceLine
		if err := rows.Scan(&line.InvoiceID, &line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice, &line.GSTRate, &line.CGSTRate, &line.DiscountPercent); err != nil {
			return nil, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return invoice, lines, nil
}

func (s *Store) ListInvoicesByDate(ctx context.Context, date time.Time) ([]domain.Invoice, error) {
	day := nowDateUTC(date)
	rows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, invoice_date, payment_mode, discount_given
		FROM invoices
		WHERE invoice_date >= $1 AND invoice_date < $2
		ORDER BY invoice_id
	`, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 32)
	for rows.Next() {
		var invoice domain.Invoice
		if err := rows.Scan(&invoice.InvoiceID, &invoice.InvoiceDate, &invoice.PaymentMode, &invoice.DiscountGiven); err != nil {
			return nil, err
		}
		invoice.InvoiceDate = invoice.InvoiceDate.UTC()
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("%w: username is required", store.ErrInvalidInput)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username already exists", store.ErrStateConflict)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueProductIDs(lines []domain.OrderLine) []string {
	set := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, exists := set[line.ProductID]; exists {
			continue
		}
		set[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}
