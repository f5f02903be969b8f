package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"countermart/backend/internal/domain"
	"countermart/backend/internal/store"
)

const tokenPoolMax = 100

type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	inventory    map[string]domain.InventoryRecord
	ledger       []domain.InventoryTransaction
	tokens       map[string]domain.Token
	baskets      map[string]map[string]float64
	orders       map[string]domain.Order
	invoices     map[string]domain.Invoice
	invoiceLines map[string][]domain.InvoiceLine
	auditLogs    []domain.AuditLog
	users        map[string]domain.UserAccount

	// Formatted ID sequences, seeded from the row counts at construction
	// and guarded by mu like everything else.
	ledgerSeq  int64
	orderSeq   int64
	invoiceSeq int64
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		inventory:    make(map[string]domain.InventoryRecord),
		ledger:       make([]domain.InventoryTransaction, 0, 128),
		tokens:       make(map[string]domain.Token),
		baskets:      make(map[string]map[string]float64),
		orders:       make(map[string]domain.Order),
		invoices:     make(map[string]domain.Invoice),
		invoiceLines: make(map[string][]domain.InvoiceLine),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		users:        make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory staff accounts for dev/demo mode.
// Passwords are read from SEED_<ROLE>_PASSWORD environment variables with
// hardcoded dev defaults and a warning when unset. These credentials are
// never used in production (the backend uses PostgreSQL when DATABASE_URL
// is set).
func seedUsers() map[string]domain.UserAccount {
	defaults := []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"admin", "SEED_ADMIN_PASSWORD", "admin123", domain.RoleAdmin},
		{"inventory", "SEED_INVENTORY_PASSWORD", "inventory123", domain.RoleInventory},
		{"counter", "SEED_COUNTER_PASSWORD", "counter123", domain.RoleCounter},
		{"billdesk", "SEED_BILLDESK_PASSWORD", "billdesk123", domain.RoleBillDesk},
	}

	warned := false
	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range defaults {
		password := envOr(u.envKey, u.fallback)
		if os.Getenv(u.envKey) == "" && !warned {
			log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_*_PASSWORD variables to override.")
			warned = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{ProductID: "PR-RICE", Name: "Basmati Rice", Description: "Long grain basmati, loose", UnitPrice: 100, UnitType: domain.UnitKg, GSTRate: 9, CGSTRate: 9, CurrentDiscount: 10},
		{ProductID: "PR-SUGAR", Name: "Sugar", Description: "Refined white sugar", UnitPrice: 44, UnitType: domain.UnitKg, GSTRate: 2.5, CGSTRate: 2.5},
		{ProductID: "PR-MILK", Name: "Toned Milk", Description: "Pasteurised toned milk", UnitPrice: 56, UnitType: domain.UnitLtrs, GSTRate: 2.5, CGSTRate: 2.5},
		{ProductID: "PR-OIL", Name: "Sunflower Oil", Description: "Refined sunflower oil", UnitPrice: 142, UnitType: domain.UnitLtrs, GSTRate: 2.5, CGSTRate: 2.5, CurrentDiscount: 5},
		{ProductID: "PR-TEA", Name: "Tea Powder", Description: "CTC leaf tea", UnitPrice: 480, UnitType: domain.UnitKg, GSTRate: 2.5, CGSTRate: 2.5},
		{ProductID: "PR-SOAP", Name: "Bath Soap", Description: "75g bath soap bar", UnitPrice: 34, UnitType: domain.UnitPcs, GSTRate: 9, CGSTRate: 9},
	}

	s := New()
	for _, p := range products {
		s.products[p.ProductID] = p
		s.inventory[p.ProductID] = domain.InventoryRecord{
			ProductID:         p.ProductID,
			StoredQuantity:    100,
			DisplayedQuantity: 20,
			StoreThreshold:    10,
		}
	}
	for i := 0; i < 10; i++ {
		id := tokenID(i)
		s.tokens[id] = domain.Token{TokenID: id}
	}
	s.users = seedUsers()
	return s
}

func tokenID(suffix int) string {
	return fmt.Sprintf("TOK-%02d", suffix)
}

// appendLedger adds an immutable ledger row. Caller must hold mu.
func (s *Store) appendLedger(txType string, productID string, qty float64, at time.Time) domain.InventoryTransaction {
	entry := domain.InventoryTransaction{
		TransactionID: fmt.Sprintf("TRC-%010d", s.ledgerSeq),
		Type:          txType,
		ProductID:     productID,
		Quantity:      qty,
		Timestamp:     at,
	}
	s.ledgerSeq++
	s.ledger = append(s.ledger, entry)
	return entry
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

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateProduct(product); err != nil {
		return nil, err
	}
	if _, exists := s.products[product.ProductID]; exists {
		return nil, store.ErrProductExists
	}

	s.products[product.ProductID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) FindProductByName(_ context.Context, name string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, product := range s.products {
		if product.Name == name {
			copyProduct := product
			return &copyProduct, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.ProductID, b.ProductID)
	})
	return products, nil
}

func (s *Store) UpdateProductPrice(_ context.Context, productID string, unitPrice float64) (*domain.Product, error) {
	return s.updateProduct(productID, func(p *domain.Product) { p.UnitPrice = unitPrice })
}

func (s *Store) UpdateProductDiscount(_ context.Context, productID string, discount float64) (*domain.Product, error) {
	return s.updateProduct(productID, func(p *domain.Product) { p.CurrentDiscount = discount })
}

func (s *Store) UpdateProductDescription(_ context.Context, productID string, description string) (*domain.Product, error) {
	return s.updateProduct(productID, func(p *domain.Product) { p.Description = description })
}

func (s *Store) UpdateProductTax(_ context.Context, productID string, gstRate float64, cgstRate float64) (*domain.Product, error) {
	return s.updateProduct(productID, func(p *domain.Product) {
		p.GSTRate = gstRate
		p.CGSTRate = cgstRate
	})
}

func (s *Store) updateProduct(productID string, mutate func(*domain.Product)) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	mutate(&product)
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	s.products[productID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetInventoryRecord(_ context.Context, productID string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.inventory[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyRecord := record
	return &copyRecord, nil
}

func (s *Store) ListInventory(_ context.Context) ([]domain.InventoryView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inventoryViewsLocked(false), nil
}

func (s *Store) ListBelowThreshold(_ context.Context) ([]domain.InventoryView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inventoryViewsLocked(true), nil
}

func (s *Store) inventoryViewsLocked(belowOnly bool) []domain.InventoryView {
	views := make([]domain.InventoryView, 0, len(s.inventory))
	for _, record := range s.inventory {
		below := record.StoredQuantity < record.StoreThreshold
		if belowOnly && !below {
			continue
		}
		view := domain.InventoryView{InventoryRecord: record, BelowThreshold: below}
		if product, ok := s.products[record.ProductID]; ok {
			view.ProductName = product.Name
			view.UnitType = product.UnitType
		}
		views = append(views, view)
	}
	slices.SortFunc(views, func(a, b domain.InventoryView) int {
		return cmpString(a.ProductID, b.ProductID)
	})
	return views
}

func (s *Store) UpdateThreshold(_ context.Context, productID string, threshold float64) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if threshold < 0 {
		return nil, fmt.Errorf("%w: threshold must not be negative", store.ErrInvalidInput)
	}
	record, exists := s.inventory[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	record.StoreThreshold = threshold
	s.inventory[productID] = record
	updated := record
	return &updated, nil
}

func (s *Store) SubtractStock(_ context.Context, productID string, qty float64) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty <= 0 {
		return nil, store.ErrInvalidQuantity
	}
	record, exists := s.inventory[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if record.StoredQuantity < qty {
		return nil, store.ErrInsufficientStock
	}

	record.StoredQuantity -= qty
	s.inventory[productID] = record
	s.appendLedger(domain.TxInventorySub, productID, qty, time.Now().UTC())
	updated := record
	return &updated, nil
}

func (s *Store) ListTransactions(_ context.Context, limit int) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.InventoryTransaction, len(s.ledger))
	copy(entries, s.ledger)
	slices.SortFunc(entries, func(a, b domain.InventoryTransaction) int {
		return cmpString(b.TransactionID, a.TransactionID)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) ListTransactionsByDate(_ context.Context, date time.Time) ([]domain.InventoryTransaction, error) {
	return s.filterLedger(date, "")
}

func (s *Store) ListProductTransactionsByDate(_ context.Context, productID string, date time.Time) ([]domain.InventoryTransaction, error) {
	return s.filterLedger(date, productID)
}

func (s *Store) filterLedger(date time.Time, productID string) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := date.UTC().Truncate(24 * time.Hour)
	entries := make([]domain.InventoryTransaction, 0, 16)
	for _, entry := range s.ledger {
		if productID != "" && entry.ProductID != productID {
			continue
		}
		if !entry.Timestamp.UTC().Truncate(24 * time.Hour).Equal(day) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) AcquireToken(_ context.Context) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < tokenPoolMax; i++ {
		token, exists := s.tokens[tokenID(i)]
		if !exists || token.Assigned {
			continue
		}
		token.Assigned = true
		s.tokens[token.TokenID] = token
		assigned := token
		return &assigned, nil
	}
	return nil, store.ErrNoTokenAvailable
}

func (s *Store) ReleaseToken(_ context.Context, id string) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tokens[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if len(s.baskets[id]) > 0 {
		return nil, store.ErrTokenHasProducts
	}
	if !token.Assigned {
		return nil, store.ErrTokenNotAssigned
	}

	token.Assigned = false
	token.InvoiceID = nil
	s.tokens[id] = token
	released := token
	return &released, nil
}

func (s *Store) AddToken(_ context.Context) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < tokenPoolMax; i++ {
		id := tokenID(i)
		if _, exists := s.tokens[id]; exists {
			continue
		}
		token := domain.Token{TokenID: id}
		s.tokens[id] = token
		created := token
		return &created, nil
	}
	return nil, store.ErrPoolExhausted
}

func (s *Store) RemoveToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tokens[id]
	if !exists {
		return store.ErrNotFound
	}
	if len(s.baskets[id]) > 0 {
		return store.ErrTokenHasProducts
	}
	if token.Assigned {
		return store.ErrTokenAssigned
	}

	delete(s.tokens, id)
	return nil
}

func (s *Store) GetToken(_ context.Context, id string) (*domain.TokenView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, exists := s.tokens[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	view := s.tokenViewLocked(token)
	return &view, nil
}

func (s *Store) ListTokens(_ context.Context) ([]domain.TokenView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]domain.TokenView, 0, len(s.tokens))
	for _, token := range s.tokens {
		views = append(views, s.tokenViewLocked(token))
	}
	slices.SortFunc(views, func(a, b domain.TokenView) int {
		return cmpString(a.TokenID, b.TokenID)
	})
	return views, nil
}

func (s *Store) tokenViewLocked(token domain.Token) domain.TokenView {
	view := domain.TokenView{Token: token}
	basket := s.baskets[token.TokenID]
	view.Basket = make([]domain.TokenBasketLine, 0, len(basket))
	for productID, qty := range basket {
		view.Basket = append(view.Basket, domain.TokenBasketLine{
			TokenID:   token.TokenID,
			ProductID: productID,
			Quantity:  qty,
		})
	}
	slices.SortFunc(view.Basket, func(a, b domain.TokenBasketLine) int {
		return cmpString(a.ProductID, b.ProductID)
	})
	return view
}

func (s *Store) MoveCounterToToken(_ context.Context, tokenID string, productID string, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, exists := s.tokens[tokenID]
	if !exists {
		return fmt.Errorf("%w: token %s", store.ErrNotFound, tokenID)
	}
	if !token.Assigned {
		return store.ErrTokenNotAssigned
	}
	if qty <= 0 {
		return store.ErrInvalidQuantity
	}
	record, exists := s.inventory[productID]
	if !exists {
		return fmt.Errorf("%w: product %s not in inventory", store.ErrNotFound, productID)
	}
	if record.DisplayedQuantity < qty {
		return store.ErrInsufficientStock
	}

	record.DisplayedQuantity -= qty
	s.inventory[productID] = record
	if s.baskets[tokenID] == nil {
		s.baskets[tokenID] = make(map[string]float64)
	}
	s.baskets[tokenID][productID] += qty
	s.appendLedger(domain.TxCounterSub, productID, qty, time.Now().UTC())
	return nil
}

func (s *Store) MoveInventoryToCounter(_ context.Context, productID string, qty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty <= 0 {
		return store.ErrInvalidQuantity
	}
	record, exists := s.inventory[productID]
	if !exists {
		return fmt.Errorf("%w: product %s not in inventory", store.ErrNotFound, productID)
	}
	if record.StoredQuantity < qty {
		return store.ErrInsufficientStock
	}

	record.StoredQuantity -= qty
	record.DisplayedQuantity += qty
	s.inventory[productID] = record
	s.appendLedger(domain.TxInventoryToCounter, productID, qty, time.Now().UTC())
	return nil
}

func (s *Store) MoveTokenToCounter(_ context.Context, tokenID string, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[tokenID]; !exists {
		return fmt.Errorf("%w: token %s", store.ErrNotFound, tokenID)
	}
	qty, exists := s.baskets[tokenID][productID]
	if !exists {
		return fmt.Errorf("%w: token %s has no line for product %s", store.ErrNotFound, tokenID, productID)
	}

	delete(s.baskets[tokenID], productID)
	record, ok := s.inventory[productID]
	if !ok {
		record = domain.InventoryRecord{ProductID: productID}
	}
	record.DisplayedQuantity += qty
	s.inventory[productID] = record
	s.appendLedger(domain.TxCounterAdd, productID, qty, time.Now().UTC())
	return nil
}

func (s *Store) CreateOrder(_ context.Context, lines []domain.OrderLine, orderedAt time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one line", store.ErrInvalidInput)
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, store.ErrInvalidQuantity
		}
		if _, exists := s.products[line.ProductID]; !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
	}

	order := domain.Order{
		OrderID:   fmt.Sprintf("ORD-%010d", s.orderSeq),
		OrderDate: orderedAt,
		Lines:     slices.Clone(lines),
	}
	s.orderSeq++
	s.orders[order.OrderID] = order
	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyOrder := cloneOrder(order)
	return &copyOrder, nil
}

func (s *Store) ListOrders(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		orders = append(orders, cloneOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return cmpString(b.OrderID, a.OrderID)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ListOrdersBetween(_ context.Context, from time.Time, to time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 16)
	for _, order := range s.orders {
		if order.OrderDate.Before(from) || order.OrderDate.After(to) {
			continue
		}
		orders = append(orders, cloneOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return cmpString(a.OrderID, b.OrderID)
	})
	return orders, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.orders[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Delivered {
		return nil, store.ErrAlreadyDelivered
	}
	if order.Cancelled {
		return nil, store.ErrAlreadyCancelled
	}

	order.Cancelled = true
	s.orders[orderID] = order
	cancelled := cloneOrder(order)
	return &cancelled, nil
}

func (s *Store) ReceiveOrder(_ context.Context, orderID string, receivedAt time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.orders[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Delivered {
		return nil, store.ErrAlreadyDelivered
	}
	if order.Cancelled {
		return nil, store.ErrAlreadyCancelled
	}

	for _, line := range order.Lines {
		record, ok := s.inventory[line.ProductID]
		if !ok {
			// First delivery of a product seeds its restock threshold at
			// a tenth of the received quantity.
			record = domain.InventoryRecord{
				ProductID:      line.ProductID,
				StoreThreshold: line.Quantity * 0.1,
			}
		}
		record.StoredQuantity += line.Quantity
		s.inventory[line.ProductID] = record
		s.appendLedger(domain.TxInventoryAdd, line.ProductID, line.Quantity, receivedAt)
	}

	order.Delivered = true
	order.DeliveredAt = &receivedAt
	s.orders[orderID] = order
	delivered := cloneOrder(order)
	return &delivered, nil
}

func (s *Store) GenerateInvoice(_ context.Context, tokenIDs []string, paymentMode string, createdAt time.Time) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.ValidPaymentMode(paymentMode) {
		return nil, store.ErrInvalidPaymentMode
	}
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one token is required", store.ErrInvalidInput)
	}

	seen := make(map[string]struct{}, len(tokenIDs))
	selected := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		token, exists := s.tokens[id]
		if !exists {
			return nil, fmt.Errorf("%w: token %s", store.ErrNotFound, id)
		}
		if !token.Assigned {
			return nil, fmt.Errorf("%w: token %s", store.ErrTokenNotAssigned, id)
		}
		selected = append(selected, id)
	}

	// The has-products check is union wide: billing an empty token next to
	// a full one is allowed, only an all-empty selection is rejected.
	aggregated := make(map[string]float64)
	for _, id := range selected {
		for productID, qty := range s.baskets[id] {
			aggregated[productID] += qty
		}
	}
	if len(aggregated) == 0 {
		return nil, store.ErrNothingToBill
	}

	invoice := domain.Invoice{
		InvoiceID:   fmt.Sprintf("INV-%010d", s.invoiceSeq),
		InvoiceDate: createdAt,
		PaymentMode: paymentMode,
	}
	s.invoiceSeq++

	productIDs := make([]string, 0, len(aggregated))
	for productID := range aggregated {
		productIDs = append(productIDs, productID)
	}
	slices.Sort(productIDs)

	lines := make([]domain.InvoiceLine, 0, len(productIDs))
	for _, productID := range productIDs {
		product, exists := s.products[productID]
		if !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
		}
		lines = append(lines, domain.InvoiceLine{
			InvoiceID:       invoice.InvoiceID,
			ProductID:       productID,
			Name:            product.Name,
			Quantity:        aggregated[productID],
			UnitPrice:       product.UnitPrice,
			GSTRate:         product.GSTRate,
			CGSTRate:        product.CGSTRate,
			DiscountPercent: product.CurrentDiscount,
		})
	}

	s.invoices[invoice.InvoiceID] = invoice
	s.invoiceLines[invoice.InvoiceID] = lines
	for _, id := range selected {
		token := s.tokens[id]
		token.Assigned = false
		token.InvoiceID = nil
		s.tokens[id] = token
		delete(s.baskets, id)
	}

	created := invoice
	return &created, nil
}

func (s *Store) SetInvoiceDiscount(_ context.Context, invoiceID string, amount float64) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, exists := s.invoices[invoiceID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if amount < 0 {
		return nil, store.ErrNegativeDiscount
	}

	invoice.DiscountGiven = amount
	s.invoices[invoiceID] = invoice
	updated := invoice
	return &updated, nil
}

func (s *Store) GetInvoice(_ context.Context, invoiceID string) (*domain.Invoice, []domain.InvoiceLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, exists := s.invoices[invoiceID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}
	lines := make([]domain.InvoiceLine, len(s.invoiceLines[invoiceID]))
	copy(lines, s.invoiceLines[invoiceID])
	copyInvoice := invoice
	return &copyInvoice, lines, nil
}

func (s *Store) ListInvoicesByDate(_ context.Context, date time.Time) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := date.UTC().Truncate(24 * time.Hour)
	invoices := make([]domain.Invoice, 0, 16)
	for _, invoice := range s.invoices {
		if !invoice.InvoiceDate.UTC().Truncate(24 * time.Hour).Equal(day) {
			continue
		}
		invoices = append(invoices, invoice)
	}
	slices.SortFunc(invoices, func(a, b domain.Invoice) int {
		return cmpString(a.InvoiceID, b.InvoiceID)
	})
	return invoices, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, 32)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("%w: username is required", store.ErrInvalidInput)
	}
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrStateConflict)
	}
	user.Username = username
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneOrder(src domain.Order) domain.Order {
	cloned := src
	cloned.Lines = slices.Clone(src.Lines)
	if src.DeliveredAt != nil {
		at := *src.DeliveredAt
		cloned.DeliveredAt = &at
	}
	return cloned
}

func cmpString(a string, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
