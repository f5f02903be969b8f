package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"countermart/backend/internal/alerts"
	"countermart/backend/internal/billing"
	"countermart/backend/internal/cache"
	"countermart/backend/internal/domain"
	"countermart/backend/internal/store"
	"countermart/backend/internal/xid"
)

const catalogCacheKey = "cms:catalog:products"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	catalog    cache.CatalogCache
	alerter    *alerts.Engine
	catalogTTL time.Duration
}

func New(repo store.Repository, catalogCache cache.CatalogCache, alerter *alerts.Engine, catalogTTL time.Duration) *Service {
	if catalogCache == nil {
		catalogCache = cache.NoopCatalogCache{}
	}
	if alerter == nil {
		alerter = alerts.NewEngine(nil, 0)
	}
	if catalogTTL <= 0 {
		catalogTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		catalog:    catalogCache,
		alerter:    alerter,
		catalogTTL: catalogTTL,
	}
}

func (s *Service) AddProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	product := domain.Product{
		ProductID:       strings.ToUpper(strings.TrimSpace(req.ProductID)),
		Name:            strings.TrimSpace(req.Name),
		Description:     strings.TrimSpace(req.Description),
		UnitPrice:       req.UnitPrice,
		UnitType:        strings.ToLower(strings.TrimSpace(req.UnitType)),
		GSTRate:         req.GSTRate,
		CGSTRate:        req.CGSTRate,
		CurrentDiscount: req.CurrentDiscount,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_create", "product", created.ProductID,
		fmt.Sprintf("name=%s,price=%.2f,unit=%s", created.Name, created.UnitPrice, created.UnitType))
	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, normalizeID(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) FindProductByName(ctx context.Context, name string) (domain.Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Product{}, fmt.Errorf("%w: product name is required", store.ErrInvalidInput)
	}
	product, err := s.repo.FindProductByName(ctx, name)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if cached, ok, err := s.catalog.Get(ctx, catalogCacheKey); err == nil && ok {
		return cached, nil
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.Set(ctx, catalogCacheKey, products, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: failed to cache catalog: %v", err)
	}
	return products, nil
}

func (s *Service) UpdateProductPrice(ctx context.Context, productID string, unitPrice float64) (domain.Product, error) {
	updated, err := s.repo.UpdateProductPrice(ctx, normalizeID(productID), unitPrice)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_update_price", "product", updated.ProductID, fmt.Sprintf("price=%.2f", unitPrice))
	return *updated, nil
}

func (s *Service) UpdateProductDiscount(ctx context.Context, productID string, discount float64) (domain.Product, error) {
	updated, err := s.repo.UpdateProductDiscount(ctx, normalizeID(productID), discount)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_update_discount", "product", updated.ProductID, fmt.Sprintf("discount=%.2f", discount))
	return *updated, nil
}

func (s *Service) UpdateProductDescription(ctx context.Context, productID string, description string) (domain.Product, error) {
	updated, err := s.repo.UpdateProductDescription(ctx, normalizeID(productID), strings.TrimSpace(description))
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_update_description", "product", updated.ProductID, "")
	return *updated, nil
}

func (s *Service) UpdateProductTax(ctx context.Context, productID string, gstRate float64, cgstRate float64) (domain.Product, error) {
	updated, err := s.repo.UpdateProductTax(ctx, normalizeID(productID), gstRate, cgstRate)
	if err != nil {
		return domain.Product{}, err
	}
	s.invalidateCatalog(ctx)
	s.logAudit(ctx, "product_update_tax", "product", updated.ProductID, fmt.Sprintf("gst=%.2f,cgst=%.2f", gstRate, cgstRate))
	return *updated, nil
}

func (s *Service) GetInventoryRecord(ctx context.Context, productID string) (domain.InventoryRecord, error) {
	record, err := s.repo.GetInventoryRecord(ctx, normalizeID(productID))
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	return *record, nil
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.InventoryView, error) {
	return s.repo.ListInventory(ctx)
}

func (s *Service) UpdateThreshold(ctx context.Context, productID string, threshold float64) (domain.InventoryRecord, error) {
	record, err := s.repo.UpdateThreshold(ctx, normalizeID(productID), threshold)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	s.alerter.Invalidate(ctx)
	s.logAudit(ctx, "inventory_update_threshold", "inventory", record.ProductID, fmt.Sprintf("threshold=%.2f", threshold))
	return *record, nil
}

// SubtractStock writes off stored stock, e.g. spoilage or shrinkage.
func (s *Service) SubtractStock(ctx context.Context, productID string, qty float64) (domain.InventoryRecord, error) {
	record, err := s.repo.SubtractStock(ctx, normalizeID(productID), qty)
	if err != nil {
		return domain.InventoryRecord{}, err
	}
	s.alerter.Invalidate(ctx)
	s.logAudit(ctx, "inventory_subtract", "inventory", record.ProductID, fmt.Sprintf("qty=%.2f", qty))
	return *record, nil
}

func (s *Service) ListTransactions(ctx context.Context, limit int) ([]domain.InventoryTransaction, error) {
	return s.repo.ListTransactions(ctx, limit)
}

func (s *Service) ListTransactionsByDate(ctx context.Context, date time.Time) ([]domain.InventoryTransaction, error) {
	return s.repo.ListTransactionsByDate(ctx, date)
}

func (s *Service) ListProductTransactionsByDate(ctx context.Context, productID string, date time.Time) ([]domain.InventoryTransaction, error) {
	return s.repo.ListProductTransactionsByDate(ctx, normalizeID(productID), date)
}

func (s *Service) RestockAlerts(ctx context.Context) (domain.RestockAlertResponse, error) {
	views, err := s.repo.ListBelowThreshold(ctx)
	if err != nil {
		return domain.RestockAlertResponse{}, err
	}
	return s.alerter.Evaluate(ctx, views), nil
}

func (s *Service) AcquireToken(ctx context.Context) (domain.Token, error) {
	token, err := s.repo.AcquireToken(ctx)
	if err != nil {
		return domain.Token{}, err
	}
	s.logAudit(ctx, "token_acquire", "token", token.TokenID, "")
	return *token, nil
}

func (s *Service) ReleaseToken(ctx context.Context, tokenID string) (domain.Token, error) {
	token, err := s.repo.ReleaseToken(ctx, normalizeID(tokenID))
	if err != nil {
		return domain.Token{}, err
	}
	s.logAudit(ctx, "token_release", "token", token.TokenID, "")
	return *token, nil
}

func (s *Service) AddToken(ctx context.Context) (domain.Token, error) {
	token, err := s.repo.AddToken(ctx)
	if err != nil {
		return domain.Token{}, err
	}
	s.logAudit(ctx, "token_add", "token", token.TokenID, "")
	return *token, nil
}

func (s *Service) RemoveToken(ctx context.Context, tokenID string) error {
	tokenID = normalizeID(tokenID)
	if err := s.repo.RemoveToken(ctx, tokenID); err != nil {
		return err
	}
	s.logAudit(ctx, "token_remove", "token", tokenID, "")
	return nil
}

func (s *Service) GetToken(ctx context.Context, tokenID string) (domain.TokenView, error) {
	view, err := s.repo.GetToken(ctx, normalizeID(tokenID))
	if err != nil {
		return domain.TokenView{}, err
	}
	return *view, nil
}

func (s *Service) ListTokens(ctx context.Context) ([]domain.TokenView, error) {
	return s.repo.ListTokens(ctx)
}

func (s *Service) CounterToToken(ctx context.Context, tokenID string, productID string, qty float64) error {
	tokenID = normalizeID(tokenID)
	productID = normalizeID(productID)
	if err := s.repo.MoveCounterToToken(ctx, tokenID, productID, qty); err != nil {
		return err
	}
	s.logAudit(ctx, "counter_to_token", "token", tokenID, fmt.Sprintf("product=%s,qty=%.2f", productID, qty))
	return nil
}

func (s *Service) InventoryToCounter(ctx context.Context, productID string, qty float64) error {
	productID = normalizeID(productID)
	if err := s.repo.MoveInventoryToCounter(ctx, productID, qty); err != nil {
		return err
	}
	s.alerter.Invalidate(ctx)
	s.logAudit(ctx, "inventory_to_counter", "inventory", productID, fmt.Sprintf("qty=%.2f", qty))
	return nil
}

func (s *Service) TokenToCounter(ctx context.Context, tokenID string, productID string) error {
	tokenID = normalizeID(tokenID)
	productID = normalizeID(productID)
	if err := s.repo.MoveTokenToCounter(ctx, tokenID, productID); err != nil {
		return err
	}
	s.logAudit(ctx, "token_to_counter", "token", tokenID, fmt.Sprintf("product=%s", productID))
	return nil
}

func (s *Service) PlaceOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	lines := normalizeOrderLines(req.Lines)
	if len(lines) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order needs at least one line", store.ErrInvalidInput)
	}

	order, err := s.repo.CreateOrder(ctx, lines, time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, "order_place", "order", order.OrderID, fmt.Sprintf("lines=%d", len(order.Lines)))
	return *order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, normalizeID(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.repo.ListOrders(ctx, limit)
}

func (s *Service) ListOrdersBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Order, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: date range is inverted", store.ErrInvalidInput)
	}
	return s.repo.ListOrdersBetween(ctx, from, to)
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.CancelOrder(ctx, normalizeID(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	s.logAudit(ctx, "order_cancel", "order", order.OrderID, "")
	return *order, nil
}

func (s *Service) ReceiveOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.ReceiveOrder(ctx, normalizeID(orderID), time.Now().UTC())
	if err != nil {
		return domain.Order{}, err
	}
	s.alerter.Invalidate(ctx)
	s.logAudit(ctx, "order_receive", "order", order.OrderID, fmt.Sprintf("lines=%d", len(order.Lines)))
	return *order, nil
}

func (s *Service) GenerateInvoice(ctx context.Context, req domain.GenerateInvoiceRequest) (domain.Invoice, error) {
	tokenIDs := make([]string, 0, len(req.TokenIDs))
	for _, id := range req.TokenIDs {
		id = normalizeID(id)
		if id == "" {
			continue
		}
		tokenIDs = append(tokenIDs, id)
	}
	paymentMode := strings.ToLower(strings.TrimSpace(req.PaymentMode))

	invoice, err := s.repo.GenerateInvoice(ctx, tokenIDs, paymentMode, time.Now().UTC())
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logAudit(ctx, "invoice_generate", "invoice", invoice.InvoiceID,
		fmt.Sprintf("tokens=%s,mode=%s", strings.Join(tokenIDs, "+"), paymentMode))
	return *invoice, nil
}

func (s *Service) GiveAdditionalDiscount(ctx context.Context, invoiceID string, amount float64) (domain.Invoice, error) {
	invoice, err := s.repo.SetInvoiceDiscount(ctx, normalizeID(invoiceID), amount)
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logAudit(ctx, "invoice_discount", "invoice", invoice.InvoiceID, fmt.Sprintf("amount=%.2f", amount))
	return *invoice, nil
}

// GetInvoiceView returns the invoice with the derived per-line amounts and
// running totals computed from the stored snapshot values.
func (s *Service) GetInvoiceView(ctx context.Context, invoiceID string) (domain.InvoiceView, error) {
	invoice, lines, err := s.repo.GetInvoice(ctx, normalizeID(invoiceID))
	if err != nil {
		return domain.InvoiceView{}, err
	}
	return billing.Summarize(*invoice, lines), nil
}

func (s *Service) ListInvoicesByDate(ctx context.Context, date time.Time) ([]domain.Invoice, error) {
	return s.repo.ListInvoicesByDate(ctx, date)
}

// ListInvoiceViewsByDate prices every invoice of the day, for the CSV export.
func (s *Service) ListInvoiceViewsByDate(ctx context.Context, date time.Time) ([]domain.InvoiceView, error) {
	invoices, err := s.repo.ListInvoicesByDate(ctx, date)
	if err != nil {
		return nil, err
	}

	views := make([]domain.InvoiceView, 0, len(invoices))
	for _, invoice := range invoices {
		_, lines, err := s.repo.GetInvoice(ctx, invoice.InvoiceID)
		if err != nil {
			return nil, err
		}
		views = append(views, billing.Summarize(invoice, lines))
	}
	return views, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.Invalidate(ctx, catalogCacheKey); err != nil {
		log.Printf("[service] WARN: failed to invalidate catalog cache: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}

// normalizeOrderLines trims product IDs and merges duplicate lines for the
// same product. Quantity validation stays with the store so a bad line
// rejects the whole order.
func normalizeOrderLines(lines []domain.OrderLine) []domain.OrderLine {
	aggregated := make(map[string]float64, len(lines))
	seenOrder := make([]string, 0, len(lines))
	for _, line := range lines {
		productID := normalizeID(line.ProductID)
		if productID == "" {
			continue
		}
		if _, seen := aggregated[productID]; !seen {
			seenOrder = append(seenOrder, productID)
		}
		aggregated[productID] += line.Quantity
	}

	result := make([]domain.OrderLine, 0, len(aggregated))
	for _, productID := range seenOrder {
		result = append(result, domain.OrderLine{ProductID: productID, Quantity: aggregated[productID]})
	}
	return result
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
