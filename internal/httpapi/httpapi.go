package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"countermart/backend/internal/domain"
	"countermart/backend/internal/service"
	"countermart/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	anyStaff := []string{domain.RoleAdmin, domain.RoleInventory, domain.RoleCounter, domain.RoleBillDesk}

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, anyStaff...))
	mux.HandleFunc("/api/v1/products/search", a.requireAuth(a.handleProductSearch, anyStaff...))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, anyStaff...))

	mux.HandleFunc("/api/v1/inventory", a.requireAuth(a.handleInventory, domain.RoleInventory, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/alerts", a.requireAuth(a.handleRestockAlerts, domain.RoleInventory, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/transactions", a.requireAuth(a.handleTransactions, domain.RoleInventory, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/", a.requireAuth(a.handleInventoryActions, domain.RoleInventory, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/tokens", a.requireAuth(a.handleTokens, domain.RoleCounter, domain.RoleBillDesk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/tokens/acquire", a.requireAuth(a.handleTokenAcquire, domain.RoleCounter, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/tokens/add", a.requireAuth(a.handleTokenAdd, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/tokens/", a.requireAuth(a.handleTokenActions, domain.RoleCounter, domain.RoleBillDesk, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/counter/to-token", a.requireAuth(a.handleCounterToToken, domain.RoleCounter, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/counter/from-inventory", a.requireAuth(a.handleInventoryToCounter, domain.RoleCounter, domain.RoleInventory, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/counter/return", a.requireAuth(a.handleTokenToCounter, domain.RoleCounter, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, domain.RoleInventory, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/orders/", a.requireAuth(a.handleOrderActions, domain.RoleInventory, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/invoices", a.requireAuth(a.handleInvoices, domain.RoleBillDesk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/invoices/export.csv", a.requireAuth(a.handleInvoiceExport, domain.RoleBillDesk, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/invoices/", a.requireAuth(a.handleInvoiceActions, domain.RoleBillDesk, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users/staff", a.requireAuth(a.handleStaff, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		actor, ok := service.ActorFromContext(r.Context())
		if !ok || actor.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		product, err := a.service.AddProduct(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	product, err := a.service.FindProductByName(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

type priceUpdateRequest struct {
	UnitPrice float64 `json:"unit_price"`
}

type discountUpdateRequest struct {
	Discount float64 `json:"discount"`
}

type descriptionUpdateRequest struct {
	Description string `json:"description"`
}

type taxUpdateRequest struct {
	GSTRate  float64 `json:"gst_rate"`
	CGSTRate float64 `json:"cgst_rate"`
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	productID, action := splitResourcePath(r.URL.Path, "/api/v1/products/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		product, err := a.service.GetProduct(r.Context(), productID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
		return
	}

	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}
	actor, ok := service.ActorFromContext(r.Context())
	if !ok || actor.Role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	var (
		product domain.Product
		err     error
	)
	switch action {
	case "price":
		var req priceUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err = a.service.UpdateProductPrice(r.Context(), productID, req.UnitPrice)
	case "discount":
		var req discountUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err = a.service.UpdateProductDiscount(r.Context(), productID, req.Discount)
	case "description":
		var req descriptionUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err = a.service.UpdateProductDescription(r.Context(), productID, req.Description)
	case "tax":
		var req taxUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err = a.service.UpdateProductTax(r.Context(), productID, req.GSTRate, req.CGSTRate)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown product action %q", action))
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	views, err := a.service.ListInventory(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": views})
}

func (a *API) handleRestockAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	resp, err := a.service.RestockAlerts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	rawDate := strings.TrimSpace(query.Get("date"))
	productID := strings.TrimSpace(query.Get("product_id"))

	if rawDate != "" {
		date, err := parseDate(rawDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var (
			entries []domain.InventoryTransaction
		)
		if productID != "" {
			entries, err = a.service.ListProductTransactionsByDate(r.Context(), productID, date)
		} else {
			entries, err = a.service.ListTransactionsByDate(r.Context(), date)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
		return
	}

	limit := parsePositiveLimit(query.Get("limit"), 50, 500)
	entries, err := a.service.ListTransactions(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

type thresholdUpdateRequest struct {
	Threshold float64 `json:"threshold"`
}

type quantityRequest struct {
	Quantity float64 `json:"quantity"`
}

func (a *API) handleInventoryActions(w http.ResponseWriter, r *http.Request) {
	productID, action := splitResourcePath(r.URL.Path, "/api/v1/inventory/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		record, err := a.service.GetInventoryRecord(r.Context(), productID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": record})
	case "threshold":
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		var req thresholdUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		record, err := a.service.UpdateThreshold(r.Context(), productID, req.Threshold)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": record})
	case "subtract":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req quantityRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		record, err := a.service.SubtractStock(r.Context(), productID, req.Quantity)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": record})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown inventory action %q", action))
	}
}

func (a *API) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	tokens, err := a.service.ListTokens(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (a *API) handleTokenAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	token, err := a.service.AcquireToken(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (a *API) handleTokenAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	token, err := a.service.AddToken(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
}

func (a *API) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	tokenID, action := splitResourcePath(r.URL.Path, "/api/v1/tokens/")
	if tokenID == "" {
		writeError(w, http.StatusBadRequest, errors.New("token id required"))
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			view, err := a.service.GetToken(r.Context(), tokenID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"token": view})
		case http.MethodDelete:
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || actor.Role != domain.RoleAdmin {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			if err := a.service.RemoveToken(r.Context(), tokenID); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"removed": tokenID})
		default:
			writeMethodNotAllowed(w)
		}
	case "release":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		token, err := a.service.ReleaseToken(r.Context(), tokenID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown token action %q", action))
	}
}

type counterMoveRequest struct {
	TokenID   string  `json:"token_id"`
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
}

func (a *API) handleCounterToToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req counterMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.CounterToToken(r.Context(), req.TokenID, req.ProductID, req.Quantity); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": true})
}

func (a *API) handleInventoryToCounter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req counterMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.InventoryToCounter(r.Context(), req.ProductID, req.Quantity); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": true})
}

func (a *API) handleTokenToCounter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req counterMoveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.TokenToCounter(r.Context(), req.TokenID, req.ProductID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": true})
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		rawFrom := strings.TrimSpace(query.Get("from"))
		rawTo := strings.TrimSpace(query.Get("to"))
		if rawFrom != "" || rawTo != "" {
			from, err := parseDate(rawFrom)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			to, err := parseDate(rawTo)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			orders, err := a.service.ListOrdersBetween(r.Context(), from, to.Add(24*time.Hour))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
			return
		}

		limit := parsePositiveLimit(query.Get("limit"), 50, 500)
		orders, err := a.service.ListOrders(r.Context(), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	case http.MethodPost:
		var req domain.OrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		order, err := a.service.PlaceOrder(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"order": order})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request) {
	orderID, action := splitResourcePath(r.URL.Path, "/api/v1/orders/")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, errors.New("order id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order, "status": order.Status()})
	case "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.CancelOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order, "status": order.Status()})
	case "receive":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.ReceiveOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order, "status": order.Status()})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown order action %q", action))
	}
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		date, err := parseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		invoices, err := a.service.ListInvoicesByDate(r.Context(), date)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
	case http.MethodPost:
		var req domain.GenerateInvoiceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		invoice, err := a.service.GenerateInvoice(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"invoice": invoice})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleInvoiceExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	views, err := a.service.ListInvoiceViewsByDate(r.Context(), date)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=invoices-%s.csv", date.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(invoicesToCSV(views)))
}

func (a *API) handleInvoiceActions(w http.ResponseWriter, r *http.Request) {
	invoiceID, action := splitResourcePath(r.URL.Path, "/api/v1/invoices/")
	if invoiceID == "" {
		writeError(w, http.StatusBadRequest, errors.New("invoice id required"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		view, err := a.service.GetInvoiceView(r.Context(), invoiceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoice": view})
	case "discount":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.DiscountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		invoice, err := a.service.GiveAdditionalDiscount(r.Context(), invoiceID, req.Amount)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
	case "print":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		view, err := a.service.GetInvoiceView(r.Context(), invoiceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(invoiceToPrintableHTML(view)))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown invoice action %q", action))
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	from := time.Now().UTC().Add(-24 * time.Hour)
	to := time.Now().UTC()
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		from = parsed
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		to = parsed.Add(24 * time.Hour)
	}
	limit := parsePositiveLimit(query.Get("limit"), 100, 1000)

	logs, err := a.service.ListAuditLogs(r.Context(), from, to, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		staff := a.auth.ListStaff()
		writeJSON(w, http.StatusOK, map[string]any{"staff": staff})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		user, err := a.auth.CreateStaff(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func invoicesToCSV(views []domain.InvoiceView) string {
	lines := []string{
		"invoice_id,date,payment_mode,gross_total,total_gst,total_cgst,discount_given,grand_total",
	}
	for _, view := range views {
		lines = append(lines, fmt.Sprintf("%s,%s,%s,%.2f,%.2f,%.2f,%.2f,%.2f",
			view.InvoiceID,
			view.InvoiceDate.Format("2006-01-02"),
			view.PaymentMode,
			view.GrossTotal,
			view.TotalGST,
			view.TotalCGST,
			view.DiscountGiven,
			view.GrandTotal,
		))
	}
	return strings.Join(lines, "\n") + "\n"
}

// invoiceHTMLTmpl renders the printable bill handed to the customer.
// All user-controlled fields are auto-escaped by html/template to prevent XSS.
var invoiceHTMLTmpl = template.Must(template.New("invoice").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.InvoiceID}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2, h3 { margin-bottom: 4px; }
    .right { text-align: right; }
  </style>
</head>
<body>
  <h2>Invoice {{.InvoiceID}}</h2>
  <p>Date: {{.InvoiceDate.Format "2006-01-02 15:04"}} | Payment: {{.PaymentMode}}</p>

  <table>
    <thead><tr><th>Product</th><th>Qty</th><th>Unit Price</th><th>Discount %</th><th>GST</th><th>CGST</th><th>Total</th></tr></thead>
    <tbody>{{range .Lines}}<tr><td>{{.Name}}</td><td class="right">{{printf "%.2f" .Quantity}}</td><td class="right">{{printf "%.2f" .UnitPrice}}</td><td class="right">{{printf "%.2f" .DiscountPercent}}</td><td class="right">{{printf "%.2f" .GSTAmount}}</td><td class="right">{{printf "%.2f" .CGSTAmount}}</td><td class="right">{{printf "%.2f" .GrossTotal}}</td></tr>{{end}}</tbody>
  </table>

  <h3>Totals</h3>
  <p>Gross: {{printf "%.2f" .GrossTotal}} | GST: {{printf "%.2f" .TotalGST}} | CGST: {{printf "%.2f" .TotalCGST}} | Additional Discount: {{printf "%.2f" .DiscountGiven}}</p>
  <p><strong>Grand Total: {{printf "%.2f" .GrandTotal}}</strong></p>
</body>
</html>
`))

func invoiceToPrintableHTML(view domain.InvoiceView) string {
	var buf bytes.Buffer
	if err := invoiceHTMLTmpl.Execute(&buf, view); err != nil {
		// Fallback: return a plain-text error page rather than leaking internal details.
		return "<!doctype html><html><body><p>Invoice rendering error.</p></body></html>"
	}
	return buf.String()
}

// splitResourcePath extracts the resource ID and optional trailing action from
// paths like /api/v1/tokens/TOK-01/release.
func splitResourcePath(path string, prefix string) (string, string) {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return "", ""
	}
	if idx := strings.Index(tail, "/"); idx >= 0 {
		return strings.TrimSpace(tail[:idx]), strings.Trim(tail[idx+1:], "/")
	}
	return strings.TrimSpace(tail), ""
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, errors.New("date required in YYYY-MM-DD form")
	}
	parsed, err := time.ParseInLocation("2006-01-02", trimmed, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	return parsed, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps the store error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrInsufficient):
		status = http.StatusConflict
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details (stack traces, SQL errors, file paths, etc.).
	// 4xx responses are user-facing so we return the original error message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
