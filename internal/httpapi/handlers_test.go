package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"countermart/backend/internal/domain"
	"countermart/backend/internal/service"
	"countermart/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, 0)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if payload.AccessToken == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, api *API, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_ListWithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "counter", "counter123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestHandleProducts_CreateRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	counterToken := loginAs(t, api, "counter", "counter123")

	payload := domain.ProductCreateRequest{
		ProductID: "PR-JAM",
		Name:      "Mixed Fruit Jam",
		UnitPrice: 95,
		UnitType:  "pcs",
		GSTRate:   6,
		CGSTRate:  6,
	}
	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", counterToken, payload)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for counter role, got %d", rec.Code)
	}

	adminToken := loginAs(t, api, "admin", "admin123")
	rec = doJSON(t, api, http.MethodPost, "/api/v1/products", adminToken, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/products", adminToken, payload)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProductActions_PriceUpdate(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPatch, "/api/v1/products/PR-RICE/price", token, priceUpdateRequest{UnitPrice: 110})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/products/PR-NOPE/price", token, priceUpdateRequest{UnitPrice: 110})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", rec.Code)
	}

	rec = doJSON(t, api, http.MethodPatch, "/api/v1/products/PR-RICE/price", token, priceUpdateRequest{UnitPrice: -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative price, got %d", rec.Code)
	}
}

func TestHandleTokenLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	counterToken := loginAs(t, api, "counter", "counter123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/tokens/acquire", counterToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var acquired struct {
		Token domain.Token `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&acquired); err != nil {
		t.Fatalf("decode acquire response: %v", err)
	}
	if acquired.Token.TokenID == "" || !acquired.Token.Assigned {
		t.Fatalf("expected an assigned token, got %+v", acquired.Token)
	}

	move := counterMoveRequest{TokenID: acquired.Token.TokenID, ProductID: "PR-RICE", Quantity: 2}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/counter/to-token", counterToken, move)
	if rec.Code != http.StatusOK {
		t.Fatalf("move expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/tokens/"+acquired.Token.TokenID+"/release", counterToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("release with products expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	billToken := loginAs(t, api, "billdesk", "billdesk123")
	rec = doJSON(t, api, http.MethodPost, "/api/v1/invoices", billToken, domain.GenerateInvoiceRequest{
		TokenIDs:    []string{acquired.Token.TokenID},
		PaymentMode: "cash",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("invoice expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var invoiced struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&invoiced); err != nil {
		t.Fatalf("decode invoice response: %v", err)
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/invoices/"+invoiced.Invoice.InvoiceID, billToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoice view expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var viewed struct {
		Invoice domain.InvoiceView `json:"invoice"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&viewed); err != nil {
		t.Fatalf("decode invoice view: %v", err)
	}
	if viewed.Invoice.GrossTotal != 180.00 {
		t.Fatalf("expected gross 180.00, got %v", viewed.Invoice.GrossTotal)
	}
}

func TestHandleInvoicePrintReturnsHTML(t *testing.T) {
	api := newTestAPI(t)
	counterToken := loginAs(t, api, "counter", "counter123")
	billToken := loginAs(t, api, "billdesk", "billdesk123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/tokens/acquire", counterToken, nil)
	var acquired struct {
		Token domain.Token `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&acquired); err != nil {
		t.Fatalf("decode acquire response: %v", err)
	}
	move := counterMoveRequest{TokenID: acquired.Token.TokenID, ProductID: "PR-SOAP", Quantity: 3}
	if rec := doJSON(t, api, http.MethodPost, "/api/v1/counter/to-token", counterToken, move); rec.Code != http.StatusOK {
		t.Fatalf("move expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, api, http.MethodPost, "/api/v1/invoices", billToken, domain.GenerateInvoiceRequest{
		TokenIDs:    []string{acquired.Token.TokenID},
		PaymentMode: "card",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("invoice expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var invoiced struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&invoiced); err != nil {
		t.Fatalf("decode invoice response: %v", err)
	}

	printPath := fmt.Sprintf("/api/v1/invoices/%s/print", invoiced.Invoice.InvoiceID)
	rec = doJSON(t, api, http.MethodGet, printPath, billToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("print expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("expected html content type, got %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(invoiced.Invoice.InvoiceID)) {
		t.Fatalf("expected invoice id in printable bill")
	}
}

func TestHandleOrdersLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "inventory", "inventory123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/orders", token, domain.OrderCreateRequest{
		Lines: []domain.OrderLine{{ProductID: "PR-MILK", Quantity: 40}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("order expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var placed struct {
		Order domain.Order `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&placed); err != nil {
		t.Fatalf("decode order response: %v", err)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+placed.Order.OrderID+"/receive", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receive expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/orders/"+placed.Order.OrderID+"/cancel", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after receipt expected 409, got %d", rec.Code)
	}
}

func TestHandleInventoryAlerts(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "inventory", "inventory123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/PR-TEA/subtract", token, quantityRequest{Quantity: 95})
	if rec.Code != http.StatusOK {
		t.Fatalf("subtract expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodGet, "/api/v1/inventory/alerts", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts expected 200, got %d", rec.Code)
	}
	var resp domain.RestockAlertResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(resp.Alerts) != 1 || resp.Alerts[0].ProductID != "PR-TEA" {
		t.Fatalf("expected a PR-TEA alert, got %+v", resp.Alerts)
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
