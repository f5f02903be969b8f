package domain

import "time"

const (
	UnitKg   = "kg"
	UnitPcs  = "pcs"
	UnitLtrs = "ltrs"
)

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentWallet = "wallet"
)

// Ledger entry types. Every quantity move between stored stock, the counter
// display and token baskets appends exactly one of these.
const (
	TxCounterAdd         = "COUNTER_ADD"
	TxCounterSub         = "COUNTER_SUB"
	TxInventoryToCounter = "INVENTORY_TO_COUNTER"
	TxInventoryAdd       = "INVENTORY_ADD"
	TxInventorySub       = "INVENTORY_SUB"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

const (
	RoleAdmin     = "admin"
	RoleInventory = "inventory"
	RoleCounter   = "counter"
	RoleBillDesk  = "billdesk"
)

type Product struct {
	ProductID       string  `json:"product_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	UnitPrice       float64 `json:"unit_price"`
	UnitType        string  `json:"unit_type"`
	GSTRate         float64 `json:"gst_rate"`
	CGSTRate        float64 `json:"cgst_rate"`
	CurrentDiscount float64 `json:"current_discount"`
}

type ProductCreateRequest struct {
	ProductID       string  `json:"product_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	UnitPrice       float64 `json:"unit_price"`
	UnitType        string  `json:"unit_type"`
	GSTRate         float64 `json:"gst_rate"`
	CGSTRate        float64 `json:"cgst_rate"`
	CurrentDiscount float64 `json:"current_discount"`
}

// InventoryRecord splits a product's stock into the backroom (stored) and the
// counter display (displayed). StoreThreshold drives restock alerts.
type InventoryRecord struct {
	ProductID         string  `json:"product_id"`
	StoredQuantity    float64 `json:"stored_quantity"`
	DisplayedQuantity float64 `json:"displayed_quantity"`
	StoreThreshold    float64 `json:"store_threshold"`
}

type InventoryView struct {
	InventoryRecord
	ProductName    string `json:"product_name"`
	UnitType       string `json:"unit_type"`
	BelowThreshold bool   `json:"below_threshold"`
}

type InventoryTransaction struct {
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	ProductID     string    `json:"product_id"`
	Quantity      float64   `json:"quantity"`
	Timestamp     time.Time `json:"timestamp"`
}

type Token struct {
	TokenID   string  `json:"token_id"`
	Assigned  bool    `json:"assigned"`
	InvoiceID *string `json:"invoice_id,omitempty"`
}

type TokenBasketLine struct {
	TokenID   string  `json:"token_id"`
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
}

type TokenView struct {
	Token
	Basket []TokenBasketLine `json:"basket"`
}

type OrderLine struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
}

type Order struct {
	OrderID     string      `json:"order_id"`
	OrderDate   time.Time   `json:"order_date"`
	Delivered   bool        `json:"delivered"`
	Cancelled   bool        `json:"cancelled"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
	Lines       []OrderLine `json:"lines,omitempty"`
}

// Status derives the lifecycle state from the two terminal flags, which are
// mutually exclusive.
func (o Order) Status() string {
	switch {
	case o.Delivered:
		return OrderStatusDelivered
	case o.Cancelled:
		return OrderStatusCancelled
	default:
		return OrderStatusPending
	}
}

type OrderCreateRequest struct {
	Lines []OrderLine `json:"lines"`
}

type Invoice struct {
	InvoiceID     string    `json:"invoice_id"`
	InvoiceDate   time.Time `json:"invoice_date"`
	PaymentMode   string    `json:"payment_mode"`
	DiscountGiven float64   `json:"discount_given"`
}

// InvoiceLine snapshots the product at billing time so later catalog changes
// never alter an issued invoice.
type InvoiceLine struct {
	InvoiceID       string  `json:"invoice_id"`
	ProductID       string  `json:"product_id"`
	Name            string  `json:"name"`
	Quantity        float64 `json:"quantity"`
	UnitPrice       float64 `json:"unit_price"`
	GSTRate         float64 `json:"gst_rate"`
	CGSTRate        float64 `json:"cgst_rate"`
	DiscountPercent float64 `json:"discount_percent"`
}

type GenerateInvoiceRequest struct {
	TokenIDs    []string `json:"token_ids"`
	PaymentMode string   `json:"payment_mode"`
}

type DiscountRequest struct {
	Amount float64 `json:"amount"`
}

// PricedLine is an invoice line plus the money amounts derived at render time
// from the stored snapshot values.
type PricedLine struct {
	InvoiceLine
	GrossTotal float64 `json:"gross_total"`
	NetTotal   float64 `json:"net_total"`
	GSTAmount  float64 `json:"gst_amount"`
	CGSTAmount float64 `json:"cgst_amount"`
}

type InvoiceView struct {
	Invoice
	Lines      []PricedLine `json:"lines"`
	GrossTotal float64      `json:"gross_total"`
	TotalGST   float64      `json:"total_gst"`
	TotalCGST  float64      `json:"total_cgst"`
	GrandTotal float64      `json:"grand_total"`
}

type RestockAlert struct {
	ProductID      string  `json:"product_id"`
	ProductName    string  `json:"product_name"`
	StoredQuantity float64 `json:"stored_quantity"`
	StoreThreshold float64 `json:"store_threshold"`
	Deficit        float64 `json:"deficit"`
	Severity       float64 `json:"severity"`
}

type RestockAlertResponse struct {
	GeneratedAt string         `json:"generated_at"`
	Alerts      []RestockAlert `json:"alerts"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

func ValidUnitType(unit string) bool {
	switch unit {
	case UnitKg, UnitPcs, UnitLtrs:
		return true
	}
	return false
}

func ValidPaymentMode(mode string) bool {
	switch mode {
	case PaymentCash, PaymentCard, PaymentWallet:
		return true
	}
	return false
}

func ValidLedgerType(txType string) bool {
	switch txType {
	case TxCounterAdd, TxCounterSub, TxInventoryToCounter, TxInventoryAdd, TxInventorySub:
		return true
	}
	return false
}

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleInventory, RoleCounter, RoleBillDesk:
		return true
	}
	return false
}
