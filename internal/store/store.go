package store

import (
	"context"
	"fmt"
	"time"

	"countermart/backend/internal/domain"
)

// Base error taxonomy. Every specific condition below wraps exactly one of
// these so callers can branch with errors.Is on either level.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrStateConflict = fmt.Errorf("state conflict")
	ErrInsufficient  = fmt.Errorf("insufficient resource")
)

var (
	ErrProductExists     = fmt.Errorf("%w: product already exists", ErrStateConflict)
	ErrInvalidQuantity   = fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	ErrInsufficientStock = fmt.Errorf("%w: quantity exceeds available stock", ErrInsufficient)

	ErrNoTokenAvailable = fmt.Errorf("%w: no free token", ErrInsufficient)
	ErrPoolExhausted    = fmt.Errorf("%w: token pool is full", ErrInsufficient)
	ErrTokenHasProducts = fmt.Errorf("%w: token basket is not empty", ErrStateConflict)
	ErrTokenNotAssigned = fmt.Errorf("%w: token is not assigned", ErrStateConflict)
	ErrTokenAssigned    = fmt.Errorf("%w: token is still assigned", ErrStateConflict)

	ErrAlreadyDelivered = fmt.Errorf("%w: order already delivered", ErrStateConflict)
	ErrAlreadyCancelled = fmt.Errorf("%w: order already cancelled", ErrStateConflict)

	ErrInvalidPaymentMode = fmt.Errorf("%w: unsupported payment mode", ErrInvalidInput)
	ErrNothingToBill      = fmt.Errorf("%w: no products selected on any token", ErrStateConflict)
	ErrNegativeDiscount   = fmt.Errorf("%w: discount must not be negative", ErrInvalidInput)
)

// Repository is the storage boundary. Every mutating method is a single unit
// of work: it commits all of its effects or none of them. Implementations own
// the formatted ID sequences (TOK-%02d, ORD/INV/TRC-%010d) and the mutual
// exclusion that keeps them monotonic.
type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	FindProductByName(ctx context.Context, name string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProductPrice(ctx context.Context, productID string, unitPrice float64) (*domain.Product, error)
	UpdateProductDiscount(ctx context.Context, productID string, discount float64) (*domain.Product, error)
	UpdateProductDescription(ctx context.Context, productID string, description string) (*domain.Product, error)
	UpdateProductTax(ctx context.Context, productID string, gstRate float64, cgstRate float64) (*domain.Product, error)

	GetInventoryRecord(ctx context.Context, productID string) (*domain.InventoryRecord, error)
	ListInventory(ctx context.Context) ([]domain.InventoryView, error)
	ListBelowThreshold(ctx context.Context) ([]domain.InventoryView, error)
	UpdateThreshold(ctx context.Context, productID string, threshold float64) (*domain.InventoryRecord, error)
	SubtractStock(ctx context.Context, productID string, qty float64) (*domain.InventoryRecord, error)
	ListTransactions(ctx context.Context, limit int) ([]domain.InventoryTransaction, error)
	ListTransactionsByDate(ctx context.Context, date time.Time) ([]domain.InventoryTransaction, error)
	ListProductTransactionsByDate(ctx context.Context, productID string, date time.Time) ([]domain.InventoryTransaction, error)

	AcquireToken(ctx context.Context) (*domain.Token, error)
	ReleaseToken(ctx context.Context, tokenID string) (*domain.Token, error)
	AddToken(ctx context.Context) (*domain.Token, error)
	RemoveToken(ctx context.Context, tokenID string) error
	GetToken(ctx context.Context, tokenID string) (*domain.TokenView, error)
	ListTokens(ctx context.Context) ([]domain.TokenView, error)

	MoveCounterToToken(ctx context.Context, tokenID string, productID string, qty float64) error
	MoveInventoryToCounter(ctx context.Context, productID string, qty float64) error
	MoveTokenToCounter(ctx context.Context, tokenID string, productID string) error

	CreateOrder(ctx context.Context, lines []domain.OrderLine, orderedAt time.Time) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
	ListOrdersBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ReceiveOrder(ctx context.Context, orderID string, receivedAt time.Time) (*domain.Order, error)

	GenerateInvoice(ctx context.Context, tokenIDs []string, paymentMode string, createdAt time.Time) (*domain.Invoice, error)
	SetInvoiceDiscount(ctx context.Context, invoiceID string, amount float64) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, []domain.InvoiceLine, error)
	ListInvoicesByDate(ctx context.Context, date time.Time) ([]domain.Invoice, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
