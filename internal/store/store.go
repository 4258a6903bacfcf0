package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kasirpoin/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrConflict          = errors.New("concurrent modification")
	ErrDuplicate         = errors.New("duplicate key")
)

// InsufficientStockError names the line that could not be fulfilled.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Tx is the view of the ledger inside one atomic unit. Reads see the state
// the unit will be validated against; writes become visible only on commit.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	FindBillByOrderCode(ctx context.Context, orderCode int64) (*domain.Bill, error)
	SetProductStock(ctx context.Context, id string, stock int) error
	SetCustomerPoints(ctx context.Context, id string, points int) error
	InsertBill(ctx context.Context, bill domain.Bill) error
}

type TxFunc func(ctx context.Context, tx Tx) error

// Atomic runs fn as a single all-or-nothing unit. Implementations return
// ErrConflict when the unit lost a race and may be retried.
type Atomic interface {
	Atomically(ctx context.Context, fn TxFunc) error
}

type Catalog interface {
	ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ReceiveStock(ctx context.Context, id string, qty int, importPrice int64, at time.Time) (*domain.Product, error)
}

type Customers interface {
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
}

type Bills interface {
	ListBills(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Bill, error)
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	FindBillByOrderCode(ctx context.Context, orderCode int64) (*domain.Bill, error)
}

type Payments interface {
	// CreatePendingPayment returns ErrDuplicate when the order code is taken.
	CreatePendingPayment(ctx context.Context, payment domain.PendingPayment) error
	DeletePendingPayment(ctx context.Context, orderCode int64) error
	AttachPaymentLink(ctx context.Context, orderCode int64, checkoutURL string, qrCode string) error
	GetPendingPayment(ctx context.Context, orderCode int64) (*domain.PendingPayment, error)
	ListPendingPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.PendingPayment, error)
	// ListPaidWithoutBill returns PAID records for which no bill was written.
	ListPaidWithoutBill(ctx context.Context, limit int) ([]domain.PendingPayment, error)
	// ResolvePendingPayment moves a PENDING record to a terminal status. The
	// returned bool is false when the record was already terminal.
	ResolvePendingPayment(ctx context.Context, orderCode int64, status domain.PaymentStatus, payload json.RawMessage, at time.Time) (*domain.PendingPayment, bool, error)
}

type AuditLogs interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Users interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Atomic
	Catalog
	Customers
	Bills
	Payments
	AuditLogs
	Users
}
