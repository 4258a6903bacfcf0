package domain

import (
	"encoding/json"
	"time"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodQR   = "qr"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentCancelled
}

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Price       int64     `json:"price"`
	Stock       int       `json:"stock"`
	ImportPrice int64     `json:"import_price"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name         string `json:"name"`
	Category     string `json:"category"`
	Price        int64  `json:"price"`
	InitialStock int    `json:"initial_stock"`
	ImportPrice  int64  `json:"import_price"`
}

type ProductUpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	Category *string `json:"category,omitempty"`
	Price    *int64  `json:"price,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// StockReceiptRequest records goods arriving from a supplier.
type StockReceiptRequest struct {
	Qty         int   `json:"qty"`
	ImportPrice int64 `json:"import_price"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Points    int       `json:"points"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// CartLine is a product/quantity pair with the price captured when the
// line was added.
type CartLine struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Qty       int    `json:"qty"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CartSession struct {
	ID              string     `json:"id"`
	TerminalID      string     `json:"terminal_id"`
	Items           []CartLine `json:"items"`
	CustomerID      string     `json:"customer_id,omitempty"`
	PointsRequested int        `json:"points_requested"`
	PaymentMethod   string     `json:"payment_method,omitempty"`
	TenderAmount    int64      `json:"tender_amount"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type CartSessionRequest struct {
	TerminalID      string     `json:"terminal_id"`
	Items           []CartItem `json:"items"`
	CustomerID      string     `json:"customer_id,omitempty"`
	PointsRequested int        `json:"points_requested"`
	PaymentMethod   string     `json:"payment_method,omitempty"`
	TenderAmount    int64      `json:"tender_amount"`
}

type BillLine struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Qty       int    `json:"qty"`
	LineTotal int64  `json:"line_total"`
}

// Bill is the immutable record of a completed sale.
type Bill struct {
	ID                 string     `json:"id"`
	Items              []BillLine `json:"items"`
	CustomerID         string     `json:"customer_id,omitempty"`
	CustomerName       string     `json:"customer_name,omitempty"`
	PointsBefore       int        `json:"points_before"`
	PointsUsed         int        `json:"points_used"`
	PointsEarned       int        `json:"points_earned"`
	PointsAfter        int        `json:"points_after"`
	Subtotal           int64      `json:"subtotal"`
	Tax                int64      `json:"tax"`
	Total              int64      `json:"total"`
	Discount           int64      `json:"discount"`
	TotalAfterDiscount int64      `json:"total_after_discount"`
	PaymentMethod      string     `json:"payment_method"`
	CashReceived       int64      `json:"cash_received"`
	Change             int64      `json:"change"`
	OrderCode          int64      `json:"order_code,omitempty"`
	CashierUsername    string     `json:"cashier_username"`
	CreatedAt          time.Time  `json:"created_at"`
}

type CartSnapshot struct {
	Items           []CartLine `json:"items"`
	CustomerID      string     `json:"customer_id,omitempty"`
	PointsRequested int        `json:"points_requested"`
	// PointsUsed is the redemption priced into the charged amount.
	PointsUsed int `json:"points_used"`
}

// PendingPayment tracks one QR checkout from intent creation until the
// provider reports an outcome.
type PendingPayment struct {
	OrderCode       int64           `json:"order_code"`
	Status          PaymentStatus   `json:"status"`
	Amount          int64           `json:"amount"`
	Description     string          `json:"description"`
	Cart            CartSnapshot    `json:"cart"`
	CreatedBy       string          `json:"created_by"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`
	QRCode          string          `json:"qr_code,omitempty"`
	ProviderPayload json.RawMessage `json:"provider_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

type CheckoutRequest struct {
	SessionID       string     `json:"session_id,omitempty"`
	Items           []CartItem `json:"items"`
	CustomerID      string     `json:"customer_id,omitempty"`
	PointsRequested int        `json:"points_requested"`
	PaymentMethod   string     `json:"payment_method"`
	CashReceived    int64      `json:"cash_received"`
}

type PaymentIntent struct {
	OrderCode   int64         `json:"order_code"`
	Status      PaymentStatus `json:"status"`
	Amount      int64         `json:"amount"`
	CheckoutURL string        `json:"checkout_url"`
	QRCode      string        `json:"qr_code"`
}

type CheckoutResponse struct {
	PaymentMethod string         `json:"payment_method"`
	Bill          *Bill          `json:"bill,omitempty"`
	Payment       *PaymentIntent `json:"payment,omitempty"`
	Duplicate     bool           `json:"duplicate,omitempty"`
}

// PaymentView is what a terminal sees while waiting for a QR payment.
type PaymentView struct {
	OrderCode   int64         `json:"order_code"`
	Status      PaymentStatus `json:"status"`
	Amount      int64         `json:"amount"`
	CheckoutURL string        `json:"checkout_url,omitempty"`
	QRCode      string        `json:"qr_code,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	Bill        *Bill         `json:"bill,omitempty"`
}

type PaymentMethodSummary struct {
	PaymentMethod string `json:"payment_method"`
	Bills         int    `json:"bills"`
	Total         int64  `json:"total"`
}

type DailyReport struct {
	Date            string                 `json:"date"`
	Bills           int                    `json:"bills"`
	ItemsSold       int                    `json:"items_sold"`
	GrossSales      int64                  `json:"gross_sales"`
	Tax             int64                  `json:"tax"`
	Discount        int64                  `json:"discount"`
	NetSales        int64                  `json:"net_sales"`
	PointsUsed      int                    `json:"points_used"`
	PointsEarned    int                    `json:"points_earned"`
	EstimatedCost   int64                  `json:"estimated_cost"`
	EstimatedMargin int64                  `json:"estimated_margin"`
	ByPayment       []PaymentMethodSummary `json:"by_payment"`
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

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
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
