package domain

import "time"

type Product struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Category   string    `json:"category,omitempty"`
	PriceCents int64     `json:"price_cents"`
	StockQty   int64     `json:"stock_qty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category,omitempty"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int64  `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// LineItem freezes the product name and unit price at commit time so later
// catalog edits never rewrite transaction history.
type LineItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
}

type Transaction struct {
	ID            string     `json:"id"`
	BusinessID    string     `json:"business_id"`
	Items         []LineItem `json:"items"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	CustomerRef   string     `json:"customer_ref,omitempty"`
	Status        string     `json:"status"`
	RefundedCents int64      `json:"refunded_cents"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Refund struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	TransactionID string    `json:"transaction_id"`
	AmountCents   int64     `json:"amount_cents"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type SaleLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type SaleRequest struct {
	Lines         []SaleLine `json:"lines"`
	PaymentMethod string     `json:"payment_method"`
	CustomerRef   string     `json:"customer_ref,omitempty"`
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	// AmountCents nil means the full remaining refundable balance.
	AmountCents *int64 `json:"amount_cents,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type TransactionQuery struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	CustomerRef   string    `json:"customer_ref,omitempty"`
}

type PaymentBreakdown struct {
	PaymentMethod string `json:"payment_method"`
	Transactions  int64  `json:"transactions"`
	TotalCents    int64  `json:"total_cents"`
}

type AggregateReport struct {
	BusinessID       string             `json:"business_id"`
	From             time.Time          `json:"from"`
	To               time.Time          `json:"to"`
	PaymentMethod    string             `json:"payment_method,omitempty"`
	CustomerRef      string             `json:"customer_ref,omitempty"`
	RevenueCents     int64              `json:"revenue_cents"`
	RefundedCents    int64              `json:"refunded_cents"`
	NetRevenueCents  int64              `json:"net_revenue_cents"`
	TransactionCount int64              `json:"transaction_count"`
	RefundCount      int64              `json:"refund_count"`
	AvgSaleCents     int64              `json:"avg_sale_cents"`
	ByPayment        []PaymentBreakdown `json:"by_payment"`
}

// Customer is a directory entry. A transaction's CustomerRef holds the
// customer ID when the sale was tied to a directory entry and free text
// otherwise.
type Customer struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// CustomerSummary totals a customer's purchase history.
type CustomerSummary struct {
	Customer         Customer `json:"customer"`
	TransactionCount int64    `json:"transaction_count"`
	TotalSpentCents  int64    `json:"total_spent_cents"`
	RefundedCents    int64    `json:"refunded_cents"`
}

type BusinessAccount struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PINHash   string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Business string `json:"business"`
	PIN      string `json:"pin"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	BusinessID  string `json:"business_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	BusinessID string
	Business   string
	Role       string
}

const (
	TxStatusCompleted         = "completed"
	TxStatusPartiallyRefunded = "partially_refunded"
	TxStatusRefunded          = "refunded"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentTransfer = "transfer"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// KnownPaymentMethod reports whether method is one of the accepted tender types.
func KnownPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentQRIS, PaymentTransfer:
		return true
	}
	return false
}
