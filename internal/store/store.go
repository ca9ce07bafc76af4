package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"tokopos/backend/internal/domain"
)

var (
	// ErrNotFound is returned when a transaction or account does not exist
	// for the given business.
	ErrNotFound = errors.New("not found")

	// ErrUnknownProduct is returned when a product does not exist. Archived
	// products are unknown to sales but still accept stock restores.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrInsufficientStock is returned when a reservation asks for more
	// units than are on hand. The ledger applies no partial effect.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrRefundExceedsBalance is returned when a refund amount is larger
	// than the transaction's remaining refundable balance.
	ErrRefundExceedsBalance = errors.New("refund exceeds refundable balance")

	// ErrDuplicate is returned when a unique constraint (SKU, business name)
	// would be violated.
	ErrDuplicate = errors.New("duplicate")

	// ErrInvalidPrice is returned when a line item carries a negative unit
	// price or the transaction total disagrees with its line items.
	ErrInvalidPrice = errors.New("invalid price")
)

// Ledger is the authoritative record of on-hand stock. Reserve and Restore
// are atomic per product; implementations must never hold a lock across
// remote I/O beyond the single statement that applies the change.
type Ledger interface {
	CreateProduct(ctx context.Context, businessID string, req domain.ProductCreateRequest) (domain.Product, error)
	UpdateProduct(ctx context.Context, businessID, productID string, req domain.ProductUpdateRequest) (domain.Product, error)
	ArchiveProduct(ctx context.Context, businessID, productID string) error
	GetProduct(ctx context.Context, businessID, productID string) (domain.Product, error)
	ListProducts(ctx context.Context, businessID string, includeArchived bool) ([]domain.Product, error)

	// ReserveStock decrements on-hand stock by qty if and only if at least
	// qty units are available on an active product. It fails with
	// ErrInsufficientStock or ErrUnknownProduct and no partial effect.
	ReserveStock(ctx context.Context, businessID, productID string, qty int64) error

	// RestoreStock increments on-hand stock by qty unconditionally. It
	// succeeds on archived products and fails only when the product never
	// existed.
	RestoreStock(ctx context.Context, businessID, productID string, qty int64) error
}

// TransactionStore is the durable record of committed sales and refunds.
type TransactionStore interface {
	// CommitSale persists a completed sale. It rejects line items with a
	// negative unit price and totals that disagree with the line items with
	// ErrInvalidPrice.
	CommitSale(ctx context.Context, businessID string, tx domain.Transaction) error

	// CommitRefund validates the refund against the transaction's remaining
	// balance, appends the refund record and advances the transaction
	// status, all atomically with respect to other refunds of the same
	// transaction.
	CommitRefund(ctx context.Context, businessID string, refund domain.Refund) error

	GetTransaction(ctx context.Context, businessID, id string) (domain.Transaction, error)

	// QueryTransactions returns a lazy, restartable sequence of transactions
	// in ascending timestamp order over the half-open range [From, To).
	// Ranging over the sequence again re-runs the query.
	QueryTransactions(ctx context.Context, businessID string, q domain.TransactionQuery) iter.Seq2[domain.Transaction, error]

	ListRefunds(ctx context.Context, businessID string, from, to time.Time) ([]domain.Refund, error)
}

// ValidateSaleTotals checks the arithmetic of a sale before it is persisted:
// positive quantities, non-negative unit prices, per-line totals that match
// quantity times unit price, and a transaction total equal to the sum of its
// lines. Every TransactionStore applies it in CommitSale.
func ValidateSaleTotals(tx domain.Transaction) error {
	sum := int64(0)
	for _, item := range tx.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("line item %s: quantity must be positive", item.ProductID)
		}
		if item.UnitPriceCents < 0 {
			return fmt.Errorf("line item %s: %w", item.ProductID, ErrInvalidPrice)
		}
		if item.TotalCents != item.Quantity*item.UnitPriceCents {
			return fmt.Errorf("line item %s: %w", item.ProductID, ErrInvalidPrice)
		}
		sum += item.TotalCents
	}
	if sum != tx.TotalCents {
		return fmt.Errorf("transaction %s: total %d does not match line items %d: %w", tx.ID, tx.TotalCents, sum, ErrInvalidPrice)
	}
	return nil
}

// CustomerStore holds the per-business customer directory.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, businessID string, req domain.CustomerCreateRequest) (domain.Customer, error)
	GetCustomer(ctx context.Context, businessID, customerID string) (domain.Customer, error)

	// ListCustomers returns directory entries sorted by name. A non-empty
	// search narrows the result to names and phone numbers containing it,
	// case-insensitively.
	ListCustomers(ctx context.Context, businessID, search string) ([]domain.Customer, error)
}

// AccountStore holds business login accounts.
type AccountStore interface {
	CreateBusiness(ctx context.Context, account domain.BusinessAccount) error
	GetBusinessByName(ctx context.Context, name string) (domain.BusinessAccount, error)
}
