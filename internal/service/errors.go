package service

import (
	"errors"
	"fmt"

	"tokopos/backend/internal/store"
)

var (
	ErrEmptySale            = errors.New("sale has no line items")
	ErrInvalidQuantity      = errors.New("line quantity must be positive")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrUnknownPaymentMethod = errors.New("unknown payment method")

	// ErrCommitFailed means the durable commit failed after every stock
	// movement was undone. The operation had no lasting effect and the
	// caller may retry it.
	ErrCommitFailed = errors.New("commit failed")
)

// InsufficientStockError names the first product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// LedgerDesyncError reports that the stock ledger and the transaction store
// disagree and automatic compensation could not repair it. It is fatal for
// the operation and must not be retried; an operator has to reconcile the
// ledger by hand.
type LedgerDesyncError struct {
	Op            string
	BusinessID    string
	TransactionID string
	ProductID     string
	Qty           int64
	Cause         error
}

func (e *LedgerDesyncError) Error() string {
	return fmt.Sprintf("ledger desync during %s: business=%s transaction=%s product=%s qty=%d: %v",
		e.Op, e.BusinessID, e.TransactionID, e.ProductID, e.Qty, e.Cause)
}

func (e *LedgerDesyncError) Unwrap() error {
	return e.Cause
}
