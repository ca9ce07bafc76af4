package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"sort"
	"strings"
	"time"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// RestockPolicy decides which refunds put reserved stock back on the shelf.
type RestockPolicy string

const (
	// RestockFullRefundOnly restores every line item's quantity when the
	// entire untouched balance is refunded in one go. Partial refunds carry
	// no per-line quantities, so they move no stock.
	RestockFullRefundOnly RestockPolicy = "full_refund_only"

	// RestockNever leaves the ledger alone for all refunds.
	RestockNever RestockPolicy = "never"
)

func ParseRestockPolicy(raw string) (RestockPolicy, error) {
	switch RestockPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RestockFullRefundOnly:
		return RestockFullRefundOnly, nil
	case RestockNever:
		return RestockNever, nil
	}
	return "", fmt.Errorf("unknown restock policy %q", raw)
}

type Service struct {
	ledger    store.Ledger
	txs       store.TransactionStore
	customers store.CustomerStore
	reports   cache.ReportCache
	reportTTL time.Duration
	restock   RestockPolicy
}

func New(ledger store.Ledger, txs store.TransactionStore, customers store.CustomerStore, reports cache.ReportCache, reportTTL time.Duration, restock RestockPolicy) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = 30 * time.Second
	}
	if restock == "" {
		restock = RestockFullRefundOnly
	}

	return &Service{
		ledger:    ledger,
		txs:       txs,
		customers: customers,
		reports:   reports,
		reportTTL: reportTTL,
		restock:   restock,
	}
}

func (s *Service) CreateProduct(ctx context.Context, businessID string, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(businessID) == "" {
		return domain.Product{}, fmt.Errorf("business id required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	return s.ledger.CreateProduct(ctx, businessID, req)
}

func (s *Service) UpdateProduct(ctx context.Context, businessID, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	return s.ledger.UpdateProduct(ctx, businessID, productID, req)
}

func (s *Service) ArchiveProduct(ctx context.Context, businessID, productID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	return s.ledger.ArchiveProduct(ctx, businessID, productID)
}

func (s *Service) GetProduct(ctx context.Context, businessID, productID string) (domain.Product, error) {
	return s.ledger.GetProduct(ctx, businessID, productID)
}

func (s *Service) ListProducts(ctx context.Context, businessID string, includeArchived bool) ([]domain.Product, error) {
	return s.ledger.ListProducts(ctx, businessID, includeArchived)
}

// ProcessSale validates the request, reserves stock line by line and commits
// the transaction. Any failure after the first reservation undoes the
// reservations already taken, in reverse order, before the error returns.
func (s *Service) ProcessSale(ctx context.Context, businessID string, req domain.SaleRequest) (domain.Transaction, error) {
	if strings.TrimSpace(businessID) == "" {
		return domain.Transaction{}, fmt.Errorf("business id required")
	}
	if len(req.Lines) == 0 {
		return domain.Transaction{}, ErrEmptySale
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if !domain.KnownPaymentMethod(method) {
		return domain.Transaction{}, fmt.Errorf("payment method %q: %w", req.PaymentMethod, ErrUnknownPaymentMethod)
	}

	items := make([]domain.LineItem, 0, len(req.Lines))
	total := int64(0)
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return domain.Transaction{}, fmt.Errorf("product %s: %w", line.ProductID, ErrInvalidQuantity)
		}
		product, err := s.ledger.GetProduct(ctx, businessID, line.ProductID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if !product.Active {
			return domain.Transaction{}, fmt.Errorf("product %s: %w", line.ProductID, store.ErrUnknownProduct)
		}
		item := domain.LineItem{
			ProductID:      product.ID,
			ProductName:    product.Name,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			TotalCents:     line.Quantity * product.PriceCents,
		}
		items = append(items, item)
		total += item.TotalCents
	}

	reserved := make([]domain.LineItem, 0, len(items))
	for _, item := range items {
		if err := s.ledger.ReserveStock(ctx, businessID, item.ProductID, item.Quantity); err != nil {
			if desync := s.restoreReserved(ctx, businessID, "", "sale reservation rollback", reserved); desync != nil {
				return domain.Transaction{}, desync
			}
			if errors.Is(err, store.ErrInsufficientStock) {
				return domain.Transaction{}, &InsufficientStockError{ProductID: item.ProductID}
			}
			return domain.Transaction{}, err
		}
		reserved = append(reserved, item)
	}

	tx := domain.Transaction{
		ID:            xid.New("txn"),
		BusinessID:    businessID,
		Items:         items,
		TotalCents:    total,
		PaymentMethod: method,
		CustomerRef:   strings.TrimSpace(req.CustomerRef),
		Status:        domain.TxStatusCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.txs.CommitSale(ctx, businessID, tx); err != nil {
		if desync := s.restoreReserved(ctx, businessID, tx.ID, "sale commit rollback", reserved); desync != nil {
			return domain.Transaction{}, desync
		}
		return domain.Transaction{}, fmt.Errorf("%w: sale %s: %v", ErrCommitFailed, tx.ID, err)
	}

	s.invalidateReports(ctx, businessID)
	return tx, nil
}

// ProcessRefund refunds part or all of a transaction's remaining balance.
// Under the full_refund_only policy a refund of the complete untouched total
// restores every line item's stock before the refund is committed.
func (s *Service) ProcessRefund(ctx context.Context, businessID string, req domain.RefundRequest) (domain.Refund, error) {
	if strings.TrimSpace(businessID) == "" {
		return domain.Refund{}, fmt.Errorf("business id required")
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return domain.Refund{}, fmt.Errorf("transaction id required")
	}

	tx, err := s.txs.GetTransaction(ctx, businessID, req.TransactionID)
	if err != nil {
		return domain.Refund{}, err
	}

	remaining := tx.TotalCents - tx.RefundedCents
	amount := remaining
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	if amount <= 0 {
		return domain.Refund{}, fmt.Errorf("refund for transaction %s: %w", tx.ID, ErrInvalidAmount)
	}
	if amount > remaining {
		return domain.Refund{}, fmt.Errorf("transaction %s: %w", tx.ID, store.ErrRefundExceedsBalance)
	}

	restored := make([]domain.LineItem, 0, len(tx.Items))
	if s.restock == RestockFullRefundOnly && tx.RefundedCents == 0 && amount == tx.TotalCents {
		restoreCtx := context.WithoutCancel(ctx)
		for _, item := range tx.Items {
			if err := s.ledger.RestoreStock(restoreCtx, businessID, item.ProductID, item.Quantity); err != nil {
				if desync := s.reclaimRestored(ctx, businessID, tx.ID, restored); desync != nil {
					return domain.Refund{}, desync
				}
				return domain.Refund{}, fmt.Errorf("restore stock for product %s: %w", item.ProductID, err)
			}
			restored = append(restored, item)
		}
	}

	refund := domain.Refund{
		ID:            xid.New("rfd"),
		BusinessID:    businessID,
		TransactionID: tx.ID,
		AmountCents:   amount,
		Reason:        strings.TrimSpace(req.Reason),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.txs.CommitRefund(ctx, businessID, refund); err != nil {
		if desync := s.reclaimRestored(ctx, businessID, tx.ID, restored); desync != nil {
			return domain.Refund{}, desync
		}
		if errors.Is(err, store.ErrRefundExceedsBalance) || errors.Is(err, store.ErrNotFound) {
			return domain.Refund{}, err
		}
		return domain.Refund{}, fmt.Errorf("%w: refund for transaction %s: %v", ErrCommitFailed, tx.ID, err)
	}

	s.invalidateReports(ctx, businessID)
	return refund, nil
}

func (s *Service) GetTransaction(ctx context.Context, businessID, id string) (domain.Transaction, error) {
	return s.txs.GetTransaction(ctx, businessID, id)
}

func (s *Service) QueryTransactions(ctx context.Context, businessID string, q domain.TransactionQuery) iter.Seq2[domain.Transaction, error] {
	q.PaymentMethod = strings.ToLower(strings.TrimSpace(q.PaymentMethod))
	q.CustomerRef = strings.TrimSpace(q.CustomerRef)
	return s.txs.QueryTransactions(ctx, businessID, q)
}

func (s *Service) CreateCustomer(ctx context.Context, businessID string, req domain.CustomerCreateRequest) (domain.Customer, error) {
	if strings.TrimSpace(businessID) == "" {
		return domain.Customer{}, fmt.Errorf("business id required")
	}
	return s.customers.CreateCustomer(ctx, businessID, req)
}

func (s *Service) GetCustomer(ctx context.Context, businessID, customerID string) (domain.Customer, error) {
	return s.customers.GetCustomer(ctx, businessID, customerID)
}

func (s *Service) ListCustomers(ctx context.Context, businessID, search string) ([]domain.Customer, error) {
	return s.customers.ListCustomers(ctx, businessID, search)
}

// CustomerSummary totals the directory entry's purchase history from the
// transactions that reference it.
func (s *Service) CustomerSummary(ctx context.Context, businessID, customerID string) (domain.CustomerSummary, error) {
	customer, err := s.customers.GetCustomer(ctx, businessID, customerID)
	if err != nil {
		return domain.CustomerSummary{}, err
	}

	summary := domain.CustomerSummary{Customer: customer}
	for tx, err := range s.txs.QueryTransactions(ctx, businessID, domain.TransactionQuery{CustomerRef: customer.ID}) {
		if err != nil {
			return domain.CustomerSummary{}, err
		}
		summary.TransactionCount++
		summary.TotalSpentCents += tx.TotalCents
		summary.RefundedCents += tx.RefundedCents
	}
	return summary, nil
}

// Aggregate computes revenue, counts and the per-payment-method breakdown
// for the half-open range [q.From, q.To). The optional payment-method and
// customer filters narrow both the sales and the refunds counted: a filtered
// report only subtracts refunds of transactions that matched the filters. An
// empty range yields a zeroed report.
func (s *Service) Aggregate(ctx context.Context, businessID string, q domain.TransactionQuery) (domain.AggregateReport, error) {
	if strings.TrimSpace(businessID) == "" {
		return domain.AggregateReport{}, fmt.Errorf("business id required")
	}
	q.PaymentMethod = strings.ToLower(strings.TrimSpace(q.PaymentMethod))
	q.CustomerRef = strings.TrimSpace(q.CustomerRef)
	filtered := q.PaymentMethod != "" || q.CustomerRef != ""

	key := reportCacheKey(q)
	if cached, ok, err := s.reports.Get(ctx, businessID, key); err != nil {
		log.Printf("[service] WARN: report cache get failed business=%s: %v", businessID, err)
	} else if ok {
		return *cached, nil
	}

	report := domain.AggregateReport{
		BusinessID:    businessID,
		From:          q.From,
		To:            q.To,
		PaymentMethod: q.PaymentMethod,
		CustomerRef:   q.CustomerRef,
		ByPayment:     make([]domain.PaymentBreakdown, 0, 4),
	}
	byPayment := map[string]*domain.PaymentBreakdown{}
	matched := map[string]struct{}{}
	for tx, err := range s.txs.QueryTransactions(ctx, businessID, q) {
		if err != nil {
			return domain.AggregateReport{}, err
		}
		report.TransactionCount++
		report.RevenueCents += tx.TotalCents
		if filtered {
			matched[tx.ID] = struct{}{}
		}

		entry := byPayment[tx.PaymentMethod]
		if entry == nil {
			entry = &domain.PaymentBreakdown{PaymentMethod: tx.PaymentMethod}
			byPayment[tx.PaymentMethod] = entry
		}
		entry.Transactions++
		entry.TotalCents += tx.TotalCents
	}

	refunds, err := s.txs.ListRefunds(ctx, businessID, q.From, q.To)
	if err != nil {
		return domain.AggregateReport{}, err
	}
	for _, refund := range refunds {
		if filtered {
			if _, ok := matched[refund.TransactionID]; !ok {
				continue
			}
		}
		report.RefundCount++
		report.RefundedCents += refund.AmountCents
	}
	report.NetRevenueCents = max(report.RevenueCents-report.RefundedCents, 0)
	if report.TransactionCount > 0 {
		report.AvgSaleCents = report.RevenueCents / report.TransactionCount
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	sort.Slice(report.ByPayment, func(i, j int) bool {
		return report.ByPayment[i].PaymentMethod < report.ByPayment[j].PaymentMethod
	})

	if err := s.reports.Set(ctx, businessID, key, &report, s.reportTTL); err != nil {
		log.Printf("[service] WARN: report cache set failed business=%s: %v", businessID, err)
	}
	return report, nil
}

// restoreReserved undoes reservations in reverse order. It runs detached
// from the caller's cancellation so an abandoned request still releases its
// stock. A restore failure here leaves the ledger short and is fatal.
func (s *Service) restoreReserved(ctx context.Context, businessID, txID, op string, reserved []domain.LineItem) *LedgerDesyncError {
	restoreCtx := context.WithoutCancel(ctx)
	for i := len(reserved) - 1; i >= 0; i-- {
		item := reserved[i]
		if err := s.ledger.RestoreStock(restoreCtx, businessID, item.ProductID, item.Quantity); err != nil {
			desync := &LedgerDesyncError{
				Op:            op,
				BusinessID:    businessID,
				TransactionID: txID,
				ProductID:     item.ProductID,
				Qty:           item.Quantity,
				Cause:         err,
			}
			log.Printf("[service] CRITICAL: %v", desync)
			return desync
		}
	}
	return nil
}

// reclaimRestored is the mirror of restoreReserved for the refund path: it
// re-reserves stock that was already put back when the refund cannot go
// through. A concurrent sale may have taken that stock, in which case the
// ledger is left over-restored and the failure is fatal.
func (s *Service) reclaimRestored(ctx context.Context, businessID, txID string, restored []domain.LineItem) *LedgerDesyncError {
	reclaimCtx := context.WithoutCancel(ctx)
	for i := len(restored) - 1; i >= 0; i-- {
		item := restored[i]
		if err := s.ledger.ReserveStock(reclaimCtx, businessID, item.ProductID, item.Quantity); err != nil {
			desync := &LedgerDesyncError{
				Op:            "refund restock rollback",
				BusinessID:    businessID,
				TransactionID: txID,
				ProductID:     item.ProductID,
				Qty:           item.Quantity,
				Cause:         err,
			}
			log.Printf("[service] CRITICAL: %v", desync)
			return desync
		}
	}
	return nil
}

func (s *Service) invalidateReports(ctx context.Context, businessID string) {
	if err := s.reports.Invalidate(context.WithoutCancel(ctx), businessID); err != nil {
		log.Printf("[service] WARN: report cache invalidate failed business=%s: %v", businessID, err)
	}
}

func reportCacheKey(q domain.TransactionQuery) string {
	return fmt.Sprintf("%d-%d:%s:%s", q.From.UTC().UnixNano(), q.To.UTC().UnixNano(), q.PaymentMethod, q.CustomerRef)
}
