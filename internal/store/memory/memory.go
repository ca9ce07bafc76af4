package memory

import (
	"context"
	"fmt"
	"iter"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// Store is an in-memory implementation of the ledger, transaction store and
// account store. All state is keyed by business ID first so one instance can
// back multiple tenants.
type Store struct {
	mu           sync.RWMutex
	products     map[string]map[string]domain.Product
	transactions map[string]map[string]*domain.Transaction
	refunds      map[string]map[string]domain.Refund
	customers    map[string]map[string]domain.Customer
	accountsByID map[string]domain.BusinessAccount
	idsByName    map[string]string
}

func New() *Store {
	return &Store{
		products:     make(map[string]map[string]domain.Product),
		transactions: make(map[string]map[string]*domain.Transaction),
		refunds:      make(map[string]map[string]domain.Refund),
		customers:    make(map[string]map[string]domain.Customer),
		accountsByID: make(map[string]domain.BusinessAccount),
		idsByName:    make(map[string]string),
	}
}

// NewSeeded builds a store with a demo business and a small catalog for
// dev/demo mode. The PIN comes from SEED_BUSINESS_PIN; if unset a hardcoded
// dev default is used with a warning. Seeded credentials are never used in
// production (the backend uses PostgreSQL when DATABASE_URL is set).
func NewSeeded() *Store {
	s := New()

	name := envOr("SEED_BUSINESS_NAME", "warung-demo")
	pin := envOr("SEED_BUSINESS_PIN", "739154")
	if os.Getenv("SEED_BUSINESS_PIN") == "" {
		log.Println("[memory-store] WARNING: using default dev PIN. Set SEED_BUSINESS_PIN to override.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed PIN: %v", err)
	}
	account := domain.BusinessAccount{
		ID:        xid.New("biz"),
		Name:      name,
		PINHash:   string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateBusiness(context.Background(), account); err != nil {
		log.Fatalf("[memory-store] failed to seed business: %v", err)
	}

	seed := []domain.ProductCreateRequest{
		{SKU: "SKU-KOPI-01", Name: "Kopi Tubruk", Category: "minuman", PriceCents: 1200, InitialStock: 120},
		{SKU: "SKU-TEH-01", Name: "Teh Manis", Category: "minuman", PriceCents: 900, InitialStock: 120},
		{SKU: "SKU-ROTI-01", Name: "Roti Bakar", Category: "makanan", PriceCents: 2400, InitialStock: 80},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Category: "minuman", PriceCents: 500, InitialStock: 200},
		{SKU: "SKU-NASI-01", Name: "Nasi Goreng", Category: "makanan", PriceCents: 3500, InitialStock: 60},
	}
	for _, req := range seed {
		if _, err := s.CreateProduct(context.Background(), account.ID, req); err != nil {
			log.Fatalf("[memory-store] failed to seed product %s: %v", req.SKU, err)
		}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateProduct(_ context.Context, businessID string, req domain.ProductCreateRequest) (domain.Product, error) {
	if strings.TrimSpace(businessID) == "" {
		return domain.Product{}, fmt.Errorf("business id required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return domain.Product{}, fmt.Errorf("product name required")
	}
	if req.PriceCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, fmt.Errorf("price and initial stock must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.products[businessID]
	if byID == nil {
		byID = make(map[string]domain.Product)
		s.products[businessID] = byID
	}
	if req.SKU != "" {
		for _, existing := range byID {
			if existing.SKU == req.SKU {
				return domain.Product{}, fmt.Errorf("sku %s: %w", req.SKU, store.ErrDuplicate)
			}
		}
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:         xid.New("prd"),
		BusinessID: businessID,
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   strings.TrimSpace(req.Category),
		PriceCents: req.PriceCents,
		StockQty:   req.InitialStock,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	byID[product.ID] = product
	return product, nil
}

func (s *Store) UpdateProduct(_ context.Context, businessID, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[businessID][productID]
	if !ok {
		return domain.Product{}, store.ErrUnknownProduct
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return domain.Product{}, fmt.Errorf("product name required")
		}
		product.Name = *req.Name
	}
	if req.Category != nil {
		product.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, fmt.Errorf("price must be non-negative")
		}
		product.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		product.Active = *req.Active
	}
	product.UpdatedAt = time.Now().UTC()
	s.products[businessID][productID] = product
	return product, nil
}

func (s *Store) ArchiveProduct(_ context.Context, businessID, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[businessID][productID]
	if !ok {
		return store.ErrUnknownProduct
	}
	product.Active = false
	product.UpdatedAt = time.Now().UTC()
	s.products[businessID][productID] = product
	return nil
}

func (s *Store) GetProduct(_ context.Context, businessID, productID string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[businessID][productID]
	if !ok {
		return domain.Product{}, store.ErrUnknownProduct
	}
	return product, nil
}

func (s *Store) ListProducts(_ context.Context, businessID string, includeArchived bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products[businessID]))
	for _, product := range s.products[businessID] {
		if !includeArchived && !product.Active {
			continue
		}
		products = append(products, product)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

// ReserveStock applies the check and the decrement under one lock hold so
// concurrent reservations can never drive stock negative.
func (s *Store) ReserveStock(_ context.Context, businessID, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("reserve qty must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[businessID][productID]
	if !ok || !product.Active {
		return fmt.Errorf("product %s: %w", productID, store.ErrUnknownProduct)
	}
	if product.StockQty < qty {
		return fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
	}
	product.StockQty -= qty
	product.UpdatedAt = time.Now().UTC()
	s.products[businessID][productID] = product
	return nil
}

// RestoreStock increments unconditionally. Archived products still accept
// restores so refunds of discontinued items keep the ledger truthful.
func (s *Store) RestoreStock(_ context.Context, businessID, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("restore qty must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[businessID][productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, store.ErrUnknownProduct)
	}
	product.StockQty += qty
	product.UpdatedAt = time.Now().UTC()
	s.products[businessID][productID] = product
	return nil
}

func (s *Store) CommitSale(_ context.Context, businessID string, tx domain.Transaction) error {
	if strings.TrimSpace(tx.ID) == "" || len(tx.Items) == 0 {
		return fmt.Errorf("transaction incomplete")
	}
	if err := store.ValidateSaleTotals(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.transactions[businessID]
	if byID == nil {
		byID = make(map[string]*domain.Transaction)
		s.transactions[businessID] = byID
	}
	if _, exists := byID[tx.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrDuplicate)
	}
	tx.BusinessID = businessID
	byID[tx.ID] = cloneTransaction(&tx)
	return nil
}

func (s *Store) CommitRefund(_ context.Context, businessID string, refund domain.Refund) error {
	if refund.AmountCents <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[businessID][refund.TransactionID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", refund.TransactionID, store.ErrNotFound)
	}
	remaining := tx.TotalCents - tx.RefundedCents
	if refund.AmountCents > remaining {
		return fmt.Errorf("transaction %s: %w", refund.TransactionID, store.ErrRefundExceedsBalance)
	}

	byID := s.refunds[businessID]
	if byID == nil {
		byID = make(map[string]domain.Refund)
		s.refunds[businessID] = byID
	}
	refund.BusinessID = businessID
	byID[refund.ID] = refund

	tx.RefundedCents += refund.AmountCents
	if tx.RefundedCents >= tx.TotalCents {
		tx.Status = domain.TxStatusRefunded
	} else {
		tx.Status = domain.TxStatusPartiallyRefunded
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, businessID, id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[businessID][id]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return *cloneTransaction(tx), nil
}

// QueryTransactions snapshots the matching rows under the read lock each time
// the sequence is ranged over, so every restart observes current state.
func (s *Store) QueryTransactions(_ context.Context, businessID string, q domain.TransactionQuery) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		s.mu.RLock()
		matched := make([]domain.Transaction, 0, len(s.transactions[businessID]))
		for _, tx := range s.transactions[businessID] {
			if !inRange(tx.CreatedAt, q.From, q.To) {
				continue
			}
			if q.PaymentMethod != "" && tx.PaymentMethod != q.PaymentMethod {
				continue
			}
			if q.CustomerRef != "" && tx.CustomerRef != q.CustomerRef {
				continue
			}
			matched = append(matched, *cloneTransaction(tx))
		}
		s.mu.RUnlock()

		slices.SortFunc(matched, func(a, b domain.Transaction) int {
			if a.CreatedAt.Equal(b.CreatedAt) {
				return strings.Compare(a.ID, b.ID)
			}
			if a.CreatedAt.Before(b.CreatedAt) {
				return -1
			}
			return 1
		})
		for _, tx := range matched {
			if !yield(tx, nil) {
				return
			}
		}
	}
}

func (s *Store) ListRefunds(_ context.Context, businessID string, from, to time.Time) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refunds := make([]domain.Refund, 0, len(s.refunds[businessID]))
	for _, refund := range s.refunds[businessID] {
		if !inRange(refund.CreatedAt, from, to) {
			continue
		}
		refunds = append(refunds, refund)
	}
	slices.SortFunc(refunds, func(a, b domain.Refund) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return refunds, nil
}

func (s *Store) CreateCustomer(_ context.Context, businessID string, req domain.CustomerCreateRequest) (domain.Customer, error) {
	if strings.TrimSpace(businessID) == "" {
		return domain.Customer{}, fmt.Errorf("business id required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return domain.Customer{}, fmt.Errorf("customer name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.customers[businessID]
	if byID == nil {
		byID = make(map[string]domain.Customer)
		s.customers[businessID] = byID
	}

	now := time.Now().UTC()
	customer := domain.Customer{
		ID:         xid.New("cst"),
		BusinessID: businessID,
		Name:       strings.TrimSpace(req.Name),
		Phone:      strings.TrimSpace(req.Phone),
		Email:      strings.TrimSpace(req.Email),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	byID[customer.ID] = customer
	return customer, nil
}

func (s *Store) GetCustomer(_ context.Context, businessID, customerID string) (domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[businessID][customerID]
	if !ok {
		return domain.Customer{}, fmt.Errorf("customer %s: %w", customerID, store.ErrNotFound)
	}
	return customer, nil
}

func (s *Store) ListCustomers(_ context.Context, businessID, search string) ([]domain.Customer, error) {
	search = strings.ToLower(strings.TrimSpace(search))

	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers[businessID]))
	for _, customer := range s.customers[businessID] {
		if search != "" &&
			!strings.Contains(strings.ToLower(customer.Name), search) &&
			!strings.Contains(customer.Phone, search) {
			continue
		}
		customers = append(customers, customer)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) CreateBusiness(_ context.Context, account domain.BusinessAccount) error {
	if strings.TrimSpace(account.ID) == "" || strings.TrimSpace(account.Name) == "" {
		return fmt.Errorf("business account incomplete")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.idsByName[account.Name]; exists {
		return fmt.Errorf("business %s: %w", account.Name, store.ErrDuplicate)
	}
	s.accountsByID[account.ID] = account
	s.idsByName[account.Name] = account.ID
	return nil
}

func (s *Store) GetBusinessByName(_ context.Context, name string) (domain.BusinessAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idsByName[name]
	if !ok {
		return domain.BusinessAccount{}, store.ErrNotFound
	}
	return s.accountsByID[id], nil
}

// inRange reports whether ts falls in the half-open range [from, to). A zero
// bound is open on that side.
func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && !ts.Before(to) {
		return false
	}
	return true
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dupItems := make([]domain.LineItem, len(src.Items))
	copy(dupItems, src.Items)
	dup.Items = dupItems
	return &dup
}
