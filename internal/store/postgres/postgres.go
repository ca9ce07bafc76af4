package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// Store backs the ledger, transaction store and account store with
// PostgreSQL. Line items travel as JSONB since they are immutable snapshots
// and never queried per row.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProduct(ctx context.Context, businessID string, req domain.ProductCreateRequest) (domain.Product, error) {
	if strings.TrimSpace(businessID) == "" || strings.TrimSpace(req.Name) == "" {
		return domain.Product{}, fmt.Errorf("business id and product name required")
	}
	if req.PriceCents < 0 || req.InitialStock < 0 {
		return domain.Product{}, fmt.Errorf("price and initial stock must be non-negative")
	}

	product := domain.Product{
		ID:         xid.New("prd"),
		BusinessID: businessID,
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   strings.TrimSpace(req.Category),
		PriceCents: req.PriceCents,
		StockQty:   req.InitialStock,
		Active:     true,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, business_id, sku, name, category, price_cents, stock_qty, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		RETURNING created_at, updated_at
	`, product.ID, businessID, nullIfEmpty(req.SKU), req.Name, nullIfEmpty(product.Category), req.PriceCents, req.InitialStock, true).
		Scan(&product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, fmt.Errorf("sku %s: %w", req.SKU, store.ErrDuplicate)
		}
		return domain.Product{}, err
	}
	return product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, businessID, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return domain.Product{}, fmt.Errorf("product name required")
	}
	if req.PriceCents != nil && *req.PriceCents < 0 {
		return domain.Product{}, fmt.Errorf("price must be non-negative")
	}

	var product domain.Product
	var sku, category sql.NullString
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = COALESCE($3, name),
		    category = COALESCE($4, category),
		    price_cents = COALESCE($5, price_cents),
		    active = COALESCE($6, active),
		    updated_at = now()
		WHERE business_id = $1 AND id = $2
		RETURNING id, business_id, sku, name, category, price_cents, stock_qty, active, created_at, updated_at
	`, businessID, productID, req.Name, req.Category, req.PriceCents, req.Active).
		Scan(&product.ID, &product.BusinessID, &sku, &product.Name, &category, &product.PriceCents, &product.StockQty, &product.Active, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, store.ErrUnknownProduct
		}
		return domain.Product{}, err
	}
	product.SKU = sku.String
	product.Category = category.String
	return product, nil
}

func (s *Store) ArchiveProduct(ctx context.Context, businessID, productID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET active = false, updated_at = now()
		WHERE business_id = $1 AND id = $2
	`, businessID, productID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrUnknownProduct
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, businessID, productID string) (domain.Product, error) {
	var product domain.Product
	var sku, category sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, sku, name, category, price_cents, stock_qty, active, created_at, updated_at
		FROM products
		WHERE business_id = $1 AND id = $2
	`, businessID, productID).
		Scan(&product.ID, &product.BusinessID, &sku, &product.Name, &category, &product.PriceCents, &product.StockQty, &product.Active, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, store.ErrUnknownProduct
		}
		return domain.Product{}, err
	}
	product.SKU = sku.String
	product.Category = category.String
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, businessID string, includeArchived bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, sku, name, category, price_cents, stock_qty, active, created_at, updated_at
		FROM products
		WHERE business_id = $1 AND (active = true OR $2)
		ORDER BY name, id
	`, businessID, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var product domain.Product
		var sku, category sql.NullString
		if err := rows.Scan(&product.ID, &product.BusinessID, &sku, &product.Name, &category, &product.PriceCents, &product.StockQty, &product.Active, &product.CreatedAt, &product.UpdatedAt); err != nil {
			return nil, err
		}
		product.SKU = sku.String
		product.Category = category.String
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// ReserveStock is a single conditional UPDATE. The row-level lock Postgres
// takes for the statement serializes concurrent reservations per product
// without any lock held on the application side.
func (s *Store) ReserveStock(ctx context.Context, businessID, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("reserve qty must be positive")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $3, updated_at = now()
		WHERE business_id = $1 AND id = $2 AND active = true AND stock_qty >= $3
	`, businessID, productID, qty)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var active bool
	err = s.db.QueryRowContext(ctx, `
		SELECT active FROM products WHERE business_id = $1 AND id = $2
	`, businessID, productID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("product %s: %w", productID, store.ErrUnknownProduct)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
}

func (s *Store) RestoreStock(ctx context.Context, businessID, productID string, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("restore qty must be positive")
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $3, updated_at = now()
		WHERE business_id = $1 AND id = $2
	`, businessID, productID, qty)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("product %s: %w", productID, store.ErrUnknownProduct)
	}
	return nil
}

func (s *Store) CommitSale(ctx context.Context, businessID string, tx domain.Transaction) error {
	if strings.TrimSpace(tx.ID) == "" || len(tx.Items) == 0 {
		return fmt.Errorf("transaction incomplete")
	}
	if err := store.ValidateSaleTotals(tx); err != nil {
		return err
	}

	items, err := json.Marshal(tx.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, business_id, items, total_cents, payment_method, customer_ref, status, refunded_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, tx.ID, businessID, items, tx.TotalCents, tx.PaymentMethod, nullIfEmpty(tx.CustomerRef), tx.Status, tx.RefundedCents, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

// CommitRefund runs under a serializable transaction with the row locked so
// concurrent refunds against the same sale cannot both pass the balance check.
func (s *Store) CommitRefund(ctx context.Context, businessID string, refund domain.Refund) error {
	if refund.AmountCents <= 0 {
		return fmt.Errorf("refund amount must be positive")
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var totalCents, refundedCents int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT total_cents, refunded_cents
		FROM transactions
		WHERE business_id = $1 AND id = $2
		FOR UPDATE
	`, businessID, refund.TransactionID).Scan(&totalCents, &refundedCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", refund.TransactionID, store.ErrNotFound)
		}
		return err
	}

	remaining := totalCents - refundedCents
	if refund.AmountCents > remaining {
		return fmt.Errorf("transaction %s: %w", refund.TransactionID, store.ErrRefundExceedsBalance)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO refunds (id, business_id, transaction_id, amount_cents, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, refund.ID, businessID, refund.TransactionID, refund.AmountCents, nullIfEmpty(refund.Reason), refund.CreatedAt)
	if err != nil {
		return err
	}

	nextStatus := domain.TxStatusPartiallyRefunded
	if refundedCents+refund.AmountCents >= totalCents {
		nextStatus = domain.TxStatusRefunded
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET refunded_cents = refunded_cents + $3, status = $4
		WHERE business_id = $1 AND id = $2
	`, businessID, refund.TransactionID, refund.AmountCents, nextStatus)
	if err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) GetTransaction(ctx context.Context, businessID, id string) (domain.Transaction, error) {
	var tx domain.Transaction
	var items []byte
	var customerRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, items, total_cents, payment_method, customer_ref, status, refunded_cents, created_at
		FROM transactions
		WHERE business_id = $1 AND id = $2
	`, businessID, id).
		Scan(&tx.ID, &tx.BusinessID, &items, &tx.TotalCents, &tx.PaymentMethod, &customerRef, &tx.Status, &tx.RefundedCents, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
		}
		return domain.Transaction{}, err
	}
	if err := json.Unmarshal(items, &tx.Items); err != nil {
		return domain.Transaction{}, err
	}
	tx.CustomerRef = customerRef.String
	return tx, nil
}

// QueryTransactions streams rows in created_at order. Each range over the
// returned sequence issues a fresh query, so restarts observe current state.
func (s *Store) QueryTransactions(ctx context.Context, businessID string, q domain.TransactionQuery) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, business_id, items, total_cents, payment_method, customer_ref, status, refunded_cents, created_at
			FROM transactions
			WHERE business_id = $1
			  AND ($2::timestamptz IS NULL OR created_at >= $2)
			  AND ($3::timestamptz IS NULL OR created_at < $3)
			  AND ($4::text IS NULL OR payment_method = $4)
			  AND ($5::text IS NULL OR customer_ref = $5)
			ORDER BY created_at, id
		`, businessID, nullTime(q.From), nullTime(q.To), nullIfEmpty(q.PaymentMethod), nullIfEmpty(q.CustomerRef))
		if err != nil {
			yield(domain.Transaction{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var tx domain.Transaction
			var items []byte
			var customerRef sql.NullString
			if err := rows.Scan(&tx.ID, &tx.BusinessID, &items, &tx.TotalCents, &tx.PaymentMethod, &customerRef, &tx.Status, &tx.RefundedCents, &tx.CreatedAt); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			if err := json.Unmarshal(items, &tx.Items); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			tx.CustomerRef = customerRef.String
			if !yield(tx, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Transaction{}, err)
		}
	}
}

func (s *Store) ListRefunds(ctx context.Context, businessID string, from, to time.Time) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, transaction_id, amount_cents, reason, created_at
		FROM refunds
		WHERE business_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at, id
	`, businessID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 32)
	for rows.Next() {
		var refund domain.Refund
		var reason sql.NullString
		if err := rows.Scan(&refund.ID, &refund.BusinessID, &refund.TransactionID, &refund.AmountCents, &reason, &refund.CreatedAt); err != nil {
			return nil, err
		}
		refund.Reason = reason.String
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refunds, nil
}

func (s *Store) CreateCustomer(ctx context.Context, businessID string, req domain.CustomerCreateRequest) (domain.Customer, error) {
	if strings.TrimSpace(businessID) == "" || strings.TrimSpace(req.Name) == "" {
		return domain.Customer{}, fmt.Errorf("business id and customer name required")
	}

	customer := domain.Customer{
		ID:         xid.New("cst"),
		BusinessID: businessID,
		Name:       strings.TrimSpace(req.Name),
		Phone:      strings.TrimSpace(req.Phone),
		Email:      strings.TrimSpace(req.Email),
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, business_id, name, phone, email, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		RETURNING created_at, updated_at
	`, customer.ID, businessID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email)).
		Scan(&customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, businessID, customerID string) (domain.Customer, error) {
	var customer domain.Customer
	var phone, email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, name, phone, email, created_at, updated_at
		FROM customers
		WHERE business_id = $1 AND id = $2
	`, businessID, customerID).
		Scan(&customer.ID, &customer.BusinessID, &customer.Name, &phone, &email, &customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, fmt.Errorf("customer %s: %w", customerID, store.ErrNotFound)
		}
		return domain.Customer{}, err
	}
	customer.Phone = phone.String
	customer.Email = email.String
	return customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, businessID, search string) ([]domain.Customer, error) {
	search = strings.TrimSpace(search)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, name, phone, email, created_at, updated_at
		FROM customers
		WHERE business_id = $1
		  AND ($2::text IS NULL OR name ILIKE '%' || $2 || '%' OR phone LIKE '%' || $2 || '%')
		ORDER BY name, id
	`, businessID, nullIfEmpty(search))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		var customer domain.Customer
		var phone, email sql.NullString
		if err := rows.Scan(&customer.ID, &customer.BusinessID, &customer.Name, &phone, &email, &customer.CreatedAt, &customer.UpdatedAt); err != nil {
			return nil, err
		}
		customer.Phone = phone.String
		customer.Email = email.String
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreateBusiness(ctx context.Context, account domain.BusinessAccount) error {
	if strings.TrimSpace(account.ID) == "" || strings.TrimSpace(account.Name) == "" {
		return fmt.Errorf("business account incomplete")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO businesses (id, name, pin_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, account.ID, account.Name, account.PINHash, account.Role, account.Active, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("business %s: %w", account.Name, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *Store) GetBusinessByName(ctx context.Context, name string) (domain.BusinessAccount, error) {
	var account domain.BusinessAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, pin_hash, role, active, created_at
		FROM businesses
		WHERE name = $1
	`, name).Scan(&account.ID, &account.Name, &account.PINHash, &account.Role, &account.Active, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BusinessAccount{}, store.ErrNotFound
		}
		return domain.BusinessAccount{}, err
	}
	return account, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
