package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()

	mem := memory.New()
	svc := service.New(mem, mem, mem, nil, time.Second, service.RestockFullRefundOnly)
	auth := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, mem)
	if _, err := auth.Register(context.Background(), "warung-kopi", "739154"); err != nil {
		t.Fatalf("register test business: %v", err)
	}

	api := New(svc, auth, "*")
	return api, api.Handler()
}

// mustHashPIN generates a bcrypt hash of the given PIN or fails the test.
func mustHashPIN(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"business": "warung-kopi",
		"pin":      "739154",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/auth/csrf-token", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token fetch failed: %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

func TestHandleHealth(t *testing.T) {
	_, handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginRejectsWrongPIN(t *testing.T) {
	_, handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"business": "warung-kopi",
		"pin":      "000001",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSalesRequireBearerToken(t *testing.T) {
	_, handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", "", csrfToken(t, handler), map[string]any{
		"lines":          []map[string]any{{"product_id": "prd-1", "quantity": 1}},
		"payment_method": "cash",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMutatingRequestsRequireCSRFToken(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, "", map[string]any{
		"name":          "Coffee",
		"price_cents":   500,
		"initial_stock": 10,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestSaleRefundReportFlow(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler)
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, csrf, map[string]any{
		"name":          "Coffee",
		"price_cents":   500,
		"initial_stock": 10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d (%s)", rec.Code, rec.Body.String())
	}
	var createBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&createBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	productID := createBody.Product.ID

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"lines":          []map[string]any{{"product_id": productID, "quantity": 3}},
		"payment_method": "cash",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale: %d (%s)", rec.Code, rec.Body.String())
	}
	var saleBody struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&saleBody); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if saleBody.Transaction.TotalCents != 1500 {
		t.Fatalf("expected total 1500, got %d", saleBody.Transaction.TotalCents)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/refunds", token, csrf, map[string]any{
		"transaction_id": saleBody.Transaction.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/transactions/"+saleBody.Transaction.ID, token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get transaction: %d", rec.Code)
	}
	var getBody struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&getBody); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if getBody.Transaction.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded status, got %s", getBody.Transaction.Status)
	}

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/v1/reports/summary?from=%s&to=%s", from, to), token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d (%s)", rec.Code, rec.Body.String())
	}
	var reportBody struct {
		Report domain.AggregateReport `json:"report"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&reportBody); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if reportBody.Report.RevenueCents != 1500 || reportBody.Report.RefundedCents != 1500 || reportBody.Report.NetRevenueCents != 0 {
		t.Fatalf("unexpected report: %+v", reportBody.Report)
	}
}

func TestSaleInsufficientStockIsConflict(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler)
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, csrf, map[string]any{
		"name":          "Tea",
		"price_cents":   900,
		"initial_stock": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: %d", rec.Code)
	}
	var createBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&createBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"lines":          []map[string]any{{"product_id": createBody.Product.ID, "quantity": 5}},
		"payment_method": "cash",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCustomerDirectoryFlow(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler)
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/customers", token, csrf, map[string]any{
		"name":  "Budi Santoso",
		"phone": "0812-1111-2222",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create customer: %d (%s)", rec.Code, rec.Body.String())
	}
	var createBody struct {
		Customer domain.Customer `json:"customer"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&createBody); err != nil {
		t.Fatalf("decode customer: %v", err)
	}
	customerID := createBody.Customer.ID

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", token, csrf, map[string]any{
		"name":          "Coffee",
		"price_cents":   500,
		"initial_stock": 10,
	})
	var productBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&productBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"lines":          []map[string]any{{"product_id": productBody.Product.ID, "quantity": 2}},
		"payment_method": "cash",
		"customer_ref":   customerID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sale: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/customers?search=budi", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search customers: %d", rec.Code)
	}
	var listBody struct {
		Customers []domain.Customer `json:"customers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Customers) != 1 || listBody.Customers[0].ID != customerID {
		t.Fatalf("search must find the customer, got %+v", listBody.Customers)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/customers/"+customerID+"/summary", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: %d (%s)", rec.Code, rec.Body.String())
	}
	var summaryBody struct {
		Summary domain.CustomerSummary `json:"summary"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&summaryBody); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summaryBody.Summary.TransactionCount != 1 || summaryBody.Summary.TotalSpentCents != 1000 {
		t.Fatalf("unexpected summary: %+v", summaryBody.Summary)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/customers/cst-missing", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown customer, got %d", rec.Code)
	}
}

func TestReportSummaryHonorsPaymentFilter(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler)
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, csrf, map[string]any{
		"name":          "Coffee",
		"price_cents":   500,
		"initial_stock": 10,
	})
	var productBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&productBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	for _, method := range []string{"cash", "card"} {
		rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
			"lines":          []map[string]any{{"product_id": productBody.Product.ID, "quantity": 1}},
			"payment_method": method,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("sale via %s: %d", method, rec.Code)
		}
	}

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec = doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/api/v1/reports/summary?from=%s&to=%s&payment_method=card", from, to), token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d (%s)", rec.Code, rec.Body.String())
	}
	var reportBody struct {
		Report domain.AggregateReport `json:"report"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&reportBody); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if reportBody.Report.RevenueCents != 500 || reportBody.Report.TransactionCount != 1 {
		t.Fatalf("payment filter not applied: %+v", reportBody.Report)
	}
	if reportBody.Report.PaymentMethod != domain.PaymentCard {
		t.Fatalf("report must echo its filter, got %q", reportBody.Report.PaymentMethod)
	}
}

func TestTransactionListFiltersByPaymentMethod(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler)
	csrf := csrfToken(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", token, csrf, map[string]any{
		"name":          "Coffee",
		"price_cents":   500,
		"initial_stock": 10,
	})
	var createBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&createBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}

	for _, method := range []string{"cash", "card", "cash"} {
		rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
			"lines":          []map[string]any{{"product_id": createBody.Product.ID, "quantity": 1}},
			"payment_method": method,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("sale via %s: %d", method, rec.Code)
		}
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/transactions?payment_method=cash", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list transactions: %d", rec.Code)
	}
	var listBody struct {
		Transactions []domain.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Transactions) != 2 {
		t.Fatalf("expected 2 cash transactions, got %d", len(listBody.Transactions))
	}
	for _, tx := range listBody.Transactions {
		if tx.PaymentMethod != domain.PaymentCash {
			t.Fatalf("filter leaked %s transaction", tx.PaymentMethod)
		}
	}
}
