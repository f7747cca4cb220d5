package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/analytics"
	"kasirinaja/terminal/internal/auth"
	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/reconcile"
	"kasirinaja/terminal/internal/remote/memory"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/session"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	mieID      = "main-store-sku-mie-01"
)

var (
	admin   = domain.User{ID: "u-admin", Username: "admin", Role: domain.RoleAdmin}
	cashier = domain.User{ID: "u-kasir", Username: "kasir1", Role: domain.RoleCashier, AssignedStoreID: "main-store"}
)

type testServer struct {
	handler      http.Handler
	api          *memory.API
	catalog      *reconcile.Store
	errors       *resilience.Handler
	adminToken   string
	cashierToken string
}

// newTestServer wires the real stores over an in-memory cache and remote API
// so handler tests exercise the complete request path.
func newTestServer(t *testing.T) testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewSync(reg)
	inbox := resilience.NewInbox(10)
	handler := resilience.NewHandler(resilience.Options{Notifier: inbox, Confirmer: inbox, Metrics: m})
	cm := cache.NewManager(cache.NewMemory(0), cache.Config{Namespace: "t", Backoff: time.Millisecond, Metrics: m, Reporter: handler})

	remoteAPI := memory.NewSeeded()
	catalog := reconcile.New(cm, remoteAPI, reconcile.Options{DefaultStoreID: "main-store", Reporter: handler, Metrics: m})
	register := session.New(cm, catalog, session.Options{TerminalID: "T01", TaxRate: decimal.RequireFromString("0.18"), Metrics: m})

	pinHash, err := auth.HashPIN("482915")
	require.NoError(t, err)
	svc := service.New(catalog, register, analytics.NewEngine(cm, time.Minute), service.Options{
		Reporter: handler,
		PIN:      auth.NewPINChecker(pinHash),
	})
	require.NoError(t, svc.Start(service.WithUser(context.Background(), admin), admin))

	verifier := auth.NewVerifier(testSecret)
	api := New(svc, Options{
		Verifier: verifier,
		Errors:   handler,
		Inbox:    inbox,
		Cache:    cm,
		Gatherer: reg,
	})

	adminToken, err := verifier.Sign(admin, time.Now().Add(time.Hour))
	require.NoError(t, err)
	cashierToken, err := verifier.Sign(cashier, time.Now().Add(time.Hour))
	require.NoError(t, err)

	return testServer{
		handler:      api.Handler(),
		api:          remoteAPI,
		catalog:      catalog,
		errors:       handler,
		adminToken:   adminToken,
		cashierToken: cashierToken,
	}
}

func (s testServer) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "T01", body["terminal"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAPIRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/products", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/products", s.cashierToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Products []domain.Product `json:"products"`
	}](t, rec)
	assert.Len(t, body.Products, 10)
}

func TestCashierCannotEditCatalog(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/products", s.cashierToken, domain.Product{Name: "Roti", Price: 5000})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCashierRestrictedToAssignedStore(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/v1/store", s.cashierToken, map[string]string{"storeId": "north-store"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "main-store", s.catalog.CurrentStoreID())

	rec = s.do(t, http.MethodPut, "/api/v1/store", s.adminToken, map[string]string{"storeId": "north-store"})

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "north-store", s.catalog.CurrentStoreID())
}

func TestSaleFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/session", s.cashierToken, map[string]int64{"initialAmount": 50000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/cart/items", s.cashierToken, map[string]any{"productId": mieID, "quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cart := decode[struct {
		Totals domain.Totals `json:"totals"`
	}](t, rec)
	assert.Equal(t, int64(4130), cart.Totals.Total)

	rec = s.do(t, http.MethodPost, "/api/v1/checkout", s.cashierToken, map[string]any{"method": "cash", "amountReceived": 5000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decode[service.CheckoutResult](t, rec)
	assert.Equal(t, int64(870), result.Change)
	assert.Equal(t, "kasir1", result.Sale.Operator)

	rec = s.do(t, http.MethodGet, "/api/v1/sales", s.cashierToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sales := decode[struct {
		Sales []domain.Sale `json:"sales"`
	}](t, rec)
	require.Len(t, sales.Sales, 1)
	assert.Equal(t, result.Sale.ID, sales.Sales[0].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/reports/daily", s.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	daily := decode[struct {
		Report domain.SalesSummary `json:"report"`
	}](t, rec)
	assert.Equal(t, 1, daily.Report.SalesCount)

	rec = s.do(t, http.MethodPost, "/api/v1/session/close", s.cashierToken, map[string]any{"actualCash": 54130})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closing := decode[struct {
		Report domain.ClosingReport `json:"report"`
	}](t, rec)
	assert.Equal(t, int64(54130), closing.Report.ExpectedCash)
	assert.Zero(t, closing.Report.Difference)

	rec = s.do(t, http.MethodGet, "/api/v1/session/reports", s.cashierToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decode[struct {
		Reports []domain.ClosingReport `json:"reports"`
	}](t, rec)
	require.Len(t, reports.Reports, 1)
	assert.Empty(t, reports.Reports[0].Operations)

	rec = s.do(t, http.MethodGet, "/api/v1/session/reports/"+closing.Report.Session.ID+"/operations", s.cashierToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ops := decode[struct {
		Operations []domain.SessionOperation `json:"operations"`
	}](t, rec)
	require.Len(t, ops.Operations, 3)
	assert.Equal(t, domain.OperationClosing, ops.Operations[2].Type)
}

func TestCheckoutErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/cart/items", s.cashierToken, map[string]any{"productId": mieID, "quantity": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/checkout", s.cashierToken, map[string]any{"method": "cash", "amountReceived": 5000})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, string(resilience.KindBusiness), body["kind"])

	rec = s.do(t, http.MethodPost, "/api/v1/session", s.cashierToken, map[string]int64{"initialAmount": 0})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/cart/items", s.cashierToken, map[string]any{"productId": mieID, "quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/checkout", s.cashierToken, map[string]any{"method": "cash", "amountReceived": 1000})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/checkout", s.cashierToken, map[string]any{"method": "cash", "tip": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutWhileServerUnreachableIsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.api.SetOffline(true)

	s.do(t, http.MethodPost, "/api/v1/session", s.cashierToken, map[string]int64{"initialAmount": 0})
	s.do(t, http.MethodPost, "/api/v1/cart/items", s.cashierToken, map[string]any{"productId": mieID, "quantity": 1})
	rec := s.do(t, http.MethodPost, "/api/v1/checkout", s.cashierToken, map[string]any{"method": "card"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	result := decode[service.CheckoutResult](t, rec)
	assert.True(t, result.Pending)

	rec = s.do(t, http.MethodGet, "/api/v1/sync", s.cashierToken, nil)
	status := decode[struct {
		Pending []domain.Sale `json:"pending"`
	}](t, rec)
	assert.Len(t, status.Pending, 1)
}

func TestCatalogEditsNeedConnection(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.catalog.SetOnline(context.Background(), false))

	rec := s.do(t, http.MethodPost, "/api/v1/products", s.adminToken, domain.Product{Name: "Roti Tawar", SKU: "sku-roti", Price: 15000})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, string(resilience.KindNetwork), body["kind"])
}

func TestAdjustStockOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/products/"+mieID+"/stock", s.adminToken, map[string]any{"kind": "add", "quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stock, _ := s.catalog.StockOf(mieID)
	assert.Equal(t, 125, stock)

	rec = s.do(t, http.MethodPost, "/api/v1/products/"+mieID+"/stock", s.adminToken, map[string]any{"kind": "shrink", "quantity": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/products/missing/stock", s.adminToken, map[string]any{"kind": "add", "quantity": 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReturnNeedsManagerPIN(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/session", s.cashierToken, map[string]int64{"initialAmount": 0})
	s.do(t, http.MethodPost, "/api/v1/cart/items", s.cashierToken, map[string]any{"productId": mieID, "quantity": 2})
	rec := s.do(t, http.MethodPost, "/api/v1/checkout", s.cashierToken, map[string]any{"method": "card"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sale := decode[service.CheckoutResult](t, rec).Sale

	req := map[string]any{"saleId": sale.ID, "productId": mieID, "quantity": 1, "refundAmount": 3500, "managerPin": "000000"}
	rec = s.do(t, http.MethodPost, "/api/v1/returns", s.cashierToken, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req["managerPin"] = "482915"
	rec = s.do(t, http.MethodPost, "/api/v1/returns", s.cashierToken, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stock, _ := s.catalog.StockOf(mieID)
	assert.Equal(t, 119, stock)
}

func TestNotificationsDrain(t *testing.T) {
	s := newTestServer(t)
	s.errors.Handle(context.Background(), resilience.Wrap(resilience.KindNetwork, errors.New("dial tcp: refused"), "server unreachable"), nil)

	rec := s.do(t, http.MethodGet, "/api/v1/notifications", s.cashierToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Notifications []resilience.Notification `json:"notifications"`
	}](t, rec)
	require.Len(t, body.Notifications, 1)
	assert.Equal(t, "Connection problem. Working offline.", body.Notifications[0].Message)

	rec = s.do(t, http.MethodGet, "/api/v1/notifications", s.cashierToken, nil)
	body = decode[struct {
		Notifications []resilience.Notification `json:"notifications"`
	}](t, rec)
	assert.Empty(t, body.Notifications)
}

func TestDiagnosticsForManagers(t *testing.T) {
	s := newTestServer(t)
	s.errors.Handle(context.Background(), resilience.New(resilience.KindBusiness, "insufficient stock"), nil)

	rec := s.do(t, http.MethodGet, "/api/v1/diagnostics/errors", s.cashierToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/diagnostics/errors", s.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Records   []resilience.Record `json:"records"`
		Persisted []resilience.Record `json:"persisted"`
	}](t, rec)
	require.Len(t, body.Records, 1)
	assert.Equal(t, resilience.KindBusiness, body.Records[0].Kind)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kasir_pending_sales")
}
