package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/analytics"
	"kasirinaja/terminal/internal/auth"
	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/reconcile"
	"kasirinaja/terminal/internal/remote/memory"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/session"
)

const mieID = "main-store-sku-mie-01"

var admin = domain.User{ID: "u-admin", Username: "admin", Role: domain.RoleAdmin}

type fixture struct {
	ctx      context.Context
	svc      *Service
	api      *memory.API
	catalog  *reconcile.Store
	register *session.Store
	handler  *resilience.Handler
}

func newFixture(t *testing.T, pinHash string) fixture {
	t.Helper()
	cm := cache.NewManager(cache.NewMemory(0), cache.Config{Namespace: "t", Backoff: time.Millisecond})
	handler := resilience.NewHandler(resilience.Options{})
	api := memory.NewSeeded()
	catalog := reconcile.New(cm, api, reconcile.Options{DefaultStoreID: "main-store", Reporter: handler})
	register := session.New(cm, catalog, session.Options{TerminalID: "T01", TaxRate: decimal.RequireFromString("0.18")})
	svc := New(catalog, register, analytics.NewEngine(cm, time.Minute), Options{
		Reporter: handler,
		PIN:      auth.NewPINChecker(pinHash),
	})

	ctx := WithUser(context.Background(), admin)
	require.NoError(t, svc.Start(ctx, admin))
	return fixture{ctx: ctx, svc: svc, api: api, catalog: catalog, register: register, handler: handler}
}

func (f fixture) sell(t *testing.T, qty int, req CheckoutRequest) CheckoutResult {
	t.Helper()
	require.NoError(t, f.svc.AddToCart(f.ctx, mieID, qty))
	result, err := f.svc.Checkout(f.ctx, req)
	require.NoError(t, err)
	return result
}

func TestCheckoutRecordsSaleInBothStores(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.OpenSession(f.ctx, 50000)
	require.NoError(t, err)

	result := f.sell(t, 2, CheckoutRequest{Method: domain.PaymentCash, AmountReceived: 10000})

	assert.Equal(t, int64(8260), result.Sale.Total)
	assert.Equal(t, int64(1740), result.Change)
	assert.False(t, result.Pending)
	assert.Empty(t, result.SyncError)
	assert.Equal(t, "admin", result.Sale.Operator)

	stock, _ := f.catalog.StockOf(mieID)
	assert.Equal(t, 118, stock)
	server, _ := f.api.Product(mieID)
	assert.Equal(t, 118, server.Stock)
	assert.Equal(t, 1, f.api.Calls("CreateSale"))

	history := f.register.History()
	require.Len(t, history, 1)
	assert.Equal(t, result.Sale.ID, history[0].ID)
	require.Len(t, f.catalog.AllSales(), 1)
}

func TestCheckoutRequiresOpenSession(t *testing.T) {
	f := newFixture(t, "")
	err := f.svc.AddToCart(f.ctx, mieID, 1)
	require.ErrorIs(t, err, session.ErrNoOpenSession)

	_, err = f.svc.Checkout(f.ctx, CheckoutRequest{Method: domain.PaymentCash, AmountReceived: 10000})
	require.ErrorIs(t, err, session.ErrNoOpenSession)
	assert.Zero(t, f.api.Calls("CreateSale"))

	err = f.svc.AddToCart(f.ctx, "north-store-sku-mie-01", 1)
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestOfflineCheckoutIsQueuedAndDeliveredLater(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.OpenSession(f.ctx, 0)
	require.NoError(t, err)

	f.api.SetOffline(true)
	require.NoError(t, f.catalog.SetOnline(f.ctx, false))
	result := f.sell(t, 1, CheckoutRequest{Method: domain.PaymentCard})
	assert.True(t, result.Pending)
	assert.Empty(t, result.SyncError)

	f.api.SetOffline(false)
	require.NoError(t, f.catalog.SetOnline(f.ctx, true))
	assert.False(t, f.catalog.IsPending(result.Sale.ID))
	server, _ := f.api.Product(mieID)
	assert.Equal(t, 119, server.Stock)
}

func TestServerRejectionDoesNotUndoCommittedSale(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.OpenSession(f.ctx, 0)
	require.NoError(t, err)

	soldOut, _ := f.api.Product(mieID)
	soldOut.Stock = 0
	f.api.PutProduct(soldOut)

	result := f.sell(t, 1, CheckoutRequest{Method: domain.PaymentCash, AmountReceived: 5000})
	assert.Contains(t, result.SyncError, "insufficient stock")
	assert.False(t, result.Pending)
	assert.Empty(t, f.register.Cart())

	records := f.handler.Records()
	require.NotEmpty(t, records)
	assert.Equal(t, resilience.KindBusiness, records[len(records)-1].Kind)
	assert.Equal(t, result.Sale.ID, records[len(records)-1].Context["saleId"])
}

func TestCreditCheckoutGrantsCredit(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.OpenSession(f.ctx, 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.AddToCart(f.ctx, mieID, 1))
	_, err = f.svc.Checkout(f.ctx, CheckoutRequest{Method: domain.PaymentCredit, CustomerID: "walk-in"})
	require.ErrorIs(t, err, session.ErrCustomerRequired)

	result, err := f.svc.Checkout(f.ctx, CheckoutRequest{Method: domain.PaymentCredit, CustomerID: "cust-sari"})
	require.NoError(t, err)

	var granted *domain.Credit
	for _, c := range f.catalog.Credits() {
		if c.SaleID == result.Sale.ID {
			granted = &c
		}
	}
	require.NotNil(t, granted)
	assert.Equal(t, result.Sale.Total, granted.OriginalAmount)
	assert.Equal(t, domain.CreditPending, granted.Status)

	paid, err := f.svc.RecordCreditPayment(f.ctx, granted.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, granted.OriginalAmount-1000, paid.RemainingAmount)
}

func TestReturnRequiresManagerPIN(t *testing.T) {
	hash, err := auth.HashPIN("482915")
	require.NoError(t, err)
	f := newFixture(t, hash)
	_, err = f.svc.OpenSession(f.ctx, 0)
	require.NoError(t, err)
	result := f.sell(t, 2, CheckoutRequest{Method: domain.PaymentCash, AmountReceived: 10000})

	req := ReturnRequest{SaleID: result.Sale.ID, ProductID: mieID, Quantity: 1, RefundAmount: 4130, ManagerPIN: "000000"}
	_, err = f.svc.ProcessReturn(f.ctx, req)
	require.ErrorIs(t, err, ErrManagerApproval)

	req.ManagerPIN = "482915"
	ret, err := f.svc.ProcessReturn(f.ctx, req)
	require.NoError(t, err)
	f.catalog.Wait()
	assert.Equal(t, "admin", ret.ProcessedBy)

	stock, _ := f.catalog.StockOf(mieID)
	assert.Equal(t, 119, stock)
	ops := f.register.Operations()
	assert.Equal(t, domain.OperationReturn, ops[len(ops)-1].Type)
}

func TestAnalyticsPreferRegisterHistory(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.OpenSession(f.ctx, 0)
	require.NoError(t, err)
	result := f.sell(t, 1, CheckoutRequest{Method: domain.PaymentCash, AmountReceived: 5000})

	daily := f.svc.DailySummary(f.ctx, time.Now())
	assert.Equal(t, 1, daily.SalesCount)
	assert.Equal(t, result.Sale.Total, daily.Total)

	totals, ok := f.svc.SessionTotals()
	require.True(t, ok)
	assert.Equal(t, 1, totals.SalesCount)

	extra := domain.Sale{ID: "s-extra", StoreID: "main-store", Total: 1, PaymentMethod: domain.PaymentCard, CreatedAt: time.Now()}
	f.register.ReplaceHistory([]domain.Sale{extra})
	assert.Equal(t, []domain.Sale{extra}, f.svc.SalesHistory())

	f.register.ReplaceHistory(nil)
	assert.Len(t, f.svc.SalesHistory(), 1, "falls back to the catalog")

	top := f.svc.TopProducts(1, 5)
	require.Len(t, top, 1)
	assert.Equal(t, mieID, top[0].ProductID)
}
