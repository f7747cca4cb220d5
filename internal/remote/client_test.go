package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		AccessToken: "token-1",
		Timeout:     2 * time.Second,
		RetryCount:  2,
		PageLimit:   100,
	}, nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestListAcceptsBothShapes(t *testing.T) {
	var bare List[domain.Store]
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"a"},{"id":"b"}]`), &bare))
	assert.Len(t, bare.Items, 2)

	var wrapped List[domain.Store]
	require.NoError(t, json.Unmarshal([]byte(`{"data":[{"id":"a"}],"total":1}`), &wrapped))
	assert.Equal(t, "a", wrapped.Items[0].ID)

	var empty List[domain.Store]
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.Nil(t, empty.Items)

	var bad List[domain.Store]
	assert.Error(t, json.Unmarshal([]byte(`{"items":[]}`), &bad))
}

func TestOneAcceptsBothShapes(t *testing.T) {
	var bare One[domain.Customer]
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1","name":"Ana"}`), &bare))
	assert.Equal(t, "c1", bare.Item.ID)

	var wrapped One[domain.Customer]
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"id":"c2","name":"Budi"}}`), &wrapped))
	assert.Equal(t, "c2", wrapped.Item.ID)
}

func TestListProductsSendsTokenAndLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []domain.Product{{ID: "p1", Name: "Kopi", Price: 500, Stock: 4}},
		})
	})

	products, err := client.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 4, products[0].Stock)
}

func TestListSalesDecodesLegacyTimestamps(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"s1","total":100,"timestamp":"2026-01-02T10:00:00Z"}]`))
	})

	sales, err := client.ListSales(context.Background())
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, 10, sales[0].CreatedAt.Hour())
}

func TestCreateSaleRetriesWithIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sale-1", r.Header.Get("Idempotency-Key"))
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream"})
			return
		}
		var sale domain.Sale
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sale))
		writeJSON(w, http.StatusCreated, sale)
	})

	sale, err := client.CreateSale(context.Background(), domain.Sale{ID: "sale-1", Total: 2360})
	require.NoError(t, err)
	assert.Equal(t, int64(2360), sale.Total)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNonIdempotentWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
	})

	_, err := client.AdjustStock(context.Background(), domain.StockAdjustment{ProductID: "p1", Kind: domain.AdjustAdd, Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, resilience.KindNetwork, resilience.KindOf(err))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClientErrorsAreBusinessWithServerMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "insufficient stock"})
	})

	_, err := client.AdjustStock(context.Background(), domain.StockAdjustment{ProductID: "p1", Kind: domain.AdjustRemove, Quantity: 99})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, resilience.KindBusiness, resilience.KindOf(err))

	e, ok := resilience.As(err)
	require.True(t, ok)
	assert.Equal(t, "insufficient stock", e.Message())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}

func TestUnauthorizedIsHighSeverity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token expired"})
	})

	_, err := client.ListCustomers(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, resilience.SeverityHigh, resilience.SeverityOf(err))
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	client := NewClient(Config{BaseURL: baseURL, Timeout: time.Second}, nil)
	_, err := client.ListCredits(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, resilience.KindNetwork, resilience.KindOf(err))
}

func TestCanceledRequestKeepsCancellationCause(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListStores(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAddCreditPaymentPath(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/credits/c%201/payments", r.URL.EscapedPath())
		writeJSON(w, http.StatusOK, map[string]any{"data": domain.Credit{ID: "c 1", OriginalAmount: 10000, RemainingAmount: 6000}})
	})

	credit, err := client.AddCreditPayment(context.Background(), "c 1", domain.CreditPayment{Amount: 4000})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), credit.RemainingAmount)
}
