package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/resilience"
)

const mieID = "main-store-sku-mie-01"

func sale(id string, qty int) domain.Sale {
	return domain.Sale{
		ID:        id,
		StoreID:   "main-store",
		Items:     []domain.SaleLine{{ProductID: mieID, Name: "Mie Goreng Instan", UnitPrice: 3500, Quantity: qty, LineTotal: 3500 * int64(qty)}},
		Total:     3500 * int64(qty),
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateSaleIsIdempotentByID(t *testing.T) {
	api := NewSeeded()
	ctx := context.Background()

	_, err := api.CreateSale(ctx, sale("sale-1", 3))
	require.NoError(t, err)
	_, err = api.CreateSale(ctx, sale("sale-1", 3))
	require.NoError(t, err)

	product, _ := api.Product(mieID)
	assert.Equal(t, 117, product.Stock)
	sales, err := api.ListSales(ctx)
	require.NoError(t, err)
	assert.Len(t, sales, 1)
	assert.Equal(t, domain.SaleCompleted, sales[0].Status)
}

func TestCreateSaleRejectsOversell(t *testing.T) {
	api := NewSeeded()

	_, err := api.CreateSale(context.Background(), sale("sale-1", 500))

	require.ErrorIs(t, err, remote.ErrRejected)
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, resilience.KindBusiness, resilience.KindOf(err))
	product, _ := api.Product(mieID)
	assert.Equal(t, 120, product.Stock)
}

func TestOfflineFailsWithNetworkKind(t *testing.T) {
	api := NewSeeded()
	api.SetOffline(true)

	_, err := api.ListProducts(context.Background())

	require.ErrorIs(t, err, remote.ErrUnreachable)
	assert.Equal(t, resilience.KindNetwork, resilience.KindOf(err))
	assert.Equal(t, 1, api.Calls("ListProducts"))

	api.SetOffline(false)
	products, err := api.ListProducts(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, 20)
}

func TestFailNextAppliesOnce(t *testing.T) {
	api := NewSeeded()
	boom := errors.New("boom")
	api.FailNext("Ping", boom)

	require.ErrorIs(t, api.Ping(context.Background()), boom)
	require.NoError(t, api.Ping(context.Background()))
}

func TestAdjustStockNeverNegative(t *testing.T) {
	api := NewSeeded()
	ctx := context.Background()

	_, err := api.AdjustStock(ctx, domain.StockAdjustment{ProductID: mieID, Kind: domain.AdjustRemove, Quantity: 121})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = api.AdjustStock(ctx, domain.StockAdjustment{ProductID: mieID, Kind: domain.AdjustCount, Quantity: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)

	product, err := api.AdjustStock(ctx, domain.StockAdjustment{ProductID: mieID, Kind: domain.AdjustCount, Quantity: 40})
	require.NoError(t, err)
	assert.Equal(t, 40, product.Stock)
}

func TestTransferMovesStockToMatchingSKU(t *testing.T) {
	api := NewSeeded()
	ctx := context.Background()
	transfer := domain.Transfer{ID: "trf-1", ProductID: mieID, FromStoreID: "main-store", ToStoreID: "north-store", Quantity: 15}

	_, err := api.CreateTransfer(ctx, transfer)
	require.NoError(t, err)
	_, err = api.CreateTransfer(ctx, transfer)
	require.NoError(t, err)

	source, _ := api.Product(mieID)
	target, _ := api.Product("north-store-sku-mie-01")
	assert.Equal(t, 105, source.Stock)
	assert.Equal(t, 45, target.Stock)
}

func TestCreditsListedWithoutDerivedFields(t *testing.T) {
	api := NewSeeded()

	credits, err := api.ListCredits(context.Background())

	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Zero(t, credits[0].RemainingAmount)
	assert.Empty(t, credits[0].Status)
	assert.Equal(t, "cust-andi", credits[0].CustomerID)
}
