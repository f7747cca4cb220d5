package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/xid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
)

// API is an in-process remote API used in demo mode and tests.
type API struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	sales     []domain.Sale
	salesByID map[string]int
	customers map[string]domain.Customer
	credits   map[string]domain.Credit
	stores    []domain.Store
	returns   map[string]domain.ReturnRecord
	transfers map[string]domain.Transfer
	offline   bool
	calls     map[string]int
	failNext  map[string]error
}

var _ remote.API = (*API)(nil)

func New() *API {
	return &API{
		products:  make(map[string]domain.Product),
		salesByID: make(map[string]int),
		customers: make(map[string]domain.Customer),
		credits:   make(map[string]domain.Credit),
		returns:   make(map[string]domain.ReturnRecord),
		transfers: make(map[string]domain.Transfer),
		calls:     make(map[string]int),
		failNext:  make(map[string]error),
	}
}

func NewSeeded() *API {
	api := New()
	api.stores = []domain.Store{
		{ID: "main-store", Name: "Toko Utama", Address: "Jl. Merdeka 1"},
		{ID: "north-store", Name: "Toko Utara", Address: "Jl. Sudirman 88"},
	}

	seed := []struct {
		sku, name, category string
		price, cost         int64
	}{
		{"SKU-MIE-01", "Mie Goreng Instan", "grocery", 3500, 2700},
		{"SKU-TELUR-01", "Telur 10 Butir", "grocery", 26500, 23000},
		{"SKU-SUSU-01", "Susu UHT 1L", "dairy", 18900, 13600},
		{"SKU-ROTI-01", "Roti Tawar", "bakery", 17800, 12500},
		{"SKU-KOPI-01", "Kopi Sachet", "beverage", 2600, 1700},
		{"SKU-GULA-01", "Gula 1kg", "grocery", 17400, 15300},
		{"SKU-TEH-01", "Teh Celup", "beverage", 9800, 7300},
		{"SKU-AIR-01", "Air Mineral 600ml", "beverage", 3900, 3200},
		{"SKU-KERIPIK-01", "Keripik Singkong", "snack", 12800, 8100},
		{"SKU-SABUN-01", "Sabun Mandi", "household", 7400, 5000},
	}
	for _, store := range api.stores {
		for i, s := range seed {
			stock := 120
			if store.ID != "main-store" {
				stock = 30 + i
			}
			id := strings.ToLower(fmt.Sprintf("%s-%s", store.ID, s.sku))
			api.products[id] = domain.Product{
				ID:        id,
				Name:      s.name,
				SKU:       s.sku,
				Category:  s.category,
				Price:     s.price,
				CostPrice: s.cost,
				Stock:     stock,
				MinStock:  20,
				MaxStock:  150,
				StoreID:   store.ID,
			}
		}
	}

	for _, c := range []domain.Customer{
		{ID: "walk-in", Name: "Pelanggan Umum"},
		{ID: "cust-andi", Name: "Andi Wijaya", Phone: "081200000001", CreditLimit: 500000},
		{ID: "cust-sari", Name: "Sari Dewi", Phone: "081200000002", CreditLimit: 250000},
	} {
		api.customers[c.ID] = c
	}
	credit := domain.Credit{
		ID:             "credit-seed-1",
		CustomerID:     "cust-andi",
		OriginalAmount: 10000,
		CreatedAt:      time.Now().UTC().Add(-72 * time.Hour),
	}
	credit.Normalize()
	api.credits[credit.ID] = credit
	return api
}

// SetOffline makes every call fail as if the network were down.
func (a *API) SetOffline(offline bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = offline
}

// FailNext makes the next call to the named method return err.
func (a *API) FailNext(method string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[method] = err
}

// Calls reports how many times the named method was invoked.
func (a *API) Calls(method string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls[method]
}

// PutProduct seeds or overwrites a product without counting a call.
func (a *API) PutProduct(p domain.Product) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.products[p.ID] = p
}

func (a *API) PutCustomer(c domain.Customer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.customers[c.ID] = c
}

func (a *API) PutStore(s domain.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stores = append(a.stores, s)
}

// Product returns the server-side product, for assertions.
func (a *API) Product(id string) (domain.Product, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.products[id]
	return p, ok
}

func (a *API) Returns() []domain.ReturnRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.ReturnRecord, 0, len(a.returns))
	for _, r := range a.returns {
		out = append(out, r)
	}
	slices.SortFunc(out, func(x, y domain.ReturnRecord) int { return strings.Compare(x.ID, y.ID) })
	return out
}

// enter records the call and reports a simulated failure. Callers hold a.mu.
func (a *API) enter(ctx context.Context, method string) error {
	a.calls[method]++
	if err := ctx.Err(); err != nil {
		return resilience.Wrap(resilience.KindNetwork, fmt.Errorf("%w: %w", remote.ErrUnreachable, err), "remote api unreachable")
	}
	if err, ok := a.failNext[method]; ok {
		delete(a.failNext, method)
		return err
	}
	if a.offline {
		return resilience.Wrap(resilience.KindNetwork, remote.ErrUnreachable, "remote api unreachable")
	}
	return nil
}

func rejected(err error, msg string) error {
	return resilience.Wrap(resilience.KindBusiness, fmt.Errorf("%w: %w", remote.ErrRejected, err), msg)
}

func (a *API) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enter(ctx, "Ping")
}

func (a *API) ListProducts(ctx context.Context) ([]domain.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "ListProducts"); err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(a.products))
	for _, p := range a.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y domain.Product) int { return strings.Compare(x.ID, y.ID) })
	return out, nil
}

func (a *API) ListSales(ctx context.Context) ([]domain.Sale, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "ListSales"); err != nil {
		return nil, err
	}
	out := make([]domain.Sale, 0, len(a.sales))
	for i := len(a.sales) - 1; i >= 0; i-- {
		out = append(out, a.sales[i].Clone())
	}
	return out, nil
}

func (a *API) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "ListCustomers"); err != nil {
		return nil, err
	}
	out := make([]domain.Customer, 0, len(a.customers))
	for _, c := range a.customers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(x, y domain.Customer) int { return strings.Compare(x.ID, y.ID) })
	return out, nil
}

// ListCredits returns credits without derived fields, as older servers do.
func (a *API) ListCredits(ctx context.Context) ([]domain.Credit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "ListCredits"); err != nil {
		return nil, err
	}
	out := make([]domain.Credit, 0, len(a.credits))
	for _, c := range a.credits {
		c = c.Clone()
		c.RemainingAmount = 0
		c.Status = ""
		out = append(out, c)
	}
	slices.SortFunc(out, func(x, y domain.Credit) int { return strings.Compare(x.ID, y.ID) })
	return out, nil
}

func (a *API) ListStores(ctx context.Context) ([]domain.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "ListStores"); err != nil {
		return nil, err
	}
	return slices.Clone(a.stores), nil
}

func (a *API) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "CreateProduct"); err != nil {
		return domain.Product{}, err
	}
	if strings.TrimSpace(product.Name) == "" || product.Price < 0 || product.Stock < 0 {
		return domain.Product{}, rejected(ErrInvalidRequest, "product name, price and stock are required")
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := a.products[product.ID]; exists {
		return domain.Product{}, rejected(ErrInvalidRequest, "product already exists")
	}
	a.products[product.ID] = product
	return product, nil
}

func (a *API) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "UpdateProduct"); err != nil {
		return domain.Product{}, err
	}
	if _, exists := a.products[product.ID]; !exists {
		return domain.Product{}, rejected(ErrNotFound, "product not found")
	}
	if product.Stock < 0 {
		return domain.Product{}, rejected(ErrInsufficientStock, "stock cannot be negative")
	}
	a.products[product.ID] = product
	return product, nil
}

func (a *API) DeleteProduct(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "DeleteProduct"); err != nil {
		return err
	}
	if _, exists := a.products[id]; !exists {
		return rejected(ErrNotFound, "product not found")
	}
	delete(a.products, id)
	return nil
}

func (a *API) AdjustStock(ctx context.Context, adj domain.StockAdjustment) (domain.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "AdjustStock"); err != nil {
		return domain.Product{}, err
	}
	product, exists := a.products[adj.ProductID]
	if !exists {
		return domain.Product{}, rejected(ErrNotFound, "product not found")
	}
	switch adj.Kind {
	case domain.AdjustAdd:
		product.Stock += adj.Quantity
	case domain.AdjustRemove:
		if product.Stock < adj.Quantity {
			return domain.Product{}, rejected(ErrInsufficientStock, "insufficient stock")
		}
		product.Stock -= adj.Quantity
	case domain.AdjustCount:
		if adj.Quantity < 0 {
			return domain.Product{}, rejected(ErrInvalidRequest, "counted stock cannot be negative")
		}
		product.Stock = adj.Quantity
	default:
		return domain.Product{}, rejected(ErrInvalidRequest, "unknown adjustment")
	}
	a.products[product.ID] = product
	return product, nil
}

func (a *API) CreateTransfer(ctx context.Context, transfer domain.Transfer) (domain.Transfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "CreateTransfer"); err != nil {
		return domain.Transfer{}, err
	}
	if existing, ok := a.transfers[transfer.ID]; ok && transfer.ID != "" {
		return existing, nil
	}
	source, exists := a.products[transfer.ProductID]
	if !exists || source.StoreID != transfer.FromStoreID {
		return domain.Transfer{}, rejected(ErrNotFound, "product not found in source store")
	}
	if transfer.Quantity < 1 || transfer.FromStoreID == transfer.ToStoreID {
		return domain.Transfer{}, rejected(ErrInvalidRequest, "invalid transfer")
	}
	if source.Stock < transfer.Quantity {
		return domain.Transfer{}, rejected(ErrInsufficientStock, "insufficient stock")
	}

	var target domain.Product
	found := false
	for _, p := range a.products {
		if p.StoreID == transfer.ToStoreID && p.SKU == source.SKU {
			target, found = p, true
			break
		}
	}
	if !found {
		target = source
		target.ID = strings.ToLower(fmt.Sprintf("%s-%s", transfer.ToStoreID, source.SKU))
		target.StoreID = transfer.ToStoreID
		target.Stock = 0
	}
	source.Stock -= transfer.Quantity
	target.Stock += transfer.Quantity
	a.products[source.ID] = source
	a.products[target.ID] = target

	if transfer.ID == "" {
		transfer.ID = xid.New("trf")
	}
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = time.Now().UTC()
	}
	a.transfers[transfer.ID] = transfer
	return transfer, nil
}

func (a *API) CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "CreateCustomer"); err != nil {
		return domain.Customer{}, err
	}
	if strings.TrimSpace(customer.Name) == "" {
		return domain.Customer{}, rejected(ErrInvalidRequest, "customer name is required")
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	a.customers[customer.ID] = customer
	return customer, nil
}

func (a *API) UpdateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "UpdateCustomer"); err != nil {
		return domain.Customer{}, err
	}
	if _, exists := a.customers[customer.ID]; !exists {
		return domain.Customer{}, rejected(ErrNotFound, "customer not found")
	}
	a.customers[customer.ID] = customer
	return customer, nil
}

func (a *API) CreateSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "CreateSale"); err != nil {
		return domain.Sale{}, err
	}
	if idx, exists := a.salesByID[sale.ID]; exists {
		return a.sales[idx].Clone(), nil
	}
	if sale.ID == "" || len(sale.Items) == 0 {
		return domain.Sale{}, rejected(ErrInvalidRequest, "sale must have an id and items")
	}

	updated := make(map[string]domain.Product, len(sale.Items))
	for _, line := range sale.Items {
		product, ok := updated[line.ProductID]
		if !ok {
			product, ok = a.products[line.ProductID]
		}
		if !ok {
			return domain.Sale{}, rejected(ErrNotFound, fmt.Sprintf("product %s not found", line.ProductID))
		}
		if product.Stock < line.Quantity {
			return domain.Sale{}, rejected(ErrInsufficientStock, fmt.Sprintf("insufficient stock for %s", product.Name))
		}
		product.Stock -= line.Quantity
		updated[product.ID] = product
	}
	for id, p := range updated {
		a.products[id] = p
	}

	stored := sale.Clone()
	if stored.Status == "" {
		stored.Status = domain.SaleCompleted
	}
	a.salesByID[stored.ID] = len(a.sales)
	a.sales = append(a.sales, stored)
	return stored.Clone(), nil
}

func (a *API) CreateReturn(ctx context.Context, ret domain.ReturnRecord) (domain.ReturnRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "CreateReturn"); err != nil {
		return domain.ReturnRecord{}, err
	}
	if existing, ok := a.returns[ret.ID]; ok {
		return existing, nil
	}
	product, ok := a.products[ret.ProductID]
	if !ok {
		return domain.ReturnRecord{}, rejected(ErrNotFound, "product not found")
	}
	if ret.Quantity < 1 {
		return domain.ReturnRecord{}, rejected(ErrInvalidRequest, "return quantity must be positive")
	}
	product.Stock += ret.Quantity
	a.products[product.ID] = product

	if idx, ok := a.salesByID[ret.SaleID]; ok {
		sale := a.sales[idx]
		returned := ret.Quantity
		for _, r := range a.returns {
			if r.SaleID == ret.SaleID {
				returned += r.Quantity
			}
		}
		sold := 0
		for _, line := range sale.Items {
			sold += line.Quantity
		}
		if returned >= sold {
			sale.Status = domain.SaleRefunded
		} else {
			sale.Status = domain.SalePartiallyRefunded
		}
		a.sales[idx] = sale
	}

	ret.Synced = true
	a.returns[ret.ID] = ret
	return ret, nil
}

func (a *API) CreateCredit(ctx context.Context, credit domain.Credit) (domain.Credit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "CreateCredit"); err != nil {
		return domain.Credit{}, err
	}
	if existing, ok := a.credits[credit.ID]; ok {
		return existing.Clone(), nil
	}
	if credit.OriginalAmount <= 0 || credit.CustomerID == "" {
		return domain.Credit{}, rejected(ErrInvalidRequest, "credit needs a customer and an amount")
	}
	credit.Normalize()
	a.credits[credit.ID] = credit.Clone()
	return credit, nil
}

func (a *API) AddCreditPayment(ctx context.Context, creditID string, payment domain.CreditPayment) (domain.Credit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(ctx, "AddCreditPayment"); err != nil {
		return domain.Credit{}, err
	}
	credit, ok := a.credits[creditID]
	if !ok {
		return domain.Credit{}, rejected(ErrNotFound, "credit not found")
	}
	credit = credit.Clone()
	if err := credit.ApplyPayment(payment.Amount, payment.Date); err != nil {
		return domain.Credit{}, rejected(err, err.Error())
	}
	a.credits[creditID] = credit
	return credit.Clone(), nil
}
