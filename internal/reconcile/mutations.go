package reconcile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/xid"
)

func (s *Store) AddProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.StoreID == "" {
		product.StoreID = s.CurrentStoreID()
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if err := s.validate.Struct(product); err != nil {
		return domain.Product{}, s.invalid(err)
	}
	if err := s.requireOnline(); err != nil {
		return domain.Product{}, err
	}
	created, err := s.api.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.Info("product created", zap.String("id", created.ID), zap.String("store", created.StoreID))
	s.refreshAfterWrite(ctx, "add_product")
	return created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if _, ok := s.Product(product.ID); !ok {
		return domain.Product{}, resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", product.ID))
	}
	product.Name = strings.TrimSpace(product.Name)
	if err := s.validate.Struct(product); err != nil {
		return domain.Product{}, s.invalid(err)
	}
	if err := s.requireOnline(); err != nil {
		return domain.Product{}, err
	}
	updated, err := s.api.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.refreshAfterWrite(ctx, "update_product")
	return updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	if _, ok := s.Product(id); !ok {
		return resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", id))
	}
	if err := s.requireOnline(); err != nil {
		return err
	}
	if err := s.api.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logger.Info("product deleted", zap.String("id", id))
	s.refreshAfterWrite(ctx, "delete_product")
	return nil
}

func (s *Store) AddCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if err := s.validate.Struct(customer); err != nil {
		return domain.Customer{}, s.invalid(err)
	}
	if err := s.requireOnline(); err != nil {
		return domain.Customer{}, err
	}
	created, err := s.api.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	s.refreshAfterWrite(ctx, "add_customer")
	return created, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	s.mu.RLock()
	known := false
	for _, c := range s.customers {
		if c.ID == customer.ID {
			known = true
			break
		}
	}
	s.mu.RUnlock()
	if !known {
		return domain.Customer{}, resilience.Wrap(resilience.KindValidation, ErrCustomerNotFound, fmt.Sprintf("customer %s not found", customer.ID))
	}
	if err := s.validate.Struct(customer); err != nil {
		return domain.Customer{}, s.invalid(err)
	}
	if err := s.requireOnline(); err != nil {
		return domain.Customer{}, err
	}
	updated, err := s.api.UpdateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	s.refreshAfterWrite(ctx, "update_customer")
	return updated, nil
}

func (s *Store) AddStock(ctx context.Context, productID string, qty int, reason string) (domain.Product, error) {
	if qty < 1 {
		return domain.Product{}, resilience.Wrap(resilience.KindValidation, ErrInvalidQuantity, "")
	}
	return s.adjustStock(ctx, domain.StockAdjustment{ProductID: productID, Kind: domain.AdjustAdd, Quantity: qty, Reason: reason})
}

// RemoveStock refuses to take stock below zero before calling the server.
func (s *Store) RemoveStock(ctx context.Context, productID string, qty int, reason string) (domain.Product, error) {
	if qty < 1 {
		return domain.Product{}, resilience.Wrap(resilience.KindValidation, ErrInvalidQuantity, "")
	}
	product, ok := s.Product(productID)
	if !ok {
		return domain.Product{}, resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", productID))
	}
	if product.Stock < qty {
		return domain.Product{}, insufficientStock(product, qty)
	}
	return s.adjustStock(ctx, domain.StockAdjustment{ProductID: productID, Kind: domain.AdjustRemove, Quantity: qty, Reason: reason})
}

// CountStock sets stock to a physically counted quantity.
func (s *Store) CountStock(ctx context.Context, productID string, counted int, reason string) (domain.Product, error) {
	if counted < 0 {
		return domain.Product{}, resilience.Wrap(resilience.KindValidation, ErrInvalidQuantity, "counted stock cannot be negative")
	}
	return s.adjustStock(ctx, domain.StockAdjustment{ProductID: productID, Kind: domain.AdjustCount, Quantity: counted, Reason: reason})
}

func (s *Store) adjustStock(ctx context.Context, adj domain.StockAdjustment) (domain.Product, error) {
	product, ok := s.Product(adj.ProductID)
	if !ok {
		return domain.Product{}, resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", adj.ProductID))
	}
	adj.StoreID = product.StoreID
	if err := s.requireOnline(); err != nil {
		return domain.Product{}, err
	}
	updated, err := s.api.AdjustStock(ctx, adj)
	if err != nil {
		return domain.Product{}, err
	}
	s.logger.Info("stock adjusted",
		zap.String("product", adj.ProductID),
		zap.String("kind", string(adj.Kind)),
		zap.Int("quantity", adj.Quantity),
		zap.Int("stock", updated.Stock),
	)
	s.refreshAfterWrite(ctx, "adjust_stock")
	return updated, nil
}

// TransferStock moves stock of a product from its store to toStoreID.
func (s *Store) TransferStock(ctx context.Context, productID string, toStoreID string, qty int) (domain.Transfer, error) {
	if qty < 1 {
		return domain.Transfer{}, resilience.Wrap(resilience.KindValidation, ErrInvalidQuantity, "")
	}
	product, ok := s.Product(productID)
	if !ok {
		return domain.Transfer{}, resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", productID))
	}
	if product.StoreID == toStoreID {
		return domain.Transfer{}, resilience.New(resilience.KindValidation, "source and destination store are the same")
	}
	if product.Stock < qty {
		return domain.Transfer{}, insufficientStock(product, qty)
	}
	if err := s.requireOnline(); err != nil {
		return domain.Transfer{}, err
	}
	transfer, err := s.api.CreateTransfer(ctx, domain.Transfer{
		ID:          xid.New("trf"),
		ProductID:   productID,
		FromStoreID: product.StoreID,
		ToStoreID:   toStoreID,
		Quantity:    qty,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	s.logger.Info("stock transferred",
		zap.String("product", productID),
		zap.String("from", transfer.FromStoreID),
		zap.String("to", transfer.ToStoreID),
		zap.Int("quantity", qty),
	)
	s.refreshAfterWrite(ctx, "transfer_stock")
	return transfer, nil
}

// AdjustStockOptimistic changes local stock by delta without a server round
// trip. It never takes stock below zero.
func (s *Store) AdjustStockOptimistic(ctx context.Context, productID string, delta int) error {
	s.mu.Lock()
	i := s.productIndex(productID)
	if i < 0 {
		s.mu.Unlock()
		return resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", productID))
	}
	if s.products[i].Stock+delta < 0 {
		product := s.products[i]
		s.mu.Unlock()
		return insufficientStock(product, -delta)
	}
	s.products[i].Stock += delta
	products := append([]domain.Product(nil), s.products...)
	s.mu.Unlock()

	s.persistProducts(ctx, products)
	return nil
}

func insufficientStock(product domain.Product, want int) error {
	return resilience.Wrap(resilience.KindBusiness, ErrInsufficientStock,
		fmt.Sprintf("only %d of %s in stock, %d requested", product.Stock, product.Name, want)).
		WithContext("productId", product.ID)
}
