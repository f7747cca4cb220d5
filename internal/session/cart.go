package session

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/xid"
)

type Payment struct {
	Method         domain.PaymentMethod `json:"method"`
	AmountReceived int64                `json:"amountReceived"`
	CustomerID     string               `json:"customerId"`
	Operator       string               `json:"operator"`
	StoreID        string               `json:"storeId"`
}

func (s *Store) Cart() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cart)
}

// Totals derives subtotal, tax and total from the cart.
func (s *Store) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ComputeTotals(s.cart, s.opts.TaxRate)
}

// AddItem adds qty of product, merging with an existing line. The cart can
// only be edited while a session is open.
func (s *Store) AddItem(ctx context.Context, product domain.Product, qty int) error {
	if qty < 1 {
		return resilience.Wrap(resilience.KindValidation, ErrInvalidQuantity, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	if i := s.lineIndex(product.ID); i >= 0 {
		s.cart[i].Quantity += qty
	} else {
		s.cart = append(s.cart, domain.CartLine{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  qty,
		})
	}
	return s.persistCartLocked(ctx)
}

// SetQuantity replaces a line's quantity; zero or less removes the line.
func (s *Store) SetQuantity(ctx context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	i := s.lineIndex(productID)
	if i < 0 {
		return resilience.Wrap(resilience.KindValidation, ErrUnknownProduct, fmt.Sprintf("%s is not in the cart", productID))
	}
	if qty <= 0 {
		s.cart = slices.Delete(s.cart, i, i+1)
	} else {
		s.cart[i].Quantity = qty
	}
	return s.persistCartLocked(ctx)
}

func (s *Store) RemoveItem(ctx context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireSessionLocked(); err != nil {
		return err
	}
	if i := s.lineIndex(productID); i >= 0 {
		s.cart = slices.Delete(s.cart, i, i+1)
	}
	return s.persistCartLocked(ctx)
}

func (s *Store) ClearCart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = nil
	return s.persistCartLocked(ctx)
}

// requireSessionLocked refuses cart edits while the drawer is closed; the
// cart only lives as long as the session.
func (s *Store) requireSessionLocked() error {
	if s.session == nil {
		return resilience.Wrap(resilience.KindBusiness, ErrNoOpenSession, "open a cash session before adding items")
	}
	return nil
}

func (s *Store) lineIndex(productID string) int {
	return slices.IndexFunc(s.cart, func(l domain.CartLine) bool { return l.ProductID == productID })
}

func (s *Store) persistCartLocked(ctx context.Context) error {
	return s.cache.Put(ctx, s.cartKey(), s.cart, cache.Options{Validate: true})
}

// ProcessSale turns the cart into a sale. It checks, in order, for an open
// session, a non-empty cart, a valid payment and enough stock for every
// line; nothing changes unless all checks pass.
func (s *Store) ProcessSale(ctx context.Context, payment Payment) (domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return domain.Sale{}, resilience.Wrap(resilience.KindBusiness, ErrNoOpenSession, "open a cash session before selling")
	}
	if len(s.cart) == 0 {
		return domain.Sale{}, resilience.Wrap(resilience.KindValidation, ErrCartEmpty, "add at least one item")
	}
	if !payment.Method.Valid() {
		return domain.Sale{}, resilience.Wrap(resilience.KindValidation, ErrInvalidMethod, fmt.Sprintf("payment method %q is not supported", payment.Method))
	}
	totals := domain.ComputeTotals(s.cart, s.opts.TaxRate)

	var change int64
	switch payment.Method {
	case domain.PaymentCash:
		if payment.AmountReceived < totals.Total {
			return domain.Sale{}, resilience.Wrap(resilience.KindBusiness, ErrInsufficientPayment,
				fmt.Sprintf("received %d but the total is %d", payment.AmountReceived, totals.Total))
		}
		change = payment.AmountReceived - totals.Total
	case domain.PaymentCredit:
		if payment.CustomerID == "" || payment.CustomerID == s.opts.WalkInCustomer {
			return domain.Sale{}, resilience.Wrap(resilience.KindBusiness, ErrCustomerRequired, "choose the customer who takes the credit")
		}
		payment.AmountReceived = totals.Total
	default:
		payment.AmountReceived = totals.Total
	}

	if err := s.checkStockLocked(); err != nil {
		return domain.Sale{}, err
	}

	now := s.now()
	lines := make([]domain.SaleLine, len(s.cart))
	for i, line := range s.cart {
		lines[i] = domain.SaleLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: domain.LineTotal(line.UnitPrice, line.Quantity),
		}
	}
	customerID := payment.CustomerID
	if customerID == "" {
		customerID = s.opts.WalkInCustomer
	}
	storeID := payment.StoreID
	if storeID == "" {
		storeID = s.session.StoreID
	}
	sale := domain.Sale{
		ID:             xid.New("sale"),
		ReceiptNumber:  s.nextReceipt(now),
		Items:          lines,
		Subtotal:       totals.Subtotal,
		Tax:            totals.Tax,
		Total:          totals.Total,
		PaymentMethod:  payment.Method,
		AmountReceived: payment.AmountReceived,
		Change:         change,
		CustomerID:     customerID,
		StoreID:        storeID,
		CashSessionID:  s.session.ID,
		Operator:       payment.Operator,
		Status:         domain.SaleCompleted,
		CreatedAt:      now,
	}

	s.history = append([]domain.Sale{sale.Clone()}, s.history...)
	s.cart = nil
	s.ops = append(s.ops, domain.SessionOperation{
		Type:      domain.OperationSale,
		Amount:    sale.Total,
		Method:    sale.PaymentMethod,
		Reference: sale.ReceiptNumber,
		Operator:  payment.Operator,
		At:        now,
	})
	if err := s.persistCartLocked(ctx); err != nil {
		s.logger.Warn("cart not cleared in storage", zap.Error(err))
	}
	_ = s.cache.Put(ctx, s.opsKey(), s.ops, cache.DefaultPut)

	s.logger.Info("sale committed",
		zap.String("sale", sale.ID),
		zap.String("receipt", sale.ReceiptNumber),
		zap.String("method", string(sale.PaymentMethod)),
		zap.Int64("total", sale.Total),
	)
	return sale, nil
}

func (s *Store) checkStockLocked() error {
	if s.stock == nil {
		return resilience.New(resilience.KindSystem, "stock is not available at this terminal")
	}
	need := make(map[string]int, len(s.cart))
	for _, line := range s.cart {
		need[line.ProductID] += line.Quantity
	}
	for _, line := range s.cart {
		have, ok := s.stock.StockOf(line.ProductID)
		if !ok {
			return resilience.Wrap(resilience.KindBusiness, ErrUnknownProduct,
				fmt.Sprintf("%s is no longer in the catalog", line.Name)).WithContext("productId", line.ProductID)
		}
		if have < need[line.ProductID] {
			return resilience.Wrap(resilience.KindBusiness, ErrInsufficientStock,
				fmt.Sprintf("only %d of %s in stock", have, line.Name)).WithContext("productId", line.ProductID)
		}
	}
	return nil
}
