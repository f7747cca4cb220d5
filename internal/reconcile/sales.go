package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/xid"
)

func (s *Store) persistProducts(ctx context.Context, products []domain.Product) {
	_ = s.cache.Put(ctx, cache.KeyProducts, products, cache.DefaultPut)
}

func (s *Store) persistSales(ctx context.Context, sales []domain.Sale) {
	_ = s.cache.Put(ctx, cache.KeySales, sales, cache.DefaultPut)
}

func (s *Store) hasSale(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.sales, func(sale domain.Sale) bool { return sale.ID == id })
}

// ApplySaleOptimistic decrements stock for every line and prepends the sale
// to history in one step. Nothing changes if any line lacks stock.
func (s *Store) ApplySaleOptimistic(ctx context.Context, sale domain.Sale) error {
	s.mu.Lock()
	if slices.ContainsFunc(s.sales, func(existing domain.Sale) bool { return existing.ID == sale.ID }) {
		s.mu.Unlock()
		return nil
	}
	need := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		need[line.ProductID] += line.Quantity
	}
	for id, qty := range need {
		i := s.productIndex(id)
		if i < 0 {
			s.mu.Unlock()
			return resilience.Wrap(resilience.KindBusiness, ErrProductNotFound, fmt.Sprintf("product %s is not in the catalog", id))
		}
		if s.products[i].Stock < qty {
			product := s.products[i]
			s.mu.Unlock()
			return insufficientStock(product, qty)
		}
	}
	for id, qty := range need {
		s.products[s.productIndex(id)].Stock -= qty
	}
	s.sales = append([]domain.Sale{sale.Clone()}, s.sales...)
	products := slices.Clone(s.products)
	sales := slices.Clone(s.sales)
	s.mu.Unlock()

	s.persistProducts(ctx, products)
	s.persistSales(ctx, sales)
	s.notifySales()
	return nil
}

// RecordSale applies the sale locally and sends it to the server. A sale
// that cannot reach the server is queued and replayed later with its id as
// idempotency key. A server rejection is returned; the local effect stays
// until the next refresh.
func (s *Store) RecordSale(ctx context.Context, sale domain.Sale) error {
	if err := s.validate.Struct(sale); err != nil {
		return s.invalid(err)
	}
	if s.hasSale(sale.ID) {
		return nil
	}
	if err := s.ApplySaleOptimistic(ctx, sale); err != nil {
		return err
	}
	if !s.Online() {
		s.enqueue(ctx, sale)
		return nil
	}

	_, err := s.api.CreateSale(ctx, sale)
	switch {
	case err == nil:
		s.logger.Info("sale recorded", zap.String("sale", sale.ID), zap.String("receipt", sale.ReceiptNumber))
		s.refreshAfterWrite(ctx, "record_sale")
		return nil
	case resilience.IsKind(err, resilience.KindNetwork):
		s.logger.Warn("sale queued for replay", zap.String("sale", sale.ID), zap.Error(err))
		s.enqueue(ctx, sale)
		return nil
	default:
		return err
	}
}

func (s *Store) enqueue(ctx context.Context, sale domain.Sale) {
	s.mu.Lock()
	if !slices.ContainsFunc(s.pending, func(p domain.Sale) bool { return p.ID == sale.ID }) {
		s.pending = append(s.pending, sale.Clone())
	}
	pending := slices.Clone(s.pending)
	s.mu.Unlock()
	s.persistPending(ctx, pending)
}

func (s *Store) persistPending(ctx context.Context, pending []domain.Sale) {
	s.metrics.PendingSales(len(pending))
	_ = s.cache.Put(ctx, cache.KeyPendingSales, pending, cache.DefaultPut)
}

func (s *Store) dequeue(ctx context.Context, id string) {
	s.mu.Lock()
	s.pending = slices.DeleteFunc(s.pending, func(p domain.Sale) bool { return p.ID == id })
	pending := slices.Clone(s.pending)
	s.mu.Unlock()
	s.persistPending(ctx, pending)
}

// Pending lists sales waiting for replay, oldest first.
func (s *Store) Pending() []domain.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, len(s.pending))
	for i, sale := range s.pending {
		out[i] = sale.Clone()
	}
	return out
}

func (s *Store) IsPending(saleID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.pending, func(p domain.Sale) bool { return p.ID == saleID })
}

// FlushPending replays queued sales in order. It stops at the first sale
// that still cannot be delivered; sales the server rejects are dropped and
// reported.
func (s *Store) FlushPending(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for _, sale := range s.Pending() {
		if !s.Online() {
			return nil
		}
		_, err := s.api.CreateSale(ctx, sale)
		switch {
		case err == nil:
			s.logger.Info("queued sale delivered", zap.String("sale", sale.ID))
			s.dequeue(ctx, sale.ID)
		case errors.Is(err, remote.ErrRejected):
			s.dequeue(ctx, sale.ID)
			s.report(ctx, resilience.Wrap(resilience.KindBusiness, err,
				fmt.Sprintf("sale %s was rejected by the server", sale.ReceiptNumber)).
				WithContext("saleId", sale.ID), map[string]any{"op": "replay_sale"})
		default:
			return err
		}
	}
	return nil
}

// ProcessReturn puts returned goods back into stock and keeps the return
// in the local returns list. The server write runs in the background; its
// failure is reported but does not undo the local effect. Returns are
// serialized so the returnable quantity is checked against every earlier
// return.
func (s *Store) ProcessReturn(ctx context.Context, ret domain.ReturnRecord) (domain.ReturnRecord, error) {
	if ret.Quantity < 1 {
		return domain.ReturnRecord{}, resilience.Wrap(resilience.KindValidation, ErrInvalidQuantity, "")
	}
	s.returnMu.Lock()
	defer s.returnMu.Unlock()
	product, ok := s.Product(ret.ProductID)
	if !ok {
		return domain.ReturnRecord{}, resilience.Wrap(resilience.KindValidation, ErrProductNotFound, fmt.Sprintf("product %s not found", ret.ProductID))
	}
	if ret.SaleID != "" {
		if err := s.checkReturnable(ret); err != nil {
			return domain.ReturnRecord{}, err
		}
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.StoreID == "" {
		ret.StoreID = product.StoreID
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = s.now()
	}
	ret.Synced = false

	if err := s.AdjustStockOptimistic(ctx, ret.ProductID, ret.Quantity); err != nil {
		return domain.ReturnRecord{}, err
	}
	s.mu.Lock()
	s.returns = append(s.returns, ret)
	returns := slices.Clone(s.returns)
	s.mu.Unlock()
	_ = s.cache.Put(ctx, cache.KeyReturns, returns, cache.DefaultPut)
	s.logger.Info("return processed",
		zap.String("return", ret.ID),
		zap.String("product", ret.ProductID),
		zap.Int("quantity", ret.Quantity),
	)

	s.async.Add(1)
	go s.syncReturn(context.WithoutCancel(ctx), ret)
	return ret, nil
}

func (s *Store) checkReturnable(ret domain.ReturnRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := slices.IndexFunc(s.sales, func(sale domain.Sale) bool { return sale.ID == ret.SaleID })
	if i < 0 {
		return resilience.Wrap(resilience.KindValidation, ErrSaleNotFound, fmt.Sprintf("sale %s not found", ret.SaleID))
	}
	sold := s.sales[i].QuantityOf(ret.ProductID)
	returned := 0
	for _, r := range s.returns {
		if r.SaleID == ret.SaleID && r.ProductID == ret.ProductID {
			returned += r.Quantity
		}
	}
	if returned+ret.Quantity > sold {
		return resilience.Wrap(resilience.KindBusiness, ErrReturnExceedsSale,
			fmt.Sprintf("only %d of this item can still be returned", max(sold-returned, 0)))
	}
	return nil
}

func (s *Store) syncReturn(ctx context.Context, ret domain.ReturnRecord) {
	defer s.async.Done()
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReturnTimeout)
	defer cancel()

	if _, err := s.api.CreateReturn(ctx, ret); err != nil {
		s.report(ctx, err, map[string]any{"op": "sync_return", "returnId": ret.ID})
		return
	}
	s.mu.Lock()
	for i := range s.returns {
		if s.returns[i].ID == ret.ID {
			s.returns[i].Synced = true
		}
	}
	returns := slices.Clone(s.returns)
	s.mu.Unlock()
	_ = s.cache.Put(ctx, cache.KeyReturns, returns, cache.DefaultPut)
}

// Wait blocks until background server writes have finished.
func (s *Store) Wait() {
	s.async.Wait()
}

// RecordCreditPayment applies a repayment to a credit. The amount must be
// positive and no larger than what remains.
func (s *Store) RecordCreditPayment(ctx context.Context, creditID string, amount int64) (domain.Credit, error) {
	s.mu.RLock()
	i := slices.IndexFunc(s.credits, func(c domain.Credit) bool { return c.ID == creditID })
	var credit domain.Credit
	if i >= 0 {
		credit = s.credits[i].Clone()
	}
	s.mu.RUnlock()
	if i < 0 {
		return domain.Credit{}, resilience.Wrap(resilience.KindValidation, ErrCreditNotFound, fmt.Sprintf("credit %s not found", creditID))
	}

	at := s.now()
	if err := credit.ApplyPayment(amount, at); err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) {
			return domain.Credit{}, resilience.Wrap(resilience.KindValidation, err, "")
		}
		return domain.Credit{}, resilience.Wrap(resilience.KindBusiness, err,
			fmt.Sprintf("payment exceeds the remaining %d", credit.RemainingAmount))
	}
	if err := s.requireOnline(); err != nil {
		return domain.Credit{}, err
	}
	updated, err := s.api.AddCreditPayment(ctx, creditID, domain.CreditPayment{Amount: amount, Date: at})
	if err != nil {
		return domain.Credit{}, err
	}
	updated.Normalize()
	s.replaceCredit(ctx, updated)
	s.logger.Info("credit payment recorded",
		zap.String("credit", creditID),
		zap.Int64("amount", amount),
		zap.Int64("remaining", updated.RemainingAmount),
	)
	s.refreshAfterWrite(ctx, "credit_payment")
	return updated, nil
}

// GrantCredit opens a credit for customerID. The credit is visible locally
// before the server confirms it.
func (s *Store) GrantCredit(ctx context.Context, customerID string, amount int64, due *time.Time, saleID string) (domain.Credit, error) {
	credit := domain.Credit{
		ID:             xid.New("crd"),
		CustomerID:     customerID,
		SaleID:         saleID,
		OriginalAmount: amount,
		DueDate:        due,
		CreatedAt:      s.now(),
	}
	credit.Normalize()
	if err := s.validate.Struct(credit); err != nil {
		return domain.Credit{}, s.invalid(err)
	}
	s.replaceCredit(ctx, credit)

	if err := s.requireOnline(); err != nil {
		return credit, err
	}
	created, err := s.api.CreateCredit(ctx, credit)
	if err != nil {
		return credit, err
	}
	created.Normalize()
	s.replaceCredit(ctx, created)
	return created, nil
}

func (s *Store) replaceCredit(ctx context.Context, credit domain.Credit) {
	s.mu.Lock()
	if i := slices.IndexFunc(s.credits, func(c domain.Credit) bool { return c.ID == credit.ID }); i >= 0 {
		s.credits[i] = credit.Clone()
	} else {
		s.credits = append(s.credits, credit.Clone())
	}
	credits := slices.Clone(s.credits)
	s.mu.Unlock()
	_ = s.cache.Put(ctx, cache.KeyCredits, credits, cache.DefaultPut)
}
