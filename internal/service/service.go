package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/analytics"
	"kasirinaja/terminal/internal/auth"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/reconcile"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/session"
)

var (
	ErrManagerApproval = errors.New("manager approval required")
	ErrUnknownProduct  = errors.New("product not found in the selected store")
)

type userContextKey struct{}

func WithUser(ctx context.Context, user domain.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

func UserFromContext(ctx context.Context) (domain.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(domain.User)
	return user, ok
}

// Reporter is the error funnel as seen by the bridge.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
	UserMessage(err error) string
}

type Options struct {
	Reporter Reporter
	PIN      *auth.PINChecker
	Logger   *zap.Logger
	Now      func() time.Time
}

// Service keeps the register (session and cart) and the catalog
// (reconciliation store) consistent. Sales history flows from the catalog
// into the register; a committed sale flows from the register to the
// catalog exactly once.
type Service struct {
	catalog   *reconcile.Store
	register  *session.Store
	analytics *analytics.Engine
	reporter  Reporter
	pins      *auth.PINChecker
	logger    *zap.Logger
	now       func() time.Time

	checkoutMu sync.Mutex
}

func New(catalog *reconcile.Store, register *session.Store, engine *analytics.Engine, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PIN == nil {
		opts.PIN = auth.NewPINChecker("")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if engine == nil {
		engine = analytics.NewEngine(nil, 0)
	}
	s := &Service{
		catalog:   catalog,
		register:  register,
		analytics: engine,
		reporter:  opts.Reporter,
		pins:      opts.PIN,
		logger:    opts.Logger.Named("service"),
		now:       opts.Now,
	}
	catalog.OnSalesChange(register.ReplaceHistory)
	return s
}

func (s *Service) Catalog() *reconcile.Store { return s.catalog }

func (s *Service) Register() *session.Store { return s.register }

func (s *Service) report(ctx context.Context, err error, fields map[string]any) string {
	if s.reporter == nil {
		s.logger.Warn("bridge failure", zap.Error(err), zap.Any("fields", fields))
		return err.Error()
	}
	s.reporter.Report(ctx, err, fields)
	return s.reporter.UserMessage(err)
}

// Start restores the register and initializes the catalog for user.
func (s *Service) Start(ctx context.Context, user domain.User) error {
	s.register.Restore(ctx)
	return s.catalog.Initialize(ctx, user)
}

// Reload drops in-memory state back to what storage and the server hold.
func (s *Service) Reload(ctx context.Context) error {
	s.logger.Warn("reloading terminal state")
	s.register.Restore(ctx)
	return s.catalog.Refresh(ctx)
}

func operatorOf(ctx context.Context) string {
	if user, ok := UserFromContext(ctx); ok {
		return user.Username
	}
	return ""
}

func (s *Service) OpenSession(ctx context.Context, initialAmount int64) (domain.CashSession, error) {
	return s.register.OpenCashSession(ctx, initialAmount, operatorOf(ctx), s.catalog.CurrentStoreID())
}

func (s *Service) CloseSession(ctx context.Context, actualCash int64, notes string) (domain.ClosingReport, error) {
	return s.register.CloseCashSession(ctx, actualCash, notes, operatorOf(ctx))
}

// AddToCart adds a product of the selected store to the cart.
func (s *Service) AddToCart(ctx context.Context, productID string, qty int) error {
	productID = strings.TrimSpace(productID)
	for _, p := range s.catalog.Products() {
		if p.ID == productID {
			return s.register.AddItem(ctx, p, qty)
		}
	}
	return resilience.Wrap(resilience.KindValidation, ErrUnknownProduct, fmt.Sprintf("product %s not found", productID))
}

type CheckoutRequest struct {
	Method         domain.PaymentMethod `json:"method"`
	AmountReceived int64                `json:"amountReceived"`
	CustomerID     string               `json:"customerId"`
	DueDate        *time.Time           `json:"dueDate,omitempty"`
}

type CheckoutResult struct {
	Sale      domain.Sale `json:"sale"`
	Change    int64       `json:"change"`
	Pending   bool        `json:"pending"`
	SyncError string      `json:"syncError,omitempty"`
}

// Checkout commits the cart in the register, then records the sale in the
// catalog. A catalog failure is reported in the result; the committed sale
// stands.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	s.checkoutMu.Lock()
	defer s.checkoutMu.Unlock()

	sale, err := s.register.ProcessSale(ctx, session.Payment{
		Method:         req.Method,
		AmountReceived: req.AmountReceived,
		CustomerID:     req.CustomerID,
		Operator:       operatorOf(ctx),
		StoreID:        s.catalog.CurrentStoreID(),
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	result := CheckoutResult{Sale: sale, Change: sale.Change}

	if err := s.catalog.RecordSale(ctx, sale); err != nil {
		result.SyncError = s.report(ctx, err, map[string]any{"op": "record_sale", "saleId": sale.ID})
	}
	result.Pending = s.catalog.IsPending(sale.ID)

	if sale.PaymentMethod == domain.PaymentCredit {
		if _, err := s.catalog.GrantCredit(ctx, sale.CustomerID, sale.Total, req.DueDate, sale.ID); err != nil {
			msg := s.report(ctx, err, map[string]any{"op": "grant_credit", "saleId": sale.ID})
			if result.SyncError == "" {
				result.SyncError = msg
			}
		}
	}

	s.logger.Info("checkout complete",
		zap.String("receipt", sale.ReceiptNumber),
		zap.Int64("total", sale.Total),
		zap.Bool("pending", result.Pending),
	)
	return result, nil
}

type ReturnRequest struct {
	SaleID       string `json:"saleId"`
	ProductID    string `json:"productId"`
	Quantity     int    `json:"quantity"`
	RefundAmount int64  `json:"refundAmount"`
	Reason       string `json:"reason"`
	ManagerPIN   string `json:"managerPin"`
}

// ProcessReturn needs the manager PIN when one is configured.
func (s *Service) ProcessReturn(ctx context.Context, req ReturnRequest) (domain.ReturnRecord, error) {
	if s.pins.Enabled() && !s.pins.Check(req.ManagerPIN) {
		return domain.ReturnRecord{}, resilience.Wrap(resilience.KindBusiness, ErrManagerApproval, "a valid manager PIN is required for returns")
	}
	ret, err := s.catalog.ProcessReturn(ctx, domain.ReturnRecord{
		SaleID:       req.SaleID,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		RefundAmount: req.RefundAmount,
		Reason:       req.Reason,
		ProcessedBy:  operatorOf(ctx),
	})
	if err != nil {
		return domain.ReturnRecord{}, err
	}
	s.register.LogReturn(ctx, ret)
	return ret, nil
}

func (s *Service) RecordCreditPayment(ctx context.Context, creditID string, amount int64) (domain.Credit, error) {
	return s.catalog.RecordCreditPayment(ctx, creditID, amount)
}

// SalesHistory prefers the register's copy and falls back to the catalog's.
func (s *Service) SalesHistory() []domain.Sale {
	if history := s.register.History(); len(history) > 0 {
		return history
	}
	return s.catalog.AllSales()
}

func (s *Service) DailySummary(ctx context.Context, day time.Time) domain.SalesSummary {
	return s.analytics.Daily(ctx, s.SalesHistory(), s.catalog.CurrentStoreID(), day)
}

func (s *Service) WeeklySummary(ctx context.Context, day time.Time) domain.WeeklySummary {
	return s.analytics.Weekly(ctx, s.SalesHistory(), s.catalog.CurrentStoreID(), day)
}

func (s *Service) TopProducts(days int, limit int) []domain.ProductSales {
	if days < 1 {
		days = 7
	}
	to := s.now().UTC()
	return s.analytics.TopProducts(s.SalesHistory(), s.catalog.CurrentStoreID(), to.AddDate(0, 0, -days), to, limit)
}

func (s *Service) ReorderSuggestions() []domain.ReorderSuggestion {
	return s.analytics.ReorderSuggestions(s.catalog.AllProducts(), s.catalog.CurrentStoreID())
}

// SessionTotals summarizes the open session from the preferred history.
func (s *Service) SessionTotals() (domain.SalesSummary, bool) {
	cs, ok := s.register.Session()
	if !ok {
		return domain.SalesSummary{}, false
	}
	var tagged []domain.Sale
	for _, sale := range s.SalesHistory() {
		if sale.CashSessionID == cs.ID {
			tagged = append(tagged, sale)
		}
	}
	return s.analytics.Summarize(tagged, "", cs.OpenedAt, s.now().AddDate(0, 0, 1)), true
}
