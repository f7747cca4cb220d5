package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/xid"
)

var (
	ErrNoOpenSession       = errors.New("no open cash session")
	ErrSessionAlreadyOpen  = errors.New("a cash session is already open")
	ErrCartEmpty           = errors.New("cart is empty")
	ErrInsufficientPayment = errors.New("amount received is less than total")
	ErrCustomerRequired    = errors.New("credit sales need a named customer")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrUnknownProduct      = errors.New("product is not in the catalog")
	ErrInvalidQuantity     = errors.New("quantity must be greater than zero")
	ErrInvalidAmount       = errors.New("amount cannot be negative")
	ErrInvalidMethod       = errors.New("unknown payment method")
)

// StockChecker reports the stock the terminal currently believes in.
type StockChecker interface {
	StockOf(productID string) (int, bool)
}

type Options struct {
	TerminalID     string
	WalkInCustomer string
	TaxRate        decimal.Decimal
	PollInterval   time.Duration
	Broadcaster    cache.Broadcaster
	Logger         *zap.Logger
	Metrics        *metrics.Sync
	Now            func() time.Time
}

// Store owns the cash drawer session, its operation log, the cart and the
// terminal's copy of sales history.
type Store struct {
	cache   *cache.Manager
	stock   StockChecker
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Sync
	origin  string

	mu      sync.Mutex
	session *domain.CashSession
	ops     []domain.SessionOperation
	cart    []domain.CartLine
	history []domain.Sale
}

func New(cacheManager *cache.Manager, stock StockChecker, opts Options) *Store {
	opts.TerminalID = strings.ToUpper(strings.TrimSpace(opts.TerminalID))
	if opts.TerminalID == "" {
		opts.TerminalID = "T01"
	}
	if opts.WalkInCustomer == "" {
		opts.WalkInCustomer = "walk-in"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		cache:   cacheManager,
		stock:   stock,
		opts:    opts,
		logger:  opts.Logger.Named("session").With(zap.String("terminal", opts.TerminalID)),
		metrics: opts.Metrics,
		origin:  xid.New("proc"),
	}
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Store) sessionKey() string { return cache.KeyCashSession + "." + s.opts.TerminalID }
func (s *Store) opsKey() string     { return cache.KeyCashSessionOps + "." + s.opts.TerminalID }
func (s *Store) cartKey() string    { return cache.KeyCart + "." + s.opts.TerminalID }

func (s *Store) TerminalID() string {
	return s.opts.TerminalID
}

// Restore loads the session, its operation log and the cart from durable
// storage. A cart left behind without an open session is dropped.
func (s *Store) Restore(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.durableSession(ctx)
	ops := cache.GetOr(ctx, s.cache, s.opsKey(), []domain.SessionOperation{}, cache.DefaultGet)
	cart := cache.GetOr(ctx, s.cache, s.cartKey(), []domain.CartLine{}, cache.DefaultGet)
	s.session = nil
	s.ops = nil
	s.cart = nil
	if ok {
		s.session = &session
		s.ops = ops
		s.cart = cart
	} else if len(cart) > 0 {
		_ = s.cache.Remove(ctx, s.cartKey(), false)
	}
	s.logger.Info("session state restored", zap.Bool("open", ok), zap.Int("cartLines", len(cart)))
}

func (s *Store) durableSession(ctx context.Context) (domain.CashSession, bool) {
	var session domain.CashSession
	if !s.cache.Get(ctx, s.sessionKey(), &session, cache.DefaultGet) {
		return domain.CashSession{}, false
	}
	if session.Status != domain.SessionOpen {
		return domain.CashSession{}, false
	}
	return session, true
}

// Session returns the open cash session, if any.
func (s *Store) Session() (domain.CashSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return domain.CashSession{}, false
	}
	return *s.session, true
}

func (s *Store) Operations() []domain.SessionOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ops)
}

// OpenCashSession opens the drawer with initialAmount. A session already
// open here or in durable storage is never replaced.
func (s *Store) OpenCashSession(ctx context.Context, initialAmount int64, operator string, storeID string) (domain.CashSession, error) {
	if initialAmount < 0 {
		return domain.CashSession{}, resilience.Wrap(resilience.KindValidation, ErrInvalidAmount, "opening amount cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return domain.CashSession{}, resilience.Wrap(resilience.KindBusiness, ErrSessionAlreadyOpen,
			fmt.Sprintf("session %s is already open", s.session.ID))
	}
	if durable, ok := s.durableSession(ctx); ok {
		s.session = &durable
		s.ops = cache.GetOr(ctx, s.cache, s.opsKey(), []domain.SessionOperation{}, cache.DefaultGet)
		s.metrics.Drift("adopted")
		return domain.CashSession{}, resilience.Wrap(resilience.KindBusiness, ErrSessionAlreadyOpen,
			fmt.Sprintf("session %s was opened by %s", durable.ID, durable.OpenedBy))
	}

	now := s.now()
	session := domain.CashSession{
		ID:            xid.New("cs"),
		StoreID:       storeID,
		TerminalID:    s.opts.TerminalID,
		OpenedAt:      now,
		OpenedBy:      operator,
		InitialAmount: initialAmount,
		Status:        domain.SessionOpen,
	}
	ops := []domain.SessionOperation{{
		Type:     domain.OperationOpening,
		Amount:   initialAmount,
		Method:   domain.PaymentCash,
		Operator: operator,
		At:       now,
	}}
	if err := s.cache.Put(ctx, s.sessionKey(), session, cache.DefaultPut); err != nil {
		return domain.CashSession{}, err
	}
	_ = s.cache.Put(ctx, s.opsKey(), ops, cache.DefaultPut)

	s.session = &session
	s.ops = ops
	s.logger.Info("cash session opened",
		zap.String("session", session.ID),
		zap.String("operator", operator),
		zap.Int64("initialAmount", initialAmount),
	)
	s.publish(ctx, "opened", session.ID)
	return session, nil
}

// CloseCashSession reconciles the drawer and appends the closing report to
// the durable report log, which is split by month. The operation log is
// archived under its own key. The session stays open if the report cannot
// be stored.
func (s *Store) CloseCashSession(ctx context.Context, actualCash int64, notes string, operator string) (domain.ClosingReport, error) {
	if actualCash < 0 {
		return domain.ClosingReport{}, resilience.Wrap(resilience.KindValidation, ErrInvalidAmount, "counted cash cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return domain.ClosingReport{}, resilience.Wrap(resilience.KindBusiness, ErrNoOpenSession, "open a cash session first")
	}

	now := s.now()
	closed := *s.session
	report := domain.ClosingReport{ByMethod: make(map[domain.PaymentMethod]domain.MethodTotal)}
	seen := make(map[string]bool)
	for _, sale := range s.history {
		if seen[sale.ID] || !belongsTo(sale, closed, now) {
			continue
		}
		seen[sale.ID] = true
		report.SalesCount++
		report.SalesTotal += sale.Total
		if sale.PaymentMethod == domain.PaymentCash {
			report.CashSales += sale.Total
		}
		mt := report.ByMethod[sale.PaymentMethod]
		mt.Count++
		mt.Total += sale.Total
		report.ByMethod[sale.PaymentMethod] = mt
	}
	report.ExpectedCash = closed.InitialAmount + report.CashSales
	report.ActualCash = actualCash
	report.Difference = actualCash - report.ExpectedCash

	closed.Status = domain.SessionClosed
	closed.ClosedAt = &now
	closed.ClosedBy = operator
	closed.ExpectedAmount = report.ExpectedCash
	closed.ActualAmount = actualCash
	closed.Difference = report.Difference
	closed.Notes = notes
	report.Session = closed
	report.Operations = append(slices.Clone(s.ops), domain.SessionOperation{
		Type:     domain.OperationClosing,
		Amount:   actualCash,
		Method:   domain.PaymentCash,
		Operator: operator,
		At:       now,
	})

	if err := s.cache.Put(ctx, reportOpsKey(closed.ID), report.Operations, cache.DefaultPut); err != nil {
		s.logger.Warn("closing operations not archived", zap.String("session", closed.ID), zap.Error(err))
	}
	summary := report
	summary.Operations = nil
	if err := cache.Append(ctx, s.cache, reportKey(now), summary, 0); err != nil {
		return domain.ClosingReport{}, err
	}
	err := multierr.Combine(
		s.cache.Remove(ctx, s.sessionKey(), false),
		s.cache.Remove(ctx, s.opsKey(), false),
		s.cache.Remove(ctx, s.cartKey(), false),
	)
	if err != nil {
		s.logger.Warn("clearing closed session state failed", zap.Error(err))
	}

	s.session = nil
	s.ops = nil
	s.cart = nil
	s.logger.Info("cash session closed",
		zap.String("session", closed.ID),
		zap.Int64("expected", report.ExpectedCash),
		zap.Int64("actual", actualCash),
		zap.Int64("difference", report.Difference),
	)
	s.publish(ctx, "closed", closed.ID)
	return report, nil
}

// belongsTo matches sales tagged with the session, and untagged sales made
// at this terminal's store while it was open.
func belongsTo(sale domain.Sale, session domain.CashSession, until time.Time) bool {
	if sale.CashSessionID != "" {
		return sale.CashSessionID == session.ID
	}
	if session.StoreID != "" && sale.StoreID != session.StoreID {
		return false
	}
	return !sale.CreatedAt.Before(session.OpenedAt) && !sale.CreatedAt.After(until)
}

// reportKey is the month of the report log that a report closed at lands in.
func reportKey(at time.Time) string {
	return cache.KeyCashReports + "." + at.UTC().Format("2006-01")
}

func reportOpsKey(sessionID string) string {
	return cache.KeyCashReportOps + "." + sessionID
}

// Reports returns every closing report stored so far, oldest month first,
// without operation logs.
func (s *Store) Reports(ctx context.Context) []domain.ClosingReport {
	keys, err := s.cache.Keys(ctx, cache.KeyCashReports)
	if err != nil {
		s.logger.Warn("listing closing reports failed", zap.Error(err))
		return []domain.ClosingReport{}
	}
	reports := []domain.ClosingReport{}
	for _, key := range keys {
		reports = append(reports, cache.GetOr(ctx, s.cache, key, []domain.ClosingReport{}, cache.DefaultGet)...)
	}
	return reports
}

// ReportOperations returns the operation log archived when sessionID closed.
func (s *Store) ReportOperations(ctx context.Context, sessionID string) []domain.SessionOperation {
	return cache.GetOr(ctx, s.cache, reportOpsKey(sessionID), []domain.SessionOperation{}, cache.DefaultGet)
}

// LogReturn records a refund in the open session's operation log.
func (s *Store) LogReturn(ctx context.Context, ret domain.ReturnRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return
	}
	s.ops = append(s.ops, domain.SessionOperation{
		Type:      domain.OperationReturn,
		Amount:    ret.RefundAmount,
		Reference: ret.ID,
		Operator:  ret.ProcessedBy,
		At:        s.now(),
	})
	_ = s.cache.Put(ctx, s.opsKey(), s.ops, cache.DefaultPut)
}

// ReplaceHistory adopts sales as the terminal's history.
func (s *Store) ReplaceHistory(sales []domain.Sale) {
	out := make([]domain.Sale, len(sales))
	for i, sale := range sales {
		out[i] = sale.Clone()
	}
	s.mu.Lock()
	s.history = out
	s.mu.Unlock()
}

func (s *Store) History() []domain.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Sale, len(s.history))
	for i, sale := range s.history {
		out[i] = sale.Clone()
	}
	return out
}

// nextReceipt continues the highest sequence used today at this terminal.
// Callers hold s.mu.
func (s *Store) nextReceipt(at time.Time) string {
	prefix := xid.Receipt(s.opts.TerminalID, at, 0)
	prefix = prefix[:strings.LastIndex(prefix, "-")+1]
	highest := 0
	for _, sale := range s.history {
		rest, ok := strings.CutPrefix(sale.ReceiptNumber, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > highest {
			highest = n
		}
	}
	return xid.Receipt(s.opts.TerminalID, at, highest+1)
}

type event struct {
	Terminal  string `json:"terminal"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Origin    string `json:"origin"`
}

func (s *Store) publish(ctx context.Context, kind string, sessionID string) {
	if s.opts.Broadcaster == nil {
		return
	}
	payload, err := json.Marshal(event{Terminal: s.opts.TerminalID, Type: kind, SessionID: sessionID, Origin: s.origin})
	if err != nil {
		return
	}
	if err := s.opts.Broadcaster.Publish(ctx, payload); err != nil {
		s.logger.Warn("session broadcast failed", zap.String("type", kind), zap.Error(err))
	}
}
