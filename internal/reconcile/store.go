package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/resilience"
)

var (
	ErrStoreRestricted   = errors.New("user is restricted to another store")
	ErrUnknownStore      = errors.New("unknown store")
	ErrProductNotFound   = errors.New("product not found")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrCreditNotFound    = errors.New("credit not found")
	ErrSaleNotFound      = errors.New("sale not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrReturnExceedsSale = errors.New("return exceeds quantity sold")
	ErrOffline           = errors.New("terminal is offline")
)

// Reporter receives failures that are absorbed rather than returned.
type Reporter interface {
	Report(ctx context.Context, err error, fields map[string]any)
}

type Options struct {
	DefaultStoreID string
	RefreshTimeout time.Duration
	ReturnTimeout  time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Sync
	Reporter       Reporter
	Now            func() time.Time
}

// Store is the terminal's canonical view of catalog, sales history,
// customers, credits and the selected store. Cache reads give it data at
// cold start; a completed refresh replaces it with server truth.
type Store struct {
	cache    *cache.Manager
	api      remote.API
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Sync
	validate *validator.Validate

	initMu         sync.Mutex
	initializedFor string

	mu           sync.RWMutex
	user         *domain.User
	products     []domain.Product
	sales        []domain.Sale
	customers    []domain.Customer
	credits      []domain.Credit
	returns      []domain.ReturnRecord
	stores       []domain.Store
	pending      []domain.Sale
	currentStore string
	online       bool

	refreshMu     sync.Mutex
	generation    uint64
	cancelRefresh context.CancelFunc

	flushMu  sync.Mutex
	returnMu sync.Mutex

	listenMu  sync.Mutex
	listeners []func([]domain.Sale)

	async sync.WaitGroup
}

func New(cacheManager *cache.Manager, api remote.API, opts Options) *Store {
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.ReturnTimeout <= 0 {
		opts.ReturnTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		cache:    cacheManager,
		api:      api,
		opts:     opts,
		logger:   opts.Logger.Named("reconcile"),
		metrics:  opts.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		online:   true,
	}
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Store) report(ctx context.Context, err error, fields map[string]any) {
	if s.opts.Reporter == nil {
		s.logger.Warn("reconcile failure", zap.Error(err), zap.Any("fields", fields))
		return
	}
	s.opts.Reporter.Report(ctx, err, fields)
}

// OnSalesChange registers fn to receive the full sales history whenever it
// changes.
func (s *Store) OnSalesChange(fn func([]domain.Sale)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notifySales() {
	sales := s.AllSales()
	s.listenMu.Lock()
	listeners := slices.Clone(s.listeners)
	s.listenMu.Unlock()
	for _, fn := range listeners {
		fn(sales)
	}
}

// Initialize loads cached state, selects a store and runs the first
// refresh. Repeated calls for the same user are no-ops.
func (s *Store) Initialize(ctx context.Context, user domain.User) error {
	s.initMu.Lock()
	if s.initializedFor == user.ID && user.ID != "" {
		s.initMu.Unlock()
		return nil
	}
	s.initializedFor = user.ID
	s.initMu.Unlock()

	s.mu.Lock()
	u := user
	s.user = &u
	s.mu.Unlock()

	s.loadFromCache(ctx)
	s.selectStore(ctx, user)
	s.notifySales()

	if !s.Online() {
		s.logger.Info("offline at start, serving cached state", zap.String("user", user.Username))
		return nil
	}
	return s.Refresh(ctx)
}

func (s *Store) loadFromCache(ctx context.Context) {
	products := cache.GetOr(ctx, s.cache, cache.KeyProducts, []domain.Product{}, cache.DefaultGet)
	sales := cache.GetOr(ctx, s.cache, cache.KeySales, []domain.Sale{}, cache.DefaultGet)
	customers := cache.GetOr(ctx, s.cache, cache.KeyCustomers, []domain.Customer{}, cache.DefaultGet)
	credits := cache.GetOr(ctx, s.cache, cache.KeyCredits, []domain.Credit{}, cache.DefaultGet)
	returns := cache.GetOr(ctx, s.cache, cache.KeyReturns, []domain.ReturnRecord{}, cache.DefaultGet)
	stores := cache.GetOr(ctx, s.cache, cache.KeyStores, []domain.Store{}, cache.DefaultGet)
	pending := cache.GetOr(ctx, s.cache, cache.KeyPendingSales, []domain.Sale{}, cache.DefaultGet)
	for i := range credits {
		credits[i].Normalize()
	}

	s.mu.Lock()
	s.products = products
	s.sales = sales
	s.customers = customers
	s.credits = credits
	s.returns = returns
	s.stores = stores
	s.pending = pending
	s.mu.Unlock()

	s.metrics.PendingSales(len(pending))
	s.logger.Info("cold start from cache",
		zap.Int("products", len(products)),
		zap.Int("sales", len(sales)),
		zap.Int("pending", len(pending)),
	)
}

func (s *Store) selectStore(ctx context.Context, user domain.User) {
	s.mu.RLock()
	known := len(s.stores) > 0
	s.mu.RUnlock()
	if !known && s.Online() {
		stores, err := s.api.ListStores(ctx)
		if err != nil {
			s.report(ctx, err, map[string]any{"op": "list_stores"})
		} else {
			s.mu.Lock()
			s.stores = stores
			s.mu.Unlock()
			_ = s.cache.Put(ctx, cache.KeyStores, stores, cache.DefaultPut)
		}
	}

	selected := ""
	var cached string
	if s.cache.Get(ctx, cache.KeySelectedStore, &cached, cache.DefaultGet) && user.CanAccessStore(cached) {
		selected = cached
	}
	if selected == "" && user.Role != domain.RoleAdmin && user.AssignedStoreID != "" {
		selected = user.AssignedStoreID
	}
	if selected == "" && user.CanAccessStore(s.opts.DefaultStoreID) {
		selected = s.opts.DefaultStoreID
	}
	if selected == "" {
		s.mu.RLock()
		for _, st := range s.stores {
			if user.CanAccessStore(st.ID) {
				selected = st.ID
				break
			}
		}
		s.mu.RUnlock()
	}

	s.mu.Lock()
	s.currentStore = selected
	s.mu.Unlock()
	_ = s.cache.Put(ctx, cache.KeySelectedStore, selected, cache.Options{})
	s.logger.Info("store selected", zap.String("store", selected), zap.String("user", user.Username))
}

func (s *Store) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetOnline records connectivity. Coming back online flushes the outbox.
func (s *Store) SetOnline(ctx context.Context, online bool) error {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()
	if online && !was {
		s.logger.Info("connectivity restored")
		return s.FlushPending(ctx)
	}
	if !online && was {
		s.logger.Warn("connectivity lost")
	}
	return nil
}

// Run probes the remote API and refreshes every interval until ctx ends.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		pingErr := s.api.Ping(pingCtx)
		cancel()
		if err := s.SetOnline(ctx, pingErr == nil); err != nil {
			s.logger.Warn("outbox flush failed", zap.Error(err))
		}
		if pingErr != nil {
			continue
		}
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("periodic refresh failed", zap.Error(err))
		}
	}
}

// beginRefresh cancels any in-flight refresh and returns a context bounded
// by the refresh timeout together with its generation.
func (s *Store) beginRefresh(ctx context.Context) (context.Context, uint64, context.CancelFunc) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.cancelRefresh != nil {
		s.cancelRefresh()
	}
	s.generation++
	ctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
	s.cancelRefresh = cancel
	return ctx, s.generation, cancel
}

// Refresh replaces catalog, sales, customers and credits with server truth.
// Pending sales are replayed first and kept on top of the result. A refresh
// superseded by a newer one discards its results and returns nil.
func (s *Store) Refresh(ctx context.Context) error {
	if !s.Online() {
		return nil
	}
	rctx, gen, cancel := s.beginRefresh(ctx)
	defer cancel()
	start := time.Now()

	if err := s.FlushPending(rctx); err != nil {
		s.logger.Warn("outbox replay incomplete", zap.Error(err))
	}

	var (
		products  []domain.Product
		sales     []domain.Sale
		customers []domain.Customer
		credits   []domain.Credit
	)
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() (err error) {
		products, err = s.api.ListProducts(gctx)
		return err
	})
	g.Go(func() (err error) {
		sales, err = s.api.ListSales(gctx)
		return err
	})
	g.Go(func() (err error) {
		customers, err = s.api.ListCustomers(gctx)
		return err
	})
	g.Go(func() (err error) {
		credits, err = s.api.ListCredits(gctx)
		return err
	})
	err := g.Wait()

	s.refreshMu.Lock()
	if gen != s.generation {
		s.refreshMu.Unlock()
		s.metrics.Refresh("superseded", time.Since(start))
		s.logger.Debug("refresh superseded", zap.Uint64("generation", gen))
		return nil
	}
	if err != nil {
		s.refreshMu.Unlock()
		s.metrics.Refresh("error", time.Since(start))
		s.report(ctx, err, map[string]any{"op": "refresh"})
		return err
	}

	for i := range credits {
		credits[i].Normalize()
	}

	s.mu.Lock()
	pending := slices.Clone(s.pending)
	sales, products = overlayPending(sales, products, pending)
	s.products = products
	s.sales = sales
	s.customers = customers
	s.credits = credits
	s.mu.Unlock()
	s.refreshMu.Unlock()

	s.persistCollections(ctx, products, sales, customers, credits)
	s.metrics.Refresh("ok", time.Since(start))
	s.logger.Info("refresh complete",
		zap.Int("products", len(products)),
		zap.Int("sales", len(sales)),
		zap.Int("customers", len(customers)),
		zap.Int("credits", len(credits)),
		zap.Duration("took", time.Since(start)),
	)
	s.notifySales()
	return nil
}

// overlayPending keeps queued sales visible on top of a server snapshot and
// applies their stock effect, never below zero.
func overlayPending(sales []domain.Sale, products []domain.Product, pending []domain.Sale) ([]domain.Sale, []domain.Product) {
	if len(pending) == 0 {
		return sales, products
	}
	seen := make(map[string]bool, len(sales))
	for _, sale := range sales {
		seen[sale.ID] = true
	}
	index := make(map[string]int, len(products))
	for i, p := range products {
		index[p.ID] = i
	}
	var unsynced []domain.Sale
	for _, sale := range pending {
		if seen[sale.ID] {
			continue
		}
		unsynced = append(unsynced, sale.Clone())
		for _, line := range sale.Items {
			if i, ok := index[line.ProductID]; ok {
				products[i].Stock = max(products[i].Stock-line.Quantity, 0)
			}
		}
	}
	slices.Reverse(unsynced)
	return append(unsynced, sales...), products
}

func (s *Store) persistCollections(ctx context.Context, products []domain.Product, sales []domain.Sale, customers []domain.Customer, credits []domain.Credit) {
	// Failures are reported by the cache; memory stays authoritative.
	_ = s.cache.Put(ctx, cache.KeyProducts, products, cache.DefaultPut)
	_ = s.cache.Put(ctx, cache.KeySales, sales, cache.DefaultPut)
	_ = s.cache.Put(ctx, cache.KeyCustomers, customers, cache.DefaultPut)
	_ = s.cache.Put(ctx, cache.KeyCredits, credits, cache.DefaultPut)
}

// refreshAfterWrite re-syncs after a successful remote write. The write
// already succeeded, so a refresh failure is only logged.
func (s *Store) refreshAfterWrite(ctx context.Context, op string) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("refresh after write failed", zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) requireOnline() error {
	if s.Online() {
		return nil
	}
	return resilience.Wrap(resilience.KindNetwork, ErrOffline, "this change needs a connection to the server")
}

// ChangeStore switches the selected store on behalf of actor, or of the
// initialized user when actor is nil. Users assigned to another store are
// refused and the selection is left unchanged.
func (s *Store) ChangeStore(ctx context.Context, actor *domain.User, storeID string) error {
	s.mu.RLock()
	current := s.currentStore
	user := s.user
	stores := s.stores
	s.mu.RUnlock()
	if actor != nil {
		user = actor
	}

	if storeID == current {
		return nil
	}
	if user != nil && !user.CanAccessStore(storeID) {
		s.logger.Warn("store change refused",
			zap.String("user", user.Username),
			zap.String("assigned", user.AssignedStoreID),
			zap.String("requested", storeID),
		)
		return resilience.Wrap(resilience.KindBusiness, ErrStoreRestricted,
			fmt.Sprintf("you can only work in store %s", user.AssignedStoreID))
	}
	if len(stores) > 0 && !slices.ContainsFunc(stores, func(st domain.Store) bool { return st.ID == storeID }) {
		return resilience.Wrap(resilience.KindValidation, ErrUnknownStore, fmt.Sprintf("store %s does not exist", storeID))
	}

	s.mu.Lock()
	s.currentStore = storeID
	s.mu.Unlock()
	_ = s.cache.Put(ctx, cache.KeySelectedStore, storeID, cache.Options{})
	s.logger.Info("store changed", zap.String("from", current), zap.String("to", storeID))

	if !s.Online() {
		return nil
	}
	return s.Refresh(ctx)
}

func (s *Store) CurrentStoreID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStore
}

func (s *Store) User() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return domain.User{}, false
	}
	return *s.user, true
}

// Products lists the catalog of the selected store.
func (s *Store) Products() []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.StoreID == s.currentStore || p.StoreID == "" {
			out = append(out, p)
		}
	}
	return out
}

// AllProducts lists products across every store.
func (s *Store) AllProducts() []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.products)
}

func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.productIndex(id)
	if i < 0 {
		return domain.Product{}, false
	}
	return s.products[i], true
}

// StockOf reports the known stock of a product.
func (s *Store) StockOf(productID string) (int, bool) {
	p, ok := s.Product(productID)
	return p.Stock, ok
}

func (s *Store) Sales() []domain.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if sale.StoreID == s.currentStore || sale.StoreID == "" {
			out = append(out, sale.Clone())
		}
	}
	return out
}

func (s *Store) AllSales() []domain.Sale {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, len(s.sales))
	for i, sale := range s.sales {
		out[i] = sale.Clone()
	}
	return out
}

func (s *Store) Returns() []domain.ReturnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReturnRecord, 0, len(s.returns))
	for _, r := range s.returns {
		if r.StoreID == s.currentStore || r.StoreID == "" {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) AllReturns() []domain.ReturnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.returns)
}

func (s *Store) Customers() []domain.Customer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.customers)
}

func (s *Store) Credits() []domain.Credit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Credit, len(s.credits))
	for i, c := range s.credits {
		out[i] = c.Clone()
	}
	return out
}

func (s *Store) Stores() []domain.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.stores)
}

// productIndex expects s.mu to be held.
func (s *Store) productIndex(id string) int {
	return slices.IndexFunc(s.products, func(p domain.Product) bool { return p.ID == id })
}

func (s *Store) invalid(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return resilience.Wrap(resilience.KindValidation, err,
			fmt.Sprintf("%s is invalid (%s)", verrs[0].Field(), verrs[0].Tag()))
	}
	return resilience.Wrap(resilience.KindValidation, err, "")
}
