package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/auth"
	"kasirinaja/terminal/internal/cache"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/reconcile"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/session"
)

type Options struct {
	Verifier      *auth.Verifier
	Errors        *resilience.Handler
	Inbox         *resilience.Inbox
	Cache         *cache.Manager
	Gatherer      prometheus.Gatherer
	AllowedOrigin string
	Logger        *zap.Logger
	Now           func() time.Time
}

// API is the local HTTP surface the UI shell drives.
type API struct {
	service       *service.Service
	verifier      *auth.Verifier
	errors        *resilience.Handler
	inbox         *resilience.Inbox
	cache         *cache.Manager
	gatherer      prometheus.Gatherer
	allowedOrigin string
	logger        *zap.Logger
	now           func() time.Time
}

func New(svc *service.Service, opts Options) *API {
	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier("")
	}
	if opts.Errors == nil {
		opts.Errors = resilience.NewHandler(resilience.Options{})
	}
	if opts.Inbox == nil {
		opts.Inbox = resilience.NewInbox(0)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		service:       svc,
		verifier:      opts.Verifier,
		errors:        opts.Errors,
		inbox:         opts.Inbox,
		cache:         opts.Cache,
		gatherer:      opts.Gatherer,
		allowedOrigin: opts.AllowedOrigin,
		logger:        opts.Logger.Named("httpapi"),
		now:           opts.Now,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, a.recoverer, a.withMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth())

		r.Get("/products", a.handleProducts)
		r.Get("/products/all", a.handleAllProducts)
		r.Get("/stores", a.handleStores)
		r.Put("/store", a.handleChangeStore)
		r.Get("/sync", a.handleSyncStatus)
		r.Post("/refresh", a.handleRefresh)

		r.Get("/session", a.handleSession)
		r.Post("/session", a.handleOpenSession)
		r.Post("/session/close", a.handleCloseSession)
		r.Get("/session/reports", a.handleSessionReports)
		r.Get("/session/reports/{sessionId}/operations", a.handleReportOperations)
		r.Get("/session/totals", a.handleSessionTotals)

		r.Get("/cart", a.handleCart)
		r.Delete("/cart", a.handleClearCart)
		r.Post("/cart/items", a.handleAddCartItem)
		r.Put("/cart/items/{productId}", a.handleSetCartQuantity)
		r.Delete("/cart/items/{productId}", a.handleRemoveCartItem)
		r.Post("/checkout", a.handleCheckout)

		r.Get("/sales", a.handleSales)
		r.Get("/returns", a.handleReturns)
		r.Post("/returns", a.handleCreateReturn)

		r.Get("/customers", a.handleCustomers)
		r.Get("/credits", a.handleCredits)
		r.Post("/credits/{creditId}/payments", a.handleCreditPayment)

		r.Get("/reports/daily", a.handleDailyReport)
		r.Get("/reports/weekly", a.handleWeeklyReport)
		r.Get("/reports/top-products", a.handleTopProducts)
		r.Get("/reports/reorder", a.handleReorderSuggestions)

		r.Get("/notifications", a.handleNotifications)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(domain.RoleAdmin, domain.RoleManager))

			r.Post("/products", a.handleCreateProduct)
			r.Put("/products/{productId}", a.handleUpdateProduct)
			r.Delete("/products/{productId}", a.handleDeleteProduct)
			r.Post("/products/{productId}/stock", a.handleAdjustStock)
			r.Post("/transfers", a.handleTransfer)
			r.Post("/customers", a.handleCreateCustomer)
			r.Put("/customers/{customerId}", a.handleUpdateCustomer)

			r.Get("/diagnostics/errors", a.handleErrorLog)
			r.Get("/diagnostics/storage", a.handleStorageUsage)
			r.Post("/reload", a.handleReload)
		})
	})

	return r
}

func (a *API) requireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			user, err := a.verifier.Parse(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				a.writeError(w, r, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(service.WithUser(r.Context(), user)))
		})
	}
}

func (a *API) requireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := service.UserFromContext(r.Context())
			if !ok || !slices.Contains(roles, user.Role) {
				a.writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := a.now()
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", a.now().Sub(startedAt)),
			zap.String("requestId", middleware.GetReqID(r.Context())),
		)
	})
}

// recoverer funnels handler panics into the error handler as system errors.
func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := resilience.Newf(resilience.KindSystem, "panic serving %s %s: %v", r.Method, r.URL.Path, rec).
				WithContext("requestId", middleware.GetReqID(r.Context()))
			a.errors.Handle(r.Context(), err, nil)
			a.writeError(w, r, http.StatusInternalServerError, err)
		}()
		next.ServeHTTP(w, r)
	})
}

// statusFor maps an error from the stores onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrManagerApproval):
		return http.StatusForbidden
	case errors.Is(err, reconcile.ErrStoreRestricted):
		return http.StatusForbidden
	case errors.Is(err, reconcile.ErrProductNotFound),
		errors.Is(err, reconcile.ErrCustomerNotFound),
		errors.Is(err, reconcile.ErrCreditNotFound),
		errors.Is(err, reconcile.ErrSaleNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInsufficientPayment),
		errors.Is(err, session.ErrCustomerRequired):
		return http.StatusUnprocessableEntity
	}
	switch resilience.KindOf(err) {
	case resilience.KindValidation:
		return http.StatusBadRequest
	case resilience.KindBusiness:
		return http.StatusConflict
	case resilience.KindNetwork:
		return http.StatusServiceUnavailable
	case resilience.KindStorage:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.writeError(w, r, statusFor(err), err)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	body := map[string]any{"error": err.Error()}
	if _, ok := resilience.As(err); ok {
		body["error"] = a.errors.UserMessage(err)
		body["kind"] = resilience.KindOf(err)
	}
	if status >= 500 {
		a.logger.Error("request failed",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if _, ok := resilience.As(err); !ok {
			body["error"] = "internal server error"
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return resilience.Wrap(resilience.KindValidation, err, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func parsePositiveInt(raw string, fallback int, max int) int {
	value := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		value = parsed
	}
	if max > 0 && value > max {
		return max
	}
	return value
}

func (a *API) parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return a.now().UTC(), nil
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, resilience.Wrap(resilience.KindValidation, err, "date must look like 2006-01-02")
	}
	return day, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
