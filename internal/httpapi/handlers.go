package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/resilience"
	"kasirinaja/terminal/internal/service"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	catalog := a.service.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"online":   catalog.Online(),
		"terminal": a.service.Register().TerminalID(),
		"at":       a.now().UTC(),
	})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": a.service.Catalog().Products()})
}

func (a *API) handleAllProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": a.service.Catalog().AllProducts()})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var product domain.Product
	if err := decodeJSON(r, &product); err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.service.Catalog().AddProduct(r.Context(), product)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": created})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var product domain.Product
	if err := decodeJSON(r, &product); err != nil {
		a.fail(w, r, err)
		return
	}
	product.ID = chi.URLParam(r, "productId")
	updated, err := a.service.Catalog().UpdateProduct(r.Context(), product)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": updated})
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Catalog().DeleteProduct(r.Context(), chi.URLParam(r, "productId")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stockRequest struct {
	Kind     domain.AdjustmentKind `json:"kind"`
	Quantity int                   `json:"quantity"`
	Reason   string                `json:"reason"`
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	catalog := a.service.Catalog()
	productID := chi.URLParam(r, "productId")

	var (
		product domain.Product
		err     error
	)
	switch req.Kind {
	case domain.AdjustAdd:
		product, err = catalog.AddStock(r.Context(), productID, req.Quantity, req.Reason)
	case domain.AdjustRemove:
		product, err = catalog.RemoveStock(r.Context(), productID, req.Quantity, req.Reason)
	case domain.AdjustCount:
		product, err = catalog.CountStock(r.Context(), productID, req.Quantity, req.Reason)
	default:
		err = resilience.Newf(resilience.KindValidation, "unknown adjustment kind %q", req.Kind)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

type transferRequest struct {
	ProductID string `json:"productId"`
	ToStoreID string `json:"toStoreId"`
	Quantity  int    `json:"quantity"`
}

func (a *API) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	transfer, err := a.service.Catalog().TransferStock(r.Context(), req.ProductID, req.ToStoreID, req.Quantity)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transfer": transfer})
}

func (a *API) handleStores(w http.ResponseWriter, r *http.Request) {
	catalog := a.service.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"stores":  catalog.Stores(),
		"current": catalog.CurrentStoreID(),
	})
}

func (a *API) handleChangeStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoreID string `json:"storeId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	var actor *domain.User
	if user, ok := service.UserFromContext(r.Context()); ok {
		actor = &user
	}
	catalog := a.service.Catalog()
	if err := catalog.ChangeStore(r.Context(), actor, strings.TrimSpace(req.StoreID)); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"current": catalog.CurrentStoreID()})
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	catalog := a.service.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"online":  catalog.Online(),
		"store":   catalog.CurrentStoreID(),
		"pending": catalog.Pending(),
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Catalog().Refresh(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	a.handleSyncStatus(w, r)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	register := a.service.Register()
	cs, open := register.Session()
	body := map[string]any{"open": open}
	if open {
		body["session"] = cs
		body["operations"] = register.Operations()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitialAmount int64 `json:"initialAmount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	cs, err := a.service.OpenSession(r.Context(), req.InitialAmount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": cs})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActualCash int64  `json:"actualCash"`
		Notes      string `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	report, err := a.service.CloseSession(r.Context(), req.ActualCash, req.Notes)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (a *API) handleSessionReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reports": a.service.Register().Reports(r.Context())})
}

func (a *API) handleReportOperations(w http.ResponseWriter, r *http.Request) {
	ops := a.service.Register().ReportOperations(r.Context(), chi.URLParam(r, "sessionId"))
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (a *API) handleSessionTotals(w http.ResponseWriter, r *http.Request) {
	summary, ok := a.service.SessionTotals()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"open": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"open": true, "summary": summary})
}

func (a *API) writeCart(w http.ResponseWriter, status int) {
	register := a.service.Register()
	writeJSON(w, status, map[string]any{
		"items":  register.Cart(),
		"totals": register.Totals(),
	})
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	a.writeCart(w, http.StatusOK)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Register().ClearCart(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeCart(w, http.StatusOK)
}

type cartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (a *API) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if err := a.service.AddToCart(r.Context(), req.ProductID, req.Quantity); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeCart(w, http.StatusOK)
}

func (a *API) handleSetCartQuantity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.service.Register().SetQuantity(r.Context(), chi.URLParam(r, "productId"), req.Quantity); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeCart(w, http.StatusOK)
}

func (a *API) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Register().RemoveItem(r.Context(), chi.URLParam(r, "productId")); err != nil {
		a.fail(w, r, err)
		return
	}
	a.writeCart(w, http.StatusOK)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req service.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	sales := a.service.Catalog().Sales()
	limit := parsePositiveInt(r.URL.Query().Get("limit"), len(sales), 1000)
	if limit < len(sales) {
		sales = sales[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"returns": a.service.Catalog().Returns()})
}

func (a *API) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	var req service.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	ret, err := a.service.ProcessReturn(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": ret})
}

func (a *API) handleCustomers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"customers": a.service.Catalog().Customers()})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var customer domain.Customer
	if err := decodeJSON(r, &customer); err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.service.Catalog().AddCustomer(r.Context(), customer)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": created})
}

func (a *API) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	var customer domain.Customer
	if err := decodeJSON(r, &customer); err != nil {
		a.fail(w, r, err)
		return
	}
	customer.ID = chi.URLParam(r, "customerId")
	updated, err := a.service.Catalog().UpdateCustomer(r.Context(), customer)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer": updated})
}

func (a *API) handleCredits(w http.ResponseWriter, r *http.Request) {
	credits := a.service.Catalog().Credits()
	if customerID := strings.TrimSpace(r.URL.Query().Get("customerId")); customerID != "" {
		filtered := make([]domain.Credit, 0, len(credits))
		for _, c := range credits {
			if c.CustomerID == customerID {
				filtered = append(filtered, c)
			}
		}
		credits = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": credits})
}

func (a *API) handleCreditPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	credit, err := a.service.RecordCreditPayment(r.Context(), chi.URLParam(r, "creditId"), req.Amount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credit": credit})
}

func (a *API) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	day, err := a.parseDay(r.URL.Query().Get("date"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": a.service.DailySummary(r.Context(), day)})
}

func (a *API) handleWeeklyReport(w http.ResponseWriter, r *http.Request) {
	day, err := a.parseDay(r.URL.Query().Get("date"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": a.service.WeeklySummary(r.Context(), day)})
}

func (a *API) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	days := parsePositiveInt(query.Get("days"), 7, 365)
	limit := parsePositiveInt(query.Get("limit"), 10, 100)
	writeJSON(w, http.StatusOK, map[string]any{"products": a.service.TopProducts(days, limit)})
}

func (a *API) handleReorderSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": a.service.ReorderSuggestions()})
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notifications := a.inbox.Drain()
	if notifications == nil {
		notifications = []resilience.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (a *API) handleErrorLog(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"records": a.errors.Records()}
	if a.cache != nil {
		body["persisted"] = a.cache.ErrorLog(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	if a.cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"usage": nil})
		return
	}
	usage, err := a.cache.EstimateUsage(r.Context())
	if err != nil {
		a.fail(w, r, resilience.Wrap(resilience.KindStorage, err, "storage usage unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": usage})
}

// handleReload is the operator's consent to a full reload after a critical
// error prompt.
func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	err := a.errors.Guard(r.Context(), "reload", a.service.Reload)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}
