package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/resilience"
)

type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	RetryCount  int
	PageLimit   int
}

type APIError struct {
	StatusCode int
	Status     string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote api error: %s: %s", e.Status, e.Message)
	}
	if e.Body == "" {
		return fmt.Sprintf("remote api error: %s", e.Status)
	}
	return fmt.Sprintf("remote api error: %s: %s", e.Status, e.Body)
}

type Client struct {
	http      *resty.Client
	pageLimit int
	logger    *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(shouldRetry)

	if cfg.AccessToken != "" {
		httpClient.SetAuthScheme("Bearer")
		httpClient.SetAuthToken(cfg.AccessToken)
	}

	return &Client{
		http:      httpClient,
		pageLimit: cfg.PageLimit,
		logger:    logger.Named("remote"),
	}
}

// shouldRetry retries transport failures, 5xx and 429, but only for reads
// and for writes that carry an idempotency key.
func shouldRetry(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil {
		return err != nil
	}
	req := resp.Request
	if req.Method != http.MethodGet && req.Header.Get("Idempotency-Key") == "" {
		return false
	}
	if err != nil {
		return true
	}
	code := resp.StatusCode()
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func (c *Client) Ping(ctx context.Context) error {
	return c.doGet(ctx, "/api/health", nil, nil)
}

func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return listAll[domain.Product](ctx, c, "/api/products")
}

func (c *Client) ListSales(ctx context.Context) ([]domain.Sale, error) {
	return listAll[domain.Sale](ctx, c, "/api/sales")
}

func (c *Client) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return listAll[domain.Customer](ctx, c, "/api/customers")
}

func (c *Client) ListCredits(ctx context.Context) ([]domain.Credit, error) {
	return listAll[domain.Credit](ctx, c, "/api/credits")
}

func (c *Client) ListStores(ctx context.Context) ([]domain.Store, error) {
	return listAll[domain.Store](ctx, c, "/api/stores")
}

func (c *Client) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	return sendOne[domain.Product](ctx, c, http.MethodPost, "/api/products", product, "")
}

func (c *Client) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	return sendOne[domain.Product](ctx, c, http.MethodPut, "/api/products/"+url.PathEscape(product.ID), product, "")
}

func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	return c.doSend(ctx, http.MethodDelete, "/api/products/"+url.PathEscape(id), nil, nil, "")
}

func (c *Client) AdjustStock(ctx context.Context, adj domain.StockAdjustment) (domain.Product, error) {
	path := fmt.Sprintf("/api/products/%s/stock", url.PathEscape(adj.ProductID))
	return sendOne[domain.Product](ctx, c, http.MethodPost, path, adj, "")
}

func (c *Client) CreateTransfer(ctx context.Context, transfer domain.Transfer) (domain.Transfer, error) {
	return sendOne[domain.Transfer](ctx, c, http.MethodPost, "/api/transfers", transfer, transfer.ID)
}

func (c *Client) CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	return sendOne[domain.Customer](ctx, c, http.MethodPost, "/api/customers", customer, "")
}

func (c *Client) UpdateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	return sendOne[domain.Customer](ctx, c, http.MethodPut, "/api/customers/"+url.PathEscape(customer.ID), customer, "")
}

func (c *Client) CreateSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	return sendOne[domain.Sale](ctx, c, http.MethodPost, "/api/sales", sale, sale.ID)
}

func (c *Client) CreateReturn(ctx context.Context, ret domain.ReturnRecord) (domain.ReturnRecord, error) {
	return sendOne[domain.ReturnRecord](ctx, c, http.MethodPost, "/api/returns", ret, ret.ID)
}

func (c *Client) CreateCredit(ctx context.Context, credit domain.Credit) (domain.Credit, error) {
	return sendOne[domain.Credit](ctx, c, http.MethodPost, "/api/credits", credit, credit.ID)
}

func (c *Client) AddCreditPayment(ctx context.Context, creditID string, payment domain.CreditPayment) (domain.Credit, error) {
	path := fmt.Sprintf("/api/credits/%s/payments", url.PathEscape(creditID))
	return sendOne[domain.Credit](ctx, c, http.MethodPost, path, payment, "")
}

func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var query map[string]string
	if c.pageLimit > 0 {
		query = map[string]string{"limit": strconv.Itoa(c.pageLimit)}
	}
	var resp List[T]
	if err := c.doGet(ctx, path, query, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		return []T{}, nil
	}
	return resp.Items, nil
}

func sendOne[T any](ctx context.Context, c *Client, method string, path string, body any, idempotencyKey string) (T, error) {
	var resp One[T]
	if err := c.doSend(ctx, method, path, body, &resp, idempotencyKey); err != nil {
		var zero T
		return zero, err
	}
	return resp.Item, nil
}

func (c *Client) doGet(ctx context.Context, path string, query map[string]string, result any) error {
	req := c.http.R().SetContext(ctx)
	if result != nil {
		req.SetResult(result)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	started := time.Now()
	resp, err := req.Get(path)
	c.logger.Debug("remote request",
		zap.String("method", http.MethodGet),
		zap.String("path", path),
		zap.Duration("took", time.Since(started)),
		zap.Error(err))
	return classify(resp, err)
}

func (c *Client) doSend(ctx context.Context, method string, path string, body any, result any, idempotencyKey string) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}

	started := time.Now()
	resp, err := req.Execute(method, path)
	c.logger.Debug("remote request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Duration("took", time.Since(started)),
		zap.Error(err))
	return classify(resp, err)
}

// classify maps transport and HTTP failures onto the error taxonomy:
// unreachable or failing servers are network errors, refusals are business
// errors carrying the server's own message.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		if ctxErr := context.Cause(contextOf(resp)); ctxErr != nil {
			err = ctxErr
		}
		return resilience.Wrap(resilience.KindNetwork, fmt.Errorf("%w: %w", ErrUnreachable, err), "remote api unreachable")
	}
	if resp == nil || !resp.IsError() {
		return nil
	}

	apiErr := apiErrorFromResponse(resp)
	code := resp.StatusCode()
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return resilience.Wrap(resilience.KindBusiness, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr), "not authorized for this operation").
			WithSeverity(resilience.SeverityHigh)
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return resilience.Wrap(resilience.KindNetwork, fmt.Errorf("%w: %w", ErrUnreachable, apiErr), "remote api unavailable")
	default:
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return resilience.Wrap(resilience.KindBusiness, fmt.Errorf("%w: %w", ErrRejected, apiErr), msg).
			WithContext("status", code)
	}
}

func contextOf(resp *resty.Response) context.Context {
	if resp == nil || resp.Request == nil || resp.Request.Context() == nil {
		return context.Background()
	}
	return resp.Request.Context()
}

func apiErrorFromResponse(resp *resty.Response) *APIError {
	body := strings.TrimSpace(resp.String())
	apiErr := &APIError{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Body:       body,
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
