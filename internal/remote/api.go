package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrUnreachable  = errors.New("remote api unreachable")
	ErrUnauthorized = errors.New("remote api unauthorized")
	ErrRejected     = errors.New("remote api rejected request")
)

// API is the REST collaborator the terminal synchronizes with.
type API interface {
	Ping(ctx context.Context) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListSales(ctx context.Context) ([]domain.Sale, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	ListCredits(ctx context.Context) ([]domain.Credit, error)
	ListStores(ctx context.Context) ([]domain.Store, error)

	CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	AdjustStock(ctx context.Context, adj domain.StockAdjustment) (domain.Product, error)
	CreateTransfer(ctx context.Context, transfer domain.Transfer) (domain.Transfer, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error)

	// CreateSale is idempotent on sale.ID.
	CreateSale(ctx context.Context, sale domain.Sale) (domain.Sale, error)
	CreateReturn(ctx context.Context, ret domain.ReturnRecord) (domain.ReturnRecord, error)

	CreateCredit(ctx context.Context, credit domain.Credit) (domain.Credit, error)
	AddCreditPayment(ctx context.Context, creditID string, payment domain.CreditPayment) (domain.Credit, error)
}

// List accepts both a bare JSON array and a {"data": [...]} wrapper.
type List[T any] struct {
	Items []T
}

func (l *List[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		l.Items = nil
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &l.Items)
	}
	var wrapped struct {
		Data *[]T `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return err
	}
	if wrapped.Data == nil {
		return fmt.Errorf("list response has neither an array nor a data field")
	}
	l.Items = *wrapped.Data
	return nil
}

// One accepts an entity either bare or wrapped as {"data": {...}}.
type One[T any] struct {
	Item T
}

func (o *One[T]) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if inner, ok := probe["data"]; ok {
		if _, hasID := probe["id"]; !hasID {
			return json.Unmarshal(inner, &o.Item)
		}
	}
	return json.Unmarshal(data, &o.Item)
}
