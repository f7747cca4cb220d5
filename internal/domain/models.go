package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type Product struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	SKU       string `json:"sku"`
	Barcode   string `json:"barcode,omitempty"`
	Category  string `json:"category,omitempty"`
	Price     int64  `json:"price" validate:"gte=0"`
	CostPrice int64  `json:"costPrice" validate:"gte=0"`
	Stock     int    `json:"stock" validate:"gte=0"`
	MinStock  int    `json:"minStock" validate:"gte=0"`
	MaxStock  int    `json:"maxStock" validate:"gte=0"`
	StoreID   string `json:"storeId"`
	Archived  bool   `json:"archived,omitempty"`
}

type Customer struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	CreditLimit int64  `json:"creditLimit,omitempty" validate:"gte=0"`
}

type Store struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentCredit PaymentMethod = "credit"
	PaymentMobile PaymentMethod = "mobile"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentCredit, PaymentMobile:
		return true
	}
	return false
}

type SaleStatus string

const (
	SaleCompleted         SaleStatus = "completed"
	SalePartiallyRefunded SaleStatus = "partially_refunded"
	SaleRefunded          SaleStatus = "refunded"
)

type SaleLine struct {
	ProductID string `json:"productId" validate:"required"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=0"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	LineTotal int64  `json:"lineTotal"`
}

// Sale carries a single canonical timestamp. Legacy payloads that only carry
// "date" or "timestamp" are accepted on decode.
type Sale struct {
	ID             string        `json:"id" validate:"required"`
	ReceiptNumber  string        `json:"receiptNumber"`
	Items          []SaleLine    `json:"items" validate:"dive"`
	Subtotal       int64         `json:"subtotal"`
	Tax            int64         `json:"tax"`
	Total          int64         `json:"total"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	AmountReceived int64         `json:"amountReceived,omitempty"`
	Change         int64         `json:"change,omitempty"`
	CustomerID     string        `json:"customerId,omitempty"`
	StoreID        string        `json:"storeId"`
	CashSessionID  string        `json:"cashSessionId,omitempty"`
	Operator       string        `json:"operator,omitempty"`
	Status         SaleStatus    `json:"status,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (s *Sale) UnmarshalJSON(data []byte) error {
	type plain Sale
	aux := struct {
		*plain
		Date      *time.Time `json:"date,omitempty"`
		Timestamp *time.Time `json:"timestamp,omitempty"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		switch {
		case aux.Date != nil:
			s.CreatedAt = *aux.Date
		case aux.Timestamp != nil:
			s.CreatedAt = *aux.Timestamp
		}
	}
	return nil
}

// QuantityOf sums the quantity sold for productID across all lines.
func (s Sale) QuantityOf(productID string) int {
	qty := 0
	for _, line := range s.Items {
		if line.ProductID == productID {
			qty += line.Quantity
		}
	}
	return qty
}

func (s Sale) Clone() Sale {
	s.Items = slices.Clone(s.Items)
	return s
}

type CreditStatus string

const (
	CreditPending CreditStatus = "pending"
	CreditPartial CreditStatus = "partial"
	CreditPaid    CreditStatus = "paid"
)

type CreditPayment struct {
	Amount int64     `json:"amount" validate:"gt=0"`
	Date   time.Time `json:"date"`
}

type Credit struct {
	ID              string          `json:"id" validate:"required"`
	CustomerID      string          `json:"customerId" validate:"required"`
	SaleID          string          `json:"saleId,omitempty"`
	OriginalAmount  int64           `json:"originalAmount" validate:"gt=0"`
	RemainingAmount int64           `json:"remainingAmount" validate:"gte=0"`
	Payments        []CreditPayment `json:"payments" validate:"dive"`
	Status          CreditStatus    `json:"status"`
	DueDate         *time.Time      `json:"dueDate,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func (c Credit) Clone() Credit {
	c.Payments = slices.Clone(c.Payments)
	if c.DueDate != nil {
		due := *c.DueDate
		c.DueDate = &due
	}
	return c
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

type CashSession struct {
	ID             string        `json:"id" validate:"required"`
	StoreID        string        `json:"storeId,omitempty"`
	TerminalID     string        `json:"terminalId,omitempty"`
	OpenedAt       time.Time     `json:"openedAt"`
	OpenedBy       string        `json:"openedBy"`
	InitialAmount  int64         `json:"initialAmount" validate:"gte=0"`
	Status         SessionStatus `json:"status" validate:"oneof=open closed"`
	ClosedAt       *time.Time    `json:"closedAt,omitempty"`
	ClosedBy       string        `json:"closedBy,omitempty"`
	ExpectedAmount int64         `json:"expectedAmount,omitempty"`
	ActualAmount   int64         `json:"actualAmount,omitempty"`
	Difference     int64         `json:"difference,omitempty"`
	Notes          string        `json:"notes,omitempty"`
}

type OperationType string

const (
	OperationOpening OperationType = "opening"
	OperationSale    OperationType = "sale"
	OperationReturn  OperationType = "return"
	OperationClosing OperationType = "closing"
)

type SessionOperation struct {
	Type      OperationType `json:"type"`
	Amount    int64         `json:"amount"`
	Method    PaymentMethod `json:"method,omitempty"`
	Reference string        `json:"reference,omitempty"`
	Operator  string        `json:"operator,omitempty"`
	At        time.Time     `json:"at"`
}

type MethodTotal struct {
	Count int   `json:"count"`
	Total int64 `json:"total"`
}

type ClosingReport struct {
	Session      CashSession                   `json:"session"`
	SalesCount   int                           `json:"salesCount"`
	SalesTotal   int64                         `json:"salesTotal"`
	CashSales    int64                         `json:"cashSales"`
	ByMethod     map[PaymentMethod]MethodTotal `json:"byMethod"`
	ExpectedCash int64                         `json:"expectedCash"`
	ActualCash   int64                         `json:"actualCash"`
	Difference   int64                         `json:"difference"`
	Operations   []SessionOperation            `json:"operations,omitempty"`
}

type CartLine struct {
	ProductID string `json:"productId" validate:"required"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=0"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type Totals struct {
	Subtotal  int64 `json:"subtotal"`
	Tax       int64 `json:"tax"`
	Total     int64 `json:"total"`
	ItemCount int   `json:"itemCount"`
}

type ReturnRecord struct {
	ID           string    `json:"id" validate:"required"`
	SaleID       string    `json:"saleId,omitempty"`
	ProductID    string    `json:"productId" validate:"required"`
	StoreID      string    `json:"storeId"`
	Quantity     int       `json:"quantity" validate:"gt=0"`
	RefundAmount int64     `json:"refundAmount" validate:"gte=0"`
	Reason       string    `json:"reason,omitempty"`
	ProcessedBy  string    `json:"processedBy,omitempty"`
	Synced       bool      `json:"synced"`
	CreatedAt    time.Time `json:"createdAt"`
}

type AdjustmentKind string

const (
	AdjustAdd    AdjustmentKind = "add"
	AdjustRemove AdjustmentKind = "remove"
	AdjustCount  AdjustmentKind = "count"
)

type StockAdjustment struct {
	ProductID string         `json:"productId"`
	StoreID   string         `json:"storeId"`
	Kind      AdjustmentKind `json:"kind"`
	Quantity  int            `json:"quantity"`
	Reason    string         `json:"reason,omitempty"`
}

type Transfer struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"productId"`
	FromStoreID string    `json:"fromStoreId"`
	ToStoreID   string    `json:"toStoreId"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleCashier Role = "cashier"
)

// User is the authenticated operator driving a terminal. A non-empty
// AssignedStoreID restricts non-admin users to that store.
type User struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Role            Role   `json:"role"`
	AssignedStoreID string `json:"assignedStoreId,omitempty"`
}

func (u User) CanAccessStore(storeID string) bool {
	if u.Role == RoleAdmin || u.AssignedStoreID == "" {
		return true
	}
	return u.AssignedStoreID == storeID
}

type SalesSummary struct {
	StoreID       string                        `json:"storeId,omitempty"`
	From          time.Time                     `json:"from"`
	To            time.Time                     `json:"to"`
	SalesCount    int                           `json:"salesCount"`
	ItemsSold     int                           `json:"itemsSold"`
	Subtotal      int64                         `json:"subtotal"`
	Tax           int64                         `json:"tax"`
	Total         int64                         `json:"total"`
	AverageTicket int64                         `json:"averageTicket"`
	ByMethod      map[PaymentMethod]MethodTotal `json:"byMethod"`
}

type WeeklySummary struct {
	StoreID string         `json:"storeId,omitempty"`
	Days    []SalesSummary `json:"days"`
	Week    SalesSummary   `json:"week"`
}

type ProductSales struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Revenue   int64  `json:"revenue"`
}

type ReorderSuggestion struct {
	ProductID      string `json:"productId"`
	Name           string `json:"name"`
	StoreID        string `json:"storeId"`
	CurrentStock   int    `json:"currentStock"`
	MinStock       int    `json:"minStock"`
	RecommendedQty int    `json:"recommendedQty"`
	EstimatedCost  int64  `json:"estimatedCost"`
}
