package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side direction of a trade or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// IsValid checks if the Side value is valid.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind market orders execute immediately, limit orders wait for a trigger price.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// TransactionStatusCompleted the only status a recorded transaction has.
const TransactionStatusCompleted = "completed"

// Transaction immutable record of a completed trade.
// Corrections are made with compensating transactions, never by editing.
type Transaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Side           Side            `json:"type"`
	Kind           OrderKind       `json:"order_kind"`
	AssetAmount    decimal.Decimal `json:"asset_amount"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	// OrderID set when the transaction fills a limit order.
	OrderID   string    `json:"order_id,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// String returns a human-readable string representation.
func (t Transaction) String() string {
	return fmt.Sprintf("%s %s asset: %s fiat: %s price: %s",
		t.Kind, t.Side, t.AssetAmount.String(), t.FiatAmount.String(), t.ExecutionPrice.String())
}

// OrderStatus lifecycle state of a limit order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order pending limit instruction awaiting its trigger price.
// Amount is fiat for buy orders and asset for sell orders.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"type"`
	Kind      OrderKind       `json:"order_kind"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	Status    OrderStatus     `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsPending reports whether the order still awaits a fill.
func (o Order) IsPending() bool {
	return o.Status == OrderStatusPending
}

// Triggered reports whether priceLocal crosses the order's trigger price.
func (o Order) Triggered(priceLocal decimal.Decimal) bool {
	if !o.IsPending() || priceLocal.LessThanOrEqual(decimal.Zero) {
		return false
	}
	if o.Side == SideBuy {
		return priceLocal.LessThanOrEqual(o.Price)
	}
	return priceLocal.GreaterThanOrEqual(o.Price)
}
