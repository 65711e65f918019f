package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction of a grid level.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side a replenishment order takes.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of a GridOrder.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusStale           OrderStatus = "STALE" // PENDING past the ack timeout
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Level is one planned price point of the grid.
type Level struct {
	Index   int             `json:"index"`
	Price   decimal.Decimal `json:"price"`
	Side    Side            `json:"side,omitempty"`
	Skipped bool            `json:"skipped,omitempty"` // sits exactly at the market price
}

// GridOrder is the state machine's record of one order at one level.
type GridOrder struct {
	Level      int             `json:"level"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	ClientID   string          `json:"client_id"`
	ExchangeID string          `json:"exchange_id,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
	Filled     decimal.Decimal `json:"filled"`
	Notional   decimal.Decimal `json:"notional"` // sum of fill price * fill qty
	Fee        decimal.Decimal `json:"fee"`
	Status     OrderStatus     `json:"status"`

	// Seq is the level's replenishment sequence at the time the order was created.
	Seq uint64 `json:"seq"`

	// ParentPrice is the fill price of the opposite-side order this one replenishes.
	// Zero for orders placed at grid initialization.
	ParentPrice decimal.Decimal `json:"parent_price"`

	PlaceAttempts int       `json:"place_attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsLive reports whether the order occupies its level.
func (o *GridOrder) IsLive() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusStale, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// IsOpen reports whether the order is resting on the exchange.
func (o *GridOrder) IsOpen() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// Remaining returns the unfilled quantity.
func (o *GridOrder) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// AvgPrice returns the volume-weighted fill price, or the limit price before any fill.
func (o *GridOrder) AvgPrice() decimal.Decimal {
	if o.Filled.IsZero() {
		return o.Price
	}
	return o.Notional.Div(o.Filled)
}

// Fill is emitted to observers once per FILLED transition, and once for the
// executed part of an order canceled or abandoned while partially filled.
type Fill struct {
	Symbol      string          `json:"symbol"`
	Level       int             `json:"level"`
	Side        Side            `json:"side"`
	ClientID    string          `json:"client_id"`
	ExchangeID  string          `json:"exchange_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	ParentPrice decimal.Decimal `json:"parent_price"`
	Partial     bool            `json:"partial,omitempty"`
	Time        time.Time       `json:"time"`
}

// ClosesPair reports whether this fill completes a buy/sell round trip.
// A partial fill earns spread but leaves the pair open.
func (f Fill) ClosesPair() bool {
	return !f.ParentPrice.IsZero() && !f.Partial
}
