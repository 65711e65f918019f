package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PlaceRequest is a limit order submission keyed by ClientID.
type PlaceRequest struct {
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	ClientID string
	PostOnly bool
}

// PlaceResult is the exchange's acknowledgment of a placed order.
type PlaceResult struct {
	ClientID   string
	ExchangeID string
	// Duplicate is set when the gateway recognized ClientID and returned the original order.
	Duplicate bool
}

// ExchangeOrder is an open order as reported by the exchange.
type ExchangeOrder struct {
	ClientID   string
	ExchangeID string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Filled     decimal.Decimal
}

// OrderGateway places and cancels orders. Place and Cancel must be safe to retry
// with the same ClientID.
type OrderGateway interface {
	Place(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	Cancel(ctx context.Context, symbol, clientID string) error
	OpenOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
}

// QuoteProvider answers on-demand best bid/ask queries.
type QuoteProvider interface {
	BestBidAsk(ctx context.Context, symbol string) (Quote, error)
}

// BalanceProvider is implemented by gateways that can report available balances by asset.
type BalanceProvider interface {
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// MarketInfoProvider is implemented by gateways that expose symbol filters.
type MarketInfoProvider interface {
	MarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
}

// FillObserver receives every FILLED transition exactly once.
// Called from the state machine goroutine; implementations must not block.
type FillObserver interface {
	OnFill(f Fill)
}
