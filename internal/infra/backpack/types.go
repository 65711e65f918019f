package backpack

import (
	"time"

	"grid_go/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second

	sideBid = "Bid"
	sideAsk = "Ask"
)

func toSide(s domain.Side) string {
	if s == domain.SideSell {
		return sideAsk
	}
	return sideBid
}

func fromSide(s string) domain.Side {
	if s == sideAsk {
		return domain.SideSell
	}
	return domain.SideBuy
}

// orderRequest is the body of POST /api/v1/order.
type orderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	TimeInForce string `json:"timeInForce"`
	PostOnly    bool   `json:"postOnly,omitempty"`
	ClientID    uint32 `json:"clientId"`
}

func (r orderRequest) params() map[string]string {
	p := map[string]string{
		"symbol":      r.Symbol,
		"side":        r.Side,
		"orderType":   r.OrderType,
		"price":       r.Price,
		"quantity":    r.Quantity,
		"timeInForce": r.TimeInForce,
		"clientId":    formatID(r.ClientID),
	}
	if r.PostOnly {
		p["postOnly"] = "true"
	}
	return p
}

// orderResponse is an order as returned by the REST API.
type orderResponse struct {
	ID               string          `json:"id"`
	ClientID         *uint32         `json:"clientId"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	Status           string          `json:"status"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type balanceEntry struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Staked    decimal.Decimal `json:"staked"`
}

// depthResponse levels are [price, quantity] string pairs.
type depthResponse struct {
	Asks [][2]decimal.Decimal `json:"asks"`
	Bids [][2]decimal.Decimal `json:"bids"`
}

type marketResponse struct {
	Symbol      string `json:"symbol"`
	BaseSymbol  string `json:"baseSymbol"`
	QuoteSymbol string `json:"quoteSymbol"`
	Filters     struct {
		Price struct {
			TickSize decimal.Decimal `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			StepSize    decimal.Decimal `json:"stepSize"`
			MinQuantity decimal.Decimal `json:"minQuantity"`
		} `json:"quantity"`
	} `json:"filters"`
}

// Websocket messages

type subscribeRequest struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	Signature []string `json:"signature,omitempty"`
}

type bookTicker struct {
	Symbol string          `json:"s"`
	Bid    decimal.Decimal `json:"b"`
	Ask    decimal.Decimal `json:"a"`
	Time   int64           `json:"E"` // microseconds
}

// orderUpdate is an account.orderUpdate payload.
type orderUpdate struct {
	Event         string          `json:"e"`
	Time          int64           `json:"E"` // microseconds
	Symbol        string          `json:"s"`
	ClientID      *uint32         `json:"c"`
	Side          string          `json:"S"`
	Quantity      decimal.Decimal `json:"q"`
	Price         decimal.Decimal `json:"p"`
	Status        string          `json:"X"`
	OrderID       string          `json:"i"`
	FillQuantity  decimal.Decimal `json:"l"`
	FillPrice     decimal.Decimal `json:"L"`
	Executed      decimal.Decimal `json:"z"`
	Fee           decimal.Decimal `json:"n"`
	FeeAsset      string          `json:"N"`
	IsMaker       bool            `json:"m"`
	RejectMessage string          `json:"r"`
}
