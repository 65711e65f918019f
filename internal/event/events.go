package event

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Type defines the type of event.
type Type uint16

const (
	EvOrderUpdate Type = iota + 1
	EvQuote
	EvPlaceResult
	EvCancelResult
	EvAckTimeout
	EvReplace
	EvReconcile
	EvStop
)

func (t Type) String() string {
	switch t {
	case EvOrderUpdate:
		return "ORDER_UPDATE"
	case EvQuote:
		return "QUOTE"
	case EvPlaceResult:
		return "PLACE_RESULT"
	case EvCancelResult:
		return "CANCEL_RESULT"
	case EvAckTimeout:
		return "ACK_TIMEOUT"
	case EvReplace:
		return "REPLACE"
	case EvReconcile:
		return "RECONCILE"
	case EvStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Event is the interface for all state machine inbox events.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
}

// BaseEvent contains common fields for all events.
// Seq is stamped by the consumer on receipt; Ts is unix microseconds at the source.
type BaseEvent struct {
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() int64   { return e.Ts }

// Stamp sets the sequence number.
func (e *BaseEvent) Stamp(seq uint64) { e.Seq = seq }

// Now returns a BaseEvent stamped with the current time.
func Now() BaseEvent {
	return BaseEvent{Ts: time.Now().UnixMicro()}
}

// UpdateKind is the lifecycle change reported by the exchange feed.
type UpdateKind string

const (
	UpdateAccepted        UpdateKind = "ACCEPTED"
	UpdatePartiallyFilled UpdateKind = "PARTIALLY_FILLED"
	UpdateFilled          UpdateKind = "FILLED"
	UpdateCanceled        UpdateKind = "CANCELED"
	UpdateRejected        UpdateKind = "REJECTED"
)

// OrderUpdateEvent is one order-lifecycle notification from the feed. Delivery is at-least-once.
type OrderUpdateEvent struct {
	BaseEvent
	Kind       UpdateKind      `json:"kind"`
	Symbol     string          `json:"symbol"`
	ClientID   string          `json:"client_id"`
	ExchangeID string          `json:"exchange_id"`
	Quantity   decimal.Decimal `json:"quantity"`  // filled by this event
	Remaining  decimal.Decimal `json:"remaining"` // still open after this event
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Reason     string          `json:"reason,omitempty"`
}

func (e OrderUpdateEvent) GetType() Type { return EvOrderUpdate }

// QuoteEvent is a best bid/ask update.
type QuoteEvent struct {
	BaseEvent
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

func (e QuoteEvent) GetType() Type { return EvQuote }

// PlaceResultEvent is the executor's outcome for a place intent.
type PlaceResultEvent struct {
	BaseEvent
	ClientID   string `json:"client_id"`
	ExchangeID string `json:"exchange_id"`
	Attempts   int    `json:"attempts"`
	Duplicate  bool   `json:"duplicate"`
	Err        error  `json:"-"`
}

func (e PlaceResultEvent) GetType() Type { return EvPlaceResult }

// CancelResultEvent is the executor's outcome for a cancel intent.
type CancelResultEvent struct {
	BaseEvent
	ClientID string `json:"client_id"`
	Err      error  `json:"-"`
}

func (e CancelResultEvent) GetType() Type { return EvCancelResult }

// AckTimeoutEvent fires when a placed order has not been acknowledged in time.
type AckTimeoutEvent struct {
	BaseEvent
	ClientID string `json:"client_id"`
}

func (e AckTimeoutEvent) GetType() Type { return EvAckTimeout }

// ReplaceEvent asks for a re-placement at a level after a backoff.
// Token must match the level's current token, otherwise the timer is stale.
type ReplaceEvent struct {
	BaseEvent
	Level int    `json:"level"`
	Token uint64 `json:"token"`
}

func (e ReplaceEvent) GetType() Type { return EvReplace }

// ReconcileEvent carries the exchange's view of this run's open orders.
type ReconcileEvent struct {
	BaseEvent
	OpenClientIDs []string `json:"open_client_ids"`
}

func (e ReconcileEvent) GetType() Type { return EvReconcile }

// StopEvent asks the state machine to cancel everything and wind down.
type StopEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func (e StopEvent) GetType() Type { return EvStop }

// Feed is an at-least-once source of order-lifecycle events for a symbol.
// Subscribe returns once the subscription is started; events are delivered until ctx is done.
type Feed interface {
	Subscribe(ctx context.Context, symbol string, inbox chan<- Event) error
}
