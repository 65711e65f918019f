package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the terminal status of a grid run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "RUNNING"
	RunStatusCompleted  RunStatus = "COMPLETED"   // duration elapsed
	RunStatusFatalError RunStatus = "FATAL_ERROR" // planning failure or gateway unavailable
	RunStatusSignaled   RunStatus = "SIGNALED"    // external stop
)

// TradeStats is the statistics snapshot carried by snapshots and reports.
type TradeStats struct {
	CompletedPairs int64           `json:"completed_pairs"`
	BuyFills       int64           `json:"buy_fills"`
	SellFills      int64           `json:"sell_fills"`
	BoughtQty      decimal.Decimal `json:"bought_qty"`
	SoldQty        decimal.Decimal `json:"sold_qty"`
	BoughtNotional decimal.Decimal `json:"bought_notional"`
	SoldNotional   decimal.Decimal `json:"sold_notional"`
	Fees           decimal.Decimal `json:"fees"`
	QuoteDelta     decimal.Decimal `json:"quote_delta"` // realized spread income
}

// LeakedOrder is a level left in a non-clean state at the end of a run.
type LeakedOrder struct {
	Level      int         `json:"level"`
	Side       Side        `json:"side"`
	ClientID   string      `json:"client_id"`
	ExchangeID string      `json:"exchange_id,omitempty"`
	Status     OrderStatus `json:"status"`
	Reason     string      `json:"reason"`
}

// RunReport is the user-visible outcome of a run.
type RunReport struct {
	RunID               string        `json:"run_id"`
	Symbol              string        `json:"symbol"`
	Status              RunStatus     `json:"status"`
	Error               string        `json:"error,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	EndedAt             time.Time     `json:"ended_at"`
	Stats               TradeStats    `json:"stats"`
	Leaked              []LeakedOrder `json:"leaked,omitempty"`
	BoundaryExhaustions int           `json:"boundary_exhaustions"`
	InvariantViolations int           `json:"invariant_violations"`
}

// Clean reports whether every level ended canceled or filled.
func (r RunReport) Clean() bool {
	return len(r.Leaked) == 0
}
