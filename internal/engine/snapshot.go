package engine

import (
	"time"

	"grid_go/internal/domain"

	"github.com/shopspring/decimal"
)

// LevelView is one grid level as seen by external readers.
type LevelView struct {
	Index   int               `json:"index"`
	Price   decimal.Decimal   `json:"price"`
	Side    domain.Side       `json:"side,omitempty"`
	Skipped bool              `json:"skipped,omitempty"`
	Order   *domain.GridOrder `json:"order,omitempty"`
}

// Snapshot is a point-in-time copy of a run.
type Snapshot struct {
	RunID     string           `json:"run_id"`
	Symbol    string           `json:"symbol"`
	Status    domain.RunStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	EndsAt    time.Time        `json:"ends_at"`

	Lower  decimal.Decimal `json:"lower"`
	Upper  decimal.Decimal `json:"upper"`
	Quote  domain.Quote    `json:"quote"`
	Levels []LevelView     `json:"levels"`

	OpenOrders []domain.GridOrder `json:"open_orders"`
	Stats      domain.TradeStats  `json:"stats"`
	Stopping   bool               `json:"stopping"`

	BoundaryExhaustions int `json:"boundary_exhaustions"`
	InvariantViolations int `json:"invariant_violations"`
}
