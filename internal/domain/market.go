package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Quote is the best bid/ask of a single market.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

// Mid returns the midpoint of bid and ask. Falls back to whichever side is present.
func (q Quote) Mid() decimal.Decimal {
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(two)
	case q.Bid.IsPositive():
		return q.Bid
	default:
		return q.Ask
	}
}

// IsValid reports whether the quote has at least one positive side and is not crossed.
func (q Quote) IsValid() bool {
	if !q.Bid.IsPositive() && !q.Ask.IsPositive() {
		return false
	}
	if q.Bid.IsPositive() && q.Ask.IsPositive() && q.Bid.GreaterThan(q.Ask) {
		return false
	}
	return true
}
