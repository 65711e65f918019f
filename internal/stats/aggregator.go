package stats

import (
	"sync"

	"grid_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Aggregator tallies fills into trade statistics.
// It observes fills only and never touches grid state.
type Aggregator struct {
	mu    sync.RWMutex
	stats domain.TradeStats
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// OnFill implements domain.FillObserver.
func (a *Aggregator) OnFill(f domain.Fill) {
	notional := f.Price.Mul(f.Quantity)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch f.Side {
	case domain.SideBuy:
		a.stats.BuyFills++
		a.stats.BoughtQty = a.stats.BoughtQty.Add(f.Quantity)
		a.stats.BoughtNotional = a.stats.BoughtNotional.Add(notional)
	case domain.SideSell:
		a.stats.SellFills++
		a.stats.SoldQty = a.stats.SoldQty.Add(f.Quantity)
		a.stats.SoldNotional = a.stats.SoldNotional.Add(notional)
	}
	a.stats.Fees = a.stats.Fees.Add(f.Fee)

	if f.ClosesPair() {
		a.stats.CompletedPairs++
	}
	if !f.ParentPrice.IsZero() {
		a.stats.QuoteDelta = a.stats.QuoteDelta.Add(Spread(f))
	}
}

// Snapshot returns a copy of the current statistics.
func (a *Aggregator) Snapshot() domain.TradeStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

// Spread is the realized income of a fill that closes a pair: |price - parent| * qty.
func Spread(f domain.Fill) decimal.Decimal {
	return f.Price.Sub(f.ParentPrice).Abs().Mul(f.Quantity)
}

// Diff returns cur - prev for every cumulative field.
// Used to turn two snapshots into a daily increment.
func Diff(cur, prev domain.TradeStats) domain.TradeStats {
	return domain.TradeStats{
		CompletedPairs: cur.CompletedPairs - prev.CompletedPairs,
		BuyFills:       cur.BuyFills - prev.BuyFills,
		SellFills:      cur.SellFills - prev.SellFills,
		BoughtQty:      cur.BoughtQty.Sub(prev.BoughtQty),
		SoldQty:        cur.SoldQty.Sub(prev.SoldQty),
		BoughtNotional: cur.BoughtNotional.Sub(prev.BoughtNotional),
		SoldNotional:   cur.SoldNotional.Sub(prev.SoldNotional),
		Fees:           cur.Fees.Sub(prev.Fees),
		QuoteDelta:     cur.QuoteDelta.Sub(prev.QuoteDelta),
	}
}

// IsZero reports whether nothing happened between two snapshots.
func IsZero(s domain.TradeStats) bool {
	return s.BuyFills == 0 && s.SellFills == 0
}
