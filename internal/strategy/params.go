package strategy

import (
	"fmt"
	"strings"

	"grid_go/internal/domain"

	"github.com/shopspring/decimal"
)

// RiskProfile selects a preset auto-range width and level count.
type RiskProfile string

const (
	RiskLow    RiskProfile = "low"
	RiskMedium RiskProfile = "medium"
	RiskHigh   RiskProfile = "high"
)

// ProfileSettings is the range and level count of a risk profile.
type ProfileSettings struct {
	RangePct decimal.Decimal
	Levels   int
}

var profiles = map[RiskProfile]ProfileSettings{
	RiskLow:    {RangePct: decimal.RequireFromString("0.02"), Levels: 6},
	RiskMedium: {RangePct: decimal.RequireFromString("0.04"), Levels: 10},
	RiskHigh:   {RangePct: decimal.RequireFromString("0.08"), Levels: 16},
}

// ProfileParams returns the preset for a profile name (case-insensitive).
func ProfileParams(name string) (ProfileSettings, error) {
	s, ok := profiles[RiskProfile(strings.ToLower(name))]
	if !ok {
		return ProfileSettings{}, fmt.Errorf("unknown risk profile %q", name)
	}
	return s, nil
}

// MinProfitableSpacing is the smallest level spacing, as a fraction of price,
// that covers the maker fee on both legs of a round trip.
func MinProfitableSpacing(feeRate decimal.Decimal) decimal.Decimal {
	return feeRate.Mul(decimal.NewFromInt(2))
}

// RequiredCapital returns the base asset needed for the initial SELL levels and the
// quote asset needed for the initial BUY levels.
func RequiredCapital(plan GridPlan, qtyPerLevel decimal.Decimal) (base, quote decimal.Decimal) {
	for _, l := range plan.Levels {
		if l.Skipped {
			continue
		}
		switch l.Side {
		case domain.SideBuy:
			quote = quote.Add(l.Price.Mul(qtyPerLevel))
		case domain.SideSell:
			base = base.Add(qtyPerLevel)
		}
	}
	return base, quote
}

// CheckCapital compares RequiredCapital against available balances.
func CheckCapital(plan GridPlan, qtyPerLevel decimal.Decimal, symbol string, available map[string]decimal.Decimal) error {
	baseAsset, quoteAsset := domain.SplitSymbol(symbol)
	needBase, needQuote := RequiredCapital(plan, qtyPerLevel)

	if needBase.GreaterThan(available[baseAsset]) {
		return &domain.PlanningError{
			Field: "capital",
			Err: fmt.Errorf("%w: need %s %s, have %s",
				domain.ErrInsufficientCapital, needBase, baseAsset, available[baseAsset]),
		}
	}
	if needQuote.GreaterThan(available[quoteAsset]) {
		return &domain.PlanningError{
			Field: "capital",
			Err: fmt.Errorf("%w: need %s %s, have %s",
				domain.ErrInsufficientCapital, needQuote, quoteAsset, available[quoteAsset]),
		}
	}
	return nil
}
