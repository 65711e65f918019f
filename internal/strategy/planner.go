package strategy

import (
	"fmt"

	"grid_go/internal/domain"

	"github.com/shopspring/decimal"
)

// PlanParams are the inputs of a grid plan.
// When Upper and Lower are both zero the bounds are derived from Market and RangePct.
type PlanParams struct {
	Upper    decimal.Decimal
	Lower    decimal.Decimal
	Levels   int
	Market   decimal.Decimal
	RangePct decimal.Decimal // fraction, e.g. 0.04 for +/-4%
	TickSize decimal.Decimal // optional price rounding
}

// GridPlan is the immutable output of Plan.
type GridPlan struct {
	Lower  decimal.Decimal `json:"lower"`
	Upper  decimal.Decimal `json:"upper"`
	Market decimal.Decimal `json:"market"`
	Levels []domain.Level  `json:"levels"`
}

// Plan computes N evenly spaced levels p_i = L + i(U-L)/(N-1) and assigns sides
// relative to the market price. A level exactly at the market is skipped.
// Plan is pure: identical input yields identical output.
func Plan(p PlanParams) (GridPlan, error) {
	if p.Levels < 2 {
		return GridPlan{}, &domain.PlanningError{
			Field: "levels",
			Err:   fmt.Errorf("%w: need at least 2, got %d", domain.ErrInvalidLevelCount, p.Levels),
		}
	}
	if !p.Market.IsPositive() {
		return GridPlan{}, &domain.PlanningError{Field: "market", Err: domain.ErrInvalidMarketPrice}
	}

	lower, upper := p.Lower, p.Upper
	if lower.IsZero() && upper.IsZero() {
		if !p.RangePct.IsPositive() || p.RangePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return GridPlan{}, &domain.PlanningError{
				Field: "price_range",
				Err:   fmt.Errorf("%w: range %s must be in (0, 1)", domain.ErrInvalidRange, p.RangePct),
			}
		}
		one := decimal.NewFromInt(1)
		upper = domain.RoundToStep(p.Market.Mul(one.Add(p.RangePct)), p.TickSize)
		lower = domain.RoundToStep(p.Market.Mul(one.Sub(p.RangePct)), p.TickSize)
	}

	if !lower.IsPositive() || upper.LessThanOrEqual(lower) {
		return GridPlan{}, &domain.PlanningError{
			Field: "range",
			Err:   fmt.Errorf("%w: lower=%s upper=%s", domain.ErrInvalidRange, lower, upper),
		}
	}

	span := upper.Sub(lower)
	steps := decimal.NewFromInt(int64(p.Levels - 1))
	levels := make([]domain.Level, p.Levels)

	for i := range levels {
		var price decimal.Decimal
		switch i {
		case 0:
			price = lower
		case p.Levels - 1:
			price = upper
		default:
			price = lower.Add(span.Mul(decimal.NewFromInt(int64(i))).Div(steps))
			price = domain.RoundToStep(price, p.TickSize)
		}

		if i > 0 && price.LessThanOrEqual(levels[i-1].Price) {
			return GridPlan{}, &domain.PlanningError{
				Field: "levels",
				Err:   fmt.Errorf("%w: level %d collapses onto %s", domain.ErrGridTooDense, i, price),
			}
		}

		lvl := domain.Level{Index: i, Price: price}
		switch price.Cmp(p.Market) {
		case -1:
			lvl.Side = domain.SideBuy
		case 1:
			lvl.Side = domain.SideSell
		default:
			lvl.Skipped = true
		}
		levels[i] = lvl
	}

	return GridPlan{Lower: lower, Upper: upper, Market: p.Market, Levels: levels}, nil
}

// Spacing returns the nominal distance between adjacent levels.
func (g GridPlan) Spacing() decimal.Decimal {
	if len(g.Levels) < 2 {
		return decimal.Zero
	}
	return g.Upper.Sub(g.Lower).Div(decimal.NewFromInt(int64(len(g.Levels) - 1)))
}

// SpacingPct returns Spacing as a fraction of the lower bound.
func (g GridPlan) SpacingPct() decimal.Decimal {
	if !g.Lower.IsPositive() {
		return decimal.Zero
	}
	return g.Spacing().Div(g.Lower)
}

// Active returns the levels that receive an initial order.
func (g GridPlan) Active() []domain.Level {
	out := make([]domain.Level, 0, len(g.Levels))
	for _, l := range g.Levels {
		if !l.Skipped {
			out = append(out, l)
		}
	}
	return out
}

// Contains reports whether price lies within [Lower, Upper].
func (g GridPlan) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(g.Lower) && price.LessThanOrEqual(g.Upper)
}
