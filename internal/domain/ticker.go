package domain

import "github.com/shopspring/decimal"

// MarketInfo holds the exchange filters for a symbol.
type MarketInfo struct {
	Symbol     string          `json:"symbol"`
	BaseAsset  string          `json:"base_asset"`
	QuoteAsset string          `json:"quote_asset"`
	TickSize   decimal.Decimal `json:"tick_size"`
	StepSize   decimal.Decimal `json:"step_size"`
	MinQty     decimal.Decimal `json:"min_qty"`
}

// RoundPrice rounds a price to the nearest tick. No-op without a tick size.
func (m MarketInfo) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return RoundToStep(p, m.TickSize)
}

// RoundQty truncates a quantity down to the step size.
func (m MarketInfo) RoundQty(q decimal.Decimal) decimal.Decimal {
	if !m.StepSize.IsPositive() {
		return q
	}
	return q.Div(m.StepSize).Floor().Mul(m.StepSize)
}

// ClampQty rounds the quantity and raises it to MinQty when below.
func (m MarketInfo) ClampQty(q decimal.Decimal) decimal.Decimal {
	q = m.RoundQty(q)
	if m.MinQty.IsPositive() && q.LessThan(m.MinQty) {
		return m.MinQty
	}
	return q
}

// RoundToStep rounds v to the nearest multiple of step.
func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// SplitSymbol splits an exchange symbol like "SOL_USDC" into base and quote.
func SplitSymbol(symbol string) (base, quote string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '_' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, ""
}
