package strategy_test

import (
	"errors"
	"reflect"
	"testing"

	"grid_go/internal/domain"
	"grid_go/internal/strategy"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPlan_MarketAtMidLevel(t *testing.T) {
	plan, err := strategy.Plan(strategy.PlanParams{
		Lower:  dec("29.5"),
		Upper:  dec("30.5"),
		Levels: 5,
		Market: dec("30.0"),
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	wantPrices := []string{"29.5", "29.75", "30", "30.25", "30.5"}
	wantSides := []domain.Side{domain.SideBuy, domain.SideBuy, "", domain.SideSell, domain.SideSell}

	if len(plan.Levels) != 5 {
		t.Fatalf("Expected 5 levels, got %d", len(plan.Levels))
	}
	for i, lvl := range plan.Levels {
		if !lvl.Price.Equal(dec(wantPrices[i])) {
			t.Errorf("level %d: price %s, want %s", i, lvl.Price, wantPrices[i])
		}
		if lvl.Side != wantSides[i] {
			t.Errorf("level %d: side %q, want %q", i, lvl.Side, wantSides[i])
		}
	}
	if !plan.Levels[2].Skipped {
		t.Error("level at the market price should be skipped")
	}
	if len(plan.Active()) != 4 {
		t.Errorf("Expected 4 active levels, got %d", len(plan.Active()))
	}
}

func TestPlan_Properties(t *testing.T) {
	tests := []struct {
		lower, upper, market string
		n                    int
	}{
		{"1", "2", "1.5", 2},
		{"29.5", "30.5", "30.1", 7},
		{"0.001", "0.002", "0.0015", 11},
		{"100", "200", "150", 3},
		{"95", "105", "99.99", 50},
	}

	for _, tt := range tests {
		plan, err := strategy.Plan(strategy.PlanParams{
			Lower: dec(tt.lower), Upper: dec(tt.upper), Levels: tt.n, Market: dec(tt.market),
		})
		if err != nil {
			t.Fatalf("Plan(%v) failed: %v", tt, err)
		}
		if len(plan.Levels) != tt.n {
			t.Errorf("%v: got %d levels", tt, len(plan.Levels))
		}
		if !plan.Levels[0].Price.Equal(dec(tt.lower)) {
			t.Errorf("%v: p0 = %s", tt, plan.Levels[0].Price)
		}
		if !plan.Levels[tt.n-1].Price.Equal(dec(tt.upper)) {
			t.Errorf("%v: pN-1 = %s", tt, plan.Levels[tt.n-1].Price)
		}
		for i := 1; i < tt.n; i++ {
			if !plan.Levels[i].Price.GreaterThan(plan.Levels[i-1].Price) {
				t.Errorf("%v: level %d not strictly increasing", tt, i)
			}
			if plan.Levels[i].Index != i {
				t.Errorf("%v: level %d has index %d", tt, i, plan.Levels[i].Index)
			}
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	params := strategy.PlanParams{
		Lower: dec("10"), Upper: dec("13"), Levels: 7, Market: dec("11.2"), TickSize: dec("0.01"),
	}
	a, err := strategy.Plan(params)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := strategy.Plan(params)
	if !reflect.DeepEqual(a, b) {
		t.Error("Plan should be deterministic")
	}
}

func TestPlan_AutoRange(t *testing.T) {
	plan, err := strategy.Plan(strategy.PlanParams{
		Levels:   5,
		Market:   dec("100"),
		RangePct: dec("0.04"),
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !plan.Upper.Equal(dec("104")) || !plan.Lower.Equal(dec("96")) {
		t.Errorf("Expected bounds 96..104, got %s..%s", plan.Lower, plan.Upper)
	}
	if !plan.Levels[2].Skipped {
		t.Error("middle level equals market and should be skipped")
	}
}

func TestPlan_Errors(t *testing.T) {
	tests := []struct {
		name   string
		params strategy.PlanParams
		want   error
	}{
		{"upper equals lower", strategy.PlanParams{Lower: dec("30"), Upper: dec("30"), Levels: 5, Market: dec("30")}, domain.ErrInvalidRange},
		{"upper below lower", strategy.PlanParams{Lower: dec("31"), Upper: dec("30"), Levels: 5, Market: dec("30")}, domain.ErrInvalidRange},
		{"single level", strategy.PlanParams{Lower: dec("29"), Upper: dec("30"), Levels: 1, Market: dec("30")}, domain.ErrInvalidLevelCount},
		{"no market", strategy.PlanParams{Lower: dec("29"), Upper: dec("30"), Levels: 3}, domain.ErrInvalidMarketPrice},
		{"bad auto range", strategy.PlanParams{Levels: 3, Market: dec("30"), RangePct: dec("1.5")}, domain.ErrInvalidRange},
		{"too dense for tick", strategy.PlanParams{Lower: dec("1"), Upper: dec("1.02"), Levels: 10, Market: dec("1.01"), TickSize: dec("0.01")}, domain.ErrGridTooDense},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := strategy.Plan(tt.params)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			var pe *domain.PlanningError
			if !errors.As(err, &pe) {
				t.Errorf("Expected a PlanningError, got %T", err)
			}
		})
	}
}

func BenchmarkPlan(b *testing.B) {
	params := strategy.PlanParams{
		Lower: dec("95"), Upper: dec("105"), Levels: 50, Market: dec("100.1"), TickSize: dec("0.01"),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := strategy.Plan(params); err != nil {
			b.Fatal(err)
		}
	}
}
