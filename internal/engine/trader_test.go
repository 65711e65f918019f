package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"
	"grid_go/internal/strategy"

	"github.com/shopspring/decimal"
)

func testTraderConfig() TraderConfig {
	cfg := TraderConfig{
		Symbol:         "SOL_USDC",
		RunID:          "run1",
		ClientIDPrefix: "grid",
		FeeRate:        d("0.0008"),
	}
	cfg.Engine = infra.EngineConfig{
		InboxSize:          64,
		AckTimeout:         time.Minute,
		ShutdownTimeout:    500 * time.Millisecond,
		ReplaceBackoff:     10 * time.Millisecond,
		ReplaceAttempts:    2,
		FatalLevelFailures: 2,
	}
	cfg.Executor = infra.ExecutorConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		CallTimeout: time.Second,
	}
	return cfg
}

type memRecorder struct {
	mu    sync.Mutex
	daily []domain.TradeStats
	runs  []domain.RunReport
}

func (r *memRecorder) AddDailyStats(_ context.Context, _ string, _ time.Time, delta domain.TradeStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.daily = append(r.daily, delta)
	return nil
}

func (r *memRecorder) SaveRun(_ context.Context, report domain.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, report)
	return nil
}

type memNotifier struct {
	reports chan domain.RunReport
}

func (n *memNotifier) NotifyReport(_ context.Context, r domain.RunReport) error {
	n.reports <- r
	return nil
}

func openStatus(tr *Trader, level int) domain.OrderStatus {
	s := tr.Snapshot()
	if level >= len(s.Levels) || s.Levels[level].Order == nil {
		return ""
	}
	return s.Levels[level].Order.Status
}

// The initial place at level 0 times out twice and succeeds on the third
// attempt: the level ends OPEN and the exchange holds one order for it.
func TestTrader_PlaceTimeoutsThenOpen(t *testing.T) {
	gw := newFakeGateway()
	gw.landOnTimeout = true
	gw.placeTimeouts["grid-run1-L0-1"] = 2
	feed := &fakeFeed{}
	rec := &memRecorder{}

	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: gw, Feed: feed, Recorder: rec})
	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "all levels OPEN", func() bool {
		return len(tr.Snapshot().OpenOrders) == 4 && openStatus(tr, 0) == domain.OrderStatusOpen &&
			openStatus(tr, 1) == domain.OrderStatusOpen && openStatus(tr, 3) == domain.OrderStatusOpen &&
			openStatus(tr, 4) == domain.OrderStatusOpen
	})

	if gw.calls("grid-run1-L0-1") != 3 {
		t.Errorf("Expected 3 place calls with the same client id, got %d", gw.calls("grid-run1-L0-1"))
	}
	if gw.openCount() != 4 {
		t.Errorf("Expected 4 orders on the exchange (no duplicate), got %d", gw.openCount())
	}

	tr.Stop()
	report := tr.Wait()

	if report.Status != domain.RunStatusSignaled {
		t.Errorf("Expected SIGNALED, got %s", report.Status)
	}
	if !report.Clean() {
		t.Errorf("Expected clean stop, leaked %+v", report.Leaked)
	}
	if gw.openCount() != 0 {
		t.Errorf("Expected every order canceled, %d left", gw.openCount())
	}
	if len(rec.runs) != 1 {
		t.Errorf("Expected the run to be recorded once, got %d", len(rec.runs))
	}
}

// Default timing scaled down 100x: two place calls hang until the call
// deadline and the third succeeds, all before the ack timer fires.
func TestTrader_SlowPlaceRetriesKeepClientID(t *testing.T) {
	cfg := testTraderConfig()
	cfg.Engine.AckTimeout = 900 * time.Millisecond
	cfg.Executor = infra.ExecutorConfig{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		CallTimeout: 100 * time.Millisecond,
	}
	if cfg.Engine.AckTimeout <= cfg.Executor.RetryBudget() {
		t.Fatalf("ack timeout %s must exceed retry budget %s", cfg.Engine.AckTimeout, cfg.Executor.RetryBudget())
	}

	gw := newFakeGateway()
	gw.landOnTimeout = true
	gw.hangPlaces["grid-run1-L0-1"] = 2

	tr := NewTrader(cfg, TraderDeps{Gateway: gw, Feed: &fakeFeed{}})
	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "level 0 OPEN", func() bool { return openStatus(tr, 0) == domain.OrderStatusOpen })

	// Outlast the ack timer armed at the first place.
	time.Sleep(cfg.Engine.AckTimeout + 100*time.Millisecond)

	s := tr.Snapshot()
	if o := s.Levels[0].Order; o == nil || o.ClientID != "grid-run1-L0-1" || o.Status != domain.OrderStatusOpen {
		t.Fatalf("Expected grid-run1-L0-1 OPEN at level 0, got %+v", o)
	}
	if n := gw.calls("grid-run1-L0-1"); n != 3 {
		t.Errorf("Expected 3 place calls, got %d", n)
	}
	if n := gw.calls("grid-run1-L0-2"); n != 0 {
		t.Errorf("Order must not be re-placed under a new client id, got %d calls", n)
	}
	if gw.openCount() != 4 {
		t.Errorf("Expected 4 orders on the exchange, got %d", gw.openCount())
	}

	tr.Stop()
	if report := tr.Wait(); !report.Clean() {
		t.Errorf("Expected clean stop, leaked %+v", report.Leaked)
	}
}

// Run records its start time while status readers poll the trader.
func TestTrader_RunWhileSnapshotting(t *testing.T) {
	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: newFakeGateway(), Feed: &fakeFeed{}})

	pp := strategy.PlanParams{Lower: d("29.5"), Upper: d("30.5"), Levels: 5, Market: d("30")}
	done := make(chan domain.RunReport, 1)
	go func() { done <- tr.Run(context.Background(), pp, d("0.5"), time.Minute) }()

	waitFor(t, "run started", func() bool { return !tr.Snapshot().StartedAt.IsZero() && len(tr.Snapshot().OpenOrders) == 4 })

	tr.Stop()
	report := <-done
	if report.StartedAt.IsZero() {
		t.Error("Expected the report to carry the start time")
	}
	if report.Status != domain.RunStatusSignaled {
		t.Errorf("Expected SIGNALED, got %s", report.Status)
	}
}

func TestTrader_FillsThroughFeed(t *testing.T) {
	gw := newFakeGateway()
	feed := &fakeFeed{}
	rec := &memRecorder{}
	notifier := &memNotifier{reports: make(chan domain.RunReport, 1)}

	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: gw, Feed: feed, Recorder: rec, Notifier: notifier})
	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: 300 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "grid OPEN", func() bool { return len(tr.Snapshot().OpenOrders) == 4 && openStatus(tr, 0) == domain.OrderStatusOpen })

	fill := func(id, price string) {
		feed.push(&event.OrderUpdateEvent{
			BaseEvent: event.Now(),
			Kind:      event.UpdateFilled,
			ClientID:  id,
			Quantity:  d("0.5"),
			Price:     d(price),
		})
	}
	fill("grid-run1-L1-1", "29.75")
	fill("grid-run1-L0-1", "29.5")
	fill("grid-run1-L0-1", "29.5") // duplicate delivery

	waitFor(t, "replenishment at level 1", func() bool { return tr.Snapshot().Levels[1].Side == domain.SideSell })

	report := tr.Wait()
	if report.Status != domain.RunStatusCompleted {
		t.Errorf("Expected COMPLETED, got %s (%s)", report.Status, report.Error)
	}
	if report.Stats.BuyFills != 2 {
		t.Errorf("Expected 2 buy fills, got %d", report.Stats.BuyFills)
	}
	if report.InvariantViolations != 1 {
		t.Errorf("Expected the fall-through violation, got %d", report.InvariantViolations)
	}
	if !report.Clean() {
		t.Errorf("Expected clean stop, got %+v", report.Leaked)
	}

	select {
	case r := <-notifier.reports:
		if r.RunID != "run1" {
			t.Errorf("unexpected notified run %s", r.RunID)
		}
	default:
		t.Error("Expected a report notification")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.daily) != 1 || rec.daily[0].BuyFills != 2 {
		t.Errorf("Expected one daily increment with 2 buys, got %+v", rec.daily)
	}
}

func TestTrader_InsufficientCapital(t *testing.T) {
	gw := &fundedGateway{
		fakeGateway: newFakeGateway(),
		balances:    map[string]decimal.Decimal{"SOL": d("0.1"), "USDC": d("1000")},
	}
	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: gw, Feed: &fakeFeed{}})

	err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute})

	var pe *domain.PlanningError
	if !errors.As(err, &pe) || !errors.Is(err, domain.ErrInsufficientCapital) {
		t.Fatalf("Expected PlanningError(ErrInsufficientCapital), got %v", err)
	}
	if len(gw.placeCalls) != 0 {
		t.Error("no order may be placed when capital is short")
	}
}

func TestTrader_RunPlanningError(t *testing.T) {
	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: newFakeGateway(), Feed: &fakeFeed{}})

	report := tr.Run(context.Background(), planParamsInverted(), d("0.5"), time.Minute)

	if report.Status != domain.RunStatusFatalError {
		t.Errorf("Expected FATAL_ERROR, got %s", report.Status)
	}
	if !strings.Contains(report.Error, "invalid range") {
		t.Errorf("Expected planning error in report, got %q", report.Error)
	}
}

func TestTrader_GatewayUnavailableIsFatal(t *testing.T) {
	gw := newFakeGateway()
	gw.failAllPlaces = true
	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: gw, Feed: &fakeFeed{}})

	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on gateway failure")
	}
	report := tr.Wait()

	if report.Status != domain.RunStatusFatalError {
		t.Errorf("Expected FATAL_ERROR, got %s", report.Status)
	}
	if !strings.Contains(report.Error, domain.ErrGatewayUnavailable.Error()) {
		t.Errorf("Expected gateway unavailable error, got %q", report.Error)
	}
	if report.Clean() {
		t.Error("unresolved places must be reported for manual review")
	}
}

func TestTrader_ShutdownTimeoutLeaks(t *testing.T) {
	gw := newFakeGateway()
	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: gw, Feed: &fakeFeed{}})
	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "grid OPEN", func() bool { return gw.openCount() == 4 && len(tr.Snapshot().OpenOrders) == 4 })
	waitFor(t, "acks", func() bool {
		for _, o := range tr.Snapshot().OpenOrders {
			if o.Status != domain.OrderStatusOpen {
				return false
			}
		}
		return true
	})

	gw.mu.Lock()
	gw.failAllCancels = true
	gw.mu.Unlock()

	tr.Stop()
	report := tr.Wait()

	if len(report.Leaked) != 4 {
		t.Fatalf("Expected 4 leaked orders, got %+v", report.Leaked)
	}
	for _, l := range report.Leaked {
		if !strings.HasPrefix(l.Reason, "cancel failed") {
			t.Errorf("unexpected leak reason %q", l.Reason)
		}
	}
}

func TestTrader_CancelsLeftoversAtStart(t *testing.T) {
	gw := newFakeGateway()
	gw.open["grid-old-L0-1"] = domain.PlaceRequest{ClientID: "grid-old-L0-1"}
	gw.open["manual-order"] = domain.PlaceRequest{ClientID: "manual-order"}

	tr := NewTrader(testTraderConfig(), TraderDeps{Gateway: gw, Feed: &fakeFeed{}})
	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}
	defer func() {
		tr.Stop()
		tr.Wait()
	}()

	gw.mu.Lock()
	_, old := gw.open["grid-old-L0-1"]
	_, manual := gw.open["manual-order"]
	gw.mu.Unlock()

	if old {
		t.Error("leftover grid order should be canceled")
	}
	if !manual {
		t.Error("orders without the grid prefix must be kept")
	}
}

func TestTrader_Reconcile(t *testing.T) {
	gw := newFakeGateway()
	cfg := testTraderConfig()
	cfg.Engine.ReconcileInterval = 20 * time.Millisecond
	tr := NewTrader(cfg, TraderDeps{Gateway: gw, Feed: &fakeFeed{}})
	if err := tr.Start(context.Background(), StartParams{Plan: scenarioPlan(t), Quantity: d("0.5"), Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "grid OPEN", func() bool { return gw.openCount() == 4 })

	// An order of this run that the machine does not track
	gw.mu.Lock()
	gw.open["grid-run1-L7-1"] = domain.PlaceRequest{ClientID: "grid-run1-L7-1"}
	gw.mu.Unlock()

	waitFor(t, "stray canceled", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		_, ok := gw.open["grid-run1-L7-1"]
		return !ok
	})

	tr.Stop()
	report := tr.Wait()
	if report.InvariantViolations < 1 {
		t.Error("Expected the stray to be reported as a violation")
	}
}

func planParamsInverted() strategy.PlanParams {
	return strategy.PlanParams{Lower: d("31"), Upper: d("30"), Levels: 5, Market: d("30")}
}
