package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/strategy"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// scenarioPlan is L=29.5 U=30.5 N=5 M=30: BUY, BUY, skipped, SELL, SELL.
func scenarioPlan(t testing.TB) strategy.GridPlan {
	t.Helper()
	plan, err := strategy.Plan(strategy.PlanParams{
		Lower:  d("29.5"),
		Upper:  d("30.5"),
		Levels: 5,
		Market: d("30"),
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

// recorder captures intents instead of calling a gateway.
type recorder struct {
	mu       sync.Mutex
	places   []domain.PlaceRequest
	cancels  []string
	aborts   []string
	inFlight bool // result of Abort
}

func (r *recorder) Place(req domain.PlaceRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.places = append(r.places, req)
}

func (r *recorder) Cancel(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, clientID)
}

func (r *recorder) Abort(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts = append(r.aborts, clientID)
	return r.inFlight
}

func (r *recorder) placeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.places)
}

func (r *recorder) lastPlace() domain.PlaceRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.places[len(r.places)-1]
}

// testMachine wraps a Machine with manual timers and direct event processing.
type testMachine struct {
	*Machine
	rec    *recorder
	timers []func()
}

func newTestMachine(t testing.TB, plan strategy.GridPlan, cfg MachineConfig, observers ...domain.FillObserver) *testMachine {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "SOL_USDC"
	}
	if cfg.RunID == "" {
		cfg.RunID = "test"
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "grid"
	}
	if cfg.Quantity.IsZero() {
		cfg.Quantity = d("0.5")
	}
	if cfg.ReplaceAttempts == 0 {
		cfg.ReplaceAttempts = 2
	}

	tm := &testMachine{rec: &recorder{}}
	tm.Machine = NewMachine(cfg, plan, make(chan event.Event, 256), tm.rec, nil, observers...)
	tm.afterFunc = func(_ time.Duration, f func()) *time.Timer {
		tm.timers = append(tm.timers, f)
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		return timer
	}
	return tm
}

// fireTimers runs every scheduled timer and processes what they posted.
func (tm *testMachine) fireTimers() {
	timers := tm.timers
	tm.timers = nil
	for _, f := range timers {
		f()
	}
	tm.drain()
}

// drain processes every queued inbox event.
func (tm *testMachine) drain() bool {
	settled := false
	for {
		select {
		case ev := <-tm.inbox:
			settled = tm.process(ev)
		default:
			return settled
		}
	}
}

func (tm *testMachine) order(level int) *domain.GridOrder {
	return tm.levels[level].order
}

func (tm *testMachine) ack(level int) {
	o := tm.order(level)
	tm.process(&event.PlaceResultEvent{BaseEvent: event.Now(), ClientID: o.ClientID, ExchangeID: "ex-" + o.ClientID, Attempts: 1})
}

func (tm *testMachine) ackAll() {
	for i, ls := range tm.levels {
		if ls.order != nil && ls.order.Status == domain.OrderStatusPending {
			tm.ack(i)
		}
	}
}

func (tm *testMachine) fill(level int, price string) *event.OrderUpdateEvent {
	o := tm.order(level)
	ev := &event.OrderUpdateEvent{
		BaseEvent:  event.Now(),
		Kind:       event.UpdateFilled,
		Symbol:     "SOL_USDC",
		ClientID:   o.ClientID,
		ExchangeID: o.ExchangeID,
		Quantity:   o.Remaining(),
		Remaining:  decimal.Zero,
		Price:      d(price),
	}
	tm.process(ev)
	return ev
}

func (tm *testMachine) liveLevels() map[int]domain.OrderStatus {
	out := map[int]domain.OrderStatus{}
	for i, ls := range tm.levels {
		if ls.order != nil && ls.order.IsLive() {
			out[i] = ls.order.Status
		}
	}
	return out
}

// assertSingleLive checks that no level holds two live orders.
func (tm *testMachine) assertSingleLive(t *testing.T) {
	t.Helper()
	perLevel := map[int]int{}
	for _, o := range tm.orders {
		if o.IsLive() {
			perLevel[o.Level]++
		}
	}
	for level, n := range perLevel {
		if n > 1 {
			t.Fatalf("level %d holds %d live orders", level, n)
		}
	}
}

// fillLog is a FillObserver that records fills.
type fillLog struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (f *fillLog) OnFill(fill domain.Fill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fill)
}

func (f *fillLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fills)
}

// fakeGateway is an in-memory exchange, idempotent on client id.
type fakeGateway struct {
	mu sync.Mutex

	open        map[string]domain.PlaceRequest
	placeCalls  map[string]int
	cancelCalls map[string]int

	placeTimeouts  map[string]int // transient failures to inject per client id
	hangPlaces     map[string]int // calls per client id that block until the call deadline
	landOnTimeout  bool           // the order reaches the book even though the call times out
	failAllPlaces  bool
	failAllCancels bool
	blockPlaces    bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		open:          make(map[string]domain.PlaceRequest),
		placeCalls:    make(map[string]int),
		cancelCalls:   make(map[string]int),
		placeTimeouts: make(map[string]int),
		hangPlaces:    make(map[string]int),
	}
}

var errTimeout = errors.New("i/o timeout")

func (g *fakeGateway) Place(ctx context.Context, req domain.PlaceRequest) (domain.PlaceResult, error) {
	g.mu.Lock()
	g.placeCalls[req.ClientID]++
	block := g.blockPlaces
	hang := g.hangPlaces[req.ClientID] > 0
	if hang {
		g.hangPlaces[req.ClientID]--
	}
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.PlaceResult{}, ctx.Err()
	}
	if hang {
		<-ctx.Done()
		g.mu.Lock()
		if g.landOnTimeout {
			g.open[req.ClientID] = req
		}
		g.mu.Unlock()
		return domain.PlaceResult{}, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failAllPlaces {
		return domain.PlaceResult{}, domain.NewTransientError("place", errTimeout)
	}
	if n := g.placeTimeouts[req.ClientID]; n > 0 {
		g.placeTimeouts[req.ClientID] = n - 1
		if g.landOnTimeout {
			g.open[req.ClientID] = req
		}
		return domain.PlaceResult{}, domain.NewTransientError("place", errTimeout)
	}
	if _, ok := g.open[req.ClientID]; ok {
		return domain.PlaceResult{ClientID: req.ClientID, ExchangeID: "ex-" + req.ClientID, Duplicate: true}, nil
	}
	g.open[req.ClientID] = req
	return domain.PlaceResult{ClientID: req.ClientID, ExchangeID: "ex-" + req.ClientID}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, _ string, clientID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelCalls[clientID]++
	if g.failAllCancels {
		return domain.NewTransientError("cancel", errTimeout)
	}
	if _, ok := g.open[clientID]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(g.open, clientID)
	return nil
}

func (g *fakeGateway) OpenOrders(_ context.Context, _ string) ([]domain.ExchangeOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.ExchangeOrder, 0, len(g.open))
	for id, req := range g.open {
		out = append(out, domain.ExchangeOrder{ClientID: id, Side: req.Side, Price: req.Price, Quantity: req.Quantity})
	}
	return out, nil
}

func (g *fakeGateway) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

func (g *fakeGateway) calls(clientID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placeCalls[clientID]
}

// fundedGateway adds balances so the trader runs its capital check.
type fundedGateway struct {
	*fakeGateway
	balances map[string]decimal.Decimal
}

func (g *fundedGateway) Balances(context.Context) (map[string]decimal.Decimal, error) {
	return g.balances, nil
}

// fakeFeed lets tests inject exchange events into the subscribed inbox.
type fakeFeed struct {
	mu    sync.Mutex
	inbox chan<- event.Event
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, inbox chan<- event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = inbox
	return nil
}

func (f *fakeFeed) push(ev event.Event) {
	f.mu.Lock()
	inbox := f.inbox
	f.mu.Unlock()
	inbox <- ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
