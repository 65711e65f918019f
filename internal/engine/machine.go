package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"
	"grid_go/internal/strategy"

	"github.com/shopspring/decimal"
)

// Invariant rule names used in InvariantViolationError.
const (
	RuleSingleLiveOrder = "single_live_order"
	RulePriceInRange    = "price_in_range"
	RuleLiveCount       = "live_count"
	RuleTargetOccupied  = "replenish_target_occupied"
)

// Intents is the executor side of the state machine.
type Intents interface {
	Place(req domain.PlaceRequest)
	Cancel(clientID string)
	Abort(clientID string) bool
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Symbol         string
	RunID          string
	ClientIDPrefix string
	Quantity       decimal.Decimal
	PostOnly       bool

	AckTimeout         time.Duration
	ReplaceBackoff     time.Duration
	ReplaceAttempts    int
	FatalLevelFailures int
}

// levelState is the machine's bookkeeping for one grid level.
type levelState struct {
	level domain.Level
	side  domain.Side // flips when a replenishment lands here

	order *domain.GridOrder // current or most recent order
	seq   uint64            // last issued replenishment sequence
	done  uint64            // last sequence whose fill was replenished

	canceling  bool
	cancelErr  string
	ackTimer   *time.Timer
	replaces   int    // consecutive re-placements
	token      uint64 // invalidates pending ReplaceEvents
	replaceFor decimal.Decimal
	replaceQty decimal.Decimal // zero: the configured quantity
}

// Machine is the grid state machine. All grid state is owned by the goroutine
// running Run; other components talk to it through the inbox only.
type Machine struct {
	cfg     MachineConfig
	plan    strategy.GridPlan
	inbox   chan event.Event
	intents Intents

	levels    []*levelState
	orders    map[string]*domain.GridOrder // every order of the run by client id
	byExchID  map[string]*domain.GridOrder
	observers []domain.FillObserver
	metrics   *infra.Metrics
	logger    *slog.Logger

	nextSeq   uint64
	lastQuote domain.Quote

	stopping   bool
	stopReason string
	exhausted  map[int]bool // levels whose retries ran out since the last gateway success
	unresolved []domain.LeakedOrder
	leaked     []domain.LeakedOrder

	boundaryExhaustions int
	invariantViolations int

	fatalErr  error
	fatal     chan struct{}
	done      chan struct{}
	afterFunc func(time.Duration, func()) *time.Timer

	mu sync.RWMutex // Guards state for external reads (Snapshot)
}

// NewMachine creates a state machine for plan. Events are consumed from inbox.
func NewMachine(cfg MachineConfig, plan strategy.GridPlan, inbox chan event.Event, intents Intents, metrics *infra.Metrics, observers ...domain.FillObserver) *Machine {
	m := &Machine{
		cfg:       cfg,
		plan:      plan,
		inbox:     inbox,
		intents:   intents,
		levels:    make([]*levelState, len(plan.Levels)),
		orders:    make(map[string]*domain.GridOrder),
		byExchID:  make(map[string]*domain.GridOrder),
		observers: observers,
		metrics:   metrics,
		logger:    slog.Default().With("module", "machine", "symbol", cfg.Symbol),
		nextSeq:   1,
		exhausted: make(map[int]bool),
		fatal:     make(chan struct{}),
		done:      make(chan struct{}),
		afterFunc: time.AfterFunc,
	}
	for i, l := range plan.Levels {
		m.levels[i] = &levelState{level: l, side: l.Side}
	}
	return m
}

// Inbox returns the event channel. Feeds and the executor send events here.
func (m *Machine) Inbox() chan<- event.Event {
	return m.inbox
}

// Done is closed when Run returns.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Fatal is closed when the run hits a fatal error. Err returns it.
func (m *Machine) Fatal() <-chan struct{} {
	return m.fatal
}

// Err returns the fatal error, if any.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fatalErr
}

// Initialize moves every assigned level from EMPTY to PENDING and emits
// exactly one place intent per level. Must be called once, before Run.
func (m *Machine) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ls := range m.levels {
		if ls.level.Skipped {
			continue
		}
		m.place(i, decimal.Zero, decimal.Zero)
	}
	m.logger.Info("Grid initialized",
		slog.Int("levels", len(m.levels)),
		slog.Int("orders", m.liveCount()),
		slog.String("lower", m.plan.Lower.String()),
		slog.String("upper", m.plan.Upper.String()))
}

// Stop asks the machine to cancel every live order and finish.
func (m *Machine) Stop(reason string) {
	m.post(&event.StopEvent{BaseEvent: event.Now(), Reason: reason})
}

// Run starts the main event loop. This MUST be run in a single goroutine.
// It returns nil once a stop has settled, or ctx.Err() when ctx is canceled
// first, in which case every order still live is recorded as leaked.
func (m *Machine) Run(ctx context.Context) (err error) {
	m.logger.Info("Grid state machine started")
	defer close(m.done)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			m.DumpState("panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.recordLeaks("shutdown timeout")
			m.mu.Unlock()
			m.logger.Warn("Grid state machine interrupted", slog.Int("leaked", len(m.leaked)))
			return ctx.Err()
		case ev := <-m.inbox:
			if m.process(ev) {
				m.logger.Info("Grid state machine stopped", slog.String("reason", m.stopReason))
				return nil
			}
		}
	}
}

// process handles one event and reports whether the stop sequence has settled.
func (m *Machine) process(ev event.Event) bool {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := ev.(interface{ Stamp(uint64) }); ok {
		s.Stamp(m.nextSeq)
	}
	m.nextSeq++

	switch e := ev.(type) {
	case *event.OrderUpdateEvent:
		m.handleOrderUpdate(e)
	case *event.PlaceResultEvent:
		m.handlePlaceResult(e)
	case *event.CancelResultEvent:
		m.handleCancelResult(e)
	case *event.AckTimeoutEvent:
		m.handleAckTimeout(e)
	case *event.ReplaceEvent:
		m.handleReplace(e)
	case *event.ReconcileEvent:
		m.handleReconcile(e)
	case *event.QuoteEvent:
		m.lastQuote = domain.Quote{Symbol: e.Symbol, Bid: e.Bid, Ask: e.Ask, Time: time.UnixMicro(e.Ts)}
		event.ReleaseQuoteEvent(e)
	case *event.StopEvent:
		m.beginStop(e.Reason)
	default:
		m.logger.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}

	m.metrics.RecordEvent(time.Since(start))
	m.metrics.SetLiveOrders(m.liveCount())

	return m.stopping && m.liveCount() == 0
}

func (m *Machine) handleOrderUpdate(e *event.OrderUpdateEvent) {
	o := m.lookup(e.ClientID, e.ExchangeID)
	if o == nil {
		// The account stream carries every order of the symbol
		m.logger.Debug("Update for unknown order", slog.String("client_id", e.ClientID), slog.String("kind", string(e.Kind)))
		return
	}
	if e.ExchangeID != "" && o.ExchangeID == "" {
		o.ExchangeID = e.ExchangeID
		m.byExchID[e.ExchangeID] = o
	}

	switch e.Kind {
	case event.UpdateAccepted:
		if o.Status == domain.OrderStatusPending {
			m.acknowledge(o)
		}
	case event.UpdatePartiallyFilled, event.UpdateFilled:
		m.onFill(o, e)
	case event.UpdateCanceled:
		m.onCanceled(o, true)
	case event.UpdateRejected:
		if o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusStale {
			m.onRejected(o, e.Reason)
		}
	}
}

func (m *Machine) handlePlaceResult(e *event.PlaceResultEvent) {
	o := m.orders[e.ClientID]
	if o == nil {
		m.logger.Warn("Place result for unknown order", slog.String("client_id", e.ClientID))
		return
	}
	o.PlaceAttempts = e.Attempts
	ls := m.levels[o.Level]

	if e.Err == nil {
		clear(m.exhausted)
		if e.ExchangeID != "" && o.ExchangeID == "" {
			o.ExchangeID = e.ExchangeID
			m.byExchID[e.ExchangeID] = o
		}
		if e.Duplicate {
			m.logger.Info("Place deduplicated by gateway", slog.String("client_id", o.ClientID))
		}
	}

	if !o.IsLive() {
		return
	}

	// Stale or stopping: the place was aborted, cancel whatever reached the exchange.
	if o.Status == domain.OrderStatusStale || (m.stopping && o.Status == domain.OrderStatusPending) {
		if e.Err != nil && domain.IsRejection(e.Err) {
			m.onRejected(o, e.Err.Error())
			return
		}
		m.requestCancel(ls)
		return
	}

	switch {
	case e.Err == nil:
		if o.Status == domain.OrderStatusPending {
			m.acknowledge(o)
		}
	case o.Status != domain.OrderStatusPending:
		// The feed already saw the order live; it is authoritative.
		m.logger.Warn("Place error for acknowledged order ignored",
			slog.String("client_id", o.ClientID), slog.Any("error", e.Err))
	case errors.Is(e.Err, domain.ErrRetriesExhausted):
		m.onExhausted(o, e.Err)
	default:
		m.onRejected(o, e.Err.Error())
	}
}

func (m *Machine) handleCancelResult(e *event.CancelResultEvent) {
	o := m.orders[e.ClientID]
	if o == nil {
		m.logger.Info("Stray order canceled", slog.String("client_id", e.ClientID), slog.Any("error", e.Err))
		return
	}
	if !o.IsLive() {
		return
	}
	ls := m.levels[o.Level]

	if e.Err != nil {
		ls.canceling = false
		ls.cancelErr = e.Err.Error()
		m.logger.Error("Cancel failed",
			slog.String("client_id", o.ClientID),
			slog.Int("level", o.Level),
			slog.Any("error", e.Err))
		if errors.Is(e.Err, domain.ErrRetriesExhausted) {
			m.noteExhausted(o.Level)
		}
		if !m.stopping && o.Status == domain.OrderStatusStale {
			m.scheduleReplace(o.Level, o.ParentPrice, o.Remaining())
		}
		return
	}
	m.onCanceled(o, false)
}

func (m *Machine) handleAckTimeout(e *event.AckTimeoutEvent) {
	o := m.orders[e.ClientID]
	if o == nil || o.Status != domain.OrderStatusPending {
		return
	}
	ls := m.levels[o.Level]
	if ls.canceling {
		return
	}

	stale := &domain.StaleAcknowledgmentError{ClientID: o.ClientID, Level: o.Level, Waited: m.cfg.AckTimeout}
	m.logger.Warn("STALE_ACK", slog.Any("error", stale))
	m.metrics.RecordStaleAck()

	o.Status = domain.OrderStatusStale
	o.UpdatedAt = time.Now()

	// Cancel once the aborted place reports; if nothing is in flight, cancel now.
	if !m.intents.Abort(o.ClientID) {
		m.requestCancel(ls)
	}
}

func (m *Machine) handleReplace(e *event.ReplaceEvent) {
	if e.Level < 0 || e.Level >= len(m.levels) {
		return
	}
	ls := m.levels[e.Level]
	if e.Token != ls.token || m.stopping {
		return
	}

	if ls.order != nil && ls.order.IsLive() {
		if ls.order.Status == domain.OrderStatusStale && !ls.canceling {
			m.requestCancel(ls)
		}
		return
	}
	m.logger.Info("Re-placing level", slog.Int("level", e.Level), slog.Int("attempt", ls.replaces))
	m.place(e.Level, ls.replaceFor, ls.replaceQty)
}

// handleReconcile compares live orders with the exchange's open orders of this run.
func (m *Machine) handleReconcile(e *event.ReconcileEvent) {
	asOf := time.UnixMicro(e.Ts)
	open := make(map[string]bool, len(e.OpenClientIDs))
	for _, id := range e.OpenClientIDs {
		open[id] = true
	}

	acked := 0
	for _, ls := range m.levels {
		o := ls.order
		if o == nil || !o.IsOpen() {
			continue
		}
		acked++
		if !open[o.ClientID] && o.UpdatedAt.Before(asOf) {
			m.logger.Warn("ORDER_MISSING_ON_EXCHANGE",
				slog.String("client_id", o.ClientID),
				slog.Int("level", o.Level),
				slog.String("status", string(o.Status)))
		}
	}
	if acked > len(open) {
		m.violation(&domain.InvariantViolationError{
			Rule:   RuleLiveCount,
			Level:  -1,
			Detail: fmt.Sprintf("%d acknowledged orders, exchange reports %d", acked, len(open)),
		})
	}

	for id := range open {
		o := m.orders[id]
		if o != nil && o.IsLive() && m.levels[o.Level].order == o {
			continue
		}
		if o != nil && !o.UpdatedAt.Before(asOf) {
			continue // changed after the exchange was queried
		}
		level := -1
		if o != nil {
			level = o.Level
		}
		m.violation(&domain.InvariantViolationError{
			Rule:   RuleSingleLiveOrder,
			Level:  level,
			Detail: fmt.Sprintf("order %s is open on the exchange but not tracked as live", id),
		})
		m.intents.Cancel(id)
	}
}

func (m *Machine) acknowledge(o *domain.GridOrder) {
	ls := m.levels[o.Level]
	m.stopAckTimer(ls)
	o.Status = domain.OrderStatusOpen
	o.UpdatedAt = time.Now()
	ls.replaces = 0

	if !m.plan.Contains(o.Price) {
		m.violation(&domain.InvariantViolationError{
			Rule:   RulePriceInRange,
			Level:  o.Level,
			Detail: fmt.Sprintf("open order price %s outside [%s, %s]", o.Price, m.plan.Lower, m.plan.Upper),
		})
	}
	if m.stopping {
		m.requestCancel(ls)
	}
}

// onFill applies a fill. Duplicate deliveries are recognized by the remaining
// quantity not decreasing, or by the order no longer being live.
func (m *Machine) onFill(o *domain.GridOrder, e *event.OrderUpdateEvent) {
	if !o.IsLive() {
		m.logger.Debug("Duplicate fill ignored", slog.String("client_id", o.ClientID), slog.String("status", string(o.Status)))
		return
	}

	remaining := e.Remaining
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if e.Kind == event.UpdateFilled {
		remaining = decimal.Zero
	}
	if !remaining.LessThan(o.Remaining()) {
		m.logger.Debug("Duplicate partial fill ignored", slog.String("client_id", o.ClientID))
		return
	}

	ls := m.levels[o.Level]
	qty := o.Remaining().Sub(remaining)
	o.Filled = o.Filled.Add(qty)
	o.Notional = o.Notional.Add(e.Price.Mul(qty))
	o.Fee = o.Fee.Add(e.Fee)
	o.UpdatedAt = time.Now()
	m.stopAckTimer(ls)

	if remaining.IsPositive() {
		o.Status = domain.OrderStatusPartiallyFilled
		return
	}

	if o.Seq <= ls.done {
		m.logger.Debug("Replenishment already issued", slog.Int("level", o.Level), slog.Uint64("seq", o.Seq))
		o.Status = domain.OrderStatusFilled
		return
	}
	ls.done = o.Seq
	o.Status = domain.OrderStatusFilled
	ls.replaces = 0

	fill := m.emitFill(o, time.UnixMicro(e.Ts), false)
	m.logger.Info("Order filled",
		slog.Int("level", o.Level),
		slog.String("side", string(o.Side)),
		slog.String("price", fill.Price.String()),
		slog.String("qty", fill.Quantity.String()))

	if m.stopping {
		return
	}
	m.replenish(o.Level, o.Side, fill.Price)
}

// emitFill reports the executed quantity of o to the observers.
// partial marks an order that left the book before filling completely.
func (m *Machine) emitFill(o *domain.GridOrder, at time.Time, partial bool) domain.Fill {
	fill := domain.Fill{
		Symbol:      m.cfg.Symbol,
		Level:       o.Level,
		Side:        o.Side,
		ClientID:    o.ClientID,
		ExchangeID:  o.ExchangeID,
		Price:       o.AvgPrice(),
		Quantity:    o.Filled,
		Fee:         o.Fee,
		ParentPrice: o.ParentPrice,
		Partial:     partial,
		Time:        at,
	}
	m.metrics.RecordFill(string(o.Side))
	for _, obs := range m.observers {
		obs.OnFill(fill)
	}
	return fill
}

// settlePartial reports the executed part of a partially filled order that
// is leaving the live set. The level is not replenished.
func (m *Machine) settlePartial(o *domain.GridOrder) {
	if !o.Filled.IsPositive() {
		return
	}
	fill := m.emitFill(o, time.Now(), true)
	m.logger.Info("Partially filled order closed",
		slog.Int("level", o.Level),
		slog.String("client_id", o.ClientID),
		slog.String("filled", fill.Quantity.String()),
		slog.String("remaining", o.Remaining().String()))
}

// replenish places the opposite side on the adjacent planned level.
func (m *Machine) replenish(from int, side domain.Side, price decimal.Decimal) {
	target := m.adjacent(from, side)
	if target < 0 {
		m.boundaryExhaustions++
		m.metrics.RecordBoundaryExhaustion()
		m.logger.Warn("BOUNDARY_EXHAUSTED",
			slog.Int("level", from),
			slog.String("side", string(side)),
			slog.String("price", price.String()))
		return
	}

	ts := m.levels[target]
	if ts.order != nil && ts.order.IsLive() {
		m.violation(&domain.InvariantViolationError{
			Rule:  RuleTargetOccupied,
			Level: target,
			Detail: fmt.Sprintf("%s fill at level %d cannot place %s: %s %s is live",
				side, from, side.Opposite(), ts.order.Side, ts.order.ClientID),
		})
		return
	}

	ts.side = side.Opposite()
	ts.replaces = 0
	ts.token++
	m.metrics.RecordReplenishment()
	m.place(target, price, decimal.Zero)
}

// adjacent returns the next planned level above (BUY fill) or below (SELL fill),
// stepping over skipped levels, or -1 at the boundary.
func (m *Machine) adjacent(from int, side domain.Side) int {
	step := 1
	if side == domain.SideSell {
		step = -1
	}
	for i := from + step; i >= 0 && i < len(m.levels); i += step {
		if !m.levels[i].level.Skipped {
			return i
		}
	}
	return -1
}

func (m *Machine) onCanceled(o *domain.GridOrder, fromFeed bool) {
	if !o.IsLive() {
		return
	}
	ls := m.levels[o.Level]
	wasStale := o.Status == domain.OrderStatusStale
	m.stopAckTimer(ls)
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = time.Now()
	ls.canceling = false
	ls.cancelErr = ""
	m.settlePartial(o)

	if m.stopping {
		return
	}
	if wasStale {
		if ls.replaces >= m.cfg.ReplaceAttempts {
			m.logger.Warn("Stale order canceled, level left empty",
				slog.Int("level", o.Level), slog.Int("attempts", ls.replaces))
			return
		}
		ls.replaces++
		m.logger.Info("Stale order canceled, replacing", slog.Int("level", o.Level), slog.String("client_id", o.ClientID))
		m.place(o.Level, o.ParentPrice, o.Remaining())
		return
	}
	m.logger.Error("Unexpected cancel",
		slog.Int("level", o.Level),
		slog.String("client_id", o.ClientID),
		slog.Bool("from_feed", fromFeed))
	m.scheduleReplace(o.Level, o.ParentPrice, o.Remaining())
}

func (m *Machine) onRejected(o *domain.GridOrder, reason string) {
	ls := m.levels[o.Level]
	m.stopAckTimer(ls)
	o.Status = domain.OrderStatusRejected
	o.UpdatedAt = time.Now()
	ls.canceling = false

	m.logger.Warn("Order rejected",
		slog.Int("level", o.Level),
		slog.String("client_id", o.ClientID),
		slog.String("reason", reason))

	if !m.stopping {
		m.scheduleReplace(o.Level, o.ParentPrice, o.Remaining())
	}
}

// onExhausted marks the level CANCELED after the executor gave up retrying.
// The order may or may not exist on the exchange.
func (m *Machine) onExhausted(o *domain.GridOrder, err error) {
	ls := m.levels[o.Level]
	m.stopAckTimer(ls)
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = time.Now()

	m.logger.Error("Place retries exhausted, level left empty",
		slog.Int("level", o.Level),
		slog.String("client_id", o.ClientID),
		slog.Any("error", err))
	m.unresolved = append(m.unresolved, leakOf(o, "place outcome unknown: "+err.Error()))
	m.noteExhausted(o.Level)
}

func (m *Machine) noteExhausted(level int) {
	m.exhausted[level] = true
	if m.cfg.FatalLevelFailures > 0 && len(m.exhausted) >= m.cfg.FatalLevelFailures {
		m.fail(fmt.Errorf("%w: retries exhausted on %d levels", domain.ErrGatewayUnavailable, len(m.exhausted)))
	}
}

func (m *Machine) fail(err error) {
	if m.fatalErr != nil {
		return
	}
	m.fatalErr = err
	close(m.fatal)
	m.logger.Error("Run failed, stopping grid", slog.Any("error", err))
	m.beginStop("fatal: " + err.Error())
}

// scheduleReplace re-places qty at level after backoff.
func (m *Machine) scheduleReplace(level int, parent, qty decimal.Decimal) {
	ls := m.levels[level]
	if ls.replaces >= m.cfg.ReplaceAttempts {
		m.logger.Warn("Level left empty until next replenishment",
			slog.Int("level", level), slog.Int("attempts", ls.replaces))
		return
	}
	ls.replaces++
	ls.token++
	ls.replaceFor = parent
	ls.replaceQty = qty

	delay := infra.Backoff{Base: m.cfg.ReplaceBackoff, Max: 16 * m.cfg.ReplaceBackoff}.Delay(ls.replaces - 1)
	ev := &event.ReplaceEvent{BaseEvent: event.Now(), Level: level, Token: ls.token}
	m.afterFunc(delay, func() { m.post(ev) })
}

func (m *Machine) beginStop(reason string) {
	if m.stopping {
		return
	}
	m.stopping = true
	m.stopReason = reason
	m.logger.Info("Stopping grid", slog.String("reason", reason), slog.Int("live", m.liveCount()))

	for _, ls := range m.levels {
		ls.token++
		o := ls.order
		if o == nil || !o.IsLive() || ls.canceling {
			continue
		}
		if o.IsOpen() {
			m.requestCancel(ls)
			continue
		}
		// PENDING/STALE: cancel after the in-flight place reports
		if !m.intents.Abort(o.ClientID) {
			m.requestCancel(ls)
		}
	}
}

// place creates a new order at level and emits its place intent.
// A zero qty places the configured quantity.
func (m *Machine) place(level int, parent, qty decimal.Decimal) {
	ls := m.levels[level]
	if ls.order != nil && ls.order.IsLive() {
		m.violation(&domain.InvariantViolationError{
			Rule:   RuleSingleLiveOrder,
			Level:  level,
			Detail: fmt.Sprintf("refusing second order, %s is live", ls.order.ClientID),
		})
		return
	}
	if live := m.liveCount(); live >= len(m.levels) {
		m.violation(&domain.InvariantViolationError{
			Rule:   RuleLiveCount,
			Level:  level,
			Detail: fmt.Sprintf("%d live orders on a %d level grid", live, len(m.levels)),
		})
		return
	}

	if !qty.IsPositive() {
		qty = m.cfg.Quantity
	}
	ls.seq++
	now := time.Now()
	o := &domain.GridOrder{
		Level:       level,
		Side:        ls.side,
		Price:       ls.level.Price,
		ClientID:    m.clientID(level, ls.seq),
		Quantity:    qty,
		Status:      domain.OrderStatusPending,
		Seq:         ls.seq,
		ParentPrice: parent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ls.order = o
	ls.canceling = false
	ls.cancelErr = ""
	m.orders[o.ClientID] = o

	if m.cfg.AckTimeout > 0 {
		ev := &event.AckTimeoutEvent{BaseEvent: event.Now(), ClientID: o.ClientID}
		ls.ackTimer = m.afterFunc(m.cfg.AckTimeout, func() { m.post(ev) })
	}

	m.intents.Place(domain.PlaceRequest{
		Symbol:   m.cfg.Symbol,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity,
		ClientID: o.ClientID,
		PostOnly: m.cfg.PostOnly,
	})
}

func (m *Machine) requestCancel(ls *levelState) {
	if ls.canceling || ls.order == nil {
		return
	}
	ls.canceling = true
	m.intents.Cancel(ls.order.ClientID)
}

func (m *Machine) stopAckTimer(ls *levelState) {
	if ls.ackTimer != nil {
		ls.ackTimer.Stop()
		ls.ackTimer = nil
	}
}

func (m *Machine) violation(err *domain.InvariantViolationError) {
	m.invariantViolations++
	m.metrics.RecordInvariantViolation(err.Rule)
	m.logger.Error("INVARIANT_VIOLATION", slog.String("rule", err.Rule), slog.Int("level", err.Level), slog.Any("error", err))
}

// clientID builds "{prefix}-{run}-L{level}-{seq}"; unique per run and level.
func (m *Machine) clientID(level int, seq uint64) string {
	return fmt.Sprintf("%s-%s-L%d-%d", m.cfg.ClientIDPrefix, m.cfg.RunID, level, seq)
}

func (m *Machine) lookup(clientID, exchangeID string) *domain.GridOrder {
	if o, ok := m.orders[clientID]; ok {
		return o
	}
	if exchangeID != "" {
		return m.byExchID[exchangeID]
	}
	return nil
}

func (m *Machine) liveCount() int {
	n := 0
	for _, ls := range m.levels {
		if ls.order != nil && ls.order.IsLive() {
			n++
		}
	}
	return n
}

func (m *Machine) recordLeaks(reason string) {
	for _, ls := range m.levels {
		o := ls.order
		if o == nil || !o.IsLive() {
			continue
		}
		r := reason
		switch {
		case ls.cancelErr != "":
			r = "cancel failed: " + ls.cancelErr
		case o.Status == domain.OrderStatusStale:
			r = "no acknowledgment"
		}
		m.settlePartial(o)
		leak := leakOf(o, r)
		m.leaked = append(m.leaked, leak)
		m.logger.Error("LEAKED_ORDER",
			slog.Int("level", leak.Level),
			slog.String("client_id", leak.ClientID),
			slog.String("status", string(leak.Status)),
			slog.String("reason", r))
	}
}

func leakOf(o *domain.GridOrder, reason string) domain.LeakedOrder {
	return domain.LeakedOrder{
		Level:      o.Level,
		Side:       o.Side,
		ClientID:   o.ClientID,
		ExchangeID: o.ExchangeID,
		Status:     o.Status,
		Reason:     reason,
	}
}

// post delivers an event to the inbox unless the machine has exited.
func (m *Machine) post(ev event.Event) {
	select {
	case m.inbox <- ev:
	case <-m.done:
	}
}

// Leaked returns the orders left in a non-clean state: live orders at an
// interrupted shutdown plus places whose outcome was never confirmed.
func (m *Machine) Leaked() []domain.LeakedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.LeakedOrder, 0, len(m.unresolved)+len(m.leaked))
	out = append(out, m.unresolved...)
	out = append(out, m.leaked...)
	return out
}

// Snapshot returns a copy of the grid state (external read).
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		RunID:               m.cfg.RunID,
		Symbol:              m.cfg.Symbol,
		Lower:               m.plan.Lower,
		Upper:               m.plan.Upper,
		Quote:               m.lastQuote,
		Levels:              make([]LevelView, len(m.levels)),
		Stopping:            m.stopping,
		BoundaryExhaustions: m.boundaryExhaustions,
		InvariantViolations: m.invariantViolations,
	}
	for i, ls := range m.levels {
		v := LevelView{Index: i, Price: ls.level.Price, Side: ls.side, Skipped: ls.level.Skipped}
		if ls.order != nil {
			o := *ls.order
			v.Order = &o
			if o.IsLive() {
				s.OpenOrders = append(s.OpenOrders, o)
			}
		}
		s.Levels[i] = v
	}
	return s
}

// DumpState writes the entire internal state to a file (for post-mortem).
// Called from the panic handler, which already owns the state.
func (m *Machine) DumpState(filename string) {
	m.logger.Info("Dumping internal state...", slog.String("file", filename))

	orders := make(map[string]domain.GridOrder, len(m.orders))
	for id, o := range m.orders {
		orders[id] = *o
	}
	data := struct {
		NextSeq  uint64                      `json:"next_seq"`
		Stopping bool                        `json:"stopping"`
		Plan     strategy.GridPlan           `json:"plan"`
		Orders   map[string]domain.GridOrder `json:"orders"`
	}{
		NextSeq:  m.nextSeq,
		Stopping: m.stopping,
		Plan:     m.plan,
		Orders:   orders,
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		m.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		m.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
