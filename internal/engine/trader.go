package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"
	"grid_go/internal/stats"
	"grid_go/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SnapshotPublisher receives the periodic run snapshot.
type SnapshotPublisher interface {
	Publish(ctx context.Context, symbol string, v any) error
}

// RunRecorder persists daily statistics and final run reports.
type RunRecorder interface {
	AddDailyStats(ctx context.Context, symbol string, day time.Time, delta domain.TradeStats) error
	SaveRun(ctx context.Context, report domain.RunReport) error
}

// Notifier delivers the final run report to a human.
type Notifier interface {
	NotifyReport(ctx context.Context, report domain.RunReport) error
}

// TraderConfig configures a Trader.
type TraderConfig struct {
	Symbol                string
	RunID                 string // generated when empty
	ClientIDPrefix        string
	CancelExistingOnStart bool
	PostOnly              bool
	FeeRate               decimal.Decimal

	Engine   infra.EngineConfig
	Executor infra.ExecutorConfig
}

// TraderDeps are the collaborators of a Trader. Only Gateway and Feed are required.
type TraderDeps struct {
	Gateway   domain.OrderGateway
	Quotes    domain.QuoteProvider
	Feed      event.Feed
	Metrics   *infra.Metrics
	Observers []domain.FillObserver
	Publisher SnapshotPublisher
	Recorder  RunRecorder
	Notifier  Notifier
}

// StartParams describe one grid run.
type StartParams struct {
	Plan     strategy.GridPlan
	Quantity decimal.Decimal
	Duration time.Duration
}

// Trader wires planner output, state machine, executor and observers into a
// single run with a time budget. It is the surface used by the CLI.
type Trader struct {
	cfg    TraderConfig
	deps   TraderDeps
	stats  *stats.Aggregator
	logger *slog.Logger

	mu        sync.RWMutex
	machine   *Machine
	exec      *Executor
	status    domain.RunStatus
	startedAt time.Time
	endsAt    time.Time
	report    *domain.RunReport

	flushed  domain.TradeStats // stats already written as daily increments
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTrader creates a trader. Start must be called before Wait.
func NewTrader(cfg TraderConfig, deps TraderDeps) *Trader {
	if cfg.RunID == "" {
		cfg.RunID = NewRunID()
	}
	return &Trader{
		cfg:    cfg,
		deps:   deps,
		stats:  stats.NewAggregator(),
		logger: slog.Default().With("module", "trader", "symbol", cfg.Symbol, "run_id", cfg.RunID),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// NewRunID returns a short random run identifier for client order ids.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// RunID returns the run identifier.
func (t *Trader) RunID() string {
	return t.cfg.RunID
}

// Run plans the grid, starts it and blocks until it ends. When pp.Market is
// zero the mid of the best bid/ask is used.
func (t *Trader) Run(ctx context.Context, pp strategy.PlanParams, qty decimal.Decimal, duration time.Duration) domain.RunReport {
	t.mu.Lock()
	t.startedAt = time.Now()
	t.mu.Unlock()

	if !pp.Market.IsPositive() && t.deps.Quotes != nil {
		q, err := t.deps.Quotes.BestBidAsk(ctx, t.cfg.Symbol)
		if err != nil {
			return t.abort(fmt.Errorf("fetch market price: %w", err))
		}
		pp.Market = q.Mid()
	}

	plan, err := strategy.Plan(pp)
	if err != nil {
		return t.abort(err)
	}

	minSpacing := strategy.MinProfitableSpacing(t.cfg.FeeRate)
	if plan.SpacingPct().LessThan(minSpacing) {
		t.logger.Warn("Grid spacing does not cover fees",
			slog.String("spacing_pct", plan.SpacingPct().StringFixed(6)),
			slog.String("min_pct", minSpacing.StringFixed(6)))
	}

	if err := t.Start(ctx, StartParams{Plan: plan, Quantity: qty, Duration: duration}); err != nil {
		return t.abort(err)
	}
	return t.Wait()
}

// Start checks capital, clears leftovers of earlier runs, places the initial
// grid and returns. Errors are returned before any order of this run is placed.
func (t *Trader) Start(ctx context.Context, p StartParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.machine != nil {
		return errors.New("trader already started")
	}
	if !p.Quantity.IsPositive() {
		return &domain.PlanningError{Field: "quantity", Err: fmt.Errorf("quantity %s must be positive", p.Quantity)}
	}
	if p.Duration <= 0 {
		return &domain.PlanningError{Field: "duration", Err: fmt.Errorf("duration %s must be positive", p.Duration)}
	}
	if t.deps.Gateway == nil || t.deps.Feed == nil {
		return errors.New("trader requires an order gateway and a feed")
	}

	if bp, ok := t.deps.Gateway.(domain.BalanceProvider); ok {
		balances, err := bp.Balances(ctx)
		if err != nil {
			return fmt.Errorf("query balances: %w", err)
		}
		if err := strategy.CheckCapital(p.Plan, p.Quantity, t.cfg.Symbol, balances); err != nil {
			return err
		}
	}

	t.cancelExisting(ctx)

	ecfg := t.cfg.Engine
	inbox := make(chan event.Event, max(ecfg.InboxSize, 1))

	bcfg := t.cfg.Executor.Breaker
	breaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             "order-gateway",
		FailureThreshold: bcfg.FailureThreshold,
		SuccessThreshold: bcfg.SuccessThreshold,
		Timeout:          bcfg.Timeout,
		OnStateChange: func(s infra.State) {
			t.deps.Metrics.SetCircuitState(s == infra.StateOpen)
		},
	})
	if bcfg.FailureThreshold <= 0 {
		breaker = nil
	}

	exec := NewExecutor(t.deps.Gateway, t.cfg.Symbol, ExecutorConfig{
		MaxAttempts: t.cfg.Executor.MaxAttempts,
		Backoff:     infra.Backoff{Base: t.cfg.Executor.BaseDelay, Max: t.cfg.Executor.MaxDelay},
		CallTimeout: t.cfg.Executor.CallTimeout,
	}, inbox, breaker, t.deps.Metrics)

	observers := append([]domain.FillObserver{t.stats}, t.deps.Observers...)
	m := NewMachine(MachineConfig{
		Symbol:             t.cfg.Symbol,
		RunID:              t.cfg.RunID,
		ClientIDPrefix:     t.cfg.ClientIDPrefix,
		Quantity:           p.Quantity,
		PostOnly:           t.cfg.PostOnly,
		AckTimeout:         ecfg.AckTimeout,
		ReplaceBackoff:     ecfg.ReplaceBackoff,
		ReplaceAttempts:    ecfg.ReplaceAttempts,
		FatalLevelFailures: ecfg.FatalLevelFailures,
	}, p.Plan, inbox, exec, t.deps.Metrics, observers...)

	// The feed must outlive a canceled ctx so cancel confirmations still arrive during stop.
	feedCtx, feedCancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := t.deps.Feed.Subscribe(feedCtx, t.cfg.Symbol, inbox); err != nil {
		feedCancel()
		exec.Close()
		return fmt.Errorf("subscribe feed: %w", err)
	}

	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.endsAt = time.Now().Add(p.Duration)
	t.machine = m
	t.exec = exec
	t.status = domain.RunStatusRunning

	m.Initialize()

	t.logger.Info("🚀 Grid run started",
		slog.Int("levels", len(p.Plan.Levels)),
		slog.String("lower", p.Plan.Lower.String()),
		slog.String("upper", p.Plan.Upper.String()),
		slog.String("market", p.Plan.Market.String()),
		slog.String("quantity", p.Quantity.String()),
		slog.Duration("duration", p.Duration))

	go t.loop(ctx, p.Duration, feedCancel)
	return nil
}

// Stop requests an external stop. The run ends with status SIGNALED.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Done is closed when the run has ended and its report is available.
func (t *Trader) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run ends and returns its report.
func (t *Trader) Wait() domain.RunReport {
	<-t.done
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.report
}

// Stats returns the statistics snapshot.
func (t *Trader) Stats() domain.TradeStats {
	return t.stats.Snapshot()
}

// Snapshot returns open orders, statistics and run metadata.
func (t *Trader) Snapshot() Snapshot {
	t.mu.RLock()
	m := t.machine
	s := Snapshot{Symbol: t.cfg.Symbol, RunID: t.cfg.RunID}
	status, started, ends := t.status, t.startedAt, t.endsAt
	t.mu.RUnlock()

	if m != nil {
		s = m.Snapshot()
	}
	s.Status = status
	s.StartedAt = started
	s.EndsAt = ends
	s.Stats = t.stats.Snapshot()
	return s
}

func (t *Trader) loop(ctx context.Context, duration time.Duration, feedCancel context.CancelFunc) {
	m := t.machine
	ecfg := t.cfg.Engine

	mctx, mcancel := context.WithCancel(context.Background())
	defer mcancel()
	go func() {
		_ = m.Run(mctx)
	}()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	reconcile := newTicker(ecfg.ReconcileInterval)
	defer reconcile.Stop()
	report := newTicker(ecfg.ReportInterval)
	defer report.Stop()

	var (
		status = domain.RunStatusCompleted
		reason string
		runErr error
	)

loop:
	for {
		select {
		case <-deadline.C:
			status, reason = domain.RunStatusCompleted, "duration elapsed"
			break loop
		case <-ctx.Done():
			status, reason = domain.RunStatusSignaled, "signal received"
			break loop
		case <-t.stopCh:
			status, reason = domain.RunStatusSignaled, "stop requested"
			break loop
		case <-m.Fatal():
			status, reason, runErr = domain.RunStatusFatalError, "fatal error", m.Err()
			break loop
		case <-m.Done():
			status, reason, runErr = domain.RunStatusFatalError, "state machine exited", errors.New("state machine exited unexpectedly")
			break loop
		case <-reconcile.C:
			t.reconcile(ctx)
		case <-report.C:
			t.periodicReport(ctx)
		}
	}

	t.logger.Info("Stopping grid run", slog.String("reason", reason))
	m.Stop(reason)

	shutdown := time.NewTimer(ecfg.ShutdownTimeout)
	defer shutdown.Stop()
	select {
	case <-m.Done():
	case <-shutdown.C:
		t.logger.Warn("Shutdown timeout elapsed", slog.Duration("timeout", ecfg.ShutdownTimeout))
		mcancel()
		<-m.Done()
	}

	feedCancel()
	t.exec.Close()

	t.finish(status, runErr, m)
}

func (t *Trader) finish(status domain.RunStatus, runErr error, m *Machine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.mu.RLock()
	started := t.startedAt
	t.mu.RUnlock()

	r := domain.RunReport{
		RunID:     t.cfg.RunID,
		Symbol:    t.cfg.Symbol,
		Status:    status,
		StartedAt: started,
		EndedAt:   time.Now(),
		Stats:     t.stats.Snapshot(),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if m != nil {
		snap := m.Snapshot()
		r.Leaked = m.Leaked()
		r.BoundaryExhaustions = snap.BoundaryExhaustions
		r.InvariantViolations = snap.InvariantViolations
	}

	t.flushDaily(ctx)
	t.deps.Metrics.SetQuoteDelta(r.Stats.QuoteDelta.InexactFloat64())

	if t.deps.Recorder != nil {
		if err := t.deps.Recorder.SaveRun(ctx, r); err != nil {
			t.logger.Error("Failed to save run record", slog.Any("error", err))
		}
	}
	if t.deps.Notifier != nil {
		if err := t.deps.Notifier.NotifyReport(ctx, r); err != nil {
			t.logger.Warn("Failed to send run report", slog.Any("error", err))
		}
	}

	t.logger.Info("🏁 Grid run finished",
		slog.String("status", string(r.Status)),
		slog.String("error", r.Error),
		slog.Int64("completed_pairs", r.Stats.CompletedPairs),
		slog.String("quote_delta", r.Stats.QuoteDelta.String()),
		slog.Int("leaked", len(r.Leaked)))

	t.mu.Lock()
	t.status = status
	t.report = &r
	t.mu.Unlock()
	close(t.done)
}

// abort ends a run that failed before its grid was placed.
func (t *Trader) abort(err error) domain.RunReport {
	t.logger.Error("Grid run failed to start", slog.Any("error", err))
	t.finish(domain.RunStatusFatalError, err, nil)
	return t.Wait()
}

// cancelExisting clears open orders left by earlier runs of this bot
// (or every open order of the symbol when configured).
func (t *Trader) cancelExisting(ctx context.Context) {
	orders, err := t.deps.Gateway.OpenOrders(ctx, t.cfg.Symbol)
	if err != nil {
		t.logger.Warn("Failed to list open orders at start", slog.Any("error", err))
		return
	}

	prefix := t.cfg.ClientIDPrefix + "-"
	canceled := 0
	for _, o := range orders {
		if !t.cfg.CancelExistingOnStart && !strings.HasPrefix(o.ClientID, prefix) {
			continue
		}
		if err := t.deps.Gateway.Cancel(ctx, t.cfg.Symbol, o.ClientID); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			t.logger.Warn("Failed to cancel leftover order", slog.String("client_id", o.ClientID), slog.Any("error", err))
			continue
		}
		canceled++
	}
	if canceled > 0 {
		t.logger.Info("Canceled leftover orders", slog.Int("count", canceled))
	}
}

// reconcile posts the exchange's open orders of this run to the machine.
func (t *Trader) reconcile(ctx context.Context) {
	base := event.Now()

	cctx, cancel := context.WithTimeout(ctx, t.cfg.Executor.CallTimeout)
	defer cancel()
	orders, err := t.deps.Gateway.OpenOrders(cctx, t.cfg.Symbol)
	if err != nil {
		t.logger.Warn("Reconcile skipped", slog.Any("error", err))
		return
	}

	prefix := fmt.Sprintf("%s-%s-", t.cfg.ClientIDPrefix, t.cfg.RunID)
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if strings.HasPrefix(o.ClientID, prefix) {
			ids = append(ids, o.ClientID)
		}
	}
	t.machine.post(&event.ReconcileEvent{BaseEvent: base, OpenClientIDs: ids})
}

func (t *Trader) periodicReport(ctx context.Context) {
	snap := t.Snapshot()
	t.deps.Metrics.SetQuoteDelta(snap.Stats.QuoteDelta.InexactFloat64())

	t.logger.Info("📊 Grid report",
		slog.Int("open_orders", len(snap.OpenOrders)),
		slog.Int64("buy_fills", snap.Stats.BuyFills),
		slog.Int64("sell_fills", snap.Stats.SellFills),
		slog.Int64("completed_pairs", snap.Stats.CompletedPairs),
		slog.String("quote_delta", snap.Stats.QuoteDelta.String()),
		slog.String("fees", snap.Stats.Fees.String()),
		slog.Duration("remaining", time.Until(snap.EndsAt).Truncate(time.Second)))

	if t.deps.Publisher != nil {
		if err := t.deps.Publisher.Publish(ctx, t.cfg.Symbol, snap); err != nil {
			t.logger.Warn("Failed to publish snapshot", slog.Any("error", err))
		}
	}
	t.flushDaily(ctx)
}

// flushDaily writes the stats accumulated since the last flush into today's row.
func (t *Trader) flushDaily(ctx context.Context) {
	if t.deps.Recorder == nil {
		return
	}
	cur := t.stats.Snapshot()
	delta := stats.Diff(cur, t.flushed)
	if stats.IsZero(delta) {
		return
	}
	if err := t.deps.Recorder.AddDailyStats(ctx, t.cfg.Symbol, time.Now(), delta); err != nil {
		t.logger.Warn("Failed to record daily stats", slog.Any("error", err))
		return
	}
	t.flushed = cur
}

// newTicker returns a ticker, or a stopped one that never fires when d <= 0.
func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		tk := time.NewTicker(time.Hour)
		tk.Stop()
		return tk
	}
	return time.NewTicker(d)
}
