package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"
)

// ExecutorConfig tunes gateway retries.
type ExecutorConfig struct {
	MaxAttempts int
	Backoff     infra.Backoff
	CallTimeout time.Duration
}

// Executor turns state machine intents into OrderGateway calls.
// One goroutine per intent; outcomes are posted back to the machine inbox.
// The client order id is reused across retries so the gateway can deduplicate.
type Executor struct {
	gw      domain.OrderGateway
	symbol  string
	cfg     ExecutorConfig
	out     chan<- event.Event
	breaker *infra.CircuitBreaker
	metrics *infra.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // place intents by client id
}

// NewExecutor creates an executor posting results to out.
// breaker and metrics may be nil.
func NewExecutor(gw domain.OrderGateway, symbol string, cfg ExecutorConfig, out chan<- event.Event, breaker *infra.CircuitBreaker, metrics *infra.Metrics) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		gw:       gw,
		symbol:   symbol,
		cfg:      cfg,
		out:      out,
		breaker:  breaker,
		metrics:  metrics,
		logger:   slog.Default().With("module", "executor"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Place submits req in the background and posts a PlaceResultEvent.
func (e *Executor) Place(req domain.PlaceRequest) {
	if req.Symbol == "" {
		req.Symbol = e.symbol
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	e.inflight[req.ClientID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ev := e.runPlace(ctx, req)

		e.mu.Lock()
		delete(e.inflight, req.ClientID)
		e.mu.Unlock()
		cancel()

		e.post(ev)
	}()
}

// Cancel cancels clientID in the background and posts a CancelResultEvent.
func (e *Executor) Cancel(clientID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCancel(e.ctx, clientID)
	}()
}

// Abort interrupts an in-flight place. The place still reports, with ErrAborted.
func (e *Executor) Abort(clientID string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[clientID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close aborts every outstanding intent and waits for the workers.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) runPlace(ctx context.Context, req domain.PlaceRequest) *event.PlaceResultEvent {
	var (
		res      domain.PlaceResult
		err      error
		attempts int
	)

	for attempts < e.cfg.MaxAttempts {
		attempts++
		err = e.call(ctx, "place", func(cctx context.Context) error {
			var callErr error
			res, callErr = e.gw.Place(cctx, req)
			return callErr
		})
		if err == nil || !domain.IsRetriable(err) || ctx.Err() != nil {
			break
		}
		if attempts < e.cfg.MaxAttempts {
			e.logger.Warn("Place failed, retrying",
				slog.String("client_id", req.ClientID),
				slog.Int("attempt", attempts),
				slog.Any("error", err))
			if !e.sleep(ctx, e.cfg.Backoff.Delay(attempts-1)) {
				break
			}
		}
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = fmt.Errorf("place %s: %w", req.ClientID, domain.ErrAborted)
	case domain.IsRetriable(err):
		err = fmt.Errorf("place %s after %d attempts: %w: %w", req.ClientID, attempts, domain.ErrRetriesExhausted, err)
	}

	return &event.PlaceResultEvent{
		BaseEvent:  event.Now(),
		ClientID:   req.ClientID,
		ExchangeID: res.ExchangeID,
		Duplicate:  res.Duplicate,
		Attempts:   attempts,
		Err:        err,
	}
}

func (e *Executor) runCancel(ctx context.Context, clientID string) {
	var (
		err      error
		attempts int
	)

	for attempts < e.cfg.MaxAttempts {
		attempts++
		err = e.call(ctx, "cancel", func(cctx context.Context) error {
			return e.gw.Cancel(cctx, e.symbol, clientID)
		})
		if errors.Is(err, domain.ErrOrderNotFound) {
			// Already gone: filled, canceled or never placed
			err = nil
		}
		if err == nil || !domain.IsRetriable(err) || ctx.Err() != nil {
			break
		}
		if attempts < e.cfg.MaxAttempts && !e.sleep(ctx, e.cfg.Backoff.Delay(attempts-1)) {
			break
		}
	}

	if err != nil && domain.IsRetriable(err) {
		err = fmt.Errorf("cancel %s after %d attempts: %w: %w", clientID, attempts, domain.ErrRetriesExhausted, err)
	}

	e.post(&event.CancelResultEvent{
		BaseEvent: event.Now(),
		ClientID:  clientID,
		Err:       err,
	})
}

// call runs one gateway attempt through the circuit breaker and records metrics.
func (e *Executor) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.breaker != nil && !e.breaker.Allow() {
		e.metrics.RecordGatewayCall(op, "circuit_open", 0)
		return domain.NewTransientError(op, errors.New("circuit breaker open"))
	}

	cctx := ctx
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(cctx)
	latency := time.Since(start)

	// A gateway that surfaces a bare deadline is still a timeout.
	var re domain.RetriableError
	if err != nil && !errors.As(err, &re) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = domain.NewTransientError(op, err)
	}

	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "aborted"
	case errors.Is(err, domain.ErrOrderNotFound):
		outcome = "not_found"
	case domain.IsRetriable(err):
		outcome = "transient"
	default:
		outcome = "rejected"
	}
	e.metrics.RecordGatewayCall(op, outcome, latency)

	if e.breaker != nil && ctx.Err() == nil {
		if outcome == "transient" {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}
	return err
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Executor) post(ev event.Event) {
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
		e.logger.Warn("Executor closed, dropping result", slog.String("type", ev.GetType().String()))
	}
}
