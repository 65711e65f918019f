package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"grid_go/internal/domain"
)

// TradeJournal writes fills to storage off the state machine goroutine.
// It implements domain.FillObserver.
type TradeJournal struct {
	store  *Storage
	runID  string
	ch     chan domain.Fill
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTradeJournal creates a journal for runID. Start must be called before fills arrive.
func NewTradeJournal(store *Storage, runID string) *TradeJournal {
	return &TradeJournal{
		store:  store,
		runID:  runID,
		ch:     make(chan domain.Fill, 256),
		logger: slog.Default().With("module", "trade_journal"),
	}
}

// OnFill queues a fill. It never blocks; fills are dropped with an error log when the queue is full.
func (j *TradeJournal) OnFill(f domain.Fill) {
	select {
	case j.ch <- f:
	default:
		j.logger.Error("Trade journal full, fill not persisted", slog.String("client_id", f.ClientID))
	}
}

// Start runs the writer until Close.
func (j *TradeJournal) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for f := range j.ch {
			j.write(f)
		}
	}()
}

// Close flushes queued fills and stops the writer. OnFill must not be called afterwards.
func (j *TradeJournal) Close() {
	j.closeOnce.Do(func() { close(j.ch) })
	j.wg.Wait()
}

func (j *TradeJournal) write(f domain.Fill) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &domain.TradeRecord{
		RunID:       j.runID,
		Symbol:      f.Symbol,
		Level:       f.Level,
		Side:        string(f.Side),
		ClientID:    f.ClientID,
		ExchangeID:  f.ExchangeID,
		Price:       f.Price,
		Quantity:    f.Quantity,
		Fee:         f.Fee,
		ParentPrice: f.ParentPrice,
		FilledAt:    f.Time,
	}
	if err := j.store.SaveTrade(ctx, rec); err != nil {
		j.logger.Error("Failed to save trade", slog.String("client_id", f.ClientID), slog.Any("error", err))
	}
}
