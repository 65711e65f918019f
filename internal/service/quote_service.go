package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grid_go/internal/domain"
)

// ErrNoQuote is returned when no fresh quote is known and no fallback is configured.
var ErrNoQuote = errors.New("no quote available")

// QuoteService keeps the latest best bid/ask per symbol from the market data
// stream and fans it out to listeners. It implements domain.QuoteProvider,
// falling back to a REST provider when the cached quote is missing or stale.
type QuoteService struct {
	mu        sync.RWMutex
	quotes    map[string]domain.Quote
	listeners []func(domain.Quote)

	fallback domain.QuoteProvider
	maxAge   time.Duration
	now      func() time.Time
}

// NewQuoteService creates a QuoteService. fallback may be nil; maxAge <= 0 means cached quotes never expire.
func NewQuoteService(fallback domain.QuoteProvider, maxAge time.Duration) *QuoteService {
	return &QuoteService{
		quotes:   make(map[string]domain.Quote),
		fallback: fallback,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// OnQuote registers fn for every accepted quote. fn runs on the updating goroutine.
func (s *QuoteService) OnQuote(fn func(domain.Quote)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Update stores q and notifies listeners. Invalid or out-of-order quotes are ignored.
func (s *QuoteService) Update(q domain.Quote) {
	if !q.IsValid() {
		return
	}
	if q.Time.IsZero() {
		q.Time = s.now()
	}

	s.mu.Lock()
	if prev, ok := s.quotes[q.Symbol]; ok && q.Time.Before(prev.Time) {
		s.mu.Unlock()
		return
	}
	s.quotes[q.Symbol] = q
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(q)
	}
}

// Latest returns the cached quote of symbol.
func (s *QuoteService) Latest(symbol string) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// BestBidAsk returns a fresh cached quote, or asks the fallback provider.
func (s *QuoteService) BestBidAsk(ctx context.Context, symbol string) (domain.Quote, error) {
	if q, ok := s.Latest(symbol); ok && (s.maxAge <= 0 || s.now().Sub(q.Time) <= s.maxAge) {
		return q, nil
	}
	if s.fallback == nil {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	q, err := s.fallback.BestBidAsk(ctx, symbol)
	if err != nil {
		return domain.Quote{}, err
	}
	s.Update(q)
	return q, nil
}
