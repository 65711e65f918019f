package event

import (
	"sync"

	"github.com/shopspring/decimal"
)

// quotePool provides sync.Pool for high-frequency quote events.
// Quotes arrive on every book change; the consumer releases them after processing.
//
// Usage:
//
//	ev := AcquireQuoteEvent()
//	ev.Symbol = "SOL_USDC"
//	// ... send to inbox ...
//	ReleaseQuoteEvent(ev)  // Return to pool after processing
var quotePool = sync.Pool{
	New: func() interface{} {
		return &QuoteEvent{}
	},
}

// AcquireQuoteEvent gets a QuoteEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireQuoteEvent() *QuoteEvent {
	return quotePool.Get().(*QuoteEvent)
}

// ReleaseQuoteEvent returns a QuoteEvent to the pool.
// The event is reset to zero values before being pooled.
func ReleaseQuoteEvent(ev *QuoteEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = 0
	ev.Symbol = ""
	ev.Bid = decimal.Zero
	ev.Ask = decimal.Zero

	quotePool.Put(ev)
}

// Warmup pre-allocates quote events to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 256

	evs := make([]*QuoteEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireQuoteEvent())
	}
	for _, ev := range evs {
		ReleaseQuoteEvent(ev)
	}
}
