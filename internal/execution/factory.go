package execution

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"grid_go/internal/domain"
	"grid_go/internal/event"
	"grid_go/internal/infra"
	"grid_go/internal/infra/backpack"
	"grid_go/internal/service"
)

// Mode represents the trading execution mode
type Mode string

const (
	ModePaper Mode = infra.ModePaper
	ModeReal  Mode = infra.ModeReal
)

// quoteMaxAge bounds how old a streamed quote may be before REST is asked instead.
const quoteMaxAge = 30 * time.Second

// Venue is everything the trader needs from an exchange.
type Venue struct {
	Mode    Mode
	Gateway domain.OrderGateway
	Feed    event.Feed
	Quotes  *service.QuoteService
	Market  domain.MarketInfoProvider
	Paper   *PaperExchange // nil in REAL mode
}

// Factory creates the venue selected by the configuration.
type Factory struct {
	config  *infra.Config
	metrics *infra.Metrics
	getenv  func(string) string
}

// NewFactory creates a new factory.
func NewFactory(cfg *infra.Config, metrics *infra.Metrics) *Factory {
	return &Factory{config: cfg, metrics: metrics, getenv: os.Getenv}
}

// Build wires the exchange client, the websocket worker and the quote service for the configured mode.
// Both modes read live market data; only REAL sends orders.
func (f *Factory) Build() (*Venue, error) {
	mode := Mode(strings.ToUpper(f.config.Trading.Mode))
	ex := f.config.Exchange

	slog.Info("Initializing execution venue", slog.String("mode", string(mode)))

	switch mode {
	case ModePaper:
		public := backpack.NewClient(ex, nil, nil)
		quotes := service.NewQuoteService(public, quoteMaxAge)
		worker := backpack.NewWorker(ex, nil, nil, quotes, f.metrics)

		paper := NewPaperExchange(PaperConfig{
			FeeRate:  f.config.Grid.FeeRate,
			Balances: f.config.Trading.PaperBalances,
			Market:   worker,
		})
		quotes.OnQuote(paper.OnQuote)

		return &Venue{Mode: mode, Gateway: paper, Feed: paper, Quotes: quotes, Market: public, Paper: paper}, nil

	case ModeReal:
		// SAFETY LATCH CHECK
		if f.getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, fmt.Errorf("SAFETY_GUARD: real trading requires CONFIRM_REAL_MONEY=true")
		}

		signer, err := backpack.NewSigner(ex.APIKey, ex.SecretKey, ex.WindowMS)
		if err != nil {
			return nil, &domain.ConfigError{Field: "exchange.secret_key", Err: err}
		}

		slog.Warn("🚨🚨🚨 Connecting to Backpack REAL (Mainnet) 🚨🚨🚨")
		ids := backpack.NewIDRegistry()
		client := backpack.NewClient(ex, signer, ids)
		quotes := service.NewQuoteService(client, quoteMaxAge)
		worker := backpack.NewWorker(ex, signer, ids, quotes, f.metrics)

		return &Venue{Mode: mode, Gateway: client, Feed: worker, Quotes: quotes, Market: client}, nil

	default:
		return nil, fmt.Errorf("unknown execution mode: %s", mode)
	}
}
