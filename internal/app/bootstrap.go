package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"grid_go/internal/api"
	"grid_go/internal/domain"
	"grid_go/internal/engine"
	"grid_go/internal/event"
	"grid_go/internal/execution"
	"grid_go/internal/infra"
	"grid_go/internal/infra/cache"
	"grid_go/internal/infra/storage"
	"grid_go/internal/notify"
	"grid_go/internal/strategy"

	"github.com/shopspring/decimal"
)

// Options are command line overrides of the grid section. Zero values keep the file setting.
type Options struct {
	ConfigPath string
	Symbol     string
	Upper      string
	Lower      string
	Levels     int
	Quantity   string
	AutoPrice  bool
	PriceRange string
	Risk       string
	Duration   time.Duration
	Mode       string
}

// Apply overlays the options onto cfg.
func (o Options) Apply(cfg *infra.Config) error {
	parse := func(field, v string, dst *decimal.Decimal) error {
		if v == "" {
			return nil
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return &domain.ConfigError{Field: field, Err: err}
		}
		*dst = d
		return nil
	}

	g := &cfg.Grid
	if o.Symbol != "" {
		g.Symbol = o.Symbol
	}
	if err := parse("grid.upper", o.Upper, &g.Upper); err != nil {
		return err
	}
	if err := parse("grid.lower", o.Lower, &g.Lower); err != nil {
		return err
	}
	if err := parse("grid.quantity", o.Quantity, &g.Quantity); err != nil {
		return err
	}
	if err := parse("grid.price_range", o.PriceRange, &g.PriceRange); err != nil {
		return err
	}
	if o.Levels > 0 {
		g.Levels = o.Levels
	}
	if o.AutoPrice {
		g.AutoPrice = true
	}
	if o.Risk != "" {
		g.RiskProfile = o.Risk
	}
	if o.Duration > 0 {
		g.Duration = o.Duration
	}
	if o.Mode != "" {
		cfg.Trading.Mode = strings.ToUpper(o.Mode)
	}
	return nil
}

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Metrics   *infra.Metrics
	Venue     *execution.Venue
	Storage   *storage.Storage
	Publisher *cache.SnapshotPublisher
	Notifier  *notify.TelegramNotifier
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds every collaborator of a run.
// Optional integrations that fail to connect are logged and left out.
func (b *Bootstrap) Initialize(opts Options) error {
	slog.Info("🚀 Bootstrapping grid_go...")

	// 1. Load Config, then CLI overrides
	cfg, err := infra.LoadConfig(opts.ConfigPath, opts.Apply)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	// 3. Metrics and execution venue
	event.Warmup()
	b.Metrics = infra.NewMetrics()
	venue, err := execution.NewFactory(cfg, b.Metrics).Build()
	if err != nil {
		return err
	}
	b.Venue = venue
	slog.Info("✅ Execution venue ready", slog.String("mode", string(venue.Mode)))

	// 4. Storage (DB)
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Storage = store
		slog.Info("✅ Database initialized")
	}

	// 5. Snapshot cache
	if cfg.Redis.Enabled {
		pub, err := cache.NewSnapshotPublisher(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.TTL)
		if err != nil {
			slog.Warn("Redis unavailable, snapshots will not be published", slog.Any("error", err))
		} else {
			b.Publisher = pub
			slog.Info("✅ Redis snapshot publisher ready")
		}
	}

	// 6. Telegram
	if cfg.Telegram.Enabled {
		n, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			slog.Warn("Telegram unavailable, reports will not be sent", slog.Any("error", err))
		} else {
			b.Notifier = n
		}
	}

	return nil
}

// Run plans and executes one grid run until its duration elapses, ctx is
// canceled or a fatal error occurs.
func (b *Bootstrap) Run(ctx context.Context) domain.RunReport {
	cfg := b.Config
	runID := engine.NewRunID()

	deps := engine.TraderDeps{
		Gateway: b.Venue.Gateway,
		Quotes:  b.Venue.Quotes,
		Feed:    b.Venue.Feed,
		Metrics: b.Metrics,
	}
	if b.Storage != nil {
		journal := storage.NewTradeJournal(b.Storage, runID)
		journal.Start()
		defer journal.Close()
		deps.Observers = append(deps.Observers, journal)
		deps.Recorder = b.Storage
	}
	if b.Publisher != nil {
		deps.Publisher = b.Publisher
	}
	if b.Notifier != nil {
		deps.Notifier = b.Notifier
	}

	trader := engine.NewTrader(engine.TraderConfig{
		Symbol:                cfg.Grid.Symbol,
		RunID:                 runID,
		ClientIDPrefix:        cfg.Trading.ClientIDPrefix,
		CancelExistingOnStart: cfg.Trading.CancelExistingOnStart,
		PostOnly:              cfg.Trading.PostOnly,
		FeeRate:               cfg.Grid.FeeRate,
		Engine:                cfg.Engine,
		Executor:              cfg.Executor,
	}, deps)

	if cfg.API.Enabled {
		var opts []api.Option
		if b.Storage != nil {
			opts = append(opts, api.WithHistory(b.Storage))
		}
		if bp, ok := b.Venue.Gateway.(domain.BalanceProvider); ok {
			opts = append(opts, api.WithBalances(bp))
		}
		srv := api.NewServer(cfg.API.Addr, trader, b.Metrics, opts...)
		srv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("Status server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	pp, qty, err := b.planParams(ctx)
	if err != nil {
		slog.Error("❌ Invalid grid parameters", slog.Any("error", err))
		return domain.RunReport{
			RunID:     runID,
			Symbol:    cfg.Grid.Symbol,
			Status:    domain.RunStatusFatalError,
			Error:     err.Error(),
			StartedAt: time.Now(),
			EndedAt:   time.Now(),
		}
	}

	slog.Info("✨ Starting grid run",
		slog.String("run_id", runID),
		slog.Int("levels", pp.Levels),
		slog.Duration("duration", cfg.Grid.Duration))

	return trader.Run(ctx, pp, qty, cfg.Grid.Duration)
}

// planParams resolves risk profile, auto range and exchange filters into planner
// input and the per-level quantity. The market price is left for the trader to fetch.
func (b *Bootstrap) planParams(ctx context.Context) (strategy.PlanParams, decimal.Decimal, error) {
	g := b.Config.Grid
	qty := g.Quantity
	pp := strategy.PlanParams{
		Upper:    g.Upper,
		Lower:    g.Lower,
		Levels:   g.Levels,
		RangePct: g.PriceRange,
		TickSize: g.TickSize,
	}

	if g.RiskProfile != "" {
		prof, err := strategy.ProfileParams(g.RiskProfile)
		if err != nil {
			return pp, qty, &domain.ConfigError{Field: "grid.risk_profile", Err: err}
		}
		pp.Levels = prof.Levels
		pp.RangePct = prof.RangePct
		g.AutoPrice = true
	}
	if g.AutoPrice {
		pp.Upper, pp.Lower = decimal.Zero, decimal.Zero
	}

	if b.Venue.Market == nil {
		return pp, qty, nil
	}
	info, err := b.Venue.Market.MarketInfo(ctx, g.Symbol)
	if err != nil {
		slog.Warn("Failed to fetch market filters, prices will not be rounded", slog.Any("error", err))
		return pp, qty, nil
	}

	if pp.TickSize.IsZero() {
		pp.TickSize = info.TickSize
	}
	tick := domain.MarketInfo{TickSize: pp.TickSize}
	pp.Upper = tick.RoundPrice(pp.Upper)
	pp.Lower = tick.RoundPrice(pp.Lower)

	if clamped := info.ClampQty(qty); !clamped.Equal(qty) {
		slog.Warn("Quantity adjusted to exchange filters",
			slog.String("requested", qty.String()),
			slog.String("quantity", clamped.String()))
		qty = clamped
	}
	return pp, qty, nil
}

// Close releases storage and cache connections.
func (b *Bootstrap) Close() {
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			slog.Warn("Failed to close redis", slog.Any("error", err))
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close database", slog.Any("error", err))
		}
	}
}
