package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"grid_go/internal/app"
	"grid_go/internal/domain"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	os.Exit(run())
}

func run() int {
	var opts app.Options
	flag.StringVar(&opts.ConfigPath, "config", "configs/config.yaml", "path to the configuration file")
	flag.StringVar(&opts.Symbol, "symbol", "", "market symbol, e.g. SOL_USDC")
	flag.StringVar(&opts.Upper, "grid-upper", "", "upper grid price")
	flag.StringVar(&opts.Lower, "grid-lower", "", "lower grid price")
	flag.IntVar(&opts.Levels, "grid-num", 0, "number of grid levels")
	flag.StringVar(&opts.Quantity, "quantity", "", "order quantity per level, in base asset")
	flag.BoolVar(&opts.AutoPrice, "auto-price", false, "center the grid on the current market price")
	flag.StringVar(&opts.PriceRange, "price-range", "", "auto-price range as a fraction, e.g. 0.04")
	flag.StringVar(&opts.Risk, "risk", "", "risk profile: low, medium or high")
	flag.DurationVar(&opts.Duration, "duration", 0, "run duration, e.g. 2h")
	flag.StringVar(&opts.Mode, "mode", "", "execution mode: PAPER or REAL")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(opts); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		return 1
	}
	defer bootstrap.Close()

	// 2. Pprof Server (for performance profiling)
	if addr := bootstrap.Config.API.PprofAddr; addr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report := bootstrap.Run(ctx)

	slog.Info("👋 Grid run finished",
		slog.String("run_id", report.RunID),
		slog.String("status", string(report.Status)),
		slog.Int64("completed_pairs", report.Stats.CompletedPairs),
		slog.String("quote_delta", report.Stats.QuoteDelta.String()),
		slog.Int("leaked", len(report.Leaked)))

	for _, l := range report.Leaked {
		slog.Warn("Order left on the exchange",
			slog.Int("level", l.Level),
			slog.String("client_id", l.ClientID),
			slog.String("reason", l.Reason))
	}

	switch report.Status {
	case domain.RunStatusCompleted, domain.RunStatusSignaled:
		return 0
	default:
		return 1
	}
}
