// Polybot — a multi-tenant trading bot platform for prediction markets
// (Polymarket, Kalshi) plus crypto and stock venues.
//
// Architecture:
//
//	main.go                 — entry point: flags, logger, store, supervisor or single runtime
//	supervisor/             — reconciles active tenants from the registry, one runtime each
//	runtime/                — one tenant's world: scanners, executor/simulator, pollers
//	scanner/                — strategy scanners (arb, copy-trading, market-maker, funding, …)
//	executor/               — risk gates + two-leg execution against venue clients
//	sim/                    — paper-trading simulator with realistic execution frictions
//	exchange/               — venue clients (Polymarket, Kalshi, Binance, Alpaca)
//	store/                  — typed Postgres persistence, tenant-scoped, batched log sink
//	vault/                  — encrypted per-tenant credential store
//	config/                 — tenant row → env → default resolution with hot reload
//
// Modes:
//
//	default    — run one tenant runtime for --user-id (legacy single-tenant)
//	--manager  — run the supervisor over all active tenants
//	--live     — live trading (otherwise paper); also LIVE_TRADING=true|1|yes
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polybot/internal/config"
	"polybot/internal/runtime"
	"polybot/internal/store"
	"polybot/internal/supervisor"
	"polybot/internal/vault"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		userID  = flag.String("user-id", "", "run a single tenant runtime for this user id")
		manager = flag.Bool("manager", false, "run the supervisor over all active tenants")
		live    = flag.Bool("live", false, "live trading mode (default: paper)")
		debug   = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if *live {
		cfg.Live = true
	}
	if cfg.Live {
		// Live mode must never fall back to plaintext credentials.
		cfg.Vault.AllowPlaintext = false
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := buildLogger(cfg.Logging, *debug)

	v, err := vault.New(cfg.Vault.MasterKey, cfg.Vault.AllowPlaintext)
	if err != nil {
		logger.Error("vault init failed", "error", err)
		return 1
	}
	if !v.Enabled() && !cfg.Live {
		logger.Warn("POLYBOT_MASTER_KEY not set; vault reads fall back to plaintext rows")
	}

	st, err := store.Open(dsnFrom(cfg), v, logger)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}

	// Mirror logs into bot_logs with batching; the sink disables itself on
	// auth failure so logging can never take the bot down.
	sink := store.NewLogSink(logger.Handler(), st)
	logger = slog.New(sink)
	defer sink.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *manager {
		sup := supervisor.New(st, *cfg, logger)
		if err := sup.Run(ctx); err != nil {
			logger.Error("supervisor failed", "error", err)
			return 1
		}
		return 0
	}

	if *userID == "" {
		logger.Error("either --manager or --user-id is required")
		return 1
	}

	rt, err := runtime.New(*userID, st, *cfg, logger)
	if err != nil {
		logger.Error("tenant runtime failed to start", "user_id", *userID, "error", err)
		return 1
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("polybot started",
		"user_id", *userID,
		"live", cfg.Live,
	)

	if err := rt.Run(ctx); err != nil {
		logger.Error("tenant runtime failed", "error", err)
		return 1
	}
	return 0
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := parseLogLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// dsnFrom prefers an explicit DSN and otherwise returns the project URL as
// the Postgres DSN; the URL is used as given, with no pooler DSN derived
// from it.
func dsnFrom(cfg *config.Config) string {
	if cfg.Database.DSN != "" {
		return cfg.Database.DSN
	}
	return cfg.Database.URL
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
