// Package runtime owns one tenant's running world: its scoped store and
// config, its decrypted secrets, its venue clients, its scanners, and the
// executor (live) or simulator (paper) that drains the shared opportunity
// channel. A runtime never touches another tenant's state.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/executor"
	"polybot/internal/risk"
	"polybot/internal/scanner"
	"polybot/internal/sim"
	"polybot/internal/store"
	"polybot/pkg/types"
)

const (
	opportunityBuffer = 128
	drainTimeout      = 3 * time.Second
)

// handler drains opportunities; satisfied by both the executor and the
// simulator.
type handler interface {
	Handle(ctx context.Context, opp types.Opportunity)
}

// Runtime is one tenant's bot instance.
type Runtime struct {
	userID   string
	store    *store.Store
	resolver *config.Resolver
	logger   *slog.Logger

	venues     map[types.Venue]exchange.Venue
	prediction map[types.Venue]exchange.PredictionVenue
	scanners   []scanner.Scanner
	riskState  *risk.State
	exec       *executor.Executor
	simulator  *sim.Simulator
	oppCh      chan types.Opportunity
	cron       *cron.Cron

	wg sync.WaitGroup
}

// New wires a tenant runtime: scoped store, resolved config, decrypted
// secrets, venue clients for the enabled venues, the tenant's scanners, and
// the paper or live execution backend.
func New(userID string, root *store.Store, base config.Config, logger *slog.Logger) (*Runtime, error) {
	st := root.ForTenant(userID)
	logger = logger.With("user_id", userID)

	resolver := config.NewResolver(userID, base, st, logger)
	if err := resolver.ReloadFromStore(); err != nil {
		logger.Warn("initial config load failed, using env defaults", "error", err)
	}
	snap := resolver.Snapshot()

	secrets, err := st.LoadSecrets(false)
	if err != nil {
		if snap.Live {
			return nil, fmt.Errorf("load secrets: %w", err)
		}
		logger.Warn("secrets unavailable, paper mode continues", "error", err)
		secrets = map[string]string{}
	}
	mergeSecrets(&snap, secrets)

	r := &Runtime{
		userID:     userID,
		store:      st,
		resolver:   resolver,
		logger:     logger,
		venues:     make(map[types.Venue]exchange.Venue),
		prediction: make(map[types.Venue]exchange.PredictionVenue),
		oppCh:      make(chan types.Opportunity, opportunityBuffer),
		cron:       cron.New(),
	}

	if err := r.buildVenues(snap); err != nil {
		return nil, err
	}

	r.riskState = risk.New(
		snap.Trading.MaxDailyLossUSD,
		snap.Trading.MaxConsecutiveFailures,
		snap.Trading.ManualApprovalTrades,
		snap.Trading.CooldownPerMarket,
		logger,
	)

	if snap.Live {
		r.exec = executor.New(resolver, r.venues, r.riskState, st, r.liveBalance, logger)
	} else {
		r.simulator = sim.New(resolver, st, logger)
	}

	r.buildScanners(snap)
	return r, nil
}

// mergeSecrets copies decrypted per-tenant secrets into the venue slots,
// overriding any process-env values.
func mergeSecrets(cfg *config.Config, secrets map[string]string) {
	set := func(dst *string, key string) {
		if v, ok := secrets[key]; ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Venues.Polymarket.Credentials.APIKey, "POLYMARKET_API_KEY")
	set(&cfg.Venues.Polymarket.Credentials.Secret, "POLYMARKET_SECRET")
	set(&cfg.Venues.Polymarket.Credentials.Passphrase, "POLYMARKET_PASSPHRASE")
	set(&cfg.Venues.Polymarket.Credentials.PrivateKey, "POLYMARKET_PRIVATE_KEY")
	set(&cfg.Venues.Kalshi.Credentials.APIKey, "KALSHI_API_KEY")
	set(&cfg.Venues.Kalshi.Credentials.PrivateKey, "KALSHI_PRIVATE_KEY")
	set(&cfg.Venues.BinanceUS.Credentials.APIKey, "BINANCE_US_API_KEY")
	set(&cfg.Venues.BinanceUS.Credentials.Secret, "BINANCE_US_SECRET")
	set(&cfg.Venues.Alpaca.Credentials.APIKey, "ALPACA_API_KEY")
	set(&cfg.Venues.Alpaca.Credentials.Secret, "ALPACA_SECRET")
}

func (r *Runtime) buildVenues(snap config.Config) error {
	if snap.Venues.Polymarket.Enabled {
		pm, err := exchange.NewPolymarket(snap.Venues.Polymarket.Credentials, r.logger)
		if err != nil {
			if snap.Live {
				return fmt.Errorf("polymarket client: %w", err)
			}
			r.logger.Warn("polymarket client unavailable", "error", err)
		} else {
			r.venues[types.VenuePolymarket] = pm
			r.prediction[types.VenuePolymarket] = pm
		}
	}
	if snap.Venues.Kalshi.Enabled {
		ks, err := exchange.NewKalshi(snap.Venues.Kalshi.Credentials, r.logger)
		if err != nil {
			if snap.Live {
				return fmt.Errorf("kalshi client: %w", err)
			}
			r.logger.Warn("kalshi client unavailable", "error", err)
		} else {
			r.venues[types.VenueKalshi] = ks
			r.prediction[types.VenueKalshi] = ks
		}
	}
	if snap.Venues.BinanceUS.Enabled {
		r.venues[types.VenueBinanceUS] = exchange.NewBinance(snap.Venues.BinanceUS.Credentials, r.logger)
	}
	if snap.Venues.Alpaca.Enabled {
		r.venues[types.VenueAlpaca] = exchange.NewAlpaca(snap.Venues.Alpaca.Credentials, snap.Live, r.logger)
	}
	return nil
}

func (r *Runtime) buildScanners(snap config.Config) {
	sink := scanner.Sink(r.oppCh)

	for venue, client := range r.prediction {
		if snap.SinglePlatform.Enabled {
			r.scanners = append(r.scanners, scanner.NewSinglePlatform(client, r.resolver, r.store, sink, r.logger))
		}
		if snap.MarketMaker.Enabled {
			r.scanners = append(r.scanners, scanner.NewMarketMaker(client, r.resolver, r.store, sink, r.logger))
		}
		if venue == types.VenuePolymarket && snap.CopyTrading.Enabled {
			r.scanners = append(r.scanners, scanner.NewCopyTrade(client, r.balance, r.resolver, r.store, sink, r.logger))
		}
	}

	if snap.CrossPlatform.Enabled && len(r.prediction) >= 2 {
		r.scanners = append(r.scanners, scanner.NewCrossPlatform(r.prediction, r.resolver, r.store, sink, r.logger))
	}

	if crypto, ok := r.venues[types.VenueBinanceUS]; ok {
		if snap.FundingRate.Enabled {
			if funding, ok := exchange.AsFunding(crypto); ok {
				r.scanners = append(r.scanners, scanner.NewFundingRate(funding, r.resolver, r.store, sink, r.logger))
			}
		}
		if snap.Grid.Enabled {
			r.scanners = append(r.scanners, scanner.NewGrid(crypto, r.resolver, r.store, sink, r.logger))
		}
		if snap.Pairs.Enabled {
			r.scanners = append(r.scanners, scanner.NewPairs(crypto, r.resolver, r.store, sink, r.logger))
		}
	}

	if stocks, ok := r.venues[types.VenueAlpaca]; ok {
		if snap.Stocks.MeanReversionEnabled {
			r.scanners = append(r.scanners, scanner.NewStockMeanReversion(stocks, r.resolver, r.store, sink, r.logger))
		}
		if snap.Stocks.MomentumEnabled {
			r.scanners = append(r.scanners, scanner.NewStockMomentum(stocks, r.resolver, r.store, sink, r.logger))
		}
	}
}

// balance returns the working balance: simulated in paper mode, live USD
// across venues otherwise.
func (r *Runtime) balance() float64 {
	if r.simulator != nil {
		return r.simulator.Balance()
	}
	return r.liveBalance()
}

func (r *Runtime) liveBalance() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var total float64
	for _, venue := range r.venues {
		balances, err := venue.GetBalance(ctx, "")
		if err != nil {
			continue
		}
		total += exchange.TotalUSD(balances)
	}
	return total
}

// Run starts every task and blocks until ctx is cancelled, then drains and
// flushes. A scanner that keeps failing only loses its own ticks; the other
// scanners keep running.
func (r *Runtime) Run(ctx context.Context) error {
	snap := r.resolver.Snapshot()
	mode := types.ModePaper
	if snap.Live {
		mode = types.ModeLive
	}
	if err := r.store.UpdateBotStatus(true, mode); err != nil {
		r.logger.Warn("status update failed", "error", err)
	}
	r.store.Audit("bot_started", map[string]any{"mode": string(mode), "scanners": len(r.scanners)})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if snap.Live {
		if pm, ok := r.prediction[types.VenuePolymarket]; ok {
			if client, ok := pm.(*exchange.Polymarket); ok {
				if err := client.EnsureCredentials(runCtx); err != nil {
					return fmt.Errorf("polymarket credentials: %w", err)
				}
			}
		}
	}

	// One cooperative task per scanner.
	for _, sc := range r.scanners {
		sc := sc
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.recoverTask(sc.Name())
			sc.Run(runCtx)
		}()
	}

	// The single drain: executor or simulator serializes risk mutations.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drainOpportunities(runCtx)
	}()

	// Periodic tasks: balance poller, paper stats saver, config reload,
	// heartbeat.
	_, _ = r.cron.AddFunc("@every 5m", func() { r.pollBalances(runCtx) })
	_, _ = r.cron.AddFunc("@every 1m", func() {
		if r.simulator != nil {
			if err := r.simulator.SaveStats(); err != nil {
				r.logger.Warn("stats save failed", "error", err)
			}
		}
	})
	_, _ = r.cron.AddFunc("@every 1m", func() {
		if err := r.resolver.ReloadFromStore(); err == nil {
			r.logger.Debug("config reloaded")
		}
	})
	_, _ = r.cron.AddFunc("@every 30s", func() {
		if err := r.store.Heartbeat(); err != nil {
			r.logger.Debug("heartbeat failed", "error", err)
		}
	})
	r.cron.Start()

	r.logger.Info("tenant runtime started", "mode", mode, "scanners", len(r.scanners), "venues", len(r.venues))

	<-ctx.Done()
	return r.shutdown()
}

func (r *Runtime) recoverTask(name string) {
	if rec := recover(); rec != nil {
		r.logger.Error("scanner crashed", "scanner", name, "panic", rec)
	}
}

func (r *Runtime) drainOpportunities(ctx context.Context) {
	var h handler = r.exec
	if r.simulator != nil {
		h = r.simulator
	}

	for {
		select {
		case <-ctx.Done():
			return
		case opp := <-r.oppCh:
			h.Handle(ctx, opp)
		}
	}
}

func (r *Runtime) pollBalances(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if r.simulator != nil {
		if err := r.store.LogBalance("simulated", r.simulator.Balance()); err != nil {
			r.logger.Debug("balance log failed", "error", err)
		}
		return
	}
	for name, venue := range r.venues {
		balances, err := venue.GetBalance(pollCtx, "")
		if err != nil {
			r.logger.Warn("balance poll failed", "venue", name, "error", err)
			continue
		}
		if err := r.store.LogBalance(name, exchange.TotalUSD(balances)); err != nil {
			r.logger.Debug("balance log failed", "venue", name, "error", err)
		}
	}
}

// shutdown stops cron, waits for tasks, best-effort drains the channel into
// terminal statuses, and flushes pending state.
func (r *Runtime) shutdown() error {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		r.logger.Warn("tasks did not stop within drain timeout")
	}

	// Anything still queued will never execute; mark it missed.
	for {
		select {
		case opp := <-r.oppCh:
			_ = r.store.UpdateOpportunityStatus(opp.ID, types.OppMissed, "shutdown", nil)
			continue
		default:
		}
		break
	}

	if r.simulator != nil {
		if err := r.simulator.SaveStats(); err != nil {
			r.logger.Warn("final stats save failed", "error", err)
		}
	}
	if err := r.store.UpdateBotStatus(false, types.ModePaper); err != nil {
		r.logger.Debug("final status update failed", "error", err)
	}
	r.store.Audit("bot_stopped", nil)

	r.logger.Info("tenant runtime stopped")
	return nil
}

// Executor exposes the live executor (nil in paper mode) for the approval
// surface.
func (r *Runtime) Executor() *executor.Executor { return r.exec }
