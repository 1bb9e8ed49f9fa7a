package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// FundingRate monitors perpetual-future funding rates and runs a
// delta-neutral carry: long spot, short perp, entered when the annualized
// funding clears the APY floor with the basis inside its limit and enough
// time to the next funding, exited when funding decays below the lower
// threshold or the position ages out.
type FundingRate struct {
	base
	venue exchange.FundingVenue

	mu        sync.Mutex
	positions map[string]*fundingPosition // symbol → open carry
}

type fundingPosition struct {
	symbol    string
	sizeUSD   float64
	enteredAt time.Time
	entryAPY  float64
}

// NewFundingRate builds the funding-rate task for one futures venue.
func NewFundingRate(venue exchange.FundingVenue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *FundingRate {
	return &FundingRate{
		base:      newBase("funding_rate", cfg, st, sink, logger),
		venue:     venue,
		positions: make(map[string]*fundingPosition),
	}
}

// Name implements Scanner.
func (s *FundingRate) Name() string { return s.name }

// Run implements Scanner.
func (s *FundingRate) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().FundingRate.ScanInterval
	}, s.scan)
}

func (s *FundingRate) scan(ctx context.Context) {
	snap := s.cfg.Snapshot()
	if !snap.FundingRate.Enabled {
		return
	}

	for _, symbol := range snap.FundingRate.Symbols {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rate, err := s.venue.GetFundingRate(ctx, symbol)
		if err != nil {
			s.logger.Warn("funding rate fetch failed", "symbol", symbol, "error", err)
			continue
		}

		s.mu.Lock()
		open := s.positions[symbol]
		s.mu.Unlock()

		if open != nil {
			s.evalExit(symbol, open, rate, snap.FundingRate)
		} else {
			s.evalEntry(symbol, rate, snap.FundingRate)
		}
	}
}

func (s *FundingRate) evalEntry(symbol string, rate types.FundingRate, cfg config.FundingRateConfig) {
	action, reason := FundingEntryDecision(rate, cfg, time.Now())

	s.logScan(s.venue.Name(), symbol, symbol, action == "enter", reason, rate.AnnualizedPct())
	s.recordDecision(symbol, rate, action)
	if action != "enter" {
		return
	}

	s.mu.Lock()
	s.positions[symbol] = &fundingPosition{
		symbol:    symbol,
		sizeUSD:   cfg.MaxPositionUSD,
		enteredAt: time.Now(),
		entryAPY:  rate.AnnualizedPct(),
	}
	s.mu.Unlock()

	// Two delta-neutral legs: buy spot, sell the perp.
	units := cfg.MaxPositionUSD / rate.MarkPrice
	s.emit(types.Opportunity{
		Strategy: types.StratFundingRate,
		Legs: []types.Leg{
			{Side: types.BUY, Venue: s.venue.Name(), MarketID: symbol, Title: symbol + " spot", Price: rate.IndexPrice, MaxSize: units},
			{Side: types.SELL, Venue: s.venue.Name(), MarketID: symbol + "-PERP", Title: symbol + " perp", Price: rate.MarkPrice, MaxSize: units},
		},
		ProfitPct:  rate.AnnualizedPct(),
		MaxSize:    units,
		Confidence: 0.9,
	})
}

func (s *FundingRate) evalExit(symbol string, open *fundingPosition, rate types.FundingRate, cfg config.FundingRateConfig) {
	apy := rate.AnnualizedPct()
	held := time.Since(open.enteredAt)

	var reason string
	switch {
	case apy <= cfg.ExitAnnualizedPct:
		reason = fmt.Sprintf("funding decayed to %.2f%% APY (exit at %.2f%%)", apy, cfg.ExitAnnualizedPct)
	case held >= cfg.MaxHoldTime:
		reason = fmt.Sprintf("max hold time reached (%s)", held.Round(time.Minute))
	default:
		s.recordDecision(symbol, rate, "hold")
		return
	}

	s.logScan(s.venue.Name(), symbol, symbol, true, "exit: "+reason, apy)
	s.recordDecision(symbol, rate, "exit")

	s.mu.Lock()
	delete(s.positions, symbol)
	s.mu.Unlock()

	units := open.sizeUSD / rate.MarkPrice
	s.emit(types.Opportunity{
		Strategy: types.StratFundingRate,
		Legs: []types.Leg{
			{Side: types.SELL, Venue: s.venue.Name(), MarketID: symbol, Title: symbol + " spot", Price: rate.IndexPrice, MaxSize: units},
			{Side: types.BUY, Venue: s.venue.Name(), MarketID: symbol + "-PERP", Title: symbol + " perp", Price: rate.MarkPrice, MaxSize: units},
		},
		MaxSize:    units,
		Confidence: 0.9,
		SkipReason: "",
	})
}

func (s *FundingRate) recordDecision(symbol string, rate types.FundingRate, action string) {
	if err := s.store.LogFundingOpportunity(store.FundingOpportunityRow{
		Symbol:        symbol,
		AnnualizedPct: rate.AnnualizedPct(),
		BasisPct:      rate.Basis() * 100,
		Action:        action,
	}); err != nil {
		s.logger.Debug("funding log failed", "error", err)
	}
}

// FundingEntryDecision applies the entry rules: annualized funding at or
// above the APY floor, basis within limit, enough time until the next
// funding payment. Returns "enter" or "skip" plus a human-readable reason.
func FundingEntryDecision(rate types.FundingRate, cfg config.FundingRateConfig, now time.Time) (action, reason string) {
	apy := rate.AnnualizedPct()
	if apy < cfg.MinAnnualizedPct {
		return "skip", fmt.Sprintf("annualized %.2f%% below floor %.2f%%", apy, cfg.MinAnnualizedPct)
	}
	if basisPct := rate.Basis() * 100; basisPct > cfg.MaxBasisPct {
		return "skip", fmt.Sprintf("basis %.2f%% above limit %.2f%%", basisPct, cfg.MaxBasisPct)
	}
	if until := rate.NextFundingTime.Sub(now); until < cfg.MinTimeToFunding {
		return "skip", fmt.Sprintf("only %s to next funding (need %s)", until.Round(time.Minute), cfg.MinTimeToFunding)
	}
	return "enter", fmt.Sprintf("annualized %.2f%% clears floor", apy)
}
