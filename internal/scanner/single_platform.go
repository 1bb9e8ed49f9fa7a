package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// Direction of a single-platform arbitrage: buy every YES leg or every NO leg.
const (
	DirectionBuyAllYes = "BUY-ALL-YES"
	DirectionBuyAllNo  = "BUY-ALL-NO"
)

// SinglePlatform scans one prediction venue for YES/NO and multi-outcome
// mispricings: binary markets where ask_YES + ask_NO drifts from $1, and
// events whose outcome YES asks sum away from $1.
type SinglePlatform struct {
	base
	venue exchange.PredictionVenue
}

// NewSinglePlatform builds the scanner for one prediction venue.
func NewSinglePlatform(venue exchange.PredictionVenue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *SinglePlatform {
	name := fmt.Sprintf("single_platform_%s", venue.Name())
	return &SinglePlatform{
		base:  newBase(name, cfg, st, sink, logger),
		venue: venue,
	}
}

// Name implements Scanner.
func (s *SinglePlatform) Name() string { return s.name }

// Run implements Scanner.
func (s *SinglePlatform) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().SinglePlatform.ScanInterval
	}, s.scan)
}

func (s *SinglePlatform) scan(ctx context.Context) {
	snap := s.cfg.Snapshot()
	if !snap.SinglePlatform.Enabled {
		return
	}

	markets, err := s.venue.ListMarkets(ctx)
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}

	events := make(map[string][]types.MarketInfo)
	binaries := 0
	for _, m := range markets {
		if !m.Active {
			continue
		}
		if m.OutcomeSize > 2 && m.EventID != "" {
			events[m.EventID] = append(events[m.EventID], m)
			continue
		}
		binaries++
		s.evalBinary(m, snap.SinglePlatform)
	}
	for _, group := range events {
		s.evalEvent(group, snap.SinglePlatform)
	}

	s.logger.Info("scan complete", "markets", len(markets), "binaries", binaries, "events", len(events))
}

// evalBinary scores one binary market: total = ask_YES + ask_NO,
// profit% = |1 − total| · 100.
func (s *SinglePlatform) evalBinary(m types.MarketInfo, cfg config.SinglePlatformConfig) {
	if m.YesAsk <= 0 || m.NoAsk <= 0 {
		s.logScan(m.Venue, m.ID, m.Title, false, "missing ask on one side", 0)
		return
	}

	total := m.YesAsk + m.NoAsk
	profitPct, direction := BinaryArbProfit(total)
	score := ArbScore(profitPct, 2, m.Liquidity, cfg.LowLiquidityUSD, cfg.HighLiquidityUSD)

	if profitPct < cfg.MinProfitPct {
		s.logScan(m.Venue, m.ID, m.Title, false,
			fmt.Sprintf("profit %.2f%% below threshold %.2f%%", profitPct, cfg.MinProfitPct), profitPct)
		return
	}
	if profitPct > cfg.MaxSpreadPct {
		s.logScan(m.Venue, m.ID, m.Title, false,
			fmt.Sprintf("spread %.2f%% above realistic cap %.2f%%", profitPct, cfg.MaxSpreadPct), profitPct)
		return
	}
	if s.cooldown.Active(m.ID, s.cfg.Snapshot().Trading.CooldownPerMarket) {
		s.logScan(m.Venue, m.ID, m.Title, false, "cooldown active", profitPct)
		return
	}

	s.logScan(m.Venue, m.ID, m.Title, true, direction, score)
	s.cooldown.Touch(m.ID, s.cfg.Snapshot().Trading.CooldownPerMarket)

	maxSize := cfg.MaxPositionUSD / math.Max(total, 0.01)
	legs := []types.Leg{
		{Side: types.BUY, Venue: m.Venue, MarketID: m.ID, Title: m.Title + " (Yes)", Price: m.YesAsk, MaxSize: maxSize},
		{Side: types.BUY, Venue: m.Venue, MarketID: m.ID, Title: m.Title + " (No)", Price: m.NoAsk, MaxSize: maxSize},
	}
	s.emit(types.Opportunity{
		Strategy:          types.StratSinglePlatform,
		Legs:              legs,
		ProfitPerContract: math.Abs(1 - total),
		ProfitPct:         profitPct,
		MaxSize:           maxSize,
		TotalProfitUSD:    math.Abs(1-total) * maxSize,
		Confidence:        1.0,
		SkipReason:        "",
	})
}

// evalEvent scores a multi-outcome event: sum of outcome YES asks vs $1.
func (s *SinglePlatform) evalEvent(group []types.MarketInfo, cfg config.SinglePlatformConfig) {
	if len(group) < 3 {
		return
	}

	var total, liquidity float64
	for _, m := range group {
		if m.YesAsk <= 0 {
			s.logScan(m.Venue, m.ID, m.Title, false, "missing yes ask in event group", 0)
			return
		}
		total += m.YesAsk
		liquidity += m.Liquidity
	}

	first := group[0]
	profitPct, direction := BinaryArbProfit(total)
	score := ArbScore(profitPct, len(group), liquidity, cfg.LowLiquidityUSD, cfg.HighLiquidityUSD)

	if profitPct < cfg.MinProfitPct {
		s.logScan(first.Venue, first.EventID, first.Title, false,
			fmt.Sprintf("event profit %.2f%% below threshold", profitPct), profitPct)
		return
	}
	if profitPct > cfg.MaxSpreadPct {
		s.logScan(first.Venue, first.EventID, first.Title, false,
			fmt.Sprintf("event spread %.2f%% above realistic cap", profitPct), profitPct)
		return
	}
	if s.cooldown.Active(first.EventID, s.cfg.Snapshot().Trading.CooldownPerMarket) {
		s.logScan(first.Venue, first.EventID, first.Title, false, "cooldown active", profitPct)
		return
	}

	s.logScan(first.Venue, first.EventID, first.Title, true, direction, score)
	s.cooldown.Touch(first.EventID, s.cfg.Snapshot().Trading.CooldownPerMarket)

	maxSize := cfg.MaxPositionUSD / math.Max(total, 0.01)
	legs := make([]types.Leg, 0, len(group))
	for _, m := range group {
		legs = append(legs, types.Leg{
			Side: types.BUY, Venue: m.Venue, MarketID: m.ID, Title: m.Title,
			Price: m.YesAsk, MaxSize: maxSize,
		})
	}
	s.emit(types.Opportunity{
		Strategy:          types.StratMultiOutcome,
		Legs:              legs,
		ProfitPerContract: math.Abs(1 - total),
		ProfitPct:         profitPct,
		MaxSize:           maxSize,
		TotalProfitUSD:    math.Abs(1-total) * maxSize,
		Confidence:        1.0,
	})
}

// BinaryArbProfit returns the arb profit percent for a summed outcome price
// and the buy direction: BUY-ALL-YES when the set is underpriced (total<1),
// BUY-ALL-NO when overpriced.
func BinaryArbProfit(total float64) (profitPct float64, direction string) {
	profitPct = math.Abs(1-total) * 100
	if total < 1 {
		return profitPct, DirectionBuyAllYes
	}
	return profitPct, DirectionBuyAllNo
}

// ArbScore applies the research-backed bonus multipliers to a raw profit
// percent: +30% for 3+-outcome events, +50% for 5+; ±20% for very low /
// very high liquidity (low liquidity means the edge persists longer).
func ArbScore(profitPct float64, outcomes int, liquidity, lowUSD, highUSD float64) float64 {
	score := profitPct
	switch {
	case outcomes >= 5:
		score *= 1.5
	case outcomes >= 3:
		score *= 1.3
	}
	switch {
	case liquidity > 0 && liquidity < lowUSD:
		score *= 1.2
	case highUSD > 0 && liquidity > highUSD:
		score *= 0.8
	}
	return score
}
