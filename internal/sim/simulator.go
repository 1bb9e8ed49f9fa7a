// Package sim is the paper-trading simulator: the execution backend when a
// tenant runs in paper mode. It applies realistic execution frictions —
// latency-induced price drift, slippage, partial fills, execution failure,
// platform fees, per-market cooldowns and daily limits — so simulated P&L
// is a usable proxy for live P&L.
//
// Every simulated attempt, including skipped ones, produces a paper-trade
// row; skips record only the inputs and the reason so "missed revenue" can
// be analyzed later.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// ArbClass is the simulator's risk classification of an attempt.
type ArbClass string

const (
	ArbSinglePlatform ArbClass = "single-platform"
	ArbCrossPlatform  ArbClass = "cross-platform"
	ArbOverlap        ArbClass = "same-venue-overlap"
)

// riskProfile holds the per-class execution risk numbers.
type riskProfile struct {
	execFailureRate float64
	lossRate        float64
	lossSeverityMin float64 // percent of position
	lossSeverityMax func(spread float64) float64
}

var riskProfiles = map[ArbClass]riskProfile{
	// Safest: same venue, timing risk only.
	ArbSinglePlatform: {0.08, 0.04, 2, func(float64) float64 { return 12 }},
	// Timing plus platform mismatch.
	ArbCrossPlatform: {0.15, 0.12, 3, func(spread float64) float64 {
		if m := spread + 8; m < 20 {
			return m
		}
		return 20
	}},
	// Correlation-not-arbitrage: catastrophic when wrong.
	ArbOverlap: {0.30, 0.50, 30, func(float64) float64 { return 85 }},
}

// Input describes one candidate arbitrage handed to the simulator.
type Input struct {
	MarketAID    string
	MarketATitle string
	MarketBID    string
	MarketBTitle string
	VenueA       types.Venue
	VenueB       types.Venue
	PriceA       float64
	PriceB       float64
	SpreadPct    float64
	ArbType      types.StrategyTag
}

// Result is what one simulation attempt produced.
type Result struct {
	Outcome        types.PaperOutcome
	Reason         string
	ExecutedSpread float64
	NetProfitUSD   decimal.Decimal
	SizeUSD        decimal.Decimal
}

// Recorder is the persistence surface the simulator needs. *store.Store
// satisfies it; tests supply an in-memory fake.
type Recorder interface {
	GetStatsSnapshot() (store.StatsRow, bool, error)
	PaperTradeCount() (int64, error)
	LogPaperTrade(row store.PaperTradeRow) error
	UpsertStatsSnapshot(row store.StatsRow) error
	UpdateOpportunityStatus(id string, status types.OpportunityStatus, reason string, executedAt *time.Time) error
}

// Simulator simulates executions against an in-memory balance, persisting
// every attempt and periodic stats snapshots.
type Simulator struct {
	cfg    *config.Resolver
	store  Recorder
	logger *slog.Logger

	// rand and sleep are injectable for deterministic tests.
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration)

	mu              sync.Mutex
	balance         decimal.Decimal
	startingBalance decimal.Decimal
	stats           statsAccum
	cooldowns       map[string][]time.Time // venue:market → trade timestamps
	dailyCount      int
	dailyReset      time.Time
}

type statsAccum struct {
	tradeCount  int
	winCount    int
	lossCount   int
	failedExecs int
	totalFees   decimal.Decimal
	totalPnL    decimal.Decimal
	bestTrade   decimal.Decimal
	worstTrade  decimal.Decimal
}

// New builds a simulator seeded from the tenant's persisted stats row when
// one exists, otherwise the configured starting balance.
func New(cfg *config.Resolver, st Recorder, logger *slog.Logger) *Simulator {
	snap := cfg.Snapshot()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	s := &Simulator{
		cfg:             cfg,
		store:           st,
		logger:          logger.With("component", "simulator"),
		rand:            rng.Float64,
		sleep:           sleepCtx,
		balance:         decimal.NewFromFloat(snap.Simulator.StartingBalanceUSD),
		startingBalance: decimal.NewFromFloat(snap.Simulator.StartingBalanceUSD),
		cooldowns:       make(map[string][]time.Time),
		dailyReset:      time.Now().UTC().Truncate(24 * time.Hour),
	}

	s.restoreAndVerify()
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// restoreAndVerify resumes from the persisted stats row and runs the data
// integrity self-check: a stats trade-count diverging more than 50% from
// the paper-trades table means the two drifted apart.
func (s *Simulator) restoreAndVerify() {
	row, ok, err := s.store.GetStatsSnapshot()
	if err != nil {
		s.logger.Warn("stats restore failed", "error", err)
		return
	}
	if !ok {
		return
	}

	s.balance = decimal.NewFromFloat(row.CurrentBalance)
	if row.StartingBalance > 0 {
		s.startingBalance = decimal.NewFromFloat(row.StartingBalance)
	}
	s.stats = statsAccum{
		tradeCount:  row.TradeCount,
		winCount:    row.WinCount,
		lossCount:   row.LossCount,
		failedExecs: row.FailedExecutions,
		totalFees:   decimal.NewFromFloat(row.TotalFeesUSD),
		totalPnL:    decimal.NewFromFloat(row.TotalPnLUSD),
		bestTrade:   decimal.NewFromFloat(row.BestTradeUSD),
		worstTrade:  decimal.NewFromFloat(row.WorstTradeUSD),
	}

	actual, err := s.store.PaperTradeCount()
	if err != nil {
		return
	}
	if actual > 0 {
		drift := float64(abs64(int64(row.TradeCount)-actual)) / float64(actual) * 100
		if drift > 50 {
			s.logger.Warn("stats diverge from paper-trades table",
				"stats_count", row.TradeCount, "table_count", actual, "drift_pct", drift)
		}
	} else if row.TradeCount > 0 {
		s.logger.Warn("stats report trades but paper-trades table is empty",
			"stats_count", row.TradeCount)
	}
}

// Balance returns the current simulated balance in USD.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, _ := s.balance.Float64()
	return f
}

// Handle adapts an Opportunity into a simulation attempt. It satisfies the
// same drain contract as the live executor.
func (s *Simulator) Handle(ctx context.Context, opp types.Opportunity) {
	buy, sell := opp.BuyLeg(), opp.SellLeg()
	if buy == nil {
		_ = s.store.UpdateOpportunityStatus(opp.ID, types.OppSkipped, "no buy leg", nil)
		return
	}
	in := Input{
		MarketAID:    buy.MarketID,
		MarketATitle: buy.Title,
		VenueA:       buy.Venue,
		PriceA:       buy.Price,
		SpreadPct:    opp.ProfitPct,
		ArbType:      opp.Strategy,
	}
	if sell != nil {
		in.MarketBID = sell.MarketID
		in.MarketBTitle = sell.Title
		in.VenueB = sell.Venue
		in.PriceB = sell.Price
	} else {
		in.MarketBID = buy.MarketID
		in.VenueB = buy.Venue
		in.PriceB = buy.Price
	}

	result := s.Simulate(ctx, in)
	status := types.OppExecuted
	switch result.Outcome {
	case types.PaperFailedExec:
		status = types.OppFailed
	case types.PaperFalsePositive:
		status = types.OppSkipped
	}
	if result.Reason != "" && status == types.OppSkipped {
		_ = s.store.UpdateOpportunityStatus(opp.ID, status, result.Reason, nil)
		return
	}
	now := time.Now().UTC()
	_ = s.store.UpdateOpportunityStatus(opp.ID, status, result.Reason, &now)
}

// Simulate runs one attempt through the full pipeline: pre-flight filters,
// latency drift, sizing, execution outcome, fees, balance update,
// persistence, cooldown touch.
func (s *Simulator) Simulate(ctx context.Context, in Input) Result {
	cfg := s.cfg.Snapshot().Simulator
	class := Classify(in.ArbType, in.VenueA, in.VenueB)

	if reason := s.preflight(in, class, cfg); reason != "" {
		s.persist(in, Result{Outcome: types.PaperFalsePositive, Reason: reason}, cfg, true)
		return Result{Outcome: types.PaperFalsePositive, Reason: reason}
	}

	// Latency: the spread moves while our orders are in flight.
	delay := cfg.ExecDelayMinSec + s.rand()*(cfg.ExecDelayMaxSec-cfg.ExecDelayMinSec)
	s.sleep(ctx, time.Duration(delay*float64(time.Second)))

	executedSpread := s.applyDrift(in.SpreadPct, delay, cfg)
	if executedSpread <= 0 {
		result := Result{
			Outcome:        types.PaperFailedExec,
			Reason:         fmt.Sprintf("spread drifted from %.2f%% to %.2f%% during %.1fs execution", in.SpreadPct, executedSpread, delay),
			ExecutedSpread: executedSpread,
		}
		s.recordFailedExec(in, result, cfg)
		return result
	}

	// Sizing with partial fills.
	size := s.positionSize(cfg)
	outcomeTag := ""
	if s.rand() < cfg.PartialFillChance {
		fillPct := cfg.PartialFillMinPct + s.rand()*(1-cfg.PartialFillMinPct)
		size = size.Mul(decimal.NewFromFloat(fillPct))
		outcomeTag = fmt.Sprintf("partial fill %.0f%%", fillPct*100)
	}

	profile := riskProfiles[class]

	// Execution failure: order rejected or the other leg vanished.
	if s.rand() < profile.execFailureRate {
		result := Result{
			Outcome:        types.PaperFailedExec,
			Reason:         "execution failed: order rejected or counter-leg gone",
			ExecutedSpread: executedSpread,
			SizeUSD:        size,
		}
		s.recordFailedExec(in, result, cfg)
		return result
	}

	// Loss branch: resolution/timing risk materializes.
	if s.rand() < profile.lossRate {
		severity := profile.lossSeverityMin +
			s.rand()*(profile.lossSeverityMax(in.SpreadPct)-profile.lossSeverityMin)
		loss := size.Mul(decimal.NewFromFloat(severity / 100))
		result := Result{
			Outcome:        types.PaperLost,
			Reason:         fmt.Sprintf("adverse resolution: lost %.1f%% of position", severity),
			ExecutedSpread: executedSpread,
			NetProfitUSD:   loss.Neg(),
			SizeUSD:        size,
		}
		s.settle(in, result, cfg)
		return result
	}

	// Win branch: profit = executed spread − slippage − spread cost, after fees.
	slippage := cfg.SlippageMinPct + s.rand()*(cfg.SlippageMaxPct-cfg.SlippageMinPct)
	if class == ArbSinglePlatform {
		// Single-venue legs fill nearly atomically.
		slippage = 0.05 + s.rand()*(0.25-0.05)
	}
	profitPct := executedSpread - slippage - cfg.SpreadCostPct
	feePct := ArbAverageFeePct(class, in.VenueA, in.VenueB)
	profitPct *= 1 - feePct/100

	net := size.Mul(decimal.NewFromFloat(profitPct / 100))
	fees := size.Mul(decimal.NewFromFloat(executedSpread / 100)).
		Mul(decimal.NewFromFloat(feePct / 100))

	outcome := types.PaperWon
	reason := outcomeTag
	if net.Sign() <= 0 {
		outcome = types.PaperLost
		reason = fmt.Sprintf("frictions consumed the edge (%.2f%% after slippage and fees)", profitPct)
	}
	result := Result{
		Outcome:        outcome,
		Reason:         reason,
		ExecutedSpread: executedSpread,
		NetProfitUSD:   net,
		SizeUSD:        size,
	}
	s.settleWithFees(in, result, fees, cfg)
	return result
}

// preflight runs the named skip filters in order.
func (s *Simulator) preflight(in Input, class ArbClass, cfg config.SimulatorConfig) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetDailyLocked()

	cooldown := time.Duration(cfg.MarketCooldownSec) * time.Second
	for _, key := range []string{marketKey(in.VenueA, in.MarketAID), marketKey(in.VenueB, in.MarketBID)} {
		stamps := s.cooldowns[key]
		if len(stamps) > 0 && time.Since(stamps[len(stamps)-1]) < cooldown {
			return fmt.Sprintf("Cooldown: %s traded %.0fs ago", key, time.Since(stamps[len(stamps)-1]).Seconds())
		}
		if todayCount(stamps) >= cfg.MaxTradesPerMarketDay {
			return fmt.Sprintf("Cooldown: %s hit %d trades today", key, cfg.MaxTradesPerMarketDay)
		}
	}

	if s.dailyCount >= cfg.MaxDailyTrades {
		return fmt.Sprintf("daily trade limit reached (%d)", cfg.MaxDailyTrades)
	}

	if in.VenueA == in.VenueB && class != ArbSinglePlatform && cfg.SkipSamePlatformOverlap {
		return "same-platform overlap skipped by policy"
	}

	if in.SpreadPct > cfg.MaxRealisticSpreadPct {
		return fmt.Sprintf("spread %.1f%% above realistic cap %.1f%% (likely bad data)", in.SpreadPct, cfg.MaxRealisticSpreadPct)
	}

	if s.balance.LessThan(decimal.NewFromFloat(cfg.MinPositionUSD)) {
		return fmt.Sprintf("insufficient funds: $%s below $%.2f minimum", s.balance.StringFixed(2), cfg.MinPositionUSD)
	}
	return ""
}

// applyDrift decays the spread for the in-flight delay: 70% of the time the
// move is adverse (bounded by delay × volatility), otherwise it is noise in
// ±0.05 percentage points.
func (s *Simulator) applyDrift(spread, delay float64, cfg config.SimulatorConfig) float64 {
	var decay float64
	if s.rand() < 0.70 {
		max := delay * cfg.DriftVolatilityPerSec
		if max < 0.05 {
			max = 0.05
		}
		decay = 0.05 + s.rand()*(max-0.05)
	} else {
		decay = -0.05 + s.rand()*0.10
	}
	return spread - decay
}

func (s *Simulator) positionSize(cfg config.SimulatorConfig) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPct := s.balance.Mul(decimal.NewFromFloat(cfg.MaxPositionPct / 100))
	hardCap := decimal.NewFromFloat(cfg.MaxPositionUSD)
	if byPct.LessThan(hardCap) {
		return byPct
	}
	return hardCap
}

// recordFailedExec persists a failed execution. Balance is unchanged.
func (s *Simulator) recordFailedExec(in Input, result Result, cfg config.SimulatorConfig) {
	s.mu.Lock()
	s.stats.failedExecs++
	s.touchCooldownsLocked(in, cfg)
	s.mu.Unlock()

	s.persist(in, result, cfg, false)
}

func (s *Simulator) settle(in Input, result Result, cfg config.SimulatorConfig) {
	s.settleWithFees(in, result, decimal.Zero, cfg)
}

// settleWithFees applies the balance delta and stats for a terminal win or
// loss and persists the attempt.
func (s *Simulator) settleWithFees(in Input, result Result, fees decimal.Decimal, cfg config.SimulatorConfig) {
	s.mu.Lock()
	s.balance = s.balance.Add(result.NetProfitUSD)
	s.stats.tradeCount++
	s.dailyCount++
	s.stats.totalPnL = s.stats.totalPnL.Add(result.NetProfitUSD)
	s.stats.totalFees = s.stats.totalFees.Add(fees)
	if result.Outcome == types.PaperWon {
		s.stats.winCount++
	} else {
		s.stats.lossCount++
	}
	if result.NetProfitUSD.GreaterThan(s.stats.bestTrade) {
		s.stats.bestTrade = result.NetProfitUSD
	}
	if result.NetProfitUSD.LessThan(s.stats.worstTrade) {
		s.stats.worstTrade = result.NetProfitUSD
	}
	s.touchCooldownsLocked(in, cfg)
	s.mu.Unlock()

	s.persist(in, result, cfg, false)
}

// touchCooldownsLocked stamps both legs and evicts entries older than 2× the
// cooldown window.
func (s *Simulator) touchCooldownsLocked(in Input, cfg config.SimulatorConfig) {
	cutoff := time.Now().Add(-2 * time.Duration(cfg.MarketCooldownSec) * time.Second)
	for _, key := range []string{marketKey(in.VenueA, in.MarketAID), marketKey(in.VenueB, in.MarketBID)} {
		kept := s.cooldowns[key][:0]
		for _, ts := range s.cooldowns[key] {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		now := time.Now()
		if len(kept) > 0 && !now.After(kept[len(kept)-1]) {
			now = kept[len(kept)-1].Add(time.Nanosecond)
		}
		s.cooldowns[key] = append(kept, now)
	}
}

func (s *Simulator) persist(in Input, result Result, cfg config.SimulatorConfig, skipped bool) {
	s.mu.Lock()
	balance, _ := s.balance.Float64()
	s.mu.Unlock()

	net, _ := result.NetProfitUSD.Float64()
	size, _ := result.SizeUSD.Float64()
	row := store.PaperTradeRow{
		MarketAID:       in.MarketAID,
		MarketATitle:    in.MarketATitle,
		MarketBID:       in.MarketBID,
		MarketBTitle:    in.MarketBTitle,
		PlatformA:       string(in.VenueA),
		PlatformB:       string(in.VenueB),
		ArbType:         string(in.ArbType),
		OriginalSpread:  in.SpreadPct,
		ExecutedSpread:  result.ExecutedSpread,
		IntendedSizeUSD: size,
		ExecutedSizeUSD: size,
		NetProfitUSD:    net,
		Outcome:         string(result.Outcome),
		OutcomeReason:   result.Reason,
		BalanceAfter:    balance,
	}
	if skipped {
		row.Outcome = "skipped"
	}
	if err := s.store.LogPaperTrade(row); err != nil {
		s.logger.Warn("paper trade log failed", "error", err)
	}
}

// SaveStats writes the coalesced stats snapshot to the anchor row.
func (s *Simulator) SaveStats() error {
	s.mu.Lock()
	balance, _ := s.balance.Float64()
	starting, _ := s.startingBalance.Float64()
	st := s.stats
	s.mu.Unlock()

	winRate := 0.0
	if settled := st.winCount + st.lossCount; settled > 0 {
		winRate = float64(st.winCount) / float64(settled) * 100
	}
	pnl, _ := st.totalPnL.Float64()
	fees, _ := st.totalFees.Float64()
	best, _ := st.bestTrade.Float64()
	worst, _ := st.worstTrade.Float64()

	return s.store.UpsertStatsSnapshot(store.StatsRow{
		StartingBalance:  starting,
		CurrentBalance:   balance,
		TotalPnLUSD:      pnl,
		TradeCount:       st.tradeCount,
		WinCount:         st.winCount,
		LossCount:        st.lossCount,
		FailedExecutions: st.failedExecs,
		WinRatePct:       winRate,
		BestTradeUSD:     best,
		WorstTradeUSD:    worst,
		TotalFeesUSD:     fees,
	})
}

func (s *Simulator) resetDailyLocked() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(s.dailyReset) {
		s.dailyCount = 0
		s.dailyReset = today
	}
}

// Classify maps a strategy tag and venue pair onto the simulator's risk
// classes.
func Classify(tag types.StrategyTag, venueA, venueB types.Venue) ArbClass {
	switch tag {
	case types.StratSinglePlatform, types.StratMultiOutcome:
		return ArbSinglePlatform
	}
	if venueA == venueB {
		return ArbOverlap
	}
	return ArbCrossPlatform
}

func marketKey(venue types.Venue, marketID string) string {
	return string(venue) + ":" + marketID
}

func todayCount(stamps []time.Time) int {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	n := 0
	for _, ts := range stamps {
		if ts.UTC().After(dayStart) {
			n++
		}
	}
	return n
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
