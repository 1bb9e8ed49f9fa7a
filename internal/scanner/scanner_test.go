package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"polybot/internal/config"
	"polybot/pkg/types"
)

func TestBinaryArbProfitBuyAllYes(t *testing.T) {
	t.Parallel()

	// yes_ask=0.55, no_ask=0.40 → total=0.95 → 5% edge buying the set.
	profit, direction := BinaryArbProfit(0.55 + 0.40)
	assert.InDelta(t, 5.00, profit, 1e-9)
	assert.Equal(t, DirectionBuyAllYes, direction)
}

func TestBinaryArbProfitBuyAllNo(t *testing.T) {
	t.Parallel()

	// Three outcomes {0.40, 0.35, 0.30} → total=1.05 → overpriced set.
	profit, direction := BinaryArbProfit(0.40 + 0.35 + 0.30)
	assert.InDelta(t, 5.00, profit, 1e-9)
	assert.Equal(t, DirectionBuyAllNo, direction)
}

func TestArbScoreMultipliers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		outcomes  int
		liquidity float64
		want      float64
	}{
		{"binary no bonus", 2, 10_000, 5.00},
		{"three outcomes", 3, 10_000, 6.50},
		{"five outcomes", 5, 10_000, 7.50},
		{"low liquidity bonus", 2, 500, 6.00},
		{"high liquidity penalty", 2, 100_000, 4.00},
		{"three outcomes low liquidity", 3, 500, 7.80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ArbScore(5.00, tt.outcomes, tt.liquidity, 1000, 50_000)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func crossCfg() config.CrossPlatformConfig {
	return config.CrossPlatformConfig{
		BuyZeroFeeMinPct: 3.0,
		BuyHighFeeMinPct: 5.0,
		MaxDataAge:       10 * time.Second,
		MinConfidence:    0.3,
	}
}

func TestEvaluatePairZeroFeeThreshold(t *testing.T) {
	t.Parallel()

	// Buy zero-fee ask 0.50, sell other venue bid 0.52 → 4% profit.
	poly := PairQuote{Venue: types.VenuePolymarket, MarketID: "pm", Ask: 0.50, AskSize: 100, Bid: 0.48, BidSize: 100}
	kalshi := PairQuote{Venue: types.VenueKalshi, MarketID: "ks", Bid: 0.52, BidSize: 80, Ask: 0.55, AskSize: 80}

	result, _, ok := EvaluatePair(poly, kalshi, crossCfg())
	if !ok {
		t.Fatal("expected qualifying pair at 4% with 3% zero-fee threshold")
	}
	assert.Equal(t, types.VenuePolymarket, result.BuyVenue)
	assert.InDelta(t, 4.00, result.ProfitPct, 1e-9)
	assert.InDelta(t, 80.0, result.MaxSize, 1e-9) // min level size across legs

	// Same prices with the zero-fee minimum raised to 5%: no emit.
	strict := crossCfg()
	strict.BuyZeroFeeMinPct = 5.0
	_, _, ok = EvaluatePair(poly, kalshi, strict)
	assert.False(t, ok, "4%% edge must not clear a 5%% threshold")
}

func TestEvaluatePairHighFeeVenueNeedsMoreEdge(t *testing.T) {
	t.Parallel()

	// Direction buys on Kalshi (high-fee venue): 4% is below its 5% minimum.
	kalshi := PairQuote{Venue: types.VenueKalshi, MarketID: "ks", Ask: 0.50, AskSize: 100}
	poly := PairQuote{Venue: types.VenuePolymarket, MarketID: "pm", Bid: 0.52, BidSize: 100}

	_, _, ok := EvaluatePair(kalshi, poly, crossCfg())
	assert.False(t, ok)

	// At 6% the same direction clears.
	poly.Bid = 0.53
	result, _, ok := EvaluatePair(kalshi, poly, crossCfg())
	if assert.True(t, ok) {
		assert.Equal(t, types.VenueKalshi, result.BuyVenue)
		assert.InDelta(t, 6.00, result.ProfitPct, 1e-9)
	}
}

func TestEvaluatePairStaleBookAborts(t *testing.T) {
	t.Parallel()

	poly := PairQuote{Venue: types.VenuePolymarket, Ask: 0.50, AskSize: 100, BookAge: 9 * time.Second}
	kalshi := PairQuote{Venue: types.VenueKalshi, Bid: 0.60, BidSize: 100, BookAge: time.Second}

	// age 9s of 10s max → confidence 0.1 < 0.3 minimum.
	_, reason, ok := EvaluatePair(poly, kalshi, crossCfg())
	assert.False(t, ok)
	assert.Contains(t, reason, "confidence")
}

func TestClassifyWhaleTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		volume float64
		win    float64
		trades int
		want   types.WhaleTier
	}{
		{2_000_000, 65, 200, types.TierMegaWhale},
		{300_000, 58, 80, types.TierWhale},
		{60_000, 53, 30, types.TierSmartMoney},
		{10_000, 70, 500, types.TierRetail},
		{2_000_000, 50, 200, types.TierRetail}, // volume alone earns no tier
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyWhale(tt.volume, tt.win, tt.trades),
			"volume=%.0f win=%.0f trades=%d", tt.volume, tt.win, tt.trades)
	}
}

func TestCopySizeCaps(t *testing.T) {
	t.Parallel()
	cfg := config.CopyTradingConfig{
		CopyMultiplier: 0.1,
		MaxCopySizeUSD: 100,
		MaxBalancePct:  10,
	}

	// 0.1 × $500 = $50, under both caps.
	size, ok, _ := CopySize(500, 10_000, cfg)
	assert.True(t, ok)
	assert.InDelta(t, 50, size, 1e-9)

	// 0.1 × $5000 = $500 → absolute cap $100.
	size, _, _ = CopySize(5000, 10_000, cfg)
	assert.InDelta(t, 100, size, 1e-9)

	// Balance cap: 10% of $200 = $20.
	size, _, _ = CopySize(5000, 200, cfg)
	assert.InDelta(t, 20, size, 1e-9)

	// Tiny result refused.
	_, ok, reason := CopySize(5, 10_000, cfg)
	assert.False(t, ok)
	assert.Contains(t, reason, "too small")
}

func TestComputeQuotesSkew(t *testing.T) {
	t.Parallel()

	// Flat book: symmetric quotes around mid.
	bid, ask := ComputeQuotes(0.50, 200, 0, 0.5)
	assert.InDelta(t, 0.495, bid, 1e-9)
	assert.InDelta(t, 0.505, ask, 1e-9)

	// Long inventory pushes both quotes down (lower bid attracts sellers less,
	// lower ask attracts buyers more).
	bidLong, askLong := ComputeQuotes(0.50, 200, 10, 0.5)
	assert.Less(t, bidLong, bid)
	assert.Less(t, askLong, ask)

	// Short inventory raises the ask.
	_, askShort := ComputeQuotes(0.50, 200, -10, 0.5)
	assert.Greater(t, askShort, ask)
}

func TestFundingEntryDecision(t *testing.T) {
	t.Parallel()
	cfg := config.FundingRateConfig{
		MinAnnualizedPct: 10,
		MaxBasisPct:      0.5,
		MinTimeToFunding: 30 * time.Minute,
	}
	now := time.Now()

	good := types.FundingRate{
		Rate: 0.0002, IntervalsPerDay: 3, // 21.9% annualized
		NextFundingTime: now.Add(2 * time.Hour),
		MarkPrice:       100.1, IndexPrice: 100,
	}
	action, _ := FundingEntryDecision(good, cfg, now)
	assert.Equal(t, "enter", action)

	low := good
	low.Rate = 0.00005 // 5.5% annualized
	action, reason := FundingEntryDecision(low, cfg, now)
	assert.Equal(t, "skip", action)
	assert.Contains(t, reason, "below floor")

	wideBasis := good
	wideBasis.MarkPrice = 101 // 1% basis
	action, reason = FundingEntryDecision(wideBasis, cfg, now)
	assert.Equal(t, "skip", action)
	assert.Contains(t, reason, "basis")

	soon := good
	soon.NextFundingTime = now.Add(10 * time.Minute)
	action, reason = FundingEntryDecision(soon, cfg, now)
	assert.Equal(t, "skip", action)
	assert.Contains(t, reason, "next funding")
}

func TestGridLevelsAndBreakout(t *testing.T) {
	t.Parallel()

	levels := GridLevels(100, 200, 5)
	assert.Equal(t, []float64{100, 125, 150, 175, 200}, levels)

	cfg := config.GridConfig{
		UpperPrice: 200, LowerPrice: 100, Levels: 5,
		OrderSizeUSD: 10, StopLossPct: 5, TakeProfitPct: 10,
	}

	if reason, closed := GridBreakout(150, 150, 0, cfg); closed {
		t.Fatalf("inside grid reported breakout: %s", reason)
	}
	reason, closed := GridBreakout(211, 150, 0, cfg) // > 200 × 1.05
	assert.True(t, closed)
	assert.Equal(t, "stop-loss", reason)

	reason, closed = GridBreakout(94, 150, 0, cfg) // < 100 × 0.95
	assert.True(t, closed)
	assert.Equal(t, "stop-loss", reason)

	reason, closed = GridBreakout(150, 150, 6, cfg) // ≥ 50 × 10%
	assert.True(t, closed)
	assert.Equal(t, "take-profit", reason)
}

func TestZScore(t *testing.T) {
	t.Parallel()

	window := []float64{1, 2, 3, 4, 5}
	z, ok := ZScore(3, window)
	assert.True(t, ok)
	assert.InDelta(t, 0, z, 1e-9)

	z, ok = ZScore(6, window)
	assert.True(t, ok)
	assert.Greater(t, z, 1.0)

	_, ok = ZScore(2, []float64{2, 2, 2})
	assert.False(t, ok, "degenerate window must not produce a z-score")
}

func TestMomentumSignal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SignalStrongBuy, MomentumSignal(85, 60))
	assert.Equal(t, SignalBuy, MomentumSignal(85, 75)) // overbought blocks STRONG_BUY
	assert.Equal(t, SignalBuy, MomentumSignal(70, 50))
	assert.Equal(t, SignalHold, MomentumSignal(60, 50))
}

func TestTrailingStop(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 97, TrailingStop(100, 3), 1e-9)
}

func TestCooldownMapEviction(t *testing.T) {
	t.Parallel()
	c := newCooldownMap()

	c.Touch("a", 10*time.Millisecond)
	if !c.Active("a", 10*time.Millisecond) {
		t.Fatal("just-touched key not active")
	}

	time.Sleep(25 * time.Millisecond)
	if c.Active("a", 10*time.Millisecond) {
		t.Fatal("expired key still active")
	}

	// A write evicts entries older than 2× the window.
	c.Touch("b", 10*time.Millisecond)
	c.mu.Lock()
	_, stale := c.entries["a"]
	c.mu.Unlock()
	assert.False(t, stale, "stale entry survived eviction")
}
