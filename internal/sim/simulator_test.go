package sim

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// fakeRecorder is an in-memory Recorder capturing everything the simulator
// persists.
type fakeRecorder struct {
	paperTrades []store.PaperTradeRow
	stats       []store.StatsRow
	statuses    map[string]types.OpportunityStatus
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{statuses: make(map[string]types.OpportunityStatus)}
}

func (f *fakeRecorder) GetStatsSnapshot() (store.StatsRow, bool, error) {
	return store.StatsRow{}, false, nil
}
func (f *fakeRecorder) PaperTradeCount() (int64, error) { return int64(len(f.paperTrades)), nil }
func (f *fakeRecorder) LogPaperTrade(row store.PaperTradeRow) error {
	f.paperTrades = append(f.paperTrades, row)
	return nil
}
func (f *fakeRecorder) UpsertStatsSnapshot(row store.StatsRow) error {
	f.stats = append(f.stats, row)
	return nil
}
func (f *fakeRecorder) UpdateOpportunityStatus(id string, status types.OpportunityStatus, reason string, executedAt *time.Time) error {
	f.statuses[id] = status
	return nil
}

type nilLoader struct{}

func (nilLoader) LoadConfigRow(string) (map[string]any, error) { return map[string]any{}, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestSim builds a simulator with stubbed sleep and a scripted random
// sequence. Draw order in Simulate: delay, drift-branch, drift-decay,
// partial-fill-chance, exec-failure, loss, slippage.
func newTestSim(t *testing.T, mutate func(*config.Config), draws ...float64) (*Simulator, *fakeRecorder) {
	t.Helper()

	base := config.Default()
	if mutate != nil {
		mutate(&base)
	}
	resolver := config.NewResolver("test-user", base, nilLoader{}, testLogger())

	rec := newFakeRecorder()
	s := New(resolver, rec, testLogger())
	s.sleep = func(context.Context, time.Duration) {}
	i := 0
	s.rand = func() float64 {
		if i >= len(draws) {
			return 0.99
		}
		v := draws[i]
		i++
		return v
	}
	return s, rec
}

func crossInput(spread float64) Input {
	return Input{
		MarketAID: "mkt-a", MarketATitle: "Will X happen?",
		MarketBID: "mkt-b", MarketBTitle: "Will X happen? (mirror)",
		VenueA: types.VenuePolymarket, VenueB: types.VenueKalshi,
		PriceA: 0.50, PriceB: 0.52,
		SpreadPct: spread, ArbType: types.StratCrossPlatform,
	}
}

// winDraws scripts a clean win: zero delay draw, noise drift with zero
// decay, no partial fill, no execution failure, no loss, minimal slippage.
func winDraws() []float64 {
	return []float64{0.0, 0.9, 0.5, 0.99, 0.99, 0.99, 0.0}
}

func TestSimulateWinIncreasesBalance(t *testing.T) {
	t.Parallel()
	s, rec := newTestSim(t, nil, winDraws()...)
	before := s.Balance()

	result := s.Simulate(context.Background(), crossInput(5.0))

	require.Equal(t, types.PaperWon, result.Outcome)
	net, _ := result.NetProfitUSD.Float64()
	assert.Greater(t, net, 0.0, "won trade must have positive net profit")
	assert.InDelta(t, before+net, s.Balance(), 1e-9, "balance must increase by exactly net profit")

	require.Len(t, rec.paperTrades, 1)
	assert.Equal(t, string(types.PaperWon), rec.paperTrades[0].Outcome)
}

func TestSimulateLossDecreasesBalance(t *testing.T) {
	t.Parallel()
	// loss branch: exec-failure draw passes (0.99 ≥ 0.15), loss draw 0.0
	// (< 0.12), severity draw 0.5.
	s, _ := newTestSim(t, nil, 0.0, 0.9, 0.5, 0.99, 0.99, 0.0, 0.5)
	before := s.Balance()

	result := s.Simulate(context.Background(), crossInput(5.0))

	require.Equal(t, types.PaperLost, result.Outcome)
	net, _ := result.NetProfitUSD.Float64()
	assert.Less(t, net, 0.0)
	assert.InDelta(t, before+net, s.Balance(), 1e-9, "balance must decrease by |net|")
}

func TestLatencyDriftKillsTrade(t *testing.T) {
	t.Parallel()
	// Fixed 2 s delay with 3 %/s drift: adverse decay U[0.05, 6.0]; draw 0.5
	// gives ~3.02 points of decay, wiping a 2% spread.
	s, rec := newTestSim(t, func(c *config.Config) {
		c.Simulator.ExecDelayMinSec = 2.0
		c.Simulator.ExecDelayMaxSec = 2.0
		c.Simulator.DriftVolatilityPerSec = 3.0
	}, 0.0, 0.0, 0.5)
	before := s.Balance()

	result := s.Simulate(context.Background(), crossInput(2.0))

	require.Equal(t, types.PaperFailedExec, result.Outcome)
	assert.Contains(t, result.Reason, "drifted")
	assert.InDelta(t, before, s.Balance(), 1e-9, "failed execution must leave balance unchanged")

	require.Len(t, rec.paperTrades, 1)
	assert.Equal(t, string(types.PaperFailedExec), rec.paperTrades[0].Outcome)
}

func TestSpreadMonotonicityUnderDrift(t *testing.T) {
	t.Parallel()
	// Noise branch at its most favorable draw adds at most 0.05 points.
	s, _ := newTestSim(t, nil, 0.0, 0.9, 0.0, 0.99, 0.99, 0.99, 0.0)

	result := s.Simulate(context.Background(), crossInput(5.0))
	assert.LessOrEqual(t, result.ExecutedSpread, 5.0+0.05+1e-9)
}

func TestCooldownBlocksSecondTrade(t *testing.T) {
	t.Parallel()
	s, rec := newTestSim(t, nil, append(winDraws(), winDraws()...)...)

	first := s.Simulate(context.Background(), crossInput(5.0))
	require.Equal(t, types.PaperWon, first.Outcome)

	second := s.Simulate(context.Background(), crossInput(5.0))
	assert.Equal(t, types.PaperFalsePositive, second.Outcome)
	assert.Contains(t, second.Reason, "Cooldown")

	require.Len(t, rec.paperTrades, 2)
	assert.Equal(t, "skipped", rec.paperTrades[1].Outcome)

	// Age the stamps past the 600 s window: the same market trades again.
	s.mu.Lock()
	for key, stamps := range s.cooldowns {
		for i := range stamps {
			stamps[i] = stamps[i].Add(-601 * time.Second)
		}
		s.cooldowns[key] = stamps
	}
	s.mu.Unlock()

	third := s.Simulate(context.Background(), crossInput(5.0))
	assert.Equal(t, types.PaperWon, third.Outcome, "expired cooldown must allow the trade")
}

func TestDailyTradeLimit(t *testing.T) {
	t.Parallel()
	s, _ := newTestSim(t, func(c *config.Config) {
		c.Simulator.MaxDailyTrades = 1
	}, winDraws()...)

	first := s.Simulate(context.Background(), crossInput(5.0))
	require.Equal(t, types.PaperWon, first.Outcome)

	// Different markets, so cooldown does not interfere.
	in := crossInput(5.0)
	in.MarketAID, in.MarketBID = "other-a", "other-b"
	second := s.Simulate(context.Background(), in)
	assert.Equal(t, types.PaperFalsePositive, second.Outcome)
	assert.Contains(t, second.Reason, "daily trade limit")
}

func TestSamePlatformOverlapPolicy(t *testing.T) {
	t.Parallel()
	s, _ := newTestSim(t, nil, winDraws()...)

	in := crossInput(5.0)
	in.VenueB = types.VenuePolymarket
	in.ArbType = types.StratOverlap

	result := s.Simulate(context.Background(), in)
	assert.Equal(t, types.PaperFalsePositive, result.Outcome)
	assert.Contains(t, result.Reason, "overlap")
}

func TestFalsePositiveGuard(t *testing.T) {
	t.Parallel()
	s, _ := newTestSim(t, nil, winDraws()...)

	result := s.Simulate(context.Background(), crossInput(40.0))
	assert.Equal(t, types.PaperFalsePositive, result.Outcome)
	assert.Contains(t, result.Reason, "realistic cap")
}

func TestInsufficientFundsSkip(t *testing.T) {
	t.Parallel()
	s, _ := newTestSim(t, func(c *config.Config) {
		c.Simulator.StartingBalanceUSD = 2
	}, winDraws()...)

	result := s.Simulate(context.Background(), crossInput(5.0))
	assert.Equal(t, types.PaperFalsePositive, result.Outcome)
	assert.Contains(t, result.Reason, "insufficient funds")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ArbSinglePlatform, Classify(types.StratSinglePlatform, types.VenuePolymarket, types.VenuePolymarket))
	assert.Equal(t, ArbSinglePlatform, Classify(types.StratMultiOutcome, types.VenueKalshi, types.VenueKalshi))
	assert.Equal(t, ArbOverlap, Classify(types.StratOverlap, types.VenuePolymarket, types.VenuePolymarket))
	assert.Equal(t, ArbCrossPlatform, Classify(types.StratCrossPlatform, types.VenuePolymarket, types.VenueKalshi))
}

func TestSaveStatsWinRate(t *testing.T) {
	t.Parallel()
	s, rec := newTestSim(t, nil,
		append(winDraws(),
			// second attempt on fresh markets: loss branch
			0.0, 0.9, 0.5, 0.99, 0.99, 0.0, 0.5)...)

	first := s.Simulate(context.Background(), crossInput(5.0))
	require.Equal(t, types.PaperWon, first.Outcome)

	in := crossInput(5.0)
	in.MarketAID, in.MarketBID = "fresh-a", "fresh-b"
	second := s.Simulate(context.Background(), in)
	require.Equal(t, types.PaperLost, second.Outcome)

	require.NoError(t, s.SaveStats())
	require.Len(t, rec.stats, 1)
	row := rec.stats[0]
	assert.Equal(t, 2, row.TradeCount)
	assert.Equal(t, 1, row.WinCount)
	assert.Equal(t, 1, row.LossCount)
	assert.InDelta(t, 50.0, row.WinRatePct, 1e-9)
	assert.InDelta(t, s.Balance(), row.CurrentBalance, 1e-9)
}
