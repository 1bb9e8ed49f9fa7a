package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/risk"
	"polybot/pkg/types"
)

// fakeLedger captures everything the executor persists.
type fakeLedger struct {
	mu       sync.Mutex
	trades   []types.Trade
	live     [][3]string
	statuses map[string]types.OpportunityStatus
	reasons  map[string]string
	audits   []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		statuses: make(map[string]types.OpportunityStatus),
		reasons:  make(map[string]string),
	}
}

func (f *fakeLedger) LogTrade(t types.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeLedger) LogLiveTrade(tradeID, buyID, sellID string, realized float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append(f.live, [3]string{tradeID, buyID, sellID})
	return nil
}

func (f *fakeLedger) UpdateOpportunityStatus(id string, status types.OpportunityStatus, reason string, executedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	f.reasons[id] = reason
	return nil
}

func (f *fakeLedger) Audit(action string, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, action)
}

// fakeVenue scripts ticker and order behavior for one venue.
type fakeVenue struct {
	name     types.Venue
	tickers  map[string]types.Ticker
	fillBuy  bool
	fillSell bool
	orders   int
}

func (f *fakeVenue) Name() types.Venue { return f.name }

func (f *fakeVenue) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	t, ok := f.tickers[symbol]
	if !ok {
		return types.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return t, nil
}

func (f *fakeVenue) GetTickers(ctx context.Context, symbols []string) (map[string]types.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeVenue) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{}, exchange.ErrNotSupported
}

func (f *fakeVenue) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	return nil, exchange.ErrNotSupported
}

func (f *fakeVenue) GetBalance(ctx context.Context, asset string) (map[string]types.AssetBalance, error) {
	return map[string]types.AssetBalance{"USD": {Asset: "USD", Total: 1000}}, nil
}

func (f *fakeVenue) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	return nil, nil
}

func (f *fakeVenue) CreateOrder(ctx context.Context, symbol string, side types.Side, orderType types.OrderType, amount, price float64, params map[string]any) (types.Order, error) {
	f.orders++
	filled := f.fillBuy
	if side == types.SELL {
		filled = f.fillSell
	}
	status := types.OrderFailed
	fillSize := 0.0
	if filled {
		status = types.OrderFilled
		fillSize = amount
	}
	return types.Order{
		ID:       fmt.Sprintf("%s-order-%d", f.name, f.orders),
		Venue:    f.name,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Amount:   amount,
		Filled:   fillSize,
		AvgPrice: price,
		Status:   status,
	}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	return true, nil
}

func (f *fakeVenue) GetOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	return types.Order{ID: id, Status: types.OrderFilled}, nil
}

func (f *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return nil, nil
}

type nilLoader struct{}

func (nilLoader) LoadConfigRow(string) (map[string]any, error) { return map[string]any{}, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOpportunity() types.Opportunity {
	return types.Opportunity{
		ID:       "opp-1",
		Strategy: types.StratCrossPlatform,
		Legs: []types.Leg{
			{Side: types.BUY, Venue: types.VenuePolymarket, MarketID: "tok-a", Price: 0.50, MaxSize: 100},
			{Side: types.SELL, Venue: types.VenueKalshi, MarketID: "mkt-b", Price: 0.54, MaxSize: 100},
		},
		ProfitPerContract: 0.04,
		ProfitPct:         8.0,
		MaxSize:           100,
		Confidence:        0.9,
	}
}

func setup(t *testing.T, mutate func(*config.Config)) (*Executor, *fakeLedger, *fakeVenue, *fakeVenue, *risk.State) {
	t.Helper()

	base := config.Default()
	base.DryRun = false
	if mutate != nil {
		mutate(&base)
	}
	resolver := config.NewResolver("test-user", base, nilLoader{}, testLogger())

	poly := &fakeVenue{
		name:     types.VenuePolymarket,
		tickers:  map[string]types.Ticker{"tok-a": {Symbol: "tok-a", Bid: 0.49, Ask: 0.50}},
		fillBuy:  true,
		fillSell: true,
	}
	kalshi := &fakeVenue{
		name:     types.VenueKalshi,
		tickers:  map[string]types.Ticker{"mkt-b": {Symbol: "mkt-b", Bid: 0.54, Ask: 0.55}},
		fillBuy:  true,
		fillSell: true,
	}
	venues := map[types.Venue]exchange.Venue{
		types.VenuePolymarket: poly,
		types.VenueKalshi:     kalshi,
	}

	riskState := risk.New(
		base.Trading.MaxDailyLossUSD,
		base.Trading.MaxConsecutiveFailures,
		base.Trading.ManualApprovalTrades,
		base.Trading.CooldownPerMarket,
		testLogger(),
	)
	ledger := newFakeLedger()
	exec := New(resolver, venues, riskState, ledger, func() float64 { return 1000 }, testLogger())
	return exec, ledger, poly, kalshi, riskState
}

func TestHandleExecutesTwoLegs(t *testing.T) {
	t.Parallel()
	exec, ledger, _, _, riskState := setup(t, nil)

	exec.Handle(context.Background(), testOpportunity())

	require.Len(t, ledger.trades, 2)
	assert.Equal(t, types.SELL, ledger.trades[1].Side)
	assert.Equal(t, ledger.trades[0].FilledSize, ledger.trades[1].RequestedSize,
		"sell leg must be sized to the buy fill")
	assert.Equal(t, types.OppExecuted, ledger.statuses["opp-1"])
	require.Len(t, ledger.live, 1)

	stats := riskState.Stats()
	assert.Equal(t, 1, stats.DailyTradeCount)
	assert.Greater(t, stats.DailyPnL, 0.0)
}

func TestCircuitBreakerRefusesUntilResume(t *testing.T) {
	t.Parallel()
	exec, ledger, poly, _, _ := setup(t, nil)
	poly.fillBuy = false // every buy leg fails

	// Three back-to-back failures trip the breaker (max_consecutive=3).
	for i := 1; i <= 3; i++ {
		opp := testOpportunity()
		opp.ID = fmt.Sprintf("opp-%d", i)
		exec.Handle(context.Background(), opp)
		assert.Equal(t, types.OppFailed, ledger.statuses[opp.ID])
	}

	// Fourth call refused at the gate with a consecutive-failures reason.
	fourth := testOpportunity()
	fourth.ID = "opp-4"
	exec.Handle(context.Background(), fourth)
	assert.Equal(t, types.OppSkipped, ledger.statuses["opp-4"])
	assert.Contains(t, ledger.reasons["opp-4"], "failures")

	// Resume clears the breaker; with fills restored the next trade runs.
	poly.fillBuy = true
	exec.Resume()
	fifth := testOpportunity()
	fifth.ID = "opp-5"
	exec.Handle(context.Background(), fifth)
	assert.Equal(t, types.OppExecuted, ledger.statuses["opp-5"])
}

func TestPriceVerificationRejectsMovedPrice(t *testing.T) {
	t.Parallel()
	exec, ledger, poly, _, _ := setup(t, nil)
	poly.tickers["tok-a"] = types.Ticker{Symbol: "tok-a", Bid: 0.57, Ask: 0.58} // 16% above recorded

	exec.Handle(context.Background(), testOpportunity())

	assert.Equal(t, types.OppSkipped, ledger.statuses["opp-1"])
	assert.Contains(t, ledger.reasons["opp-1"], "tolerance")
	assert.Empty(t, ledger.trades)
}

func TestPriceVerificationRejectsVanishedProfit(t *testing.T) {
	t.Parallel()
	exec, ledger, _, kalshi, _ := setup(t, nil)
	// Sell bid collapses to the buy ask (within tolerance, but no edge left).
	kalshi.tickers["mkt-b"] = types.Ticker{Symbol: "mkt-b", Bid: 0.50, Ask: 0.55}

	opp := testOpportunity()
	opp.Legs[1].Price = 0.505 // keep the move inside the 2% tolerance
	exec.Handle(context.Background(), opp)

	assert.Equal(t, types.OppSkipped, ledger.statuses["opp-1"])
	assert.Contains(t, ledger.reasons["opp-1"], "no longer positive")
}

func TestOneLeggedFillIsCritical(t *testing.T) {
	t.Parallel()
	exec, ledger, _, kalshi, riskState := setup(t, nil)
	kalshi.fillSell = false

	exec.Handle(context.Background(), testOpportunity())

	assert.Equal(t, types.OppFailed, ledger.statuses["opp-1"])
	assert.Contains(t, ledger.audits, "one_legged_fill",
		"one-legged fill must leave an audit record for manual unwind")
	assert.Equal(t, 1, riskState.Stats().ConsecutiveFails)
}

func TestDryRunShortCircuits(t *testing.T) {
	t.Parallel()
	exec, ledger, poly, kalshi, riskState := setup(t, func(c *config.Config) {
		c.DryRun = true
	})

	exec.Handle(context.Background(), testOpportunity())

	require.Len(t, ledger.trades, 2)
	for _, tr := range ledger.trades {
		assert.Equal(t, types.OrderDryRun, tr.Status)
	}
	assert.Zero(t, poly.orders, "dry-run must not hit the venue")
	assert.Zero(t, kalshi.orders)
	assert.Greater(t, riskState.Stats().DailyPnL, 0.0, "simulated P&L credited to risk state")
}

func TestManualApprovalQueue(t *testing.T) {
	t.Parallel()
	exec, ledger, _, _, _ := setup(t, func(c *config.Config) {
		c.Trading.ManualApprovalTrades = 1
	})

	exec.Handle(context.Background(), testOpportunity())
	require.Len(t, exec.Pending(), 1, "first trade must queue for approval")
	assert.Empty(t, ledger.trades)

	require.NoError(t, exec.Approve(context.Background(), "opp-1"))
	assert.Equal(t, types.OppExecuted, ledger.statuses["opp-1"])
	assert.Empty(t, exec.Pending())

	// Second trade needs no approval.
	second := testOpportunity()
	second.ID = "opp-2"
	exec.Handle(context.Background(), second)
	assert.Equal(t, types.OppExecuted, ledger.statuses["opp-2"])
}

func TestRejectDiscardsPending(t *testing.T) {
	t.Parallel()
	exec, ledger, _, _, _ := setup(t, func(c *config.Config) {
		c.Trading.ManualApprovalTrades = 1
	})

	exec.Handle(context.Background(), testOpportunity())
	require.NoError(t, exec.Reject("opp-1"))

	assert.Equal(t, types.OppSkipped, ledger.statuses["opp-1"])
	assert.Empty(t, exec.Pending())
	assert.Error(t, exec.Reject("opp-1"), "double reject must fail")
}

func TestZeroConfidenceSkipped(t *testing.T) {
	t.Parallel()
	exec, ledger, _, _, _ := setup(t, nil)

	opp := testOpportunity()
	opp.Confidence = 0
	exec.Handle(context.Background(), opp)

	assert.Equal(t, types.OppSkipped, ledger.statuses["opp-1"])
	assert.Contains(t, ledger.reasons["opp-1"], "confidence")
}
