package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapLoader serves a fixed tenant row.
type mapLoader struct {
	row map[string]any
	err error
}

func (m mapLoader) LoadConfigRow(string) (map[string]any, error) { return m.row, m.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSnapshotDefaultsBeforeReload(t *testing.T) {
	t.Parallel()
	r := NewResolver("u1", Default(), mapLoader{}, testLogger())

	snap := r.Snapshot()
	assert.Equal(t, "u1", snap.UserID)
	assert.InDelta(t, 3.0, snap.CrossPlatform.BuyZeroFeeMinPct, 1e-9)
	assert.True(t, snap.Simulator.SkipSamePlatformOverlap)
}

func TestTenantRowOverridesBase(t *testing.T) {
	t.Parallel()

	// The base carries an env-style override; the tenant row must win.
	base := Default()
	base.Trading.MaxTradeSizeUSD = 250

	r := NewResolver("u1", base, mapLoader{row: map[string]any{
		"max_trade_size_usd":   float64(75),
		"buy_zero_fee_min_pct": "4.5",
		"dry_run":              true,
	}}, testLogger())
	require.NoError(t, r.ReloadFromStore())

	snap := r.Snapshot()
	assert.InDelta(t, 75, snap.Trading.MaxTradeSizeUSD, 1e-9)
	assert.InDelta(t, 4.5, snap.CrossPlatform.BuyZeroFeeMinPct, 1e-9)
	assert.True(t, snap.DryRun)

	// Keys absent from the row keep the base (env-or-default) value.
	assert.InDelta(t, 5.0, snap.CrossPlatform.BuyHighFeeMinPct, 1e-9)
}

func TestLenientCoercion(t *testing.T) {
	t.Parallel()
	r := NewResolver("u1", Default(), mapLoader{row: map[string]any{
		"max_consecutive_failures": "7",        // string → int
		"scan_interval_sec":        float64(5), // number → duration
		"skip_same_platform_overlap": "false",  // string → bool
		"stock_watchlist":          "TSLA, AMD ,NFLX",
		"market_maker_spread_bps":  int(150),
	}}, testLogger())
	require.NoError(t, r.ReloadFromStore())

	snap := r.Snapshot()
	assert.Equal(t, 7, snap.Trading.MaxConsecutiveFailures)
	assert.Equal(t, 5*time.Second, snap.Trading.ScanInterval)
	assert.False(t, snap.Simulator.SkipSamePlatformOverlap)
	assert.Equal(t, []string{"TSLA", "AMD", "NFLX"}, snap.Stocks.Watchlist)
	assert.InDelta(t, 150, snap.MarketMaker.TargetSpreadBps, 1e-9)
}

func TestBadValuesKeepDefaults(t *testing.T) {
	t.Parallel()
	r := NewResolver("u1", Default(), mapLoader{row: map[string]any{
		"max_trade_size_usd": "not-a-number",
		"unknown_key":        42,
		"grid_levels":        nil,
	}}, testLogger())
	require.NoError(t, r.ReloadFromStore())

	snap := r.Snapshot()
	assert.InDelta(t, Default().Trading.MaxTradeSizeUSD, snap.Trading.MaxTradeSizeUSD, 1e-9)
	assert.Equal(t, Default().Grid.Levels, snap.Grid.Levels)
}

func TestReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	loader := &switchableLoader{row: map[string]any{"max_trade_size_usd": float64(42)}}
	r := NewResolver("u1", Default(), loader, testLogger())
	require.NoError(t, r.ReloadFromStore())
	assert.InDelta(t, 42, r.Snapshot().Trading.MaxTradeSizeUSD, 1e-9)

	loader.fail = true
	assert.Error(t, r.ReloadFromStore())
	assert.InDelta(t, 42, r.Snapshot().Trading.MaxTradeSizeUSD, 1e-9,
		"failed reload must keep the previous snapshot")
}

type switchableLoader struct {
	row  map[string]any
	fail bool
}

func (s *switchableLoader) LoadConfigRow(string) (map[string]any, error) {
	if s.fail {
		return nil, assert.AnError
	}
	return s.row, nil
}

func TestHotReloadPropagates(t *testing.T) {
	t.Parallel()

	loader := &switchableLoader{row: map[string]any{}}
	r := NewResolver("u1", Default(), loader, testLogger())
	require.NoError(t, r.ReloadFromStore())
	before := r.Snapshot().SinglePlatform.MinProfitPct

	loader.row = map[string]any{"single_platform_min_profit_pct": float64(9.9)}
	require.NoError(t, r.ReloadFromStore())

	assert.NotEqual(t, before, r.Snapshot().SinglePlatform.MinProfitPct)
	assert.InDelta(t, 9.9, r.Snapshot().SinglePlatform.MinProfitPct, 1e-9)
}

func TestIsTruthy(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"true", "1", "yes", " TRUE ", "Yes"} {
		assert.True(t, IsTruthy(s), "%q should be truthy", s)
	}
	for _, s := range []string{"false", "0", "no", "", "on"} {
		assert.False(t, IsTruthy(s), "%q should be falsy", s)
	}
}

func TestValidateLiveRequiresCredentials(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Database.DSN = "postgres://localhost/test"
	require.NoError(t, cfg.Validate(), "paper mode needs no credentials")

	cfg.Live = true
	assert.Error(t, cfg.Validate(), "live without master key must fail")

	cfg.Vault.MasterKey = "key"
	cfg.Venues.Kalshi.Enabled = true
	assert.Error(t, cfg.Validate(), "live with credential-less venue must fail")

	cfg.Venues.Kalshi.Credentials.APIKey = "id"
	cfg.Venues.Kalshi.Credentials.PrivateKey = "pem"
	assert.NoError(t, cfg.Validate())
}
