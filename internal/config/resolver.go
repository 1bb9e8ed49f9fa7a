package config

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TenantRowLoader fetches the raw key→value config row for a tenant.
// Implemented by the store; kept as an interface here so the resolver has no
// dependency on the persistence layer.
type TenantRowLoader interface {
	LoadConfigRow(userID string) (map[string]any, error)
}

// Resolver owns the live Config snapshot for one tenant. It merges the
// tenant's config row over the env-resolved base and republishes the
// snapshot atomically; readers call Snapshot on every scan tick so a reload
// propagates without restart.
type Resolver struct {
	userID string
	base   Config // env over defaults, fixed at startup
	loader TenantRowLoader
	logger *slog.Logger

	mu   sync.RWMutex
	snap Config
}

// NewResolver builds a resolver seeded with the env-resolved base config.
func NewResolver(userID string, base Config, loader TenantRowLoader, logger *slog.Logger) *Resolver {
	base.UserID = userID
	return &Resolver{
		userID: userID,
		base:   base,
		loader: loader,
		logger: logger.With("component", "config"),
		snap:   base,
	}
}

// Snapshot returns the current resolved Config by value.
func (r *Resolver) Snapshot() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// ReloadFromStore re-reads the tenant row and overwrites the in-memory
// snapshot. Unknown keys are logged at debug level on every reload and
// ignored; a row read failure
// keeps the previous snapshot.
func (r *Resolver) ReloadFromStore() error {
	row, err := r.loader.LoadConfigRow(r.userID)
	if err != nil {
		r.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
		return err
	}

	next := r.base
	for key, raw := range row {
		if raw == nil {
			continue
		}
		if !applyKey(&next, key, raw) {
			r.logger.Debug("unrecognized config key", "key", key)
		}
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
	return nil
}

// applyKey coerces one tenant-row value into its Config field.
// Returns false for unrecognized keys.
func applyKey(c *Config, key string, raw any) bool {
	switch key {
	case "dry_run":
		c.DryRun = coerceBool(raw, c.DryRun)
	case "live_trading":
		c.Live = coerceBool(raw, c.Live)
	case "max_trade_size_usd":
		c.Trading.MaxTradeSizeUSD = coerceFloat(raw, c.Trading.MaxTradeSizeUSD)
	case "min_trade_size_usd":
		c.Trading.MinTradeSizeUSD = coerceFloat(raw, c.Trading.MinTradeSizeUSD)
	case "max_daily_loss_usd":
		c.Trading.MaxDailyLossUSD = coerceFloat(raw, c.Trading.MaxDailyLossUSD)
	case "max_consecutive_failures":
		c.Trading.MaxConsecutiveFailures = coerceInt(raw, c.Trading.MaxConsecutiveFailures)
	case "slippage_tolerance":
		c.Trading.SlippageTolerance = coerceFloat(raw, c.Trading.SlippageTolerance)
	case "scan_interval_sec":
		c.Trading.ScanInterval = coerceSeconds(raw, c.Trading.ScanInterval)
	case "manual_approval_trades":
		c.Trading.ManualApprovalTrades = coerceInt(raw, c.Trading.ManualApprovalTrades)
	case "cooldown_per_market_sec":
		c.Trading.CooldownPerMarket = coerceSeconds(raw, c.Trading.CooldownPerMarket)

	case "polymarket_enabled":
		c.Venues.Polymarket.Enabled = coerceBool(raw, c.Venues.Polymarket.Enabled)
	case "kalshi_enabled":
		c.Venues.Kalshi.Enabled = coerceBool(raw, c.Venues.Kalshi.Enabled)
	case "binance_us_enabled":
		c.Venues.BinanceUS.Enabled = coerceBool(raw, c.Venues.BinanceUS.Enabled)
	case "alpaca_enabled":
		c.Venues.Alpaca.Enabled = coerceBool(raw, c.Venues.Alpaca.Enabled)

	case "single_platform_enabled":
		c.SinglePlatform.Enabled = coerceBool(raw, c.SinglePlatform.Enabled)
	case "single_platform_min_profit_pct":
		c.SinglePlatform.MinProfitPct = coerceFloat(raw, c.SinglePlatform.MinProfitPct)
	case "single_platform_max_position_usd":
		c.SinglePlatform.MaxPositionUSD = coerceFloat(raw, c.SinglePlatform.MaxPositionUSD)

	case "cross_platform_enabled":
		c.CrossPlatform.Enabled = coerceBool(raw, c.CrossPlatform.Enabled)
	case "buy_zero_fee_min_pct":
		c.CrossPlatform.BuyZeroFeeMinPct = coerceFloat(raw, c.CrossPlatform.BuyZeroFeeMinPct)
	case "buy_high_fee_min_pct":
		c.CrossPlatform.BuyHighFeeMinPct = coerceFloat(raw, c.CrossPlatform.BuyHighFeeMinPct)
	case "cross_platform_max_data_age_sec":
		c.CrossPlatform.MaxDataAge = coerceSeconds(raw, c.CrossPlatform.MaxDataAge)
	case "cross_platform_min_confidence":
		c.CrossPlatform.MinConfidence = coerceFloat(raw, c.CrossPlatform.MinConfidence)

	case "copy_trading_enabled":
		c.CopyTrading.Enabled = coerceBool(raw, c.CopyTrading.Enabled)
	case "copy_multiplier":
		c.CopyTrading.CopyMultiplier = coerceFloat(raw, c.CopyTrading.CopyMultiplier)
	case "max_copy_size_usd":
		c.CopyTrading.MaxCopySizeUSD = coerceFloat(raw, c.CopyTrading.MaxCopySizeUSD)
	case "copy_max_balance_pct":
		c.CopyTrading.MaxBalancePct = coerceFloat(raw, c.CopyTrading.MaxBalancePct)
	case "copy_max_slippage_pct":
		c.CopyTrading.MaxSlippagePct = coerceFloat(raw, c.CopyTrading.MaxSlippagePct)

	case "market_maker_enabled":
		c.MarketMaker.Enabled = coerceBool(raw, c.MarketMaker.Enabled)
	case "market_maker_spread_bps":
		c.MarketMaker.TargetSpreadBps = coerceFloat(raw, c.MarketMaker.TargetSpreadBps)
	case "market_maker_inventory_skew":
		c.MarketMaker.InventorySkewFactor = coerceFloat(raw, c.MarketMaker.InventorySkewFactor)

	case "funding_rate_enabled":
		c.FundingRate.Enabled = coerceBool(raw, c.FundingRate.Enabled)
	case "funding_min_annualized_pct":
		c.FundingRate.MinAnnualizedPct = coerceFloat(raw, c.FundingRate.MinAnnualizedPct)
	case "funding_exit_annualized_pct":
		c.FundingRate.ExitAnnualizedPct = coerceFloat(raw, c.FundingRate.ExitAnnualizedPct)

	case "grid_enabled":
		c.Grid.Enabled = coerceBool(raw, c.Grid.Enabled)
	case "grid_symbol":
		c.Grid.Symbol = coerceString(raw, c.Grid.Symbol)
	case "grid_upper_price":
		c.Grid.UpperPrice = coerceFloat(raw, c.Grid.UpperPrice)
	case "grid_lower_price":
		c.Grid.LowerPrice = coerceFloat(raw, c.Grid.LowerPrice)
	case "grid_levels":
		c.Grid.Levels = coerceInt(raw, c.Grid.Levels)
	case "grid_stop_loss_pct":
		c.Grid.StopLossPct = coerceFloat(raw, c.Grid.StopLossPct)
	case "grid_take_profit_pct":
		c.Grid.TakeProfitPct = coerceFloat(raw, c.Grid.TakeProfitPct)

	case "pairs_enabled":
		c.Pairs.Enabled = coerceBool(raw, c.Pairs.Enabled)
	case "pairs_entry_z":
		c.Pairs.EntryZ = coerceFloat(raw, c.Pairs.EntryZ)
	case "pairs_exit_z":
		c.Pairs.ExitZ = coerceFloat(raw, c.Pairs.ExitZ)
	case "pairs_stop_z":
		c.Pairs.StopZ = coerceFloat(raw, c.Pairs.StopZ)

	case "mean_reversion_enabled":
		c.Stocks.MeanReversionEnabled = coerceBool(raw, c.Stocks.MeanReversionEnabled)
	case "momentum_enabled":
		c.Stocks.MomentumEnabled = coerceBool(raw, c.Stocks.MomentumEnabled)
	case "stock_watchlist":
		c.Stocks.Watchlist = coerceStringSlice(raw, c.Stocks.Watchlist)

	case "starting_balance_usd":
		c.Simulator.StartingBalanceUSD = coerceFloat(raw, c.Simulator.StartingBalanceUSD)
	case "max_realistic_spread_pct":
		c.Simulator.MaxRealisticSpreadPct = coerceFloat(raw, c.Simulator.MaxRealisticSpreadPct)
	case "slippage_min_pct":
		c.Simulator.SlippageMinPct = coerceFloat(raw, c.Simulator.SlippageMinPct)
	case "slippage_max_pct":
		c.Simulator.SlippageMaxPct = coerceFloat(raw, c.Simulator.SlippageMaxPct)
	case "partial_fill_chance":
		c.Simulator.PartialFillChance = coerceFloat(raw, c.Simulator.PartialFillChance)
	case "partial_fill_min_pct":
		c.Simulator.PartialFillMinPct = coerceFloat(raw, c.Simulator.PartialFillMinPct)
	case "max_position_pct":
		c.Simulator.MaxPositionPct = coerceFloat(raw, c.Simulator.MaxPositionPct)
	case "max_position_usd":
		c.Simulator.MaxPositionUSD = coerceFloat(raw, c.Simulator.MaxPositionUSD)
	case "min_position_usd":
		c.Simulator.MinPositionUSD = coerceFloat(raw, c.Simulator.MinPositionUSD)
	case "market_cooldown_sec":
		c.Simulator.MarketCooldownSec = coerceInt(raw, c.Simulator.MarketCooldownSec)
	case "max_trades_per_market_per_day":
		c.Simulator.MaxTradesPerMarketDay = coerceInt(raw, c.Simulator.MaxTradesPerMarketDay)
	case "max_daily_trades":
		c.Simulator.MaxDailyTrades = coerceInt(raw, c.Simulator.MaxDailyTrades)
	case "exec_delay_min_sec":
		c.Simulator.ExecDelayMinSec = coerceFloat(raw, c.Simulator.ExecDelayMinSec)
	case "exec_delay_max_sec":
		c.Simulator.ExecDelayMaxSec = coerceFloat(raw, c.Simulator.ExecDelayMaxSec)
	case "drift_volatility_pct_per_sec":
		c.Simulator.DriftVolatilityPerSec = coerceFloat(raw, c.Simulator.DriftVolatilityPerSec)
	case "skip_same_platform_overlap":
		c.Simulator.SkipSamePlatformOverlap = coerceBool(raw, c.Simulator.SkipSamePlatformOverlap)

	default:
		return false
	}
	return true
}

// Coercion is lenient: tenant rows arrive as JSON, so numbers may be
// float64, strings, or ints depending on how the admin surface wrote them.

func coerceBool(raw any, fallback bool) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return IsTruthy(v)
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return fallback
}

func coerceFloat(raw any, fallback float64) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func coerceInt(raw any, fallback int) int {
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func coerceString(raw any, fallback string) string {
	if s, ok := raw.(string); ok && s != "" {
		return s
	}
	return fallback
}

func coerceSeconds(raw any, fallback time.Duration) time.Duration {
	f := coerceFloat(raw, -1)
	if f < 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

func coerceStringSlice(raw any, fallback []string) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
