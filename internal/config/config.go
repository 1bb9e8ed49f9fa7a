// Package config defines all configuration for the trading platform.
//
// Every tunable resolves in priority order: tenant row (from the store) →
// process environment → compile-time default. The merged result is a typed
// Config snapshot; strategies read the snapshot on every scan tick, so a
// reload propagates without a restart.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"polybot/pkg/types"
)

// Config is the fully-resolved configuration snapshot for one tenant.
type Config struct {
	UserID string `mapstructure:"user_id"`
	Live   bool   `mapstructure:"live_trading"`
	DryRun bool   `mapstructure:"dry_run"`

	Database DatabaseConfig `mapstructure:"database"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Venues   VenuesConfig   `mapstructure:"venues"`

	SinglePlatform SinglePlatformConfig `mapstructure:"single_platform"`
	CrossPlatform  CrossPlatformConfig  `mapstructure:"cross_platform"`
	CopyTrading    CopyTradingConfig    `mapstructure:"copy_trading"`
	MarketMaker    MarketMakerConfig    `mapstructure:"market_maker"`
	FundingRate    FundingRateConfig    `mapstructure:"funding_rate"`
	Grid           GridConfig           `mapstructure:"grid"`
	Pairs          PairsConfig          `mapstructure:"pairs"`
	Stocks         StocksConfig         `mapstructure:"stocks"`
	Simulator      SimulatorConfig      `mapstructure:"simulator"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// DatabaseConfig points at the managed Postgres backing the fleet.
type DatabaseConfig struct {
	URL        string `mapstructure:"supabase_url"`
	ServiceKey string `mapstructure:"supabase_service_role_key"`
	DSN        string `mapstructure:"dsn"`
}

// VaultConfig holds the master key for the secrets vault.
type VaultConfig struct {
	MasterKey      string `mapstructure:"master_key"`
	AllowPlaintext bool   `mapstructure:"allow_plaintext"`
}

// TradingConfig holds the global trading guards shared by every strategy.
type TradingConfig struct {
	MaxTradeSizeUSD        float64       `mapstructure:"max_trade_size_usd"`
	MinTradeSizeUSD        float64       `mapstructure:"min_trade_size_usd"`
	MaxDailyLossUSD        float64       `mapstructure:"max_daily_loss_usd"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	SlippageTolerance      float64       `mapstructure:"slippage_tolerance"`
	ScanInterval           time.Duration `mapstructure:"scan_interval"`
	ManualApprovalTrades   int           `mapstructure:"manual_approval_trades"`
	CooldownPerMarket      time.Duration `mapstructure:"cooldown_per_market"`
}

// VenueCredentials is the decrypted credential set for one venue.
type VenueCredentials struct {
	APIKey         string `mapstructure:"api_key"`
	Secret         string `mapstructure:"secret"`
	Passphrase     string `mapstructure:"passphrase"`
	PrivateKey     string `mapstructure:"private_key"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	FunderAddress  string `mapstructure:"funder_address"`
}

// Empty reports whether no credential material is present at all.
func (c VenueCredentials) Empty() bool {
	return c.APIKey == "" && c.Secret == "" && c.PrivateKey == "" && c.PrivateKeyPath == ""
}

// VenueConfig is the enable flag plus credentials for one venue.
type VenueConfig struct {
	Enabled     bool             `mapstructure:"enabled"`
	Credentials VenueCredentials `mapstructure:"credentials"`
}

// VenuesConfig holds per-venue enable flags and credentials.
type VenuesConfig struct {
	Polymarket VenueConfig `mapstructure:"polymarket"`
	Kalshi     VenueConfig `mapstructure:"kalshi"`
	BinanceUS  VenueConfig `mapstructure:"binance_us"`
	Alpaca     VenueConfig `mapstructure:"alpaca"`
}

// Get returns the config for a venue; ok=false for unknown venues.
func (v *VenuesConfig) Get(venue types.Venue) (VenueConfig, bool) {
	switch venue {
	case types.VenuePolymarket:
		return v.Polymarket, true
	case types.VenueKalshi:
		return v.Kalshi, true
	case types.VenueBinanceUS:
		return v.BinanceUS, true
	case types.VenueAlpaca:
		return v.Alpaca, true
	}
	return VenueConfig{}, false
}

// Enabled returns the venues with their enable flag set.
func (v *VenuesConfig) Enabled() []types.Venue {
	var out []types.Venue
	for _, venue := range []types.Venue{types.VenuePolymarket, types.VenueKalshi, types.VenueBinanceUS, types.VenueAlpaca} {
		if vc, _ := v.Get(venue); vc.Enabled {
			out = append(out, venue)
		}
	}
	return out
}

// SinglePlatformConfig tunes the YES/NO and multi-outcome arb scanners.
type SinglePlatformConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinProfitPct     float64       `mapstructure:"min_profit_pct"`
	MaxSpreadPct     float64       `mapstructure:"max_spread_pct"`
	MaxPositionUSD   float64       `mapstructure:"max_position_usd"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	LowLiquidityUSD  float64       `mapstructure:"low_liquidity_usd"`
	HighLiquidityUSD float64       `mapstructure:"high_liquidity_usd"`
}

// CrossPlatformConfig tunes the cross-platform and split-market arb scanners.
// Minimum-profit thresholds are asymmetric by buy venue: buying on the
// zero-fee venue needs less edge than buying on the 7%-profit-fee venue.
type CrossPlatformConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BuyZeroFeeMinPct float64       `mapstructure:"buy_zero_fee_min_pct"`
	BuyHighFeeMinPct float64       `mapstructure:"buy_high_fee_min_pct"`
	MaxDataAge       time.Duration `mapstructure:"max_data_age"`
	MinConfidence    float64       `mapstructure:"min_confidence"`
	MaxPositionUSD   float64       `mapstructure:"max_position_usd"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
}

// CopyTradingConfig tunes whale discovery and copy sizing.
type CopyTradingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	CopyMultiplier float64       `mapstructure:"copy_multiplier"`
	MaxCopySizeUSD float64       `mapstructure:"max_copy_size_usd"`
	MaxBalancePct  float64       `mapstructure:"max_balance_pct"`
	MaxSlippagePct float64       `mapstructure:"max_slippage_pct"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
}

// MarketMakerConfig tunes two-sided quoting.
type MarketMakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	TargetSpreadBps     float64       `mapstructure:"target_spread_bps"`
	InventorySkewFactor float64       `mapstructure:"inventory_skew_factor"`
	MinVolume24hUSD     float64       `mapstructure:"min_volume_24h_usd"`
	MinHoursToResolve   float64       `mapstructure:"min_hours_to_resolve"`
	QuoteSizeUSD        float64       `mapstructure:"quote_size_usd"`
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
}

// FundingRateConfig tunes the delta-neutral funding arb.
type FundingRateConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MinAnnualizedPct  float64       `mapstructure:"min_annualized_pct"`
	ExitAnnualizedPct float64       `mapstructure:"exit_annualized_pct"`
	MaxBasisPct       float64       `mapstructure:"max_basis_pct"`
	MinTimeToFunding  time.Duration `mapstructure:"min_time_to_funding"`
	MaxHoldTime       time.Duration `mapstructure:"max_hold_time"`
	MaxPositionUSD    float64       `mapstructure:"max_position_usd"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	Symbols           []string      `mapstructure:"symbols"`
}

// GridConfig tunes grid trading.
type GridConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Symbol        string        `mapstructure:"symbol"`
	UpperPrice    float64       `mapstructure:"upper_price"`
	LowerPrice    float64       `mapstructure:"lower_price"`
	Levels        int           `mapstructure:"levels"`
	OrderSizeUSD  float64       `mapstructure:"order_size_usd"`
	StopLossPct   float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct float64       `mapstructure:"take_profit_pct"`
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
}

// PairsConfig tunes pairs trading on a rolling spread A − β·B.
type PairsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SymbolA      string        `mapstructure:"symbol_a"`
	SymbolB      string        `mapstructure:"symbol_b"`
	Beta         float64       `mapstructure:"beta"`
	Lookback     int           `mapstructure:"lookback"`
	EntryZ       float64       `mapstructure:"entry_z"`
	ExitZ        float64       `mapstructure:"exit_z"`
	StopZ        float64       `mapstructure:"stop_z"`
	MaxHoldHours float64       `mapstructure:"max_hold_hours"`
	PositionUSD  float64       `mapstructure:"position_usd"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// StocksConfig tunes the stock mean-reversion and momentum scanners.
type StocksConfig struct {
	MeanReversionEnabled bool          `mapstructure:"mean_reversion_enabled"`
	MomentumEnabled      bool          `mapstructure:"momentum_enabled"`
	Watchlist            []string      `mapstructure:"watchlist"`
	EntryZ               float64       `mapstructure:"entry_z"`
	ExitZ                float64       `mapstructure:"exit_z"`
	TrailingStopPct      float64       `mapstructure:"trailing_stop_pct"`
	PositionUSD          float64       `mapstructure:"position_usd"`
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
}

// SimulatorConfig tunes the paper-trading execution model.
type SimulatorConfig struct {
	StartingBalanceUSD      float64 `mapstructure:"starting_balance_usd"`
	MaxRealisticSpreadPct   float64 `mapstructure:"max_realistic_spread_pct"`
	SlippageMinPct          float64 `mapstructure:"slippage_min_pct"`
	SlippageMaxPct          float64 `mapstructure:"slippage_max_pct"`
	SpreadCostPct           float64 `mapstructure:"spread_cost_pct"`
	PartialFillChance       float64 `mapstructure:"partial_fill_chance"`
	PartialFillMinPct       float64 `mapstructure:"partial_fill_min_pct"`
	MaxPositionPct          float64 `mapstructure:"max_position_pct"`
	MaxPositionUSD          float64 `mapstructure:"max_position_usd"`
	MinPositionUSD          float64 `mapstructure:"min_position_usd"`
	MarketCooldownSec       int     `mapstructure:"market_cooldown_sec"`
	MaxTradesPerMarketDay   int     `mapstructure:"max_trades_per_market_per_day"`
	MaxDailyTrades          int     `mapstructure:"max_daily_trades"`
	ExecDelayMinSec         float64 `mapstructure:"exec_delay_min_sec"`
	ExecDelayMaxSec         float64 `mapstructure:"exec_delay_max_sec"`
	DriftVolatilityPerSec   float64 `mapstructure:"drift_volatility_pct_per_sec"`
	SkipSamePlatformOverlap bool    `mapstructure:"skip_same_platform_overlap"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the compile-time defaults. Tenant rows and environment
// variables overlay these via the Resolver.
func Default() Config {
	return Config{
		Vault: VaultConfig{AllowPlaintext: true},
		Trading: TradingConfig{
			MaxTradeSizeUSD:        100,
			MinTradeSizeUSD:        5,
			MaxDailyLossUSD:        50,
			MaxConsecutiveFailures: 3,
			SlippageTolerance:      0.02,
			ScanInterval:           30 * time.Second,
			ManualApprovalTrades:   0,
			CooldownPerMarket:      time.Hour,
		},
		SinglePlatform: SinglePlatformConfig{
			Enabled:          true,
			MinProfitPct:     0.3,
			MaxSpreadPct:     35,
			MaxPositionUSD:   25,
			ScanInterval:     30 * time.Second,
			LowLiquidityUSD:  1000,
			HighLiquidityUSD: 50000,
		},
		CrossPlatform: CrossPlatformConfig{
			Enabled:          true,
			BuyZeroFeeMinPct: 3.0,
			BuyHighFeeMinPct: 5.0,
			MaxDataAge:       10 * time.Second,
			MinConfidence:    0.3,
			MaxPositionUSD:   25,
			ScanInterval:     30 * time.Second,
		},
		CopyTrading: CopyTradingConfig{
			CopyMultiplier: 0.1,
			MaxCopySizeUSD: 100,
			MaxBalancePct:  10,
			MaxSlippagePct: 2.0,
			ScanInterval:   60 * time.Second,
		},
		MarketMaker: MarketMakerConfig{
			TargetSpreadBps:     200,
			InventorySkewFactor: 0.5,
			MinVolume24hUSD:     10000,
			MinHoursToResolve:   24,
			QuoteSizeUSD:        20,
			RefreshInterval:     15 * time.Second,
		},
		FundingRate: FundingRateConfig{
			MinAnnualizedPct:  10,
			ExitAnnualizedPct: 3,
			MaxBasisPct:       0.5,
			MinTimeToFunding:  30 * time.Minute,
			MaxHoldTime:       72 * time.Hour,
			MaxPositionUSD:    100,
			ScanInterval:      5 * time.Minute,
			Symbols:           []string{"BTCUSDT", "ETHUSDT"},
		},
		Grid: GridConfig{
			Levels:        10,
			OrderSizeUSD:  10,
			StopLossPct:   5,
			TakeProfitPct: 10,
			ScanInterval:  30 * time.Second,
		},
		Pairs: PairsConfig{
			Beta:         1.0,
			Lookback:     120,
			EntryZ:       2.0,
			ExitZ:        0.5,
			StopZ:        4.0,
			MaxHoldHours: 48,
			PositionUSD:  50,
			ScanInterval: time.Minute,
		},
		Stocks: StocksConfig{
			Watchlist:       []string{"AAPL", "MSFT", "NVDA", "SPY"},
			EntryZ:          2.0,
			ExitZ:           0.5,
			TrailingStopPct: 3.0,
			PositionUSD:     100,
			ScanInterval:    5 * time.Minute,
		},
		Simulator: SimulatorConfig{
			StartingBalanceUSD:      1000,
			MaxRealisticSpreadPct:   35,
			SlippageMinPct:          0.3,
			SlippageMaxPct:          1.2,
			SpreadCostPct:           0.5,
			PartialFillChance:       0.18,
			PartialFillMinPct:       0.65,
			MaxPositionPct:          5,
			MaxPositionUSD:          25,
			MinPositionUSD:          5,
			MarketCooldownSec:       600,
			MaxTradesPerMarketDay:   8,
			MaxDailyTrades:          50,
			ExecDelayMinSec:         0.5,
			ExecDelayMaxSec:         2.0,
			DriftVolatilityPerSec:   0.2,
			SkipSamePlatformOverlap: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadEnv builds a Config from defaults overlaid with environment variables.
// This is the process-level layer; tenant rows overlay on top via Resolver.
func LoadEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(v, &cfg)
	return &cfg, nil
}

// bindEnvKeys registers the env names that do not follow the mapstructure
// path convention (legacy names consumed by operator tooling).
func bindEnvKeys(v *viper.Viper) {
	for key, env := range map[string]string{
		"database.supabase_url":              "SUPABASE_URL",
		"database.supabase_service_role_key": "SUPABASE_SERVICE_ROLE_KEY",
		"database.dsn":                       "SUPABASE_DB_DSN",
		"vault.master_key":                   "POLYBOT_MASTER_KEY",
		"live_trading":                       "LIVE_TRADING",
	} {
		_ = v.BindEnv(key, env)
	}
}

// applyEnvOverrides copies credential env vars into venue slots. Secrets
// usually come decrypted from the store, but single-tenant deployments set
// them directly in the environment.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	set := func(dst *string, env string) {
		if val := v.GetString(env); val != "" {
			*dst = val
		}
	}
	set(&cfg.Venues.Polymarket.Credentials.APIKey, "POLYMARKET_API_KEY")
	set(&cfg.Venues.Polymarket.Credentials.Secret, "POLYMARKET_SECRET")
	set(&cfg.Venues.Polymarket.Credentials.PrivateKey, "POLYMARKET_PRIVATE_KEY")
	set(&cfg.Venues.Kalshi.Credentials.APIKey, "KALSHI_API_KEY")
	set(&cfg.Venues.Kalshi.Credentials.PrivateKey, "KALSHI_PRIVATE_KEY")
	set(&cfg.Venues.Kalshi.Credentials.PrivateKeyPath, "KALSHI_PRIVATE_KEY_PATH")
	set(&cfg.Venues.BinanceUS.Credentials.APIKey, "BINANCE_US_API_KEY")
	set(&cfg.Venues.BinanceUS.Credentials.Secret, "BINANCE_US_SECRET")
	set(&cfg.Venues.Alpaca.Credentials.APIKey, "ALPACA_API_KEY")
	set(&cfg.Venues.Alpaca.Credentials.Secret, "ALPACA_SECRET")
	if IsTruthy(v.GetString("LIVE_TRADING")) {
		cfg.Live = true
	}
}

// IsTruthy reports whether an env-style string means true.
func IsTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Validate checks the invariants that must hold before startup completes.
// In live mode, every enabled venue must resolve non-empty credentials.
func (c *Config) Validate() error {
	if c.Database.DSN == "" && c.Database.URL == "" {
		return fmt.Errorf("database.dsn or SUPABASE_URL is required")
	}
	if !c.Live {
		return nil
	}
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("live mode requires POLYBOT_MASTER_KEY")
	}
	for _, venue := range c.Venues.Enabled() {
		vc, _ := c.Venues.Get(venue)
		if vc.Credentials.Empty() {
			return fmt.Errorf("live mode: venue %s enabled without credentials", venue)
		}
	}
	return nil
}
