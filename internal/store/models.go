package store

import (
	"time"

	"gorm.io/datatypes"
)

// Row types map 1:1 to the managed Postgres schema. Row-level security
// scopes reads and writes by user_id; the service-role connection used by
// the supervisor bypasses RLS for registry reads only.

// OpportunityRow records a detected edge and its terminal status.
type OpportunityRow struct {
	ID                string    `gorm:"primaryKey;column:id"`
	UserID            string    `gorm:"column:user_id;index"`
	DetectedAt        time.Time `gorm:"column:detected_at"`
	Strategy          string    `gorm:"column:strategy"`
	Scanner           string    `gorm:"column:scanner_id"`
	Legs              datatypes.JSON `gorm:"column:legs"`
	ProfitPerContract float64   `gorm:"column:profit_per_contract"`
	ProfitPct         float64   `gorm:"column:profit_pct"`
	MaxSize           float64   `gorm:"column:max_size"`
	TotalProfitUSD    float64   `gorm:"column:total_profit_usd"`
	Confidence        float64   `gorm:"column:confidence"`
	Status            string    `gorm:"column:status;index"`
	SkipReason        string    `gorm:"column:skip_reason"`
	ExecutedAt        *time.Time `gorm:"column:executed_at"`
}

func (OpportunityRow) TableName() string { return "opportunities" }

// TradeRow is one submitted or simulated order.
type TradeRow struct {
	ID            string    `gorm:"primaryKey;column:id"`
	UserID        string    `gorm:"column:user_id;index"`
	OpportunityID string    `gorm:"column:opportunity_id;index"`
	Venue         string    `gorm:"column:venue"`
	MarketID      string    `gorm:"column:market_id"`
	Side          string    `gorm:"column:side"`
	Price         float64   `gorm:"column:price"`
	RequestedSize float64   `gorm:"column:requested_size"`
	FilledSize    float64   `gorm:"column:filled_size"`
	FillPrice     float64   `gorm:"column:fill_price"`
	Status        string    `gorm:"column:status"`
	VenueOrderID  string    `gorm:"column:venue_order_id"`
	TxHash        string    `gorm:"column:tx_hash"`
	FeesUSD       float64   `gorm:"column:fees_usd"`
	Error         string    `gorm:"column:error_message"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (TradeRow) TableName() string { return "trades" }

// LiveTradeRow mirrors TradeRow for live executions, adding venue order ids
// per leg so the operator can reconcile one-legged fills.
type LiveTradeRow struct {
	ID           string    `gorm:"primaryKey;column:id"`
	UserID       string    `gorm:"column:user_id;index"`
	TradeID      string    `gorm:"column:trade_id"`
	BuyOrderID   string    `gorm:"column:buy_order_id"`
	SellOrderID  string    `gorm:"column:sell_order_id"`
	RealizedUSD  float64   `gorm:"column:realized_usd"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (LiveTradeRow) TableName() string { return "live_trades" }

// PaperTradeRow is the simulator counterpart to TradeRow, recording the
// execution frictions that shaped the simulated fill.
type PaperTradeRow struct {
	ID              string    `gorm:"primaryKey;column:id"`
	UserID          string    `gorm:"column:user_id;index"`
	MarketAID       string    `gorm:"column:market_a_id"`
	MarketATitle    string    `gorm:"column:market_a_title"`
	MarketBID       string    `gorm:"column:market_b_id"`
	MarketBTitle    string    `gorm:"column:market_b_title"`
	PlatformA       string    `gorm:"column:platform_a"`
	PlatformB       string    `gorm:"column:platform_b"`
	ArbType         string    `gorm:"column:arb_type"`
	OriginalSpread  float64   `gorm:"column:original_spread_pct"`
	ExecutedSpread  float64   `gorm:"column:executed_spread_pct"`
	SlippagePct     float64   `gorm:"column:slippage_pct"`
	FeeAUSD         float64   `gorm:"column:fee_a_usd"`
	FeeBUSD         float64   `gorm:"column:fee_b_usd"`
	IntendedSizeUSD float64   `gorm:"column:intended_size_usd"`
	ExecutedSizeUSD float64   `gorm:"column:executed_size_usd"`
	GrossProfitUSD  float64   `gorm:"column:gross_profit_usd"`
	NetProfitUSD    float64   `gorm:"column:net_profit_usd"`
	Outcome         string    `gorm:"column:outcome;index"`
	OutcomeReason   string    `gorm:"column:outcome_reason"`
	BalanceAfter    float64   `gorm:"column:balance_after"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (PaperTradeRow) TableName() string { return "simulated_trades" }

// StatsRow is the single-anchor-row stats snapshot per tenant.
// Legacy deployments used a global id=1 row; multi-tenant mode anchors on
// user_id via a unique index so concurrent writers converge on one row.
type StatsRow struct {
	ID               int64     `gorm:"primaryKey;column:id"`
	UserID           string    `gorm:"column:user_id;uniqueIndex"`
	StartingBalance  float64   `gorm:"column:starting_balance"`
	CurrentBalance   float64   `gorm:"column:current_balance"`
	TotalPnLUSD      float64   `gorm:"column:total_pnl_usd"`
	TradeCount       int       `gorm:"column:trade_count"`
	WinCount         int       `gorm:"column:win_count"`
	LossCount        int       `gorm:"column:loss_count"`
	FailedExecutions int       `gorm:"column:failed_executions"`
	WinRatePct       float64   `gorm:"column:win_rate_pct"`
	BestTradeUSD     float64   `gorm:"column:best_trade_usd"`
	WorstTradeUSD    float64   `gorm:"column:worst_trade_usd"`
	TotalFeesUSD     float64   `gorm:"column:total_fees_usd"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (StatsRow) TableName() string { return "simulation_stats" }

// StatusRow is the tenant registry row the supervisor reconciles from.
type StatusRow struct {
	UserID        string    `gorm:"primaryKey;column:user_id"`
	IsRunning     bool      `gorm:"column:is_running"`
	Mode          string    `gorm:"column:mode"`
	LastHeartbeat time.Time `gorm:"column:last_heartbeat"`
	StartedAt     time.Time `gorm:"column:started_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (StatusRow) TableName() string { return "bot_status" }

// ConfigRow is the per-tenant configuration row consumed by the resolver.
type ConfigRow struct {
	UserID    string         `gorm:"primaryKey;column:user_id"`
	Values    datatypes.JSON `gorm:"column:values"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (ConfigRow) TableName() string { return "config" }

// SecretRow holds one encrypted credential for a tenant.
type SecretRow struct {
	UserID    string    `gorm:"primaryKey;column:user_id"`
	KeyName   string    `gorm:"primaryKey;column:key_name"`
	Value     string    `gorm:"column:value"` // vault ciphertext (or legacy plaintext)
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (SecretRow) TableName() string { return "secrets" }

// AuditRow is append-only; failures writing it never fail the primary action.
type AuditRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement;column:id"`
	UserID    string         `gorm:"column:user_id;index"`
	Action    string         `gorm:"column:action"`
	Details   datatypes.JSON `gorm:"column:details"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (AuditRow) TableName() string { return "audit_logs" }

// MarketScanRow logs every market a scanner evaluated, qualifying or not.
type MarketScanRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	UserID    string    `gorm:"column:user_id;index"`
	Scanner   string    `gorm:"column:scanner"`
	Venue     string    `gorm:"column:venue"`
	MarketID  string    `gorm:"column:market_id"`
	Title     string    `gorm:"column:title"`
	Qualified bool      `gorm:"column:qualified"`
	Reason    string    `gorm:"column:reason"`
	Metric    float64   `gorm:"column:metric"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (MarketScanRow) TableName() string { return "market_scans" }

// BotLogRow is one record written by the batching log sink.
type BotLogRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	UserID    string    `gorm:"column:user_id;index"`
	Level     string    `gorm:"column:level"`
	Message   string    `gorm:"column:message"`
	Component string    `gorm:"column:component"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (BotLogRow) TableName() string { return "bot_logs" }

// TrackedWhaleRow is one wallet followed by the copy-trading scanner.
type TrackedWhaleRow struct {
	Address       string    `gorm:"primaryKey;column:address"`
	UserID        string    `gorm:"primaryKey;column:user_id"`
	Name          string    `gorm:"column:name"`
	Tier          string    `gorm:"column:tier"`
	WinRatePct    float64   `gorm:"column:win_rate_pct"`
	VolumeUSD     float64   `gorm:"column:volume_usd"`
	TradeCount    int       `gorm:"column:trade_count"`
	LastTradeSeen time.Time `gorm:"column:last_trade_seen"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (TrackedWhaleRow) TableName() string { return "tracked_whales" }

// WhaleTradeRow is one detected whale trade.
type WhaleTradeRow struct {
	ID           string    `gorm:"primaryKey;column:id"`
	UserID       string    `gorm:"column:user_id;index"`
	WhaleAddress string    `gorm:"column:whale_address;index"`
	MarketID     string    `gorm:"column:market_id"`
	Side         string    `gorm:"column:side"`
	Outcome      string    `gorm:"column:outcome"`
	Price        float64   `gorm:"column:price"`
	SizeUSD      float64   `gorm:"column:size_usd"`
	DetectedAt   time.Time `gorm:"column:detected_at"`
}

func (WhaleTradeRow) TableName() string { return "whale_trades" }

// WhalePerformanceRow snapshots a whale's rolling stats when its tier
// changes, preserving the reclassification history.
type WhalePerformanceRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement;column:id"`
	UserID       string    `gorm:"column:user_id;index"`
	WhaleAddress string    `gorm:"column:whale_address;index"`
	Tier         string    `gorm:"column:tier"`
	PrevTier     string    `gorm:"column:prev_tier"`
	WinRatePct   float64   `gorm:"column:win_rate_pct"`
	VolumeUSD    float64   `gorm:"column:volume_usd"`
	TradeCount   int       `gorm:"column:trade_count"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (WhalePerformanceRow) TableName() string { return "whale_performance_history" }

// CopyTradeRow is a Trade plus whale provenance.
type CopyTradeRow struct {
	ID            string    `gorm:"primaryKey;column:id"`
	UserID        string    `gorm:"column:user_id;index"`
	WhaleTradeID  string    `gorm:"column:whale_trade_id"`
	WhaleAddress  string    `gorm:"column:whale_address"`
	SizingScale   float64   `gorm:"column:sizing_scale"`
	SlippageOK    bool      `gorm:"column:slippage_ok"`
	TradeID       string    `gorm:"column:trade_id"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (CopyTradeRow) TableName() string { return "copy_trades" }

// FundingOpportunityRow records a funding-rate entry/exit decision.
type FundingOpportunityRow struct {
	ID            string    `gorm:"primaryKey;column:id"`
	UserID        string    `gorm:"column:user_id;index"`
	Symbol        string    `gorm:"column:symbol"`
	AnnualizedPct float64   `gorm:"column:annualized_pct"`
	BasisPct      float64   `gorm:"column:basis_pct"`
	Action        string    `gorm:"column:action"` // enter | exit | hold
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (FundingOpportunityRow) TableName() string { return "funding_opportunities" }

// GridRow is a persisted grid session.
type GridRow struct {
	ID          string    `gorm:"primaryKey;column:id"`
	UserID      string    `gorm:"column:user_id;index"`
	Symbol      string    `gorm:"column:symbol"`
	UpperPrice  float64   `gorm:"column:upper_price"`
	LowerPrice  float64   `gorm:"column:lower_price"`
	Levels      int       `gorm:"column:levels"`
	RealizedUSD float64   `gorm:"column:realized_usd"`
	Status      string    `gorm:"column:status"` // active | stopped | take-profit | stop-loss
	CreatedAt   time.Time `gorm:"column:created_at"`
	ClosedAt    *time.Time `gorm:"column:closed_at"`
}

func (GridRow) TableName() string { return "grids" }

// PairsTradeRow is one pairs-trading round trip.
type PairsTradeRow struct {
	ID          string     `gorm:"primaryKey;column:id"`
	UserID      string     `gorm:"column:user_id;index"`
	SymbolA     string     `gorm:"column:symbol_a"`
	SymbolB     string     `gorm:"column:symbol_b"`
	EntryZ      float64    `gorm:"column:entry_z"`
	ExitZ       float64    `gorm:"column:exit_z"`
	Direction   string     `gorm:"column:direction"` // long-spread | short-spread
	RealizedUSD float64    `gorm:"column:realized_usd"`
	OpenedAt    time.Time  `gorm:"column:opened_at"`
	ClosedAt    *time.Time `gorm:"column:closed_at"`
	CloseReason string     `gorm:"column:close_reason"`
}

func (PairsTradeRow) TableName() string { return "pairs_trades" }

// MarketPairRow is a curated match between markets on two venues. For
// split-market pairs, SplitMarketIDs lists the venue-A markets whose summed
// YES price mirrors the single venue-B market.
type MarketPairRow struct {
	ID             string         `gorm:"primaryKey;column:id"`
	UserID         string         `gorm:"column:user_id;index"`
	VenueA         string         `gorm:"column:venue_a"`
	MarketAID      string         `gorm:"column:market_a_id"`
	VenueB         string         `gorm:"column:venue_b"`
	MarketBID      string         `gorm:"column:market_b_id"`
	Title          string         `gorm:"column:title"`
	SplitMarketIDs datatypes.JSON `gorm:"column:split_market_ids"`
	Active         bool           `gorm:"column:active"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (MarketPairRow) TableName() string { return "market_pairs" }

// BalanceRow is one balance-poller observation per venue.
type BalanceRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id"`
	UserID    string    `gorm:"column:user_id;index"`
	Venue     string    `gorm:"column:venue"`
	TotalUSD  float64   `gorm:"column:total_usd"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (BalanceRow) TableName() string { return "balances" }
