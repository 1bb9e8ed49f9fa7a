// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — venues, sides,
// opportunities, trades, order book snapshots, and venue data payloads.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Venue identifies a market venue. Prediction markets, crypto exchanges and
// stock brokers all share the same identifier space.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
	VenueBinanceUS  Venue = "binance_us"
	VenueCoinbase   Venue = "coinbase"
	VenueKraken     Venue = "kraken"
	VenueBybit      Venue = "bybit"
	VenueOKX        Venue = "okx"
	VenueKuCoin     Venue = "kucoin"
	VenueAlpaca     Venue = "alpaca"
	VenueIBKR       Venue = "ibkr"
)

// Mode is a tenant's trading mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeGTC    OrderType = "GTC"
)

// OrderStatus is the lifecycle state of a submitted or simulated order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderPartial   OrderStatus = "partially-filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
	OrderDryRun    OrderStatus = "dry-run"
)

// Terminal reports whether the status is a terminal state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderPartial, OrderCancelled, OrderFailed, OrderDryRun:
		return true
	}
	return false
}

// OpportunityStatus tracks an opportunity from detection to resolution.
type OpportunityStatus string

const (
	OppDetected OpportunityStatus = "detected"
	OppSkipped  OpportunityStatus = "skipped"
	OppExecuted OpportunityStatus = "executed"
	OppMissed   OpportunityStatus = "missed"
	OppFailed   OpportunityStatus = "failed"
)

// StrategyTag identifies the strategy family that produced an opportunity.
type StrategyTag string

const (
	StratSinglePlatform StrategyTag = "single_platform"
	StratMultiOutcome   StrategyTag = "multi_outcome"
	StratCrossPlatform  StrategyTag = "cross_platform"
	StratSplitMarket    StrategyTag = "split_market"
	StratOverlap        StrategyTag = "overlap"
	StratCopyTrade      StrategyTag = "copy_trade"
	StratMarketMaker    StrategyTag = "market_maker"
	StratFundingRate    StrategyTag = "funding_rate"
	StratGrid           StrategyTag = "grid"
	StratPairs          StrategyTag = "pairs"
	StratMeanReversion  StrategyTag = "mean_reversion"
	StratMomentum       StrategyTag = "momentum"
)

// WhaleTier classifies a tracked wallet by rolling volume and win rate.
type WhaleTier string

const (
	TierRetail     WhaleTier = "retail"
	TierSmartMoney WhaleTier = "smart-money"
	TierWhale      WhaleTier = "whale"
	TierMegaWhale  WhaleTier = "mega-whale"
)

// Confidence returns the copy-sizing confidence assigned to the tier.
func (t WhaleTier) Confidence() float64 {
	switch t {
	case TierMegaWhale:
		return 0.95
	case TierWhale:
		return 0.85
	case TierSmartMoney:
		return 0.75
	default:
		return 0.50
	}
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a tradeable market.
// For binary prediction markets the outcome set is {Yes, No} and the two
// outcome prices always sum to ~$1.
type MarketInfo struct {
	Venue       Venue
	ID          string // venue-scoped market id (condition id, event ticker, symbol)
	Title       string // the question or instrument title
	Outcomes    []string
	Resolution  time.Time // when the market is scheduled to resolve (zero for perpetual)
	Active      bool
	Liquidity   float64 // total USD liquidity on the book
	Volume24h   float64 // trailing 24-hour volume in USD
	YesTokenID  string  // outcome token id for YES (prediction venues)
	NoTokenID   string  // outcome token id for NO
	YesAsk      float64
	NoAsk       float64
	BestBid     float64
	BestAsk     float64
	EventID     string // groups sibling outcome markets of one event
	OutcomeSize int    // number of outcome markets in the parent event
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and trades
// ————————————————————————————————————————————————————————————————————————

// Leg is one side of an opportunity: an order the executor should place on a
// specific venue at a target price.
type Leg struct {
	Side     Side
	Venue    Venue
	MarketID string
	Title    string
	Price    float64 // target price recorded at detection time
	MaxSize  float64 // max size in units at that price level
}

// Opportunity is a detected tradable edge. Scanners insert it with status
// detected; the executor or simulator moves it to a terminal status within
// minutes of detection.
type Opportunity struct {
	ID                string
	DetectedAt        time.Time
	Strategy          StrategyTag
	Scanner           string // originating scanner instance id
	Legs              []Leg
	ProfitPerContract float64
	ProfitPct         float64
	MaxSize           float64 // units, already min'd across legs
	TotalProfitUSD    float64
	Confidence        float64 // [0,1], decays with data age; 0 forces a skip
	Status            OpportunityStatus
	SkipReason        string
}

// BuyLeg returns the first BUY leg, if any.
func (o *Opportunity) BuyLeg() *Leg {
	for i := range o.Legs {
		if o.Legs[i].Side == BUY {
			return &o.Legs[i]
		}
	}
	return nil
}

// SellLeg returns the first SELL leg, if any.
func (o *Opportunity) SellLeg() *Leg {
	for i := range o.Legs {
		if o.Legs[i].Side == SELL {
			return &o.Legs[i]
		}
	}
	return nil
}

// Trade is one order submitted or simulated against a venue.
// Invariant: FilledSize ≤ RequestedSize.
type Trade struct {
	ID            string
	OpportunityID string
	Venue         Venue
	MarketID      string
	Side          Side
	Price         float64 // target price
	RequestedSize float64
	FilledSize    float64
	FillPrice     float64
	Status        OrderStatus
	VenueOrderID  string
	TxHash        string
	FeesUSD       float64
	Error         string
	CreatedAt     time.Time
}

// PaperOutcome is the terminal result of a simulated trade.
type PaperOutcome string

const (
	PaperPending       PaperOutcome = "pending"
	PaperWon           PaperOutcome = "won"
	PaperLost          PaperOutcome = "lost"
	PaperFailedExec    PaperOutcome = "failed-execution"
	PaperPartialFill   PaperOutcome = "partial-fill"
	PaperExpired       PaperOutcome = "expired"
	PaperFalsePositive PaperOutcome = "rejected-false-positive"
)

// ————————————————————————————————————————————————————————————————————————
// Venue data
// ————————————————————————————————————————————————————————————————————————

// Ticker is a top-of-book quote plus trailing volume.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Volume24h float64
	Timestamp time.Time
}

// Mid returns the mid price, falling back to Last when one side is missing.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Candle is one OHLCV bar. Timestamp is the bar open time in ms since epoch.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// PriceLevel is a single bid or ask level in an order book. Price and Size
// are strings because prediction-market APIs return them as strings to
// preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Float returns the parsed price and size of a level.
func (l PriceLevel) Float() (price, size float64) {
	price, _ = strconv.ParseFloat(l.Price, 64)
	size, _ = strconv.ParseFloat(l.Size, 64)
	return price, size
}

// OrderBookSnapshot is a point-in-time view of one market's order book.
// Bids are sorted descending, asks ascending. Snapshots are immutable:
// the book cache hands out copies, never its internal slices.
type OrderBookSnapshot struct {
	Venue     Venue
	MarketID  string
	AssetID   string // outcome token id on prediction venues, else == MarketID
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid price and size, or ok=false on an empty side.
func (s OrderBookSnapshot) BestBid() (price, size float64, ok bool) {
	if len(s.Bids) == 0 {
		return 0, 0, false
	}
	price, size = s.Bids[0].Float()
	return price, size, true
}

// BestAsk returns the top ask price and size, or ok=false on an empty side.
func (s OrderBookSnapshot) BestAsk() (price, size float64, ok bool) {
	if len(s.Asks) == 0 {
		return 0, 0, false
	}
	price, size = s.Asks[0].Float()
	return price, size, true
}

// Age returns how stale the snapshot is relative to now.
func (s OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// AssetBalance is one asset's balance on a venue.
type AssetBalance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

// Position is an open position on a venue.
type Position struct {
	Venue      Venue
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	PnL        float64
}

// Order is the venue-neutral view of an order returned by venue clients.
type Order struct {
	ID        string
	Venue     Venue
	Symbol    string
	Side      Side
	Type      OrderType
	Price     float64
	Amount    float64
	Filled    float64
	AvgPrice  float64
	Status    OrderStatus
	FeeUSD    float64
	TxHash    string
	CreatedAt time.Time
}

// FundingRate is a perpetual future's current funding information.
type FundingRate struct {
	Symbol          string
	Rate            float64 // per funding interval, e.g. 0.0001
	IntervalsPerDay int     // usually 3 (8h funding)
	NextFundingTime time.Time
	MarkPrice       float64
	IndexPrice      float64
}

// AnnualizedPct returns the funding rate annualized as a percentage.
func (f FundingRate) AnnualizedPct() float64 {
	return f.Rate * float64(f.IntervalsPerDay) * 365 * 100
}

// Basis returns (mark − index) / index as a fraction, 0 when index is unset.
func (f FundingRate) Basis() float64 {
	if f.IndexPrice == 0 {
		return 0
	}
	return (f.MarkPrice - f.IndexPrice) / f.IndexPrice
}
