// Package exchange implements the venue clients: a uniform read/trade
// capability set over each market venue, whether it is a prediction market
// (Polymarket, Kalshi), a crypto exchange (Binance.US), or a stock broker
// (Alpaca).
//
// A venue client is stateless across tenants at the code level but
// instantiated per tenant with that tenant's decrypted credentials.
// Prediction-market clients additionally maintain a WebSocket-fed order book
// cache; readers pull immutable snapshots.
package exchange

import (
	"context"
	"errors"
	"time"

	"polybot/pkg/types"
)

// ErrNotSupported signals that a venue lacks an optional capability
// (e.g. funding rates on a spot-only venue).
var ErrNotSupported = errors.New("not supported by this venue")

const restTimeout = 30 * time.Second

// Venue is the capability set every venue client exposes to scanners and
// executors.
type Venue interface {
	Name() types.Venue

	GetTicker(ctx context.Context, symbol string) (types.Ticker, error)
	GetTickers(ctx context.Context, symbols []string) (map[string]types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error)
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error)

	GetBalance(ctx context.Context, asset string) (map[string]types.AssetBalance, error)
	GetPositions(ctx context.Context, symbol string) ([]types.Position, error)

	CreateOrder(ctx context.Context, symbol string, side types.Side, orderType types.OrderType, amount, price float64, params map[string]any) (types.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) (bool, error)
	GetOrder(ctx context.Context, id, symbol string) (types.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
}

// FundingVenue is the optional futures capability set. AsFunding reports
// whether a venue implements it; its absence is reported by that boolean,
// not by ErrNotSupported.
type FundingVenue interface {
	Venue
	GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error)
	GetFundingRates(ctx context.Context) (map[string]types.FundingRate, error)
	GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]types.FundingRate, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// PredictionVenue adds the prediction-market surface: market discovery and
// the streamed order book cache.
type PredictionVenue interface {
	Venue
	ListMarkets(ctx context.Context) ([]types.MarketInfo, error)
	Subscribe(ctx context.Context, marketIDs []string) error
	BookSnapshot(assetID string) (types.OrderBookSnapshot, bool)
}

// AsFunding returns the funding capability if the venue has one.
func AsFunding(v Venue) (FundingVenue, bool) {
	f, ok := v.(FundingVenue)
	return f, ok
}

// TotalUSD sums the totals of the USD, USDC, USDT and cash entries of a
// balance map at $1 each; other assets are not counted.
func TotalUSD(balances map[string]types.AssetBalance) float64 {
	var total float64
	for asset, b := range balances {
		switch asset {
		case "USD", "USDC", "USDT", "cash":
			total += b.Total
		}
	}
	return total
}
