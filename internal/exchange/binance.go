package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"polybot/internal/config"
	"polybot/pkg/types"
)

const binanceUSBaseURL = "https://api.binance.us"

// Binance is the crypto exchange client built on the exchange's spot and
// futures REST APIs. Spot endpoints point at the US domain; the futures
// client (funding rates, leverage) uses the global perpetuals API for the
// funding-rate reads and for leverage changes.
type Binance struct {
	spot    *binance.Client
	futures *futures.Client
	rl      *RateLimiter
	logger  *slog.Logger
}

// NewBinance builds a client with the tenant's HMAC key pair.
func NewBinance(creds config.VenueCredentials, logger *slog.Logger) *Binance {
	spot := binance.NewClient(creds.APIKey, creds.Secret)
	spot.BaseURL = binanceUSBaseURL

	return &Binance{
		spot:    spot,
		futures: futures.NewClient(creds.APIKey, creds.Secret),
		rl:      NewRateLimiter(),
		logger:  logger.With("component", "binance"),
	}
}

// Name implements Venue.
func (b *Binance) Name() types.Venue { return types.VenueBinanceUS }

// GetTicker returns top-of-book plus 24h volume for one symbol.
func (b *Binance) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}

	stats, err := b.spot.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return types.Ticker{}, fmt.Errorf("ticker %s: empty response", symbol)
	}

	s := stats[0]
	return types.Ticker{
		Symbol:    s.Symbol,
		Bid:       parseF(s.BidPrice),
		Ask:       parseF(s.AskPrice),
		Last:      parseF(s.LastPrice),
		Volume24h: parseF(s.QuoteVolume),
		Timestamp: time.Now(),
	}, nil
}

// GetTickers returns tickers for several symbols in one stats call.
func (b *Binance) GetTickers(ctx context.Context, symbols []string) (map[string]types.Ticker, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	stats, err := b.spot.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("tickers: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make(map[string]types.Ticker, len(symbols))
	now := time.Now()
	for _, s := range stats {
		if !want[s.Symbol] {
			continue
		}
		out[s.Symbol] = types.Ticker{
			Symbol:    s.Symbol,
			Bid:       parseF(s.BidPrice),
			Ask:       parseF(s.AskPrice),
			Last:      parseF(s.LastPrice),
			Volume24h: parseF(s.QuoteVolume),
			Timestamp: now,
		}
	}
	return out, nil
}

// GetOrderBook fetches the spot depth for one symbol.
func (b *Binance) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error) {
	if err := b.rl.Book.Wait(ctx); err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if depth <= 0 {
		depth = 20
	}

	res, err := b.spot.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("depth %s: %w", symbol, err)
	}

	snap := types.OrderBookSnapshot{
		Venue:     types.VenueBinanceUS,
		MarketID:  symbol,
		AssetID:   symbol,
		Timestamp: time.Now(),
	}
	for _, lvl := range res.Bids {
		snap.Bids = append(snap.Bids, types.PriceLevel{Price: lvl.Price, Size: lvl.Quantity})
	}
	for _, lvl := range res.Asks {
		snap.Asks = append(snap.Asks, types.PriceLevel{Price: lvl.Price, Size: lvl.Quantity})
	}
	return snap, nil
}

// GetOHLCV fetches klines. Timeframe uses the venue's notation (1m, 1h, 1d).
func (b *Binance) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	klines, err := b.spot.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}

	out := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, types.Candle{
			Timestamp: k.OpenTime,
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
		})
	}
	return out, nil
}

// GetBalance returns spot balances, optionally filtered by asset.
func (b *Binance) GetBalance(ctx context.Context, asset string) (map[string]types.AssetBalance, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	account, err := b.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}

	out := make(map[string]types.AssetBalance)
	for _, bal := range account.Balances {
		free, locked := parseF(bal.Free), parseF(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		if asset != "" && bal.Asset != asset {
			continue
		}
		out[bal.Asset] = types.AssetBalance{
			Asset:  bal.Asset,
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		}
	}
	return out, nil
}

// GetPositions reports spot holdings as long positions.
func (b *Binance) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	balances, err := b.GetBalance(ctx, "")
	if err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(balances))
	for asset, bal := range balances {
		if asset == "USD" || asset == "USDT" || asset == "USDC" {
			continue
		}
		if symbol != "" && asset+"USDT" != symbol && asset+"USD" != symbol {
			continue
		}
		out = append(out, types.Position{
			Venue:  types.VenueBinanceUS,
			Symbol: asset,
			Side:   types.BUY,
			Size:   bal.Total,
		})
	}
	return out, nil
}

// CreateOrder places a spot order.
func (b *Binance) CreateOrder(ctx context.Context, symbol string, side types.Side, orderType types.OrderType, amount, price float64, params map[string]any) (types.Order, error) {
	if err := b.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	svc := b.spot.NewCreateOrderService().
		Symbol(symbol).
		Quantity(strconv.FormatFloat(amount, 'f', -1, 64))

	if side == types.BUY {
		svc = svc.Side(binance.SideTypeBuy)
	} else {
		svc = svc.Side(binance.SideTypeSell)
	}
	if orderType == types.OrderTypeMarket {
		svc = svc.Type(binance.OrderTypeMarket)
	} else {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(price, 'f', -1, 64))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return types.Order{}, fmt.Errorf("create order %s: %w", symbol, err)
	}

	return types.Order{
		ID:        strconv.FormatInt(res.OrderID, 10),
		Venue:     types.VenueBinanceUS,
		Symbol:    symbol,
		Side:      side,
		Type:      orderType,
		Price:     price,
		Amount:    amount,
		Filled:    parseF(res.ExecutedQuantity),
		Status:    convertBinanceStatus(res.Status),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels one order by id.
func (b *Binance) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	if err := b.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, fmt.Errorf("bad order id %q: %w", id, err)
	}
	_, err = b.spot.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", id, err)
	}
	return true, nil
}

// GetOrder fetches one order's live state.
func (b *Binance) GetOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return types.Order{}, fmt.Errorf("bad order id %q: %w", id, err)
	}
	res, err := b.spot.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}

	side := types.BUY
	if res.Side == binance.SideTypeSell {
		side = types.SELL
	}
	filled := parseF(res.ExecutedQuantity)
	avg := parseF(res.Price)
	if cumQuote := parseF(res.CummulativeQuoteQuantity); filled > 0 && cumQuote > 0 {
		avg = cumQuote / filled
	}
	return types.Order{
		ID:       id,
		Venue:    types.VenueBinanceUS,
		Symbol:   symbol,
		Side:     side,
		Price:    parseF(res.Price),
		Amount:   parseF(res.OrigQuantity),
		Filled:   filled,
		AvgPrice: avg,
		Status:   convertBinanceStatus(res.Status),
	}, nil
}

// GetOpenOrders lists resting orders, optionally filtered by symbol.
func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	svc := b.spot.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		side := types.BUY
		if o.Side == binance.SideTypeSell {
			side = types.SELL
		}
		out = append(out, types.Order{
			ID:     strconv.FormatInt(o.OrderID, 10),
			Venue:  types.VenueBinanceUS,
			Symbol: o.Symbol,
			Side:   side,
			Price:  parseF(o.Price),
			Amount: parseF(o.OrigQuantity),
			Filled: parseF(o.ExecutedQuantity),
			Status: convertBinanceStatus(o.Status),
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Futures (funding) surface
// ————————————————————————————————————————————————————————————————————————

// GetFundingRate returns the current funding state for one perpetual.
func (b *Binance) GetFundingRate(ctx context.Context, symbol string) (types.FundingRate, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return types.FundingRate{}, err
	}

	idx, err := b.futures.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.FundingRate{}, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	if len(idx) == 0 {
		return types.FundingRate{}, fmt.Errorf("premium index %s: empty response", symbol)
	}
	return convertPremiumIndex(idx[0]), nil
}

// GetFundingRates returns funding state for every perpetual.
func (b *Binance) GetFundingRates(ctx context.Context) (map[string]types.FundingRate, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	idx, err := b.futures.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premium index: %w", err)
	}

	out := make(map[string]types.FundingRate, len(idx))
	for _, i := range idx {
		out[i.Symbol] = convertPremiumIndex(i)
	}
	return out, nil
}

// GetFundingRateHistory returns past funding payments for one perpetual.
func (b *Binance) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]types.FundingRate, error) {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	rows, err := b.futures.NewFundingRateService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("funding history %s: %w", symbol, err)
	}

	out := make([]types.FundingRate, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.FundingRate{
			Symbol:          r.Symbol,
			Rate:            parseF(r.FundingRate),
			IntervalsPerDay: 3,
			NextFundingTime: time.UnixMilli(r.FundingTime),
		})
	}
	return out, nil
}

// SetLeverage sets the leverage for one perpetual.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.rl.Misc.Wait(ctx); err != nil {
		return err
	}
	_, err := b.futures.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	return nil
}

func convertPremiumIndex(i *futures.PremiumIndex) types.FundingRate {
	return types.FundingRate{
		Symbol:          i.Symbol,
		Rate:            parseF(i.LastFundingRate),
		IntervalsPerDay: 3,
		NextFundingTime: time.UnixMilli(i.NextFundingTime),
		MarkPrice:       parseF(i.MarkPrice),
		IndexPrice:      parseF(i.IndexPrice),
	}
}

func convertBinanceStatus(s binance.OrderStatusType) types.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return types.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		return types.OrderPartial
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return types.OrderCancelled
	case binance.OrderStatusTypeRejected:
		return types.OrderFailed
	default:
		return types.OrderSubmitted
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
