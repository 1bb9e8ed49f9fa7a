package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polybot/internal/config"
	"polybot/pkg/types"
)

const (
	alpacaTradingURL = "https://paper-api.alpaca.markets"
	alpacaLiveURL    = "https://api.alpaca.markets"
	alpacaDataURL    = "https://data.alpaca.markets"
)

// Alpaca is the stock broker client: trading API for orders and account,
// market-data API for quotes and daily bars. Authentication is the key-id /
// secret header pair.
type Alpaca struct {
	trading *resty.Client
	data    *resty.Client
	rl      *RateLimiter
	logger  *slog.Logger
}

// NewAlpaca builds a client with the tenant's key pair. Live toggles the
// real-money trading host; the data host is shared.
func NewAlpaca(creds config.VenueCredentials, live bool, logger *slog.Logger) *Alpaca {
	base := alpacaTradingURL
	if live {
		base = alpacaLiveURL
	}

	newREST := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(restTimeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			}).
			SetHeader("APCA-API-KEY-ID", creds.APIKey).
			SetHeader("APCA-API-SECRET-KEY", creds.Secret)
	}

	return &Alpaca{
		trading: newREST(base),
		data:    newREST(alpacaDataURL),
		rl:      NewRateLimiter(),
		logger:  logger.With("component", "alpaca"),
	}
}

// Name implements Venue.
func (a *Alpaca) Name() types.Venue { return types.VenueAlpaca }

// GetTicker returns the latest quote for one symbol.
func (a *Alpaca) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if err := a.rl.Misc.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}

	var result struct {
		Quote struct {
			BidPrice float64 `json:"bp"`
			AskPrice float64 `json:"ap"`
			Time     string  `json:"t"`
		} `json:"quote"`
	}
	resp, err := a.data.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/stocks/" + symbol + "/quotes/latest")
	if err != nil {
		return types.Ticker{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Ticker{}, fmt.Errorf("quote %s: status %d", symbol, resp.StatusCode())
	}

	t := types.Ticker{
		Symbol:    symbol,
		Bid:       result.Quote.BidPrice,
		Ask:       result.Quote.AskPrice,
		Timestamp: time.Now(),
	}
	if ts, err := time.Parse(time.RFC3339, result.Quote.Time); err == nil {
		t.Timestamp = ts
	}
	return t, nil
}

// GetTickers fetches quotes for several symbols.
func (a *Alpaca) GetTickers(ctx context.Context, symbols []string) (map[string]types.Ticker, error) {
	out := make(map[string]types.Ticker, len(symbols))
	for _, s := range symbols {
		t, err := a.GetTicker(ctx, s)
		if err != nil {
			return nil, err
		}
		out[s] = t
	}
	return out, nil
}

// GetOrderBook is not exposed by the retail data API.
func (a *Alpaca) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{}, ErrNotSupported
}

// GetOHLCV fetches daily or intraday bars. Timeframe maps to the data API
// notation (1Day, 1Hour, 1Min).
func (a *Alpaca) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	if err := a.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Bars []struct {
			Time   string  `json:"t"`
			Open   float64 `json:"o"`
			High   float64 `json:"h"`
			Low    float64 `json:"l"`
			Close  float64 `json:"c"`
			Volume float64 `json:"v"`
		} `json:"bars"`
	}
	resp, err := a.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"timeframe": timeframe,
			"limit":     strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/v2/stocks/" + symbol + "/bars")
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("bars %s: status %d", symbol, resp.StatusCode())
	}

	out := make([]types.Candle, 0, len(result.Bars))
	for _, bar := range result.Bars {
		c := types.Candle{
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		}
		if ts, err := time.Parse(time.RFC3339, bar.Time); err == nil {
			c.Timestamp = ts.UnixMilli()
		}
		out = append(out, c)
	}
	return out, nil
}

// GetBalance returns the account's cash and equity.
func (a *Alpaca) GetBalance(ctx context.Context, asset string) (map[string]types.AssetBalance, error) {
	if err := a.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Cash   string `json:"cash"`
		Equity string `json:"equity"`
	}
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/account")
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("account: status 401: %s", resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("account: status %d", resp.StatusCode())
	}

	cash := parseF(result.Cash)
	equity := parseF(result.Equity)
	return map[string]types.AssetBalance{
		"USD": {Asset: "USD", Free: cash, Locked: equity - cash, Total: equity},
	}, nil
}

// GetPositions returns open stock positions.
func (a *Alpaca) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := a.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		Symbol        string `json:"symbol"`
		Qty           string `json:"qty"`
		Side          string `json:"side"`
		AvgEntryPrice string `json:"avg_entry_price"`
		CurrentPrice  string `json:"current_price"`
		UnrealizedPL  string `json:"unrealized_pl"`
	}
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("positions: status %d", resp.StatusCode())
	}

	out := make([]types.Position, 0, len(result))
	for _, pos := range result {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		side := types.BUY
		if pos.Side == "short" {
			side = types.SELL
		}
		out = append(out, types.Position{
			Venue:      types.VenueAlpaca,
			Symbol:     pos.Symbol,
			Side:       side,
			Size:       parseF(pos.Qty),
			EntryPrice: parseF(pos.AvgEntryPrice),
			MarkPrice:  parseF(pos.CurrentPrice),
			PnL:        parseF(pos.UnrealizedPL),
		})
	}
	return out, nil
}

// CreateOrder places a stock order. Amount is shares.
func (a *Alpaca) CreateOrder(ctx context.Context, symbol string, side types.Side, orderType types.OrderType, amount, price float64, params map[string]any) (types.Order, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	body := map[string]any{
		"symbol":        symbol,
		"qty":           strconv.FormatFloat(amount, 'f', -1, 64),
		"side":          "buy",
		"type":          "market",
		"time_in_force": "day",
	}
	if side == types.SELL {
		body["side"] = "sell"
	}
	if orderType == types.OrderTypeLimit {
		body["type"] = "limit"
		body["limit_price"] = strconv.FormatFloat(price, 'f', 2, 64)
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	resp, err := a.trading.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v2/orders")
	if err != nil {
		return types.Order{}, fmt.Errorf("create order %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return types.Order{}, fmt.Errorf("create order %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	return types.Order{
		ID:        result.ID,
		Venue:     types.VenueAlpaca,
		Symbol:    symbol,
		Side:      side,
		Type:      orderType,
		Price:     price,
		Amount:    amount,
		Status:    convertAlpacaStatus(result.Status),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels one order by id.
func (a *Alpaca) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	resp, err := a.trading.R().
		SetContext(ctx).
		Delete("/v2/orders/" + id)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", id, err)
	}
	return resp.StatusCode() == http.StatusNoContent, nil
}

// GetOrder fetches one order's live state.
func (a *Alpaca) GetOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	if err := a.rl.Misc.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	var result struct {
		ID             string `json:"id"`
		Symbol         string `json:"symbol"`
		Side           string `json:"side"`
		Qty            string `json:"qty"`
		FilledQty      string `json:"filled_qty"`
		FilledAvgPrice string `json:"filled_avg_price"`
		LimitPrice     string `json:"limit_price"`
		Status         string `json:"status"`
	}
	resp, err := a.trading.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/orders/" + id)
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, fmt.Errorf("get order %s: status %d", id, resp.StatusCode())
	}

	side := types.BUY
	if result.Side == "sell" {
		side = types.SELL
	}
	return types.Order{
		ID:       result.ID,
		Venue:    types.VenueAlpaca,
		Symbol:   result.Symbol,
		Side:     side,
		Price:    parseF(result.LimitPrice),
		Amount:   parseF(result.Qty),
		Filled:   parseF(result.FilledQty),
		AvgPrice: parseF(result.FilledAvgPrice),
		Status:   convertAlpacaStatus(result.Status),
	}, nil
}

// GetOpenOrders lists open orders, optionally filtered by symbol.
func (a *Alpaca) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := a.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		ID         string `json:"id"`
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Qty        string `json:"qty"`
		LimitPrice string `json:"limit_price"`
		Status     string `json:"status"`
	}
	req := a.trading.R().SetContext(ctx).SetResult(&result).SetQueryParam("status", "open")
	if symbol != "" {
		req = req.SetQueryParam("symbols", symbol)
	}
	resp, err := req.Get("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open orders: status %d", resp.StatusCode())
	}

	out := make([]types.Order, 0, len(result))
	for _, o := range result {
		side := types.BUY
		if o.Side == "sell" {
			side = types.SELL
		}
		out = append(out, types.Order{
			ID:     o.ID,
			Venue:  types.VenueAlpaca,
			Symbol: o.Symbol,
			Side:   side,
			Price:  parseF(o.LimitPrice),
			Amount: parseF(o.Qty),
			Status: convertAlpacaStatus(o.Status),
		})
	}
	return out, nil
}

func convertAlpacaStatus(s string) types.OrderStatus {
	switch s {
	case "filled":
		return types.OrderFilled
	case "partially_filled":
		return types.OrderPartial
	case "canceled", "expired", "done_for_day":
		return types.OrderCancelled
	case "rejected":
		return types.OrderFailed
	default:
		return types.OrderSubmitted
	}
}
