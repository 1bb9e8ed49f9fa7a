package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polybot/internal/config"
	"polybot/internal/market"
	"polybot/pkg/types"
)

const (
	polymarketCLOBURL  = "https://clob.polymarket.com"
	polymarketGammaURL = "https://gamma-api.polymarket.com"
	polymarketWSURL    = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	polymarketDataURL  = "https://data-api.polymarket.com"
)

// Polymarket is the Polymarket CLOB client. It exposes the venue-neutral
// trading surface plus the prediction-market extensions: Gamma market
// discovery and a WebSocket-fed order book cache.
type Polymarket struct {
	clob   *resty.Client
	gamma  *resty.Client
	data   *resty.Client
	auth   *polymarketAuth
	rl     *RateLimiter
	feed   *WSFeed
	books  *market.Cache
	logger *slog.Logger

	feedOnce sync.Once
}

// NewPolymarket builds a client with the tenant's credentials. The WS feed
// starts lazily on the first Subscribe.
func NewPolymarket(creds config.VenueCredentials, logger *slog.Logger) (*Polymarket, error) {
	auth, err := newPolymarketAuth(creds)
	if err != nil {
		return nil, fmt.Errorf("polymarket auth: %w", err)
	}

	newREST := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
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
			SetHeader("Content-Type", "application/json")
	}

	logger = logger.With("component", "polymarket")
	return &Polymarket{
		clob:   newREST(polymarketCLOBURL),
		gamma:  newREST(polymarketGammaURL),
		data:   newREST(polymarketDataURL),
		auth:   auth,
		rl:     NewRateLimiter(),
		feed:   NewWSFeed(polymarketWSURL, logger),
		books:  market.NewCache(types.VenuePolymarket),
		logger: logger,
	}, nil
}

// Name implements Venue.
func (p *Polymarket) Name() types.Venue { return types.VenuePolymarket }

// EnsureCredentials derives L2 API credentials via L1 auth when the tenant
// supplied only a private key.
func (p *Polymarket) EnsureCredentials(ctx context.Context) error {
	if p.auth.hasL2Credentials() {
		return nil
	}

	headers, err := p.auth.l1Headers(0)
	if err != nil {
		return fmt.Errorf("l1 headers: %w", err)
	}

	var creds PolymarketCredentials
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	p.auth.setCredentials(creds)
	p.logger.Info("API key derived", "api_key", creds.ApiKey)
	return nil
}

// gammaMarket is the JSON shape returned by the Gamma API.
type gammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EndDate         string  `json:"endDate"`
	Liquidity       string  `json:"liquidity"`
	Volume24hr      float64 `json:"volume24hr"`
	Outcomes        string  `json:"outcomes"`
	OutcomePrices   string  `json:"outcomePrices"`
	ClobTokenIds    string  `json:"clobTokenIds"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
	Events          []struct {
		ID string `json:"id"`
	} `json:"events"`
}

// ListMarkets pages through the Gamma API and returns active binary markets.
// Sibling outcome markets of one event share EventID; OutcomeSize is filled
// in by a second pass so multi-outcome arb scanners can weight by it.
func (p *Polymarket) ListMarkets(ctx context.Context) ([]types.MarketInfo, error) {
	var all []gammaMarket
	offset, limit := 0, 100

	for {
		if err := p.rl.Misc.Wait(ctx); err != nil {
			return nil, err
		}
		var page []gammaMarket
		resp, err := p.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("fetch markets page %d: %w", offset, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	eventSizes := make(map[string]int)
	for _, gm := range all {
		if len(gm.Events) > 0 {
			eventSizes[gm.Events[0].ID]++
		}
	}

	out := make([]types.MarketInfo, 0, len(all))
	for _, gm := range all {
		info := convertGammaMarket(gm)
		if info.EventID != "" {
			info.OutcomeSize = eventSizes[info.EventID]
		}
		out = append(out, info)
	}
	return out, nil
}

func convertGammaMarket(gm gammaMarket) types.MarketInfo {
	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)

	var tokenIDs, outcomes []string
	_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	_ = json.Unmarshal([]byte(gm.Outcomes), &outcomes)

	var prices []string
	_ = json.Unmarshal([]byte(gm.OutcomePrices), &prices)

	info := types.MarketInfo{
		Venue:     types.VenuePolymarket,
		ID:        gm.ConditionID,
		Title:     gm.Question,
		Outcomes:  outcomes,
		Active:    gm.Active && !gm.Closed && gm.AcceptingOrders,
		Liquidity: liquidity,
		Volume24h: gm.Volume24hr,
		BestBid:   gm.BestBid,
		BestAsk:   gm.BestAsk,
	}
	if len(tokenIDs) >= 2 {
		info.YesTokenID = tokenIDs[0]
		info.NoTokenID = tokenIDs[1]
	}
	// Outcome prices arrive as last-trade marks; the YES/NO asks come from
	// the book, but the Gamma marks are good enough for first-pass scoring.
	if len(prices) >= 2 {
		yes, _ := strconv.ParseFloat(prices[0], 64)
		no, _ := strconv.ParseFloat(prices[1], 64)
		info.YesAsk = yes
		info.NoAsk = no
	}
	if gm.EndDate != "" {
		if end, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			info.Resolution = end
		}
	}
	if len(gm.Events) > 0 {
		info.EventID = gm.Events[0].ID
	}
	return info
}

// Subscribe registers token ids on the WS feed, starting the stream task on
// first use. The stream task is the cache's single writer.
func (p *Polymarket) Subscribe(ctx context.Context, assetIDs []string) error {
	p.startFeed(ctx)
	return p.feed.Subscribe(assetIDs)
}

func (p *Polymarket) startFeed(ctx context.Context) {
	p.feedOnce.Do(func() { p.runFeed(ctx) })
}

func (p *Polymarket) runFeed(ctx context.Context) {
	go func() {
		if err := p.feed.Run(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("market feed stopped", "error", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-p.feed.BookEvents():
				p.books.ApplySnapshot(evt.AssetID, evt.Market, evt.Buys, evt.Sells, parseMillis(evt.Timestamp))
			case evt := <-p.feed.PriceChangeEvents():
				at := parseMillis(evt.Timestamp)
				for _, pc := range evt.PriceChanges {
					p.books.ApplyDelta(pc.AssetID, types.Side(pc.Side), pc.Price, pc.Size, at)
				}
			}
		}
	}()
}

// BookSnapshot returns the cached book for a token id.
func (p *Polymarket) BookSnapshot(assetID string) (types.OrderBookSnapshot, bool) {
	return p.books.Snapshot(assetID)
}

// bookResponse is the REST response from GET /book.
type bookResponse struct {
	Market    string             `json:"market"`
	AssetID   string             `json:"asset_id"`
	Bids      []types.PriceLevel `json:"bids"`
	Asks      []types.PriceLevel `json:"asks"`
	Timestamp string             `json:"timestamp"`
}

// GetOrderBook fetches the book for a token over REST, seeding the cache.
func (p *Polymarket) GetOrderBook(ctx context.Context, tokenID string, depth int) (types.OrderBookSnapshot, error) {
	if err := p.rl.Book.Wait(ctx); err != nil {
		return types.OrderBookSnapshot{}, err
	}

	var result bookResponse
	resp, err := p.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBookSnapshot{}, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	at := parseMillis(result.Timestamp)
	p.books.ApplySnapshot(result.AssetID, result.Market, result.Bids, result.Asks, at)

	snap, _ := p.books.Snapshot(result.AssetID)
	if depth > 0 {
		if len(snap.Bids) > depth {
			snap.Bids = snap.Bids[:depth]
		}
		if len(snap.Asks) > depth {
			snap.Asks = snap.Asks[:depth]
		}
	}
	return snap, nil
}

// GetTicker derives a ticker from the book for a token id.
func (p *Polymarket) GetTicker(ctx context.Context, tokenID string) (types.Ticker, error) {
	snap, ok := p.books.Snapshot(tokenID)
	if !ok || p.books.IsStale(tokenID, 30*time.Second) {
		var err error
		snap, err = p.GetOrderBook(ctx, tokenID, 1)
		if err != nil {
			return types.Ticker{}, err
		}
	}

	t := types.Ticker{Symbol: tokenID, Timestamp: snap.Timestamp}
	if bid, _, ok := snap.BestBid(); ok {
		t.Bid = bid
	}
	if ask, _, ok := snap.BestAsk(); ok {
		t.Ask = ask
	}
	return t, nil
}

// GetTickers fetches tickers for several token ids.
func (p *Polymarket) GetTickers(ctx context.Context, tokenIDs []string) (map[string]types.Ticker, error) {
	out := make(map[string]types.Ticker, len(tokenIDs))
	for _, id := range tokenIDs {
		t, err := p.GetTicker(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, nil
}

// GetOHLCV is not served by the CLOB API.
func (p *Polymarket) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	return nil, ErrNotSupported
}

// GetBalance returns the wallet's USDC balance from the data API.
func (p *Polymarket) GetBalance(ctx context.Context, asset string) (map[string]types.AssetBalance, error) {
	if err := p.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := p.data.R().
		SetContext(ctx).
		SetQueryParam("user", p.auth.funderAddress.Hex()).
		SetResult(&result).
		Get("/balance")
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("get balance: status 401: %s", resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balance: status %d", resp.StatusCode())
	}

	usdc, _ := decimal.NewFromString(result.Balance)
	free := usdc.Div(decimal.NewFromInt(1_000_000)).InexactFloat64() // 6-decimal USDC units
	return map[string]types.AssetBalance{
		"USDC": {Asset: "USDC", Free: free, Total: free},
	}, nil
}

// GetPositions returns open outcome-token positions from the data API.
func (p *Polymarket) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := p.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		Asset    string  `json:"asset"`
		Size     float64 `json:"size"`
		AvgPrice float64 `json:"avgPrice"`
		CurPrice float64 `json:"curPrice"`
		CashPnL  float64 `json:"cashPnl"`
	}
	resp, err := p.data.R().
		SetContext(ctx).
		SetQueryParam("user", p.auth.funderAddress.Hex()).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d", resp.StatusCode())
	}

	out := make([]types.Position, 0, len(result))
	for _, pos := range result {
		if symbol != "" && pos.Asset != symbol {
			continue
		}
		out = append(out, types.Position{
			Venue:      types.VenuePolymarket,
			Symbol:     pos.Asset,
			Side:       types.BUY,
			Size:       pos.Size,
			EntryPrice: pos.AvgPrice,
			MarkPrice:  pos.CurPrice,
			PnL:        pos.CashPnL,
		})
	}
	return out, nil
}

// orderRequest is the simplified CLOB order placement body.
type orderRequest struct {
	TokenID string `json:"tokenID"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Type    string `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// CreateOrder places a limit or market order for an outcome token.
func (p *Polymarket) CreateOrder(ctx context.Context, tokenID string, side types.Side, orderType types.OrderType, amount, price float64, params map[string]any) (types.Order, error) {
	if err := p.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	req := orderRequest{
		TokenID: tokenID,
		Price:   decimal.NewFromFloat(price).StringFixed(3),
		Size:    decimal.NewFromFloat(amount).StringFixed(2),
		Side:    string(side),
		Type:    string(types.OrderTypeGTC),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return types.Order{}, fmt.Errorf("marshal order: %w", err)
	}

	headers, err := p.auth.l2Headers("POST", "/order", string(body))
	if err != nil {
		return types.Order{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return types.Order{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return types.Order{}, fmt.Errorf("order rejected: %s", result.ErrorMsg)
	}

	status := types.OrderSubmitted
	if result.Status == "matched" {
		status = types.OrderFilled
	}
	return types.Order{
		ID:        result.OrderID,
		Venue:     types.VenuePolymarket,
		Symbol:    tokenID,
		Side:      side,
		Type:      orderType,
		Price:     price,
		Amount:    amount,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels one order by id.
func (p *Polymarket) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	if err := p.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	body := fmt.Sprintf(`{"orderID":"%s"}`, id)
	headers, err := p.auth.l2Headers("DELETE", "/order", body)
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Canceled []string `json:"canceled"`
	}
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return len(result.Canceled) > 0, nil
}

// GetOrder fetches one order's live state.
func (p *Polymarket) GetOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	if err := p.rl.Misc.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	headers, err := p.auth.l2Headers("GET", "/data/order/"+id, "")
	if err != nil {
		return types.Order{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		AssetID      string `json:"asset_id"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		OriginalSize string `json:"original_size"`
		SizeMatched  string `json:"size_matched"`
	}
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/order/" + id)
	if err != nil {
		return types.Order{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, fmt.Errorf("get order: status %d", resp.StatusCode())
	}

	price, _ := strconv.ParseFloat(result.Price, 64)
	size, _ := strconv.ParseFloat(result.OriginalSize, 64)
	matched, _ := strconv.ParseFloat(result.SizeMatched, 64)

	order := types.Order{
		ID:       result.ID,
		Venue:    types.VenuePolymarket,
		Symbol:   result.AssetID,
		Side:     types.Side(result.Side),
		Price:    price,
		Amount:   size,
		Filled:   matched,
		AvgPrice: price,
	}
	switch {
	case result.Status == "matched" || matched >= size && size > 0:
		order.Status = types.OrderFilled
	case result.Status == "cancelled" && matched > 0:
		order.Status = types.OrderPartial
	case result.Status == "cancelled":
		order.Status = types.OrderCancelled
	default:
		order.Status = types.OrderSubmitted
	}
	return order, nil
}

// GetOpenOrders lists resting orders, optionally filtered by token id.
func (p *Polymarket) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := p.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := p.auth.l2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []struct {
		ID           string `json:"id"`
		AssetID      string `json:"asset_id"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		OriginalSize string `json:"original_size"`
		SizeMatched  string `json:"size_matched"`
	}
	resp, err := p.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d", resp.StatusCode())
	}

	out := make([]types.Order, 0, len(result))
	for _, o := range result {
		if symbol != "" && o.AssetID != symbol {
			continue
		}
		price, _ := strconv.ParseFloat(o.Price, 64)
		size, _ := strconv.ParseFloat(o.OriginalSize, 64)
		matched, _ := strconv.ParseFloat(o.SizeMatched, 64)
		out = append(out, types.Order{
			ID:     o.ID,
			Venue:  types.VenuePolymarket,
			Symbol: o.AssetID,
			Side:   types.Side(o.Side),
			Price:  price,
			Amount: size,
			Filled: matched,
			Status: types.OrderSubmitted,
		})
	}
	return out, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
