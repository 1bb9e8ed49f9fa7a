package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"polybot/internal/config"
	"polybot/internal/market"
	"polybot/pkg/types"
)

const (
	kalshiBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
	kalshiWSURL   = "wss://api.elections.kalshi.com/trade-api/ws/v2"
)

// Kalshi is the Kalshi exchange client. Requests are authenticated with an
// API key id plus an RSA-PSS signature over timestamp || method || path,
// base64-encoded and sent alongside the timestamp header.
type Kalshi struct {
	http       *resty.Client
	apiKey     string
	privateKey *rsa.PrivateKey
	rl         *RateLimiter
	books      *market.Cache
	logger     *slog.Logger

	subMu      sync.Mutex
	subscribed []string
	feedOnce   sync.Once
}

// NewKalshi builds a client from the tenant's credentials. The private key
// may be inline PEM or a file path.
func NewKalshi(creds config.VenueCredentials, logger *slog.Logger) (*Kalshi, error) {
	pemData := []byte(creds.PrivateKey)
	if creds.PrivateKey == "" && creds.PrivateKeyPath != "" {
		data, err := os.ReadFile(creds.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read kalshi key file: %w", err)
		}
		pemData = data
	}

	key, err := parseRSAPrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("parse kalshi key: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(kalshiBaseURL).
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

	return &Kalshi{
		http:       httpClient,
		apiKey:     creds.APIKey,
		privateKey: key,
		rl:         NewRateLimiter(),
		books:      market.NewCache(types.VenueKalshi),
		logger:     logger.With("component", "kalshi"),
	}, nil
}

func parseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key")
	}
	return key, nil
}

// Name implements Venue.
func (k *Kalshi) Name() types.Venue { return types.VenueKalshi }

// authHeaders signs timestamp || method || path with RSA-PSS.
func (k *Kalshi) authHeaders(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := timestamp + method + path

	hashed := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, k.privateKey, crypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       k.apiKey,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
	}, nil
}

func (k *Kalshi) get(ctx context.Context, path string, query map[string]string, result any) error {
	headers, err := k.authHeaders("GET", "/trade-api/v2"+path)
	if err != nil {
		return err
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(query).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("GET %s: status 401: %s", path, resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// kalshiMarket is the JSON shape of one market row.
type kalshiMarket struct {
	Ticker      string  `json:"ticker"`
	EventTicker string  `json:"event_ticker"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	YesAsk      int     `json:"yes_ask"` // cents
	YesBid      int     `json:"yes_bid"`
	NoAsk       int     `json:"no_ask"`
	NoBid       int     `json:"no_bid"`
	Volume24h   int     `json:"volume_24h"`
	Liquidity   float64 `json:"liquidity"`
	CloseTime   string  `json:"close_time"`
}

// ListMarkets pages through open markets. Sibling markets of one event share
// EventID so multi-outcome scanners can group them.
func (k *Kalshi) ListMarkets(ctx context.Context) ([]types.MarketInfo, error) {
	var all []kalshiMarket
	cursor := ""

	for {
		if err := k.rl.Misc.Wait(ctx); err != nil {
			return nil, err
		}
		var page struct {
			Markets []kalshiMarket `json:"markets"`
			Cursor  string         `json:"cursor"`
		}
		query := map[string]string{"limit": "200", "status": "open"}
		if cursor != "" {
			query["cursor"] = cursor
		}
		if err := k.get(ctx, "/markets", query, &page); err != nil {
			return nil, err
		}

		all = append(all, page.Markets...)
		if page.Cursor == "" || len(page.Markets) == 0 {
			break
		}
		cursor = page.Cursor
	}

	eventSizes := make(map[string]int)
	for _, m := range all {
		eventSizes[m.EventTicker]++
	}

	out := make([]types.MarketInfo, 0, len(all))
	for _, m := range all {
		info := types.MarketInfo{
			Venue:       types.VenueKalshi,
			ID:          m.Ticker,
			Title:       m.Title,
			Outcomes:    []string{"Yes", "No"},
			Active:      m.Status == "open" || m.Status == "active",
			Liquidity:   m.Liquidity,
			Volume24h:   float64(m.Volume24h),
			YesTokenID:  m.Ticker,
			NoTokenID:   m.Ticker,
			YesAsk:      float64(m.YesAsk) / 100,
			NoAsk:       float64(m.NoAsk) / 100,
			BestBid:     float64(m.YesBid) / 100,
			BestAsk:     float64(m.YesAsk) / 100,
			EventID:     m.EventTicker,
			OutcomeSize: eventSizes[m.EventTicker],
		}
		if m.CloseTime != "" {
			if end, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
				info.Resolution = end
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// GetOrderBook fetches a market's YES-side book. Kalshi returns cent-priced
// [price, size] pairs per side; they are converted to dollar levels.
func (k *Kalshi) GetOrderBook(ctx context.Context, ticker string, depth int) (types.OrderBookSnapshot, error) {
	if err := k.rl.Book.Wait(ctx); err != nil {
		return types.OrderBookSnapshot{}, err
	}

	var result struct {
		Orderbook struct {
			Yes [][]float64 `json:"yes"`
			No  [][]float64 `json:"no"`
		} `json:"orderbook"`
	}
	query := map[string]string{}
	if depth > 0 {
		query["depth"] = strconv.Itoa(depth)
	}
	if err := k.get(ctx, "/markets/"+ticker+"/orderbook", query, &result); err != nil {
		return types.OrderBookSnapshot{}, err
	}

	// Kalshi books list resting YES bids and NO bids. A NO bid at price p is
	// equivalent to a YES ask at 1−p.
	bids := make([]types.PriceLevel, 0, len(result.Orderbook.Yes))
	for _, lvl := range result.Orderbook.Yes {
		if len(lvl) < 2 {
			continue
		}
		bids = append(bids, centsLevel(lvl[0], lvl[1]))
	}
	asks := make([]types.PriceLevel, 0, len(result.Orderbook.No))
	for _, lvl := range result.Orderbook.No {
		if len(lvl) < 2 {
			continue
		}
		asks = append(asks, centsLevel(100-lvl[0], lvl[1]))
	}

	k.books.ApplySnapshot(ticker, ticker, bids, asks, time.Now())
	snap, _ := k.books.Snapshot(ticker)
	return snap, nil
}

func centsLevel(cents, size float64) types.PriceLevel {
	return types.PriceLevel{
		Price: strconv.FormatFloat(cents/100, 'f', 2, 64),
		Size:  strconv.FormatFloat(size, 'f', 0, 64),
	}
}

// Subscribe opens the order book stream for the given tickers, starting the
// stream task on first use.
func (k *Kalshi) Subscribe(ctx context.Context, tickers []string) error {
	k.subMu.Lock()
	k.subscribed = append(k.subscribed, tickers...)
	k.subMu.Unlock()

	k.feedOnce.Do(func() {
		go k.streamBooks(ctx)
	})
	return nil
}

// BookSnapshot returns the cached book for a ticker.
func (k *Kalshi) BookSnapshot(ticker string) (types.OrderBookSnapshot, bool) {
	return k.books.Snapshot(ticker)
}

// streamBooks maintains the WS connection, applying orderbook_snapshot and
// orderbook_delta frames to the cache. Reconnects with bounded backoff and
// replays the subscription list.
func (k *Kalshi) streamBooks(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := k.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		k.logger.Warn("kalshi stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (k *Kalshi) streamOnce(ctx context.Context) error {
	headers, err := k.authHeaders("GET", "/trade-api/ws/v2")
	if err != nil {
		return err
	}
	h := http.Header{}
	for key, val := range headers {
		h.Set(key, val)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, kalshiWSURL, h)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	k.subMu.Lock()
	tickers := append([]string(nil), k.subscribed...)
	k.subMu.Unlock()

	sub := map[string]any{
		"id":  1,
		"cmd": "subscribe",
		"params": map[string]any{
			"channels":       []string{"orderbook_delta"},
			"market_tickers": tickers,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	k.logger.Info("kalshi stream connected", "markets", len(tickers))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		k.dispatchFrame(data)
	}
}

func (k *Kalshi) dispatchFrame(data []byte) {
	var frame struct {
		Type string `json:"type"`
		Msg  struct {
			MarketTicker string      `json:"market_ticker"`
			Yes          [][]float64 `json:"yes"`
			No           [][]float64 `json:"no"`
			Price        float64     `json:"price"`
			Delta        float64     `json:"delta"`
			Side         string      `json:"side"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		k.logger.Debug("ignoring non-json ws frame")
		return
	}

	switch frame.Type {
	case "orderbook_snapshot":
		bids := make([]types.PriceLevel, 0, len(frame.Msg.Yes))
		for _, lvl := range frame.Msg.Yes {
			if len(lvl) >= 2 {
				bids = append(bids, centsLevel(lvl[0], lvl[1]))
			}
		}
		asks := make([]types.PriceLevel, 0, len(frame.Msg.No))
		for _, lvl := range frame.Msg.No {
			if len(lvl) >= 2 {
				asks = append(asks, centsLevel(100-lvl[0], lvl[1]))
			}
		}
		k.books.ApplySnapshot(frame.Msg.MarketTicker, frame.Msg.MarketTicker, bids, asks, time.Now())

	case "orderbook_delta":
		snap, ok := k.books.Snapshot(frame.Msg.MarketTicker)
		if !ok {
			return
		}
		side := types.BUY
		price := frame.Msg.Price / 100
		if frame.Msg.Side == "no" {
			side = types.SELL
			price = (100 - frame.Msg.Price) / 100
		}
		// Deltas are additive on the resting size at the level.
		current := 0.0
		levelsOf := snap.Bids
		if side == types.SELL {
			levelsOf = snap.Asks
		}
		target := strconv.FormatFloat(price, 'f', 2, 64)
		for _, lvl := range levelsOf {
			if lvl.Price == target {
				current, _ = strconv.ParseFloat(lvl.Size, 64)
				break
			}
		}
		newSize := current + frame.Msg.Delta
		if newSize < 0 {
			newSize = 0
		}
		k.books.ApplyDelta(frame.Msg.MarketTicker, side, target,
			strconv.FormatFloat(newSize, 'f', 0, 64), time.Now())
	}
}

// GetTicker derives a ticker from the market row.
func (k *Kalshi) GetTicker(ctx context.Context, ticker string) (types.Ticker, error) {
	if err := k.rl.Misc.Wait(ctx); err != nil {
		return types.Ticker{}, err
	}

	var result struct {
		Market kalshiMarket `json:"market"`
	}
	if err := k.get(ctx, "/markets/"+ticker, nil, &result); err != nil {
		return types.Ticker{}, err
	}

	return types.Ticker{
		Symbol:    ticker,
		Bid:       float64(result.Market.YesBid) / 100,
		Ask:       float64(result.Market.YesAsk) / 100,
		Volume24h: float64(result.Market.Volume24h),
		Timestamp: time.Now(),
	}, nil
}

// GetTickers fetches tickers for several markets.
func (k *Kalshi) GetTickers(ctx context.Context, tickers []string) (map[string]types.Ticker, error) {
	out := make(map[string]types.Ticker, len(tickers))
	for _, t := range tickers {
		tk, err := k.GetTicker(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = tk
	}
	return out, nil
}

// GetOHLCV is not served by the trade API.
func (k *Kalshi) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]types.Candle, error) {
	return nil, ErrNotSupported
}

// GetBalance returns the account's cash balance in dollars.
func (k *Kalshi) GetBalance(ctx context.Context, asset string) (map[string]types.AssetBalance, error) {
	if err := k.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Balance int64 `json:"balance"` // cents
	}
	if err := k.get(ctx, "/portfolio/balance", nil, &result); err != nil {
		return nil, err
	}

	usd := float64(result.Balance) / 100
	return map[string]types.AssetBalance{
		"USD": {Asset: "USD", Free: usd, Total: usd},
	}, nil
}

// GetPositions returns open market positions.
func (k *Kalshi) GetPositions(ctx context.Context, symbol string) ([]types.Position, error) {
	if err := k.rl.Misc.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		MarketPositions []struct {
			Ticker        string `json:"ticker"`
			Position      int    `json:"position"` // signed contracts, + = yes
			MarketExposed int64  `json:"market_exposure"`
		} `json:"market_positions"`
	}
	if err := k.get(ctx, "/portfolio/positions", nil, &result); err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(result.MarketPositions))
	for _, pos := range result.MarketPositions {
		if symbol != "" && pos.Ticker != symbol {
			continue
		}
		side := types.BUY
		size := float64(pos.Position)
		if size < 0 {
			side = types.SELL
			size = -size
		}
		out = append(out, types.Position{
			Venue:  types.VenueKalshi,
			Symbol: pos.Ticker,
			Side:   side,
			Size:   size,
		})
	}
	return out, nil
}

// CreateOrder places an order. Amount is in contracts; price in dollars.
func (k *Kalshi) CreateOrder(ctx context.Context, ticker string, side types.Side, orderType types.OrderType, amount, price float64, params map[string]any) (types.Order, error) {
	if err := k.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	action := "buy"
	if side == types.SELL {
		action = "sell"
	}
	body := map[string]any{
		"ticker":          ticker,
		"action":          action,
		"side":            "yes",
		"count":           int(amount),
		"type":            "limit",
		"yes_price":       int(price * 100),
		"client_order_id": fmt.Sprintf("pb-%d", time.Now().UnixNano()),
	}
	if orderType == types.OrderTypeMarket {
		body["type"] = "market"
		delete(body, "yes_price")
	}
	if outcome, ok := params["outcome"].(string); ok && outcome == "no" {
		body["side"] = "no"
		if orderType != types.OrderTypeMarket {
			delete(body, "yes_price")
			body["no_price"] = int(price * 100)
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return types.Order{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := k.authHeaders("POST", "/trade-api/v2/portfolio/orders")
	if err != nil {
		return types.Order{}, err
	}

	var result struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(raw)).
		SetResult(&result).
		Post("/portfolio/orders")
	if err != nil {
		return types.Order{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return types.Order{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}

	status := types.OrderSubmitted
	if result.Order.Status == "executed" {
		status = types.OrderFilled
	}
	return types.Order{
		ID:        result.Order.OrderID,
		Venue:     types.VenueKalshi,
		Symbol:    ticker,
		Side:      side,
		Type:      orderType,
		Price:     price,
		Amount:    amount,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels one order by id.
func (k *Kalshi) CancelOrder(ctx context.Context, id, symbol string) (bool, error) {
	if err := k.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	headers, err := k.authHeaders("DELETE", "/trade-api/v2/portfolio/orders/"+id)
	if err != nil {
		return false, err
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/portfolio/orders/" + id)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return resp.StatusCode() == http.StatusOK, nil
}

// GetOrder fetches one order's live state.
func (k *Kalshi) GetOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	var result struct {
		Order struct {
			OrderID     string `json:"order_id"`
			Ticker      string `json:"ticker"`
			Action      string `json:"action"`
			Status      string `json:"status"`
			YesPrice    int    `json:"yes_price"`
			Count       int    `json:"count"`
			FilledCount int    `json:"filled_count"`
		} `json:"order"`
	}
	if err := k.get(ctx, "/portfolio/orders/"+id, nil, &result); err != nil {
		return types.Order{}, err
	}

	o := result.Order
	side := types.BUY
	if o.Action == "sell" {
		side = types.SELL
	}
	order := types.Order{
		ID:       o.OrderID,
		Venue:    types.VenueKalshi,
		Symbol:   o.Ticker,
		Side:     side,
		Price:    float64(o.YesPrice) / 100,
		Amount:   float64(o.Count),
		Filled:   float64(o.FilledCount),
		AvgPrice: float64(o.YesPrice) / 100,
	}
	switch o.Status {
	case "executed":
		order.Status = types.OrderFilled
	case "canceled":
		if o.FilledCount > 0 {
			order.Status = types.OrderPartial
		} else {
			order.Status = types.OrderCancelled
		}
	default:
		order.Status = types.OrderSubmitted
	}
	return order, nil
}

// GetOpenOrders lists resting orders, optionally filtered by ticker.
func (k *Kalshi) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	var result struct {
		Orders []struct {
			OrderID  string `json:"order_id"`
			Ticker   string `json:"ticker"`
			Action   string `json:"action"`
			YesPrice int    `json:"yes_price"`
			Count    int    `json:"count"`
		} `json:"orders"`
	}
	query := map[string]string{"status": "resting"}
	if symbol != "" {
		query["ticker"] = symbol
	}
	if err := k.get(ctx, "/portfolio/orders", query, &result); err != nil {
		return nil, err
	}

	out := make([]types.Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		side := types.BUY
		if o.Action == "sell" {
			side = types.SELL
		}
		out = append(out, types.Order{
			ID:     o.OrderID,
			Venue:  types.VenueKalshi,
			Symbol: o.Ticker,
			Side:   side,
			Price:  float64(o.YesPrice) / 100,
			Amount: float64(o.Count),
			Status: types.OrderSubmitted,
		})
	}
	return out, nil
}
