package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

const leaderboardURL = "https://data-api.polymarket.com"

// CopyTrade follows profitable wallets discovered from the public
// leaderboard. Whales are promoted by tier from rolling volume, win rate and
// trade count; new BUY trades by a tracked whale become copy signals, scaled
// by the copy multiplier and aborted when the market has already moved past
// the slippage budget.
type CopyTrade struct {
	base
	http    *resty.Client
	venue   exchange.PredictionVenue
	balance func() float64 // current balance for sizing caps

	mu       sync.Mutex
	lastSeen map[string]time.Time // whale address → newest trade handled
}

// NewCopyTrade builds the copy-trading scanner.
func NewCopyTrade(venue exchange.PredictionVenue, balance func() float64, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *CopyTrade {
	httpClient := resty.New().
		SetBaseURL(leaderboardURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &CopyTrade{
		base:     newBase("copy_trade", cfg, st, sink, logger),
		http:     httpClient,
		venue:    venue,
		balance:  balance,
		lastSeen: make(map[string]time.Time),
	}
}

// Name implements Scanner.
func (s *CopyTrade) Name() string { return s.name }

// Run implements Scanner.
func (s *CopyTrade) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().CopyTrading.ScanInterval
	}, s.scan)
}

func (s *CopyTrade) scan(ctx context.Context) {
	snap := s.cfg.Snapshot()
	if !snap.CopyTrading.Enabled {
		return
	}

	if err := s.refreshLeaderboard(ctx); err != nil {
		s.logger.Warn("leaderboard refresh failed", "error", err)
	}

	whales, err := s.store.TrackedWhales()
	if err != nil {
		s.logger.Error("load whales failed", "error", err)
		return
	}

	for _, w := range whales {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.pollWhale(ctx, w, snap.CopyTrading)
	}
	s.logger.Info("scan complete", "whales", len(whales))
}

type leaderboardEntry struct {
	Address    string  `json:"proxyWallet"`
	Name       string  `json:"name"`
	VolumeUSD  float64 `json:"amount"`
	TradeCount int     `json:"traded"`
	WinRate    float64 `json:"winRate"` // 0..1
}

// refreshLeaderboard pulls the venue's volume leaderboard and reclassifies
// each wallet's tier.
func (s *CopyTrade) refreshLeaderboard(ctx context.Context) error {
	var entries []leaderboardEntry
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"window": "30d", "limit": "50", "rankType": "vol"}).
		SetResult(&entries).
		Get("/leaderboard")
	if err != nil {
		return fmt.Errorf("fetch leaderboard: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch leaderboard: status %d", resp.StatusCode())
	}

	known := make(map[string]string)
	if whales, err := s.store.TrackedWhales(); err == nil {
		for _, w := range whales {
			known[w.Address] = w.Tier
		}
	}

	for _, e := range entries {
		if e.Address == "" {
			continue
		}
		tier := ClassifyWhale(e.VolumeUSD, e.WinRate*100, e.TradeCount)
		if prev, ok := known[e.Address]; ok && prev != string(tier) {
			// Tier changed: keep the reclassification history.
			if err := s.store.LogWhalePerformance(store.WhalePerformanceRow{
				WhaleAddress: e.Address,
				Tier:         string(tier),
				PrevTier:     prev,
				WinRatePct:   e.WinRate * 100,
				VolumeUSD:    e.VolumeUSD,
				TradeCount:   e.TradeCount,
			}); err != nil {
				s.logger.Debug("whale performance log failed", "error", err)
			}
		}
		err := s.store.UpsertWhale(store.TrackedWhaleRow{
			Address:    e.Address,
			Name:       e.Name,
			Tier:       string(tier),
			WinRatePct: e.WinRate * 100,
			VolumeUSD:  e.VolumeUSD,
			TradeCount: e.TradeCount,
		})
		if err != nil {
			s.logger.Warn("whale upsert failed", "address", e.Address, "error", err)
		}
	}
	return nil
}

type whaleActivity struct {
	ID        string  `json:"transactionHash"`
	Market    string  `json:"conditionId"`
	Title     string  `json:"title"`
	Side      string  `json:"side"`
	Outcome   string  `json:"outcome"`
	Price     float64 `json:"price"`
	SizeUSD   float64 `json:"usdcSize"`
	Timestamp int64   `json:"timestamp"`
	Asset     string  `json:"asset"`
}

// pollWhale fetches a whale's recent activity and converts fresh BUY trades
// into copy signals.
func (s *CopyTrade) pollWhale(ctx context.Context, w store.TrackedWhaleRow, cfg config.CopyTradingConfig) {
	var trades []whaleActivity
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"user": w.Address, "limit": "20"}).
		SetResult(&trades).
		Get("/trades")
	if err != nil || resp.StatusCode() != http.StatusOK {
		s.logger.Debug("whale activity fetch failed", "address", w.Address, "error", err)
		return
	}

	s.mu.Lock()
	horizon := s.lastSeen[w.Address]
	s.mu.Unlock()
	if horizon.IsZero() {
		// First poll for this whale: anchor the horizon, copy nothing old.
		s.mu.Lock()
		s.lastSeen[w.Address] = time.Now()
		s.mu.Unlock()
		return
	}

	var newest time.Time
	for _, tr := range trades {
		at := time.Unix(tr.Timestamp, 0)
		if at.After(newest) {
			newest = at
		}
		if !at.After(horizon) || tr.Side != "BUY" {
			continue
		}
		s.handleWhaleTrade(ctx, w, tr, cfg)
	}

	if newest.After(horizon) {
		s.mu.Lock()
		s.lastSeen[w.Address] = newest
		s.mu.Unlock()
	}
}

func (s *CopyTrade) handleWhaleTrade(ctx context.Context, w store.TrackedWhaleRow, tr whaleActivity, cfg config.CopyTradingConfig) {
	if err := s.store.LogWhaleTrade(store.WhaleTradeRow{
		ID:           tr.ID,
		WhaleAddress: w.Address,
		MarketID:     tr.Market,
		Side:         tr.Side,
		Outcome:      tr.Outcome,
		Price:        tr.Price,
		SizeUSD:      tr.SizeUSD,
		DetectedAt:   time.Unix(tr.Timestamp, 0),
	}); err != nil {
		s.logger.Debug("whale trade log failed", "error", err)
	}

	size, ok, reason := CopySize(tr.SizeUSD, s.balance(), cfg)
	if !ok {
		s.logScan(types.VenuePolymarket, tr.Market, tr.Title, false, reason, tr.SizeUSD)
		return
	}

	// Slippage check: abort when the mid already moved past the whale entry.
	mid := tr.Price
	if ticker, err := s.venue.GetTicker(ctx, tr.Asset); err == nil && ticker.Mid() > 0 {
		mid = ticker.Mid()
	}
	movePct := math.Abs(mid-tr.Price) / math.Max(tr.Price, 0.001) * 100
	slippageOK := movePct <= cfg.MaxSlippagePct

	if err := s.store.LogCopyTrade(store.CopyTradeRow{
		WhaleTradeID: tr.ID,
		WhaleAddress: w.Address,
		SizingScale:  cfg.CopyMultiplier,
		SlippageOK:   slippageOK,
	}); err != nil {
		s.logger.Debug("copy trade log failed", "error", err)
	}

	if !slippageOK {
		s.logScan(types.VenuePolymarket, tr.Market, tr.Title, false,
			fmt.Sprintf("price moved %.2f%% past whale entry (budget %.2f%%)", movePct, cfg.MaxSlippagePct), movePct)
		return
	}

	tier := types.WhaleTier(w.Tier)
	units := size / math.Max(mid, 0.01)
	s.logScan(types.VenuePolymarket, tr.Market, tr.Title, true,
		fmt.Sprintf("copying %s whale %s", tier, w.Address[:10]), size)
	s.emit(types.Opportunity{
		Strategy: types.StratCopyTrade,
		Legs: []types.Leg{{
			Side: types.BUY, Venue: types.VenuePolymarket, MarketID: tr.Asset,
			Title: tr.Title, Price: mid, MaxSize: units,
		}},
		ProfitPct:  0, // copy trades have no computed edge; confidence carries the signal
		MaxSize:    units,
		Confidence: tier.Confidence(),
	})
}

// ClassifyWhale assigns a tier from rolling volume, win rate and trade count.
func ClassifyWhale(volumeUSD, winRatePct float64, tradeCount int) types.WhaleTier {
	switch {
	case volumeUSD >= 1_000_000 && winRatePct >= 60 && tradeCount >= 100:
		return types.TierMegaWhale
	case volumeUSD >= 250_000 && winRatePct >= 55 && tradeCount >= 50:
		return types.TierWhale
	case volumeUSD >= 50_000 && winRatePct >= 52 && tradeCount >= 25:
		return types.TierSmartMoney
	default:
		return types.TierRetail
	}
}

// CopySize scales a whale trade down to the tenant's copy size:
// whale size × multiplier, capped by the absolute max and by the
// balance-percent cap. Returns ok=false with a reason for unusable sizes.
func CopySize(whaleSizeUSD, balance float64, cfg config.CopyTradingConfig) (float64, bool, string) {
	size := whaleSizeUSD * cfg.CopyMultiplier
	if size > cfg.MaxCopySizeUSD {
		size = cfg.MaxCopySizeUSD
	}
	if cap := balance * cfg.MaxBalancePct / 100; size > cap {
		size = cap
	}
	if size < 1 {
		return 0, false, fmt.Sprintf("copy size $%.2f too small", size)
	}
	return size, true, ""
}
