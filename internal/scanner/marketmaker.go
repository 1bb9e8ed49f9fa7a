package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// MarketMaker posts two-sided quotes on high-volume binary markets. The
// half-spread is target_bps/2 around mid, skewed by current inventory: a
// long book lowers the bid (slows accumulation), a short book raises the
// ask. On fill it updates inventory and realized P&L and requotes.
type MarketMaker struct {
	base
	venue exchange.PredictionVenue

	mu    sync.Mutex
	slots map[string]*mmSlot // market id → quoting state
}

type mmSlot struct {
	market    types.MarketInfo
	inventory float64 // signed YES tokens: + long, − short
	avgEntry  float64
	realized  float64
	bidOrder  string
	askOrder  string
}

// NewMarketMaker builds the market-making task for one prediction venue.
func NewMarketMaker(venue exchange.PredictionVenue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *MarketMaker {
	return &MarketMaker{
		base:  newBase("market_maker", cfg, st, sink, logger),
		venue: venue,
		slots: make(map[string]*mmSlot),
	}
}

// Name implements Scanner.
func (s *MarketMaker) Name() string { return s.name }

// Run implements Scanner.
func (s *MarketMaker) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().MarketMaker.RefreshInterval
	}, s.refresh)
}

func (s *MarketMaker) refresh(ctx context.Context) {
	snap := s.cfg.Snapshot()
	if !snap.MarketMaker.Enabled {
		return
	}

	s.selectMarkets(ctx, snap.MarketMaker)

	s.mu.Lock()
	slots := make([]*mmSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, slot)
	}
	s.mu.Unlock()

	for _, slot := range slots {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.requote(ctx, slot, snap.MarketMaker)
	}
}

// selectMarkets refreshes the set of quoted markets: a volume floor and a
// minimum distance from resolution, best volume first.
func (s *MarketMaker) selectMarkets(ctx context.Context, cfg config.MarketMakerConfig) {
	markets, err := s.venue.ListMarkets(ctx)
	if err != nil {
		s.logger.Error("market list failed", "error", err)
		return
	}

	minResolve := time.Now().Add(time.Duration(cfg.MinHoursToResolve * float64(time.Hour)))
	var eligible []types.MarketInfo
	for _, m := range markets {
		if !m.Active || len(m.Outcomes) > 2 {
			continue
		}
		if m.Volume24h < cfg.MinVolume24hUSD {
			s.logScan(m.Venue, m.ID, m.Title, false,
				fmt.Sprintf("volume $%.0f below floor $%.0f", m.Volume24h, cfg.MinVolume24hUSD), m.Volume24h)
			continue
		}
		if !m.Resolution.IsZero() && m.Resolution.Before(minResolve) {
			s.logScan(m.Venue, m.ID, m.Title, false, "too close to resolution", 0)
			continue
		}
		eligible = append(eligible, m)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Volume24h > eligible[j].Volume24h })
	if len(eligible) > 5 {
		eligible = eligible[:5]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(eligible))
	for _, m := range eligible {
		keep[m.ID] = true
		if _, ok := s.slots[m.ID]; !ok {
			s.slots[m.ID] = &mmSlot{market: m}
			s.logScan(m.Venue, m.ID, m.Title, true, "quoting started", m.Volume24h)
		}
	}
	for id := range s.slots {
		if !keep[id] {
			delete(s.slots, id)
		}
	}
}

// requote reconciles one market's standing quotes: track fills on the
// previous pair, then cancel and repost around the current mid.
func (s *MarketMaker) requote(ctx context.Context, slot *mmSlot, cfg config.MarketMakerConfig) {
	s.trackFills(ctx, slot)

	ticker, err := s.venue.GetTicker(ctx, slot.market.YesTokenID)
	if err != nil {
		s.logger.Debug("ticker failed", "market", slot.market.ID, "error", err)
		return
	}
	mid := ticker.Mid()
	if mid <= 0 || mid >= 1 {
		return
	}

	bid, ask := ComputeQuotes(mid, cfg.TargetSpreadBps, slot.inventory, cfg.InventorySkewFactor)
	size := cfg.QuoteSizeUSD / mid

	for _, old := range []string{slot.bidOrder, slot.askOrder} {
		if old != "" {
			_, _ = s.venue.CancelOrder(ctx, old, slot.market.YesTokenID)
		}
	}
	slot.bidOrder, slot.askOrder = "", ""

	if bidOrder, err := s.venue.CreateOrder(ctx, slot.market.YesTokenID, types.BUY, types.OrderTypeLimit, size, bid, nil); err == nil {
		slot.bidOrder = bidOrder.ID
	} else {
		s.logger.Debug("bid post failed", "market", slot.market.ID, "error", err)
	}
	if askOrder, err := s.venue.CreateOrder(ctx, slot.market.YesTokenID, types.SELL, types.OrderTypeLimit, size, ask, nil); err == nil {
		slot.askOrder = askOrder.ID
	} else {
		s.logger.Debug("ask post failed", "market", slot.market.ID, "error", err)
	}
}

// trackFills folds any filled size on the standing quotes into inventory
// and realized P&L.
func (s *MarketMaker) trackFills(ctx context.Context, slot *mmSlot) {
	check := func(orderID string) {
		if orderID == "" {
			return
		}
		order, err := s.venue.GetOrder(ctx, orderID, slot.market.YesTokenID)
		if err != nil || order.Filled == 0 {
			return
		}
		s.applyFill(slot, order.Side, order.AvgPrice, order.Filled)
	}
	check(slot.bidOrder)
	check(slot.askOrder)
}

func (s *MarketMaker) applyFill(slot *mmSlot, side types.Side, price, size float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if side == types.BUY {
		// Buying against a short book realizes P&L; the rest builds inventory.
		closing := math.Min(size, math.Max(-slot.inventory, 0))
		if closing > 0 {
			slot.realized += (slot.avgEntry - price) * closing
		}
		opening := size - closing
		if opening > 0 {
			total := math.Max(slot.inventory, 0) + opening
			slot.avgEntry = (slot.avgEntry*math.Max(slot.inventory, 0) + price*opening) / total
		}
		slot.inventory += size
	} else {
		closing := math.Min(size, math.Max(slot.inventory, 0))
		if closing > 0 {
			slot.realized += (price - slot.avgEntry) * closing
		}
		opening := size - closing
		if opening > 0 {
			total := math.Max(-slot.inventory, 0) + opening
			slot.avgEntry = (slot.avgEntry*math.Max(-slot.inventory, 0) + price*opening) / total
		}
		slot.inventory -= size
	}

	s.logger.Info("fill",
		"market", slot.market.ID,
		"side", side,
		"price", price,
		"size", size,
		"inventory", slot.inventory,
		"realized", slot.realized,
	)
}

// ComputeQuotes returns the bid and ask for a mid price: half-spread =
// targetBps/2, shifted down by inventory × skew × half-spread so a long book quotes lower
// (attracting offsetting sells) and a short book quotes higher. Quotes are
// clamped inside (0, 1).
func ComputeQuotes(mid, targetBps, inventory, skewFactor float64) (bid, ask float64) {
	halfSpread := mid * targetBps / 10_000 / 2
	skew := inventory * skewFactor * halfSpread

	bid = clamp01(mid - halfSpread - skew)
	ask = clamp01(mid + halfSpread - skew)
	if bid >= ask {
		bid = clamp01(ask - 0.01)
	}
	return bid, ask
}

func clamp01(v float64) float64 {
	return math.Min(0.99, math.Max(0.01, v))
}
