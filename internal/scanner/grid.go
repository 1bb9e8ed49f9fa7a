package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// Grid runs a classic grid: N price levels between a lower and upper bound
// with alternating buy/sell limit orders. When a level fills, the opposite
// side is posted one level away. The grid closes when price breaks out past
// the stop-loss or total profit reaches the take-profit.
type Grid struct {
	base
	venue exchange.Venue

	mu      sync.Mutex
	session *gridSession
}

type gridSession struct {
	id       string
	levels   []float64
	orders   map[string]gridOrder // venue order id → level/side
	realized float64
	anchor   float64 // price when the grid opened
}

type gridOrder struct {
	level int
	side  types.Side
	price float64
	size  float64
}

// NewGrid builds the grid task for one venue.
func NewGrid(venue exchange.Venue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *Grid {
	return &Grid{
		base:  newBase("grid", cfg, st, sink, logger),
		venue: venue,
	}
}

// Name implements Scanner.
func (s *Grid) Name() string { return s.name }

// Run implements Scanner.
func (s *Grid) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().Grid.ScanInterval
	}, s.tick)
}

func (s *Grid) tick(ctx context.Context) {
	snap := s.cfg.Snapshot()
	cfg := snap.Grid
	if !cfg.Enabled || cfg.Symbol == "" || cfg.UpperPrice <= cfg.LowerPrice || cfg.Levels < 2 {
		return
	}

	ticker, err := s.venue.GetTicker(ctx, cfg.Symbol)
	if err != nil {
		s.logger.Warn("ticker failed", "symbol", cfg.Symbol, "error", err)
		return
	}
	price := ticker.Mid()
	if price <= 0 {
		return
	}

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		s.open(ctx, price, cfg)
		return
	}

	if reason, closed := GridBreakout(price, session.anchor, session.realized, cfg); closed {
		s.close(ctx, session, reason, cfg)
		return
	}
	s.reconcileFills(ctx, session, cfg)
}

// open seeds the grid: buy limits below the current price, sell limits above.
func (s *Grid) open(ctx context.Context, price float64, cfg config.GridConfig) {
	levels := GridLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.Levels)
	session := &gridSession{
		id:     uuid.NewString(),
		levels: levels,
		orders: make(map[string]gridOrder),
		anchor: price,
	}

	for i, lvl := range levels {
		side := types.BUY
		if lvl > price {
			side = types.SELL
		}
		size := cfg.OrderSizeUSD / lvl
		order, err := s.venue.CreateOrder(ctx, cfg.Symbol, side, types.OrderTypeLimit, size, lvl, nil)
		if err != nil {
			s.logger.Warn("grid order failed", "level", lvl, "error", err)
			continue
		}
		session.orders[order.ID] = gridOrder{level: i, side: side, price: lvl, size: size}
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	s.logger.Info("grid opened", "symbol", cfg.Symbol, "levels", len(levels), "anchor", price)
	_ = s.store.SaveGrid(store.GridRow{
		ID:         session.id,
		Symbol:     cfg.Symbol,
		UpperPrice: cfg.UpperPrice,
		LowerPrice: cfg.LowerPrice,
		Levels:     cfg.Levels,
		Status:     "active",
		CreatedAt:  time.Now().UTC(),
	})
}

// reconcileFills polls resting orders; each fill posts the opposite side one
// level away and books one level step of profit on sells.
func (s *Grid) reconcileFills(ctx context.Context, session *gridSession, cfg config.GridConfig) {
	for id, g := range session.orders {
		order, err := s.venue.GetOrder(ctx, id, cfg.Symbol)
		if err != nil {
			continue
		}
		if order.Status != types.OrderFilled {
			continue
		}
		delete(session.orders, id)

		step := 0
		opposite := types.SELL
		if g.side == types.SELL {
			opposite = types.BUY
			step = -1
			// A sell closes the buy one level below: book the step profit.
			if g.level > 0 {
				session.realized += (g.price - session.levels[g.level-1]) * g.size
			}
		} else {
			step = 1
		}

		next := g.level + step
		if next < 0 || next >= len(session.levels) {
			continue
		}
		lvl := session.levels[next]
		size := cfg.OrderSizeUSD / lvl
		placed, err := s.venue.CreateOrder(ctx, cfg.Symbol, opposite, types.OrderTypeLimit, size, lvl, nil)
		if err != nil {
			s.logger.Warn("grid requote failed", "level", lvl, "error", err)
			continue
		}
		session.orders[placed.ID] = gridOrder{level: next, side: opposite, price: lvl, size: size}

		s.logger.Info("grid fill",
			"side", g.side, "price", g.price, "requote", opposite, "at", lvl,
			"realized", session.realized,
		)
	}

	_ = s.store.SaveGrid(store.GridRow{
		ID:          session.id,
		Symbol:      cfg.Symbol,
		UpperPrice:  cfg.UpperPrice,
		LowerPrice:  cfg.LowerPrice,
		Levels:      cfg.Levels,
		RealizedUSD: session.realized,
		Status:      "active",
	})
}

func (s *Grid) close(ctx context.Context, session *gridSession, reason string, cfg config.GridConfig) {
	for id := range session.orders {
		_, _ = s.venue.CancelOrder(ctx, id, cfg.Symbol)
	}

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	now := time.Now().UTC()
	_ = s.store.SaveGrid(store.GridRow{
		ID:          session.id,
		Symbol:      cfg.Symbol,
		UpperPrice:  cfg.UpperPrice,
		LowerPrice:  cfg.LowerPrice,
		Levels:      cfg.Levels,
		RealizedUSD: session.realized,
		Status:      reason,
		ClosedAt:    &now,
	})
	s.logger.Info("grid closed", "reason", reason, "realized", session.realized)
}

// GridLevels returns n evenly-spaced prices from lower to upper inclusive.
func GridLevels(lower, upper float64, n int) []float64 {
	step := (upper - lower) / float64(n-1)
	out := make([]float64, n)
	for i := range out {
		out[i] = lower + step*float64(i)
	}
	return out
}

// GridBreakout decides whether the grid must close: price broke out beyond
// the stop-loss percent past either bound, or total profit reached the
// take-profit percent of the grid's notional.
func GridBreakout(price, anchor, realized float64, cfg config.GridConfig) (string, bool) {
	stopBand := cfg.StopLossPct / 100
	if price > cfg.UpperPrice*(1+stopBand) || price < cfg.LowerPrice*(1-stopBand) {
		return "stop-loss", true
	}

	notional := cfg.OrderSizeUSD * float64(cfg.Levels)
	if notional > 0 && realized >= notional*cfg.TakeProfitPct/100 {
		return "take-profit", true
	}
	return "", false
}
