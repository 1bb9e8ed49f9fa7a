package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// Pairs trades the rolling spread A − β·B of a named symbol pair. It enters
// when |z| reaches the entry threshold, exits when the spread reverts inside
// the exit threshold, stops out when |z| blows past the stop threshold, and
// force-exits after the max hold time.
type Pairs struct {
	base
	venue exchange.Venue

	mu       sync.Mutex
	spreads  []float64 // rolling window of spread observations
	open     *pairsPosition
}

type pairsPosition struct {
	rowID     string
	direction string // long-spread (long A, short B) or short-spread
	entryZ    float64
	openedAt  time.Time
}

// NewPairs builds the pairs-trading task for one venue.
func NewPairs(venue exchange.Venue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *Pairs {
	return &Pairs{
		base:  newBase("pairs", cfg, st, sink, logger),
		venue: venue,
	}
}

// Name implements Scanner.
func (s *Pairs) Name() string { return s.name }

// Run implements Scanner.
func (s *Pairs) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().Pairs.ScanInterval
	}, s.tick)
}

func (s *Pairs) tick(ctx context.Context) {
	snap := s.cfg.Snapshot()
	cfg := snap.Pairs
	if !cfg.Enabled || cfg.SymbolA == "" || cfg.SymbolB == "" {
		return
	}

	tickers, err := s.venue.GetTickers(ctx, []string{cfg.SymbolA, cfg.SymbolB})
	if err != nil {
		s.logger.Warn("ticker fetch failed", "error", err)
		return
	}
	a, okA := tickers[cfg.SymbolA]
	b, okB := tickers[cfg.SymbolB]
	if !okA || !okB || a.Mid() <= 0 || b.Mid() <= 0 {
		return
	}

	spread := a.Mid() - cfg.Beta*b.Mid()

	s.mu.Lock()
	s.spreads = append(s.spreads, spread)
	if len(s.spreads) > cfg.Lookback {
		s.spreads = s.spreads[len(s.spreads)-cfg.Lookback:]
	}
	window := append([]float64(nil), s.spreads...)
	open := s.open
	s.mu.Unlock()

	if len(window) < cfg.Lookback/2 {
		return // not enough history for a stable z-score yet
	}

	z, ok := ZScore(spread, window)
	if !ok {
		return
	}

	pairName := cfg.SymbolA + "/" + cfg.SymbolB
	if open == nil {
		s.evalEntry(pairName, z, a, b, cfg)
	} else {
		s.evalExit(pairName, z, open, a, b, cfg)
	}
}

func (s *Pairs) evalEntry(pairName string, z float64, a, b types.Ticker, cfg config.PairsConfig) {
	if z > -cfg.EntryZ && z < cfg.EntryZ {
		s.logScan(s.venue.Name(), pairName, pairName, false,
			fmt.Sprintf("|z|=%.2f below entry %.2f", abs(z), cfg.EntryZ), z)
		return
	}

	// Spread too high → short A / long B; too low → the mirror.
	direction := "short-spread"
	legA, legB := types.SELL, types.BUY
	if z <= -cfg.EntryZ {
		direction = "long-spread"
		legA, legB = types.BUY, types.SELL
	}

	pos := &pairsPosition{
		rowID:     uuid.NewString(),
		direction: direction,
		entryZ:    z,
		openedAt:  time.Now(),
	}
	s.mu.Lock()
	s.open = pos
	s.mu.Unlock()

	s.logScan(s.venue.Name(), pairName, pairName, true,
		fmt.Sprintf("enter %s at z=%.2f", direction, z), z)
	_ = s.store.SavePairsTrade(store.PairsTradeRow{
		ID:        pos.rowID,
		SymbolA:   a.Symbol,
		SymbolB:   b.Symbol,
		EntryZ:    z,
		Direction: direction,
		OpenedAt:  pos.openedAt.UTC(),
	})

	sizeA := cfg.PositionUSD / a.Mid()
	sizeB := cfg.PositionUSD / b.Mid()
	s.emit(types.Opportunity{
		Strategy: types.StratPairs,
		Legs: []types.Leg{
			{Side: legA, Venue: s.venue.Name(), MarketID: a.Symbol, Title: pairName, Price: a.Mid(), MaxSize: sizeA},
			{Side: legB, Venue: s.venue.Name(), MarketID: b.Symbol, Title: pairName, Price: b.Mid(), MaxSize: sizeB},
		},
		ProfitPct:  abs(z), // the z magnitude is the edge proxy
		MaxSize:    sizeA,
		Confidence: 0.8,
	})
}

func (s *Pairs) evalExit(pairName string, z float64, open *pairsPosition, a, b types.Ticker, cfg config.PairsConfig) {
	var reason string
	switch {
	case abs(z) <= cfg.ExitZ:
		reason = fmt.Sprintf("reverted to z=%.2f", z)
	case abs(z) > cfg.StopZ:
		reason = fmt.Sprintf("stopped out at z=%.2f", z)
	case time.Since(open.openedAt) > time.Duration(cfg.MaxHoldHours*float64(time.Hour)):
		reason = "max hold time reached"
	default:
		return
	}

	s.mu.Lock()
	s.open = nil
	s.mu.Unlock()

	s.logScan(s.venue.Name(), pairName, pairName, true, "exit: "+reason, z)
	now := time.Now().UTC()
	_ = s.store.SavePairsTrade(store.PairsTradeRow{
		ID:          open.rowID,
		SymbolA:     a.Symbol,
		SymbolB:     b.Symbol,
		EntryZ:      open.entryZ,
		ExitZ:       z,
		Direction:   open.direction,
		OpenedAt:    open.openedAt.UTC(),
		ClosedAt:    &now,
		CloseReason: reason,
	})

	// Unwind legs mirror the entry.
	legA, legB := types.BUY, types.SELL
	if open.direction == "long-spread" {
		legA, legB = types.SELL, types.BUY
	}
	sizeA := cfg.PositionUSD / a.Mid()
	sizeB := cfg.PositionUSD / b.Mid()
	s.emit(types.Opportunity{
		Strategy: types.StratPairs,
		Legs: []types.Leg{
			{Side: legA, Venue: s.venue.Name(), MarketID: a.Symbol, Title: pairName, Price: a.Mid(), MaxSize: sizeA},
			{Side: legB, Venue: s.venue.Name(), MarketID: b.Symbol, Title: pairName, Price: b.Mid(), MaxSize: sizeB},
		},
		MaxSize:    sizeA,
		Confidence: 0.8,
	})
}

// ZScore returns (value − mean) / stddev over the window, ok=false when the
// window is degenerate (stddev 0).
func ZScore(value float64, window []float64) (float64, bool) {
	mean, std := stat.MeanStdDev(window, nil)
	if std == 0 {
		return 0, false
	}
	return (value - mean) / std, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
