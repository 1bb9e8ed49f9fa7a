package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	talib "github.com/markcheno/go-talib"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// Momentum signal labels.
const (
	SignalStrongBuy = "STRONG_BUY"
	SignalBuy       = "BUY"
	SignalHold      = "HOLD"
)

// StockMeanReversion scans a watchlist for 20-day SMA reversions: buy when
// the close sits entry-z standard deviations below the mean, sell when
// above; exits revert inside the exit threshold with a trailing stop sized
// as a percent of entry.
type StockMeanReversion struct {
	base
	venue exchange.Venue
}

// NewStockMeanReversion builds the mean-reversion task for the stock venue.
func NewStockMeanReversion(venue exchange.Venue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *StockMeanReversion {
	return &StockMeanReversion{
		base:  newBase("stock_mean_reversion", cfg, st, sink, logger),
		venue: venue,
	}
}

// Name implements Scanner.
func (s *StockMeanReversion) Name() string { return s.name }

// Run implements Scanner.
func (s *StockMeanReversion) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().Stocks.ScanInterval
	}, s.scan)
}

func (s *StockMeanReversion) scan(ctx context.Context) {
	snap := s.cfg.Snapshot()
	cfg := snap.Stocks
	if !cfg.MeanReversionEnabled {
		return
	}

	for _, symbol := range cfg.Watchlist {
		select {
		case <-ctx.Done():
			return
		default:
		}

		candles, err := s.venue.GetOHLCV(ctx, symbol, "1Day", 40)
		if err != nil {
			s.logger.Warn("bars fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if len(candles) < 21 {
			s.logScan(s.venue.Name(), symbol, symbol, false, "insufficient history", 0)
			continue
		}

		closes := closesOf(candles)
		z, ok := MeanReversionZ(closes, 20)
		if !ok {
			s.logScan(s.venue.Name(), symbol, symbol, false, "flat price series", 0)
			continue
		}

		price := closes[len(closes)-1]
		switch {
		case z <= -cfg.EntryZ:
			s.emitStock(symbol, types.BUY, price, z, cfg, types.StratMeanReversion)
		case z >= cfg.EntryZ:
			s.emitStock(symbol, types.SELL, price, z, cfg, types.StratMeanReversion)
		default:
			s.logScan(s.venue.Name(), symbol, symbol, false,
				fmt.Sprintf("z=%.2f inside entry band ±%.2f", z, cfg.EntryZ), z)
		}
	}
}

func (s *StockMeanReversion) emitStock(symbol string, side types.Side, price, metric float64, cfg config.StocksConfig, tag types.StrategyTag) {
	window := s.cfg.Snapshot().Trading.CooldownPerMarket
	if s.cooldown.Active(symbol, window) {
		s.logScan(s.venue.Name(), symbol, symbol, false, "cooldown active", metric)
		return
	}
	s.cooldown.Touch(symbol, window)
	s.logScan(s.venue.Name(), symbol, symbol, true, fmt.Sprintf("%s at metric %.2f", side, metric), metric)

	shares := cfg.PositionUSD / price
	s.emit(types.Opportunity{
		Strategy: tag,
		Legs: []types.Leg{{
			Side: side, Venue: s.venue.Name(), MarketID: symbol, Title: symbol,
			Price: price, MaxSize: shares,
		}},
		MaxSize:    shares,
		Confidence: 0.7,
	})
}

// StockMomentum scores a watchlist on a 0–100 composite of multi-horizon
// returns, RSI, and volume surge. STRONG_BUY needs a score of 80+ with RSI
// under 70; BUY needs 65+. The trailing stop ratchets on each new high.
type StockMomentum struct {
	base
	venue exchange.Venue

	highs map[string]float64 // symbol → highest close seen by any scan
}

// NewStockMomentum builds the momentum task for the stock venue.
func NewStockMomentum(venue exchange.Venue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *StockMomentum {
	return &StockMomentum{
		base:  newBase("stock_momentum", cfg, st, sink, logger),
		venue: venue,
		highs: make(map[string]float64),
	}
}

// Name implements Scanner.
func (s *StockMomentum) Name() string { return s.name }

// Run implements Scanner.
func (s *StockMomentum) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().Stocks.ScanInterval
	}, s.scan)
}

func (s *StockMomentum) scan(ctx context.Context) {
	snap := s.cfg.Snapshot()
	cfg := snap.Stocks
	if !cfg.MomentumEnabled {
		return
	}

	for _, symbol := range cfg.Watchlist {
		select {
		case <-ctx.Done():
			return
		default:
		}

		candles, err := s.venue.GetOHLCV(ctx, symbol, "1Day", 40)
		if err != nil {
			s.logger.Warn("bars fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if len(candles) < 25 {
			s.logScan(s.venue.Name(), symbol, symbol, false, "insufficient history", 0)
			continue
		}

		closes := closesOf(candles)
		volumes := volumesOf(candles)
		score, rsi := MomentumScore(closes, volumes)
		signal := MomentumSignal(score, rsi)
		price := closes[len(closes)-1]

		// Ratchet the trailing-stop anchor on every new high.
		if price > s.highs[symbol] {
			s.highs[symbol] = price
		}

		if signal == SignalHold {
			s.logScan(s.venue.Name(), symbol, symbol, false,
				fmt.Sprintf("score %.0f rsi %.0f", score, rsi), score)
			continue
		}

		window := s.cfg.Snapshot().Trading.CooldownPerMarket
		if s.cooldown.Active(symbol, window) {
			s.logScan(s.venue.Name(), symbol, symbol, false, "cooldown active", score)
			continue
		}
		s.cooldown.Touch(symbol, window)
		s.logScan(s.venue.Name(), symbol, symbol, true,
			fmt.Sprintf("%s score %.0f rsi %.0f", signal, score, rsi), score)

		confidence := 0.65
		if signal == SignalStrongBuy {
			confidence = 0.85
		}
		shares := cfg.PositionUSD / price
		s.emit(types.Opportunity{
			Strategy: types.StratMomentum,
			Legs: []types.Leg{{
				Side: types.BUY, Venue: s.venue.Name(), MarketID: symbol, Title: symbol,
				Price: price, MaxSize: shares,
			}},
			MaxSize:    shares,
			Confidence: confidence,
		})
	}
}

// MeanReversionZ computes the z-score of the latest close against an
// n-period SMA and standard deviation.
func MeanReversionZ(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	sma := talib.Sma(closes, period)
	std := talib.StdDev(closes, period, 1.0)

	last := len(closes) - 1
	if std[last] == 0 {
		return 0, false
	}
	return (closes[last] - sma[last]) / std[last], true
}

// MomentumScore computes the 0–100 composite: 1d/5d/20d returns, 14-period
// RSI, and volume surge, weighted 20/30/20/15/15. Each component maps its
// raw value onto 0–100 before weighting.
func MomentumScore(closes, volumes []float64) (score, rsi float64) {
	last := len(closes) - 1

	r1 := pctReturn(closes, 1)
	r5 := pctReturn(closes, 5)
	r20 := pctReturn(closes, 20)

	rsiSeries := talib.Rsi(closes, 14)
	rsi = rsiSeries[last]

	// Volume surge: today's volume against the trailing 20-day average.
	var avgVol float64
	n := 0
	for i := last - 20; i < last; i++ {
		if i >= 0 {
			avgVol += volumes[i]
			n++
		}
	}
	surge := 1.0
	if n > 0 && avgVol > 0 {
		surge = volumes[last] / (avgVol / float64(n))
	}

	score = 0.20*scaleReturn(r1, 3) +
		0.30*scaleReturn(r5, 8) +
		0.20*scaleReturn(r20, 15) +
		0.15*rsi +
		0.15*scaleSurge(surge)
	return score, rsi
}

// MomentumSignal maps a composite score and RSI to a signal label.
func MomentumSignal(score, rsi float64) string {
	switch {
	case score >= 80 && rsi < 70:
		return SignalStrongBuy
	case score >= 65:
		return SignalBuy
	default:
		return SignalHold
	}
}

// TrailingStop returns the stop price: pct percent below the highest close
// seen since entry.
func TrailingStop(highestClose, pct float64) float64 {
	return highestClose * (1 - pct/100)
}

func pctReturn(closes []float64, lag int) float64 {
	last := len(closes) - 1
	if last-lag < 0 || closes[last-lag] == 0 {
		return 0
	}
	return (closes[last] - closes[last-lag]) / closes[last-lag] * 100
}

// scaleReturn maps a ±cap% return onto 0–100 with 50 neutral.
func scaleReturn(pct, cap float64) float64 {
	v := 50 + pct/cap*50
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// scaleSurge maps a volume multiple onto 0–100 with 1× neutral at 50.
func scaleSurge(multiple float64) float64 {
	v := multiple * 50
	if v > 100 {
		return 100
	}
	return v
}

func closesOf(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func volumesOf(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
