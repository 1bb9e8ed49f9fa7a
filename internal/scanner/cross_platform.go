package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// zeroFeeVenues are venues with no trading fee; buying there needs less edge
// than buying on a profit-fee venue.
var zeroFeeVenues = map[types.Venue]bool{
	types.VenuePolymarket: true,
}

// CrossPlatform scans curated market pairs across two prediction venues.
// For each pair it evaluates both directions (buy A's ask / sell B's bid and
// the mirror) with an asymmetric minimum-profit threshold by buy venue, and
// an orderbook-age confidence that aborts stale pairs. It also handles
// split-market pairs, where one venue splits outcomes another combines.
type CrossPlatform struct {
	base
	venues map[types.Venue]exchange.PredictionVenue
}

// NewCrossPlatform builds the scanner over the tenant's prediction venues.
func NewCrossPlatform(venues map[types.Venue]exchange.PredictionVenue, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) *CrossPlatform {
	return &CrossPlatform{
		base:   newBase("cross_platform", cfg, st, sink, logger),
		venues: venues,
	}
}

// Name implements Scanner.
func (s *CrossPlatform) Name() string { return s.name }

// Run implements Scanner.
func (s *CrossPlatform) Run(ctx context.Context) {
	s.tickLoop(ctx, func() time.Duration {
		return s.cfg.Snapshot().CrossPlatform.ScanInterval
	}, s.scan)
}

func (s *CrossPlatform) scan(ctx context.Context) {
	snap := s.cfg.Snapshot()
	if !snap.CrossPlatform.Enabled {
		return
	}

	pairs, err := s.store.MarketPairs()
	if err != nil {
		s.logger.Error("load market pairs failed", "error", err)
		return
	}

	evaluated := 0
	for _, pair := range pairs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(pair.SplitMarketIDs) > 2 { // non-empty JSON array
			s.evalSplitPair(ctx, pair, snap.CrossPlatform)
		} else {
			s.evalPair(ctx, pair, snap.CrossPlatform)
		}
		evaluated++
	}
	s.logger.Info("scan complete", "pairs", evaluated)
}

// PairQuote is one side's book view used by the pair evaluator.
type PairQuote struct {
	Venue     types.Venue
	MarketID  string
	Title     string
	Bid       float64
	BidSize   float64
	Ask       float64
	AskSize   float64
	BookAge   time.Duration
}

// PairResult is a qualifying direction for a cross-platform pair.
type PairResult struct {
	BuyVenue   types.Venue
	BuyMarket  string
	BuyPrice   float64
	SellVenue  types.Venue
	SellMarket string
	SellPrice  float64
	ProfitPct  float64
	MaxSize    float64
	Confidence float64
}

// EvaluatePair checks both directions of a matched pair. The minimum-profit
// threshold depends on the buy venue's fee class; confidence decays linearly
// with the staler book's age and a result below minConfidence is dropped.
func EvaluatePair(a, b PairQuote, cfg config.CrossPlatformConfig) (PairResult, string, bool) {
	age := a.BookAge
	if b.BookAge > age {
		age = b.BookAge
	}
	confidence := 1 - age.Seconds()/cfg.MaxDataAge.Seconds()
	if confidence < 0 {
		confidence = 0
	}
	if confidence < cfg.MinConfidence {
		return PairResult{}, fmt.Sprintf("confidence %.2f below %.2f (book age %s)", confidence, cfg.MinConfidence, age), false
	}

	directions := []PairResult{
		buildDirection(a, b, confidence),
		buildDirection(b, a, confidence),
	}

	best := PairResult{}
	found := false
	for _, d := range directions {
		if d.ProfitPct <= 0 || d.MaxSize <= 0 {
			continue
		}
		min := cfg.BuyHighFeeMinPct
		if zeroFeeVenues[d.BuyVenue] {
			min = cfg.BuyZeroFeeMinPct
		}
		if d.ProfitPct < min {
			continue
		}
		if !found || d.ProfitPct > best.ProfitPct {
			best = d
			found = true
		}
	}
	if !found {
		return PairResult{}, "no direction clears its buy-venue threshold", false
	}
	return best, "", true
}

// buildDirection prices buying buy's ask and selling sell's bid.
func buildDirection(buy, sell PairQuote, confidence float64) PairResult {
	if buy.Ask <= 0 || sell.Bid <= 0 {
		return PairResult{}
	}
	return PairResult{
		BuyVenue:   buy.Venue,
		BuyMarket:  buy.MarketID,
		BuyPrice:   buy.Ask,
		SellVenue:  sell.Venue,
		SellMarket: sell.MarketID,
		SellPrice:  sell.Bid,
		ProfitPct:  (sell.Bid - buy.Ask) / buy.Ask * 100,
		MaxSize:    math.Min(buy.AskSize, sell.BidSize),
		Confidence: confidence,
	}
}

func (s *CrossPlatform) evalPair(ctx context.Context, pair store.MarketPairRow, cfg config.CrossPlatformConfig) {
	a, ok := s.quote(ctx, types.Venue(pair.VenueA), pair.MarketAID)
	if !ok {
		s.logScan(types.Venue(pair.VenueA), pair.MarketAID, pair.Title, false, "no book for venue A leg", 0)
		return
	}
	b, ok := s.quote(ctx, types.Venue(pair.VenueB), pair.MarketBID)
	if !ok {
		s.logScan(types.Venue(pair.VenueB), pair.MarketBID, pair.Title, false, "no book for venue B leg", 0)
		return
	}

	result, reason, ok := EvaluatePair(a, b, cfg)
	if !ok {
		s.logScan(a.Venue, pair.MarketAID, pair.Title, false, reason, 0)
		return
	}
	s.emitPair(pair, result, types.StratCrossPlatform, cfg)
}

// evalSplitPair sums the split venue's outcome asks and compares against the
// combined venue's single market.
func (s *CrossPlatform) evalSplitPair(ctx context.Context, pair store.MarketPairRow, cfg config.CrossPlatformConfig) {
	var splitIDs []string
	if err := json.Unmarshal(pair.SplitMarketIDs, &splitIDs); err != nil || len(splitIDs) == 0 {
		s.logScan(types.Venue(pair.VenueA), pair.MarketAID, pair.Title, false, "bad split market ids", 0)
		return
	}

	var sumAsk, sumBid, minAskSize, minBidSize float64
	var maxAge time.Duration
	minAskSize, minBidSize = math.MaxFloat64, math.MaxFloat64
	for _, id := range splitIDs {
		q, ok := s.quote(ctx, types.Venue(pair.VenueA), id)
		if !ok {
			s.logScan(types.Venue(pair.VenueA), id, pair.Title, false, "no book for split leg", 0)
			return
		}
		sumAsk += q.Ask
		sumBid += q.Bid
		minAskSize = math.Min(minAskSize, q.AskSize)
		minBidSize = math.Min(minBidSize, q.BidSize)
		if q.BookAge > maxAge {
			maxAge = q.BookAge
		}
	}

	combined := PairQuote{
		Venue:    types.Venue(pair.VenueA),
		MarketID: pair.MarketAID,
		Title:    pair.Title,
		Bid:      sumBid,
		BidSize:  minBidSize,
		Ask:      sumAsk,
		AskSize:  minAskSize,
		BookAge:  maxAge,
	}
	b, ok := s.quote(ctx, types.Venue(pair.VenueB), pair.MarketBID)
	if !ok {
		s.logScan(types.Venue(pair.VenueB), pair.MarketBID, pair.Title, false, "no book for combined leg", 0)
		return
	}

	result, reason, ok := EvaluatePair(combined, b, cfg)
	if !ok {
		s.logScan(combined.Venue, pair.MarketAID, pair.Title, false, reason, 0)
		return
	}
	s.emitPair(pair, result, types.StratSplitMarket, cfg)
}

func (s *CrossPlatform) emitPair(pair store.MarketPairRow, result PairResult, strategy types.StrategyTag, cfg config.CrossPlatformConfig) {
	key := pair.ID
	window := s.cfg.Snapshot().Trading.CooldownPerMarket
	if s.cooldown.Active(key, window) {
		s.logScan(result.BuyVenue, result.BuyMarket, pair.Title, false, "cooldown active", result.ProfitPct)
		return
	}
	s.cooldown.Touch(key, window)
	s.logScan(result.BuyVenue, result.BuyMarket, pair.Title, true,
		fmt.Sprintf("buy %s sell %s", result.BuyVenue, result.SellVenue), result.ProfitPct)

	size := math.Min(result.MaxSize, cfg.MaxPositionUSD/math.Max(result.BuyPrice, 0.01))
	profitPerContract := result.SellPrice - result.BuyPrice
	s.emit(types.Opportunity{
		Strategy: strategy,
		Legs: []types.Leg{
			{Side: types.BUY, Venue: result.BuyVenue, MarketID: result.BuyMarket, Title: pair.Title, Price: result.BuyPrice, MaxSize: size},
			{Side: types.SELL, Venue: result.SellVenue, MarketID: result.SellMarket, Title: pair.Title, Price: result.SellPrice, MaxSize: size},
		},
		ProfitPerContract: profitPerContract,
		ProfitPct:         result.ProfitPct,
		MaxSize:           size,
		TotalProfitUSD:    profitPerContract * size,
		Confidence:        result.Confidence,
	})
}

// quote pulls the cached book for one market, falling back to REST when the
// cache is empty.
func (s *CrossPlatform) quote(ctx context.Context, venue types.Venue, marketID string) (PairQuote, bool) {
	client, ok := s.venues[venue]
	if !ok {
		return PairQuote{}, false
	}

	snap, ok := client.BookSnapshot(marketID)
	if !ok {
		var err error
		snap, err = client.GetOrderBook(ctx, marketID, 5)
		if err != nil {
			s.logger.Debug("book fetch failed", "venue", venue, "market", marketID, "error", err)
			return PairQuote{}, false
		}
	}

	q := PairQuote{
		Venue:    venue,
		MarketID: marketID,
		BookAge:  snap.Age(time.Now()),
	}
	if bid, size, ok := snap.BestBid(); ok {
		q.Bid, q.BidSize = bid, size
	}
	if ask, size, ok := snap.BestAsk(); ok {
		q.Ask, q.AskSize = ask, size
	}
	return q, q.Bid > 0 || q.Ask > 0
}
