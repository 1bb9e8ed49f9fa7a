// Package executor turns approved opportunities into orders against venue
// clients. It is the single drain of a tenant's opportunity channel, so all
// RiskState mutations happen on one goroutine.
//
// Gates run in order; the first failing gate records the opportunity as
// skipped with its reason:
//
//  1. Paused or tripped circuit breakers (daily loss, consecutive failures).
//  2. Manual approval (the first N trades queue for explicit approval).
//  3. Price verification against fresh quotes within the slippage tolerance,
//     with the recomputed profit still positive.
//  4. Sizing: min(opportunity size, max trade / price, balance / price),
//     floored at the configured minimum.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"polybot/internal/config"
	"polybot/internal/exchange"
	"polybot/internal/risk"
	"polybot/pkg/types"
)

const fillPollInterval = 2 * time.Second

// Ledger is the persistence surface the executor needs. *store.Store
// satisfies it; tests supply an in-memory fake.
type Ledger interface {
	LogTrade(t types.Trade) error
	LogLiveTrade(tradeID, buyOrderID, sellOrderID string, realizedUSD float64) error
	UpdateOpportunityStatus(id string, status types.OpportunityStatus, reason string, executedAt *time.Time) error
	Audit(action string, details map[string]any)
}

// Executor executes opportunities in live or dry-run mode.
type Executor struct {
	cfg     *config.Resolver
	venues  map[types.Venue]exchange.Venue
	risk    *risk.State
	store   Ledger
	balance func() float64
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]types.Opportunity // awaiting manual approval
}

// New builds an executor over the tenant's venues.
func New(cfg *config.Resolver, venues map[types.Venue]exchange.Venue, riskState *risk.State, st Ledger, balance func() float64, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:     cfg,
		venues:  venues,
		risk:    riskState,
		store:   st,
		balance: balance,
		logger:  logger.With("component", "executor"),
		pending: make(map[string]types.Opportunity),
	}
}

// Handle runs one opportunity through the gates and, when they pass,
// executes its legs. Always records a terminal opportunity status.
func (e *Executor) Handle(ctx context.Context, opp types.Opportunity) {
	if reason := e.gate(opp); reason != "" {
		e.skip(opp, reason)
		return
	}

	snap := e.cfg.Snapshot()
	buy, sell := opp.BuyLeg(), opp.SellLeg()
	if buy == nil {
		e.skip(opp, "no buy leg")
		return
	}

	// Gate 3: verify both legs against fresh quotes.
	verified, reason := e.verifyPrices(ctx, opp, snap.Trading.SlippageTolerance)
	if !verified {
		e.skip(opp, reason)
		return
	}

	// Gate 4: sizing.
	size := e.sizeFor(opp, *buy, snap.Trading)
	if size <= 0 {
		e.skip(opp, fmt.Sprintf("size below minimum ($%.2f floor)", snap.Trading.MinTradeSizeUSD))
		return
	}

	if snap.DryRun {
		e.executeDryRun(opp, size)
		return
	}
	e.executeLive(ctx, opp, *buy, sell, size)
}

// gate covers gates 1 and 2.
func (e *Executor) gate(opp types.Opportunity) string {
	if opp.Confidence <= 0 {
		return "confidence zero"
	}
	if reason := e.risk.Gate(); reason != "" {
		return reason
	}
	if e.risk.ConsumeApproval() {
		e.mu.Lock()
		e.pending[opp.ID] = opp
		e.mu.Unlock()
		e.logger.Info("opportunity queued for manual approval", "id", opp.ID)
		return "awaiting manual approval"
	}
	return ""
}

// verifyPrices re-quotes every leg: current best prices must sit within the
// slippage tolerance of the recorded prices, and the recomputed profit must
// stay positive for two-leg arbs.
func (e *Executor) verifyPrices(ctx context.Context, opp types.Opportunity, tolerance float64) (bool, string) {
	var buyNow, sellNow float64
	for _, leg := range opp.Legs {
		venue, ok := e.venues[leg.Venue]
		if !ok {
			return false, fmt.Sprintf("venue %s not configured", leg.Venue)
		}
		ticker, err := venue.GetTicker(ctx, leg.MarketID)
		if err != nil {
			return false, fmt.Sprintf("price verification failed: %v", err)
		}

		current := ticker.Ask
		if leg.Side == types.SELL {
			current = ticker.Bid
		}
		if current <= 0 {
			return false, "price verification failed: empty book"
		}
		if drift := math.Abs(current-leg.Price) / leg.Price; drift > tolerance {
			return false, fmt.Sprintf("price moved %.2f%% past tolerance on %s %s",
				drift*100, leg.Venue, leg.MarketID)
		}
		if leg.Side == types.BUY {
			buyNow = current
		} else {
			sellNow = current
		}
	}

	if buyNow > 0 && sellNow > 0 && sellNow-buyNow <= 0 {
		return false, "recomputed profit no longer positive"
	}
	return true, ""
}

func (e *Executor) sizeFor(opp types.Opportunity, buy types.Leg, cfg config.TradingConfig) float64 {
	price := math.Max(buy.Price, 0.001)
	size := math.Min(opp.MaxSize, cfg.MaxTradeSizeUSD/price)
	size = math.Min(size, e.balance()/price)
	if size*price < cfg.MinTradeSizeUSD {
		return 0
	}
	return size
}

// executeDryRun records both legs as dry-run trades at the recorded prices
// and credits the simulated P&L to risk state.
func (e *Executor) executeDryRun(opp types.Opportunity, size float64) {
	for _, leg := range opp.Legs {
		e.recordTrade(types.Trade{
			OpportunityID: opp.ID,
			Venue:         leg.Venue,
			MarketID:      leg.MarketID,
			Side:          leg.Side,
			Price:         leg.Price,
			RequestedSize: size,
			FilledSize:    size,
			FillPrice:     leg.Price,
			Status:        types.OrderDryRun,
		})
	}

	simulated := opp.ProfitPerContract * size
	e.risk.RecordTrade(simulated)
	now := time.Now().UTC()
	_ = e.store.UpdateOpportunityStatus(opp.ID, types.OppExecuted, "dry-run", &now)
	e.logger.Info("DRY-RUN executed", "id", opp.ID, "size", size, "simulated_pnl", simulated)
}

// executeLive runs the two-leg pattern: buy first, await terminal, then
// sell sized to the actual fill. A failed sell leaves an open position —
// that is a CRITICAL condition surfaced via log and audit for manual unwind.
func (e *Executor) executeLive(ctx context.Context, opp types.Opportunity, buy types.Leg, sell *types.Leg, size float64) {
	buyOrder, err := e.submitAndAwait(ctx, buy, size)
	if err != nil || buyOrder.Status != types.OrderFilled && buyOrder.Status != types.OrderPartial {
		reason := "buy leg not filled"
		if err != nil {
			reason = fmt.Sprintf("buy leg failed: %v", err)
		}
		e.recordTrade(types.Trade{
			OpportunityID: opp.ID, Venue: buy.Venue, MarketID: buy.MarketID,
			Side: types.BUY, Price: buy.Price, RequestedSize: size,
			Status: types.OrderFailed, Error: reason,
		})
		e.risk.RecordFailure(reason)
		_ = e.store.UpdateOpportunityStatus(opp.ID, types.OppFailed, reason, nil)
		return
	}

	e.recordTrade(types.Trade{
		OpportunityID: opp.ID, Venue: buy.Venue, MarketID: buy.MarketID,
		Side: types.BUY, Price: buy.Price,
		RequestedSize: size, FilledSize: buyOrder.Filled, FillPrice: buyOrder.AvgPrice,
		Status: buyOrder.Status, VenueOrderID: buyOrder.ID, FeesUSD: buyOrder.FeeUSD,
	})
	e.risk.TouchCooldown(buy.Venue, buy.MarketID)

	if sell == nil {
		// Single-leg strategies (copy trades, stock signals) stop here.
		e.risk.RecordTrade(0)
		now := time.Now().UTC()
		_ = e.store.UpdateOpportunityStatus(opp.ID, types.OppExecuted, "", &now)
		return
	}

	sellOrder, err := e.submitAndAwait(ctx, *sell, buyOrder.Filled)
	if err != nil || sellOrder.Status != types.OrderFilled && sellOrder.Status != types.OrderPartial {
		reason := "sell leg not filled"
		if err != nil {
			reason = fmt.Sprintf("sell leg failed: %v", err)
		}
		// One-legged position is now open: the loudest failure we have.
		e.logger.Error("CRITICAL: one-legged fill, manual unwind required",
			"opportunity", opp.ID,
			"buy_venue", buy.Venue, "buy_market", buy.MarketID,
			"filled", buyOrder.Filled,
			"sell_error", reason,
		)
		e.store.Audit("one_legged_fill", map[string]any{
			"opportunity_id": opp.ID,
			"buy_venue":      string(buy.Venue),
			"buy_market":     buy.MarketID,
			"buy_order_id":   buyOrder.ID,
			"filled_size":    buyOrder.Filled,
			"sell_error":     reason,
		})
		e.recordTrade(types.Trade{
			OpportunityID: opp.ID, Venue: sell.Venue, MarketID: sell.MarketID,
			Side: types.SELL, Price: sell.Price, RequestedSize: buyOrder.Filled,
			Status: types.OrderFailed, Error: reason,
		})
		e.risk.RecordFailure(reason)
		_ = e.store.UpdateOpportunityStatus(opp.ID, types.OppFailed, reason, nil)
		return
	}

	e.recordTrade(types.Trade{
		OpportunityID: opp.ID, Venue: sell.Venue, MarketID: sell.MarketID,
		Side: types.SELL, Price: sell.Price,
		RequestedSize: buyOrder.Filled, FilledSize: sellOrder.Filled, FillPrice: sellOrder.AvgPrice,
		Status: sellOrder.Status, VenueOrderID: sellOrder.ID, FeesUSD: sellOrder.FeeUSD,
	})
	e.risk.TouchCooldown(sell.Venue, sell.MarketID)

	realized := sellOrder.AvgPrice*sellOrder.Filled - buyOrder.AvgPrice*buyOrder.Filled -
		buyOrder.FeeUSD - sellOrder.FeeUSD
	e.risk.RecordTrade(realized)

	if err := e.store.LogLiveTrade(opp.ID, buyOrder.ID, sellOrder.ID, realized); err != nil {
		e.logger.Warn("live trade log failed", "error", err)
	}
	now := time.Now().UTC()
	_ = e.store.UpdateOpportunityStatus(opp.ID, types.OppExecuted, "", &now)
	e.logger.Info("arbitrage executed",
		"id", opp.ID, "realized", realized,
		"buy_fill", buyOrder.AvgPrice, "sell_fill", sellOrder.AvgPrice,
	)
}

// submitAndAwait places one leg and polls until the order is terminal or the
// context ends.
func (e *Executor) submitAndAwait(ctx context.Context, leg types.Leg, size float64) (types.Order, error) {
	venue, ok := e.venues[leg.Venue]
	if !ok {
		return types.Order{}, fmt.Errorf("venue %s not configured", leg.Venue)
	}

	order, err := venue.CreateOrder(ctx, leg.MarketID, leg.Side, types.OrderTypeLimit, size, leg.Price, nil)
	if err != nil {
		return types.Order{}, err
	}

	for !order.Status.Terminal() {
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-time.After(fillPollInterval):
		}
		refreshed, err := venue.GetOrder(ctx, order.ID, leg.MarketID)
		if err != nil {
			e.logger.Warn("order poll failed", "order", order.ID, "error", err)
			continue
		}
		order = refreshed
	}
	return order, nil
}

func (e *Executor) recordTrade(t types.Trade) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := e.store.LogTrade(t); err != nil {
		e.logger.Warn("trade log failed", "error", err)
	}
}

func (e *Executor) skip(opp types.Opportunity, reason string) {
	e.logger.Debug("opportunity skipped", "id", opp.ID, "reason", reason)
	if reason != "awaiting manual approval" {
		_ = e.store.UpdateOpportunityStatus(opp.ID, types.OppSkipped, reason, nil)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Manual approval queue
// ————————————————————————————————————————————————————————————————————————

// Approve releases a queued opportunity for execution.
func (e *Executor) Approve(ctx context.Context, id string) error {
	e.mu.Lock()
	opp, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending opportunity %s", id)
	}

	e.logger.Info("opportunity approved", "id", id)
	e.store.Audit("trade_approved", map[string]any{"opportunity_id": id})

	// Re-run everything except the approval gate.
	snap := e.cfg.Snapshot()
	if reason := e.risk.Gate(); reason != "" {
		e.skip(opp, reason)
		return nil
	}
	verified, reason := e.verifyPrices(ctx, opp, snap.Trading.SlippageTolerance)
	if !verified {
		e.skip(opp, reason)
		return nil
	}
	buy := opp.BuyLeg()
	if buy == nil {
		e.skip(opp, "no buy leg")
		return nil
	}
	size := e.sizeFor(opp, *buy, snap.Trading)
	if size <= 0 {
		e.skip(opp, "size below minimum")
		return nil
	}
	if snap.DryRun {
		e.executeDryRun(opp, size)
		return nil
	}
	e.executeLive(ctx, opp, *buy, opp.SellLeg(), size)
	return nil
}

// Reject discards a queued opportunity.
func (e *Executor) Reject(id string) error {
	e.mu.Lock()
	_, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending opportunity %s", id)
	}

	e.store.Audit("trade_rejected", map[string]any{"opportunity_id": id})
	_ = e.store.UpdateOpportunityStatus(id, types.OppSkipped, "rejected by operator", nil)
	return nil
}

// Pending lists opportunities awaiting approval.
func (e *Executor) Pending() []types.Opportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Opportunity, 0, len(e.pending))
	for _, opp := range e.pending {
		out = append(out, opp)
	}
	return out
}

// Resume clears the paused flag and the failure streak.
func (e *Executor) Resume() {
	e.risk.Resume()
	e.store.Audit("trading_resumed", nil)
}
