// Package scanner implements the strategy scanners: long-lived cooperative
// tasks that fetch venue data on a tick, score every market, log every
// evaluation (qualifying or not), and emit qualifying Opportunities onto the
// tenant's opportunity channel.
//
// All scanners share the same skeleton: a ticker loop that re-reads the
// config snapshot on every tick, a per-market cooldown map that evicts
// entries older than 2× the cooldown window, and a non-blocking emit into
// the shared sink.
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"polybot/internal/config"
	"polybot/internal/store"
	"polybot/pkg/types"
)

// Scanner is one long-lived strategy task.
type Scanner interface {
	Name() string
	Run(ctx context.Context)
}

// Sink receives qualifying opportunities from every scanner in a runtime.
type Sink chan<- types.Opportunity

// base carries the pieces every scanner shares.
type base struct {
	name     string
	cfg      *config.Resolver
	store    *store.Store
	sink     Sink
	logger   *slog.Logger
	cooldown *cooldownMap
}

func newBase(name string, cfg *config.Resolver, st *store.Store, sink Sink, logger *slog.Logger) base {
	return base{
		name:     name,
		cfg:      cfg,
		store:    st,
		sink:     sink,
		logger:   logger.With("component", name),
		cooldown: newCooldownMap(),
	}
}

// tickLoop runs fn immediately and then on every tick until ctx ends.
// interval is re-read each round so config reloads change the cadence.
func (b *base) tickLoop(ctx context.Context, interval func() time.Duration, fn func(context.Context)) {
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval()):
			fn(ctx)
		}
	}
}

// emit records the opportunity and sends it to the sink without blocking.
// A full sink marks the opportunity missed rather than stalling the scan.
func (b *base) emit(opp types.Opportunity) {
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.DetectedAt.IsZero() {
		opp.DetectedAt = time.Now().UTC()
	}
	opp.Scanner = b.name
	if opp.Status == "" {
		opp.Status = types.OppDetected
	}
	if opp.Confidence == 0 && opp.Status == types.OppDetected {
		opp.Status = types.OppSkipped
		opp.SkipReason = "confidence zero"
	}

	if err := b.store.LogOpportunity(opp); err != nil {
		b.logger.Warn("failed to log opportunity", "error", err)
	}
	if opp.Status != types.OppDetected {
		return
	}

	select {
	case b.sink <- opp:
	default:
		b.logger.Warn("opportunity sink full, marking missed", "id", opp.ID)
		_ = b.store.UpdateOpportunityStatus(opp.ID, types.OppMissed, "sink full", nil)
	}
}

// logScan records one market evaluation for post-hoc analysis.
func (b *base) logScan(venue types.Venue, marketID, title string, qualified bool, reason string, metric float64) {
	b.store.LogMarketScan(store.MarketScanRow{
		Scanner:   b.name,
		Venue:     string(venue),
		MarketID:  marketID,
		Title:     title,
		Qualified: qualified,
		Reason:    reason,
		Metric:    metric,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Cooldowns
// ————————————————————————————————————————————————————————————————————————

// cooldownMap prevents flapping on the same mispricing: once a scanner
// emits for a market, it stays quiet on that market for the window. On
// every write, entries older than 2× the window are evicted.
type cooldownMap struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newCooldownMap() *cooldownMap {
	return &cooldownMap{entries: make(map[string]time.Time)}
}

// Active reports whether key is inside the window.
func (c *cooldownMap) Active(key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.entries[key]
	return ok && time.Since(last) < window
}

// Touch records an emission for key and evicts stale entries.
func (c *cooldownMap) Touch(key string, window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-2 * window)
	for k, ts := range c.entries {
		if ts.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = time.Now()
}
