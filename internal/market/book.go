// Package market provides the local order book cache for streamed venues.
//
// Cache mirrors venue order books keyed by asset id. It has exactly one
// writer — the venue client's WebSocket stream task — which applies full
// snapshots and incremental level changes. Readers receive immutable
// snapshot copies; the internal slices are never handed out.
package market

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"polybot/pkg/types"
)

// Cache is a single-writer, many-reader order book mirror.
type Cache struct {
	venue types.Venue

	mu    sync.RWMutex
	books map[string]*bookState // asset id → book
}

type bookState struct {
	marketID string
	bids     []types.PriceLevel // sorted descending by price
	asks     []types.PriceLevel // sorted ascending by price
	updated  time.Time
}

// NewCache creates an empty cache for one venue.
func NewCache(venue types.Venue) *Cache {
	return &Cache{venue: venue, books: make(map[string]*bookState)}
}

// ApplySnapshot replaces one asset's book with a full snapshot.
// The update timestamp is monotonic per asset: stale frames are dropped.
func (c *Cache) ApplySnapshot(assetID, marketID string, bids, asks []types.PriceLevel, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.books[assetID]
	if !ok {
		st = &bookState{marketID: marketID}
		c.books[assetID] = st
	}
	if at.Before(st.updated) {
		return
	}

	st.bids = sortLevels(bids, true)
	st.asks = sortLevels(asks, false)
	st.updated = at
}

// ApplyDelta updates a single price level for one asset. A zero size
// removes the level.
func (c *Cache) ApplyDelta(assetID string, side types.Side, price, size string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.books[assetID]
	if !ok || at.Before(st.updated) {
		return
	}

	if side == types.BUY {
		st.bids = applyLevel(st.bids, price, size, true)
	} else {
		st.asks = applyLevel(st.asks, price, size, false)
	}
	st.updated = at
}

// Snapshot returns an immutable copy of one asset's book.
func (c *Cache) Snapshot(assetID string) (types.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.books[assetID]
	if !ok {
		return types.OrderBookSnapshot{}, false
	}

	snap := types.OrderBookSnapshot{
		Venue:     c.venue,
		MarketID:  st.marketID,
		AssetID:   assetID,
		Bids:      append([]types.PriceLevel(nil), st.bids...),
		Asks:      append([]types.PriceLevel(nil), st.asks...),
		Timestamp: st.updated,
	}
	return snap, true
}

// Drop removes an asset's book, e.g. after an unsubscribe.
func (c *Cache) Drop(assetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.books, assetID)
}

// IsStale reports whether an asset's book is older than maxAge (or absent).
func (c *Cache) IsStale(assetID string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.books[assetID]
	if !ok || st.updated.IsZero() {
		return true
	}
	return time.Since(st.updated) > maxAge
}

func sortLevels(levels []types.PriceLevel, desc bool) []types.PriceLevel {
	out := append([]types.PriceLevel(nil), levels...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, _ := strconv.ParseFloat(out[i].Price, 64)
		pj, _ := strconv.ParseFloat(out[j].Price, 64)
		if desc {
			return pi > pj
		}
		return pi < pj
	})
	return out
}

// applyLevel inserts, replaces, or removes one level keeping sort order.
func applyLevel(levels []types.PriceLevel, price, size string, desc bool) []types.PriceLevel {
	sz, _ := strconv.ParseFloat(size, 64)
	p, _ := strconv.ParseFloat(price, 64)

	out := levels[:0:0]
	inserted := false
	for _, lvl := range levels {
		lp, _ := strconv.ParseFloat(lvl.Price, 64)
		if lp == p {
			if sz > 0 {
				out = append(out, types.PriceLevel{Price: price, Size: size})
				inserted = true
			}
			continue
		}
		better := lp > p
		if !desc {
			better = lp < p
		}
		if !better && !inserted && sz > 0 {
			out = append(out, types.PriceLevel{Price: price, Size: size})
			inserted = true
		}
		out = append(out, lvl)
	}
	if !inserted && sz > 0 {
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	return out
}
