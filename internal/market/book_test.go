package market

import (
	"testing"
	"time"

	"polybot/pkg/types"
)

func levels(pairs ...string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.PriceLevel{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func TestApplySnapshotSortsSides(t *testing.T) {
	t.Parallel()
	c := NewCache(types.VenuePolymarket)

	c.ApplySnapshot("tok1", "m1",
		levels("0.50", "10", "0.55", "5", "0.52", "7"),
		levels("0.60", "4", "0.57", "9"),
		time.Now(),
	)

	snap, ok := c.Snapshot("tok1")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Bids[0].Price != "0.55" {
		t.Errorf("best bid = %s, want 0.55", snap.Bids[0].Price)
	}
	if snap.Asks[0].Price != "0.57" {
		t.Errorf("best ask = %s, want 0.57", snap.Asks[0].Price)
	}
}

func TestStaleSnapshotDropped(t *testing.T) {
	t.Parallel()
	c := NewCache(types.VenuePolymarket)

	now := time.Now()
	c.ApplySnapshot("tok1", "m1", levels("0.50", "10"), nil, now)
	c.ApplySnapshot("tok1", "m1", levels("0.40", "10"), nil, now.Add(-time.Second))

	snap, _ := c.Snapshot("tok1")
	if snap.Bids[0].Price != "0.50" {
		t.Errorf("stale frame overwrote book: best bid = %s", snap.Bids[0].Price)
	}
}

func TestApplyDeltaInsertReplaceRemove(t *testing.T) {
	t.Parallel()
	c := NewCache(types.VenuePolymarket)

	now := time.Now()
	c.ApplySnapshot("tok1", "m1", levels("0.50", "10", "0.48", "3"), nil, now)

	// Insert between existing levels.
	c.ApplyDelta("tok1", types.BUY, "0.49", "5", now.Add(time.Millisecond))
	snap, _ := c.Snapshot("tok1")
	if len(snap.Bids) != 3 || snap.Bids[1].Price != "0.49" {
		t.Fatalf("insert failed: %+v", snap.Bids)
	}

	// Replace an existing level's size.
	c.ApplyDelta("tok1", types.BUY, "0.50", "20", now.Add(2*time.Millisecond))
	snap, _ = c.Snapshot("tok1")
	if snap.Bids[0].Size != "20" {
		t.Errorf("replace failed: %+v", snap.Bids[0])
	}

	// Zero size removes the level.
	c.ApplyDelta("tok1", types.BUY, "0.49", "0", now.Add(3*time.Millisecond))
	snap, _ = c.Snapshot("tok1")
	if len(snap.Bids) != 2 {
		t.Errorf("remove failed: %+v", snap.Bids)
	}
}

func TestSnapshotIsImmutableCopy(t *testing.T) {
	t.Parallel()
	c := NewCache(types.VenuePolymarket)

	now := time.Now()
	c.ApplySnapshot("tok1", "m1", levels("0.50", "10"), nil, now)

	snap, _ := c.Snapshot("tok1")
	snap.Bids[0] = types.PriceLevel{Price: "0.99", Size: "1"}

	again, _ := c.Snapshot("tok1")
	if again.Bids[0].Price != "0.50" {
		t.Error("mutating a snapshot leaked into the cache")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	c := NewCache(types.VenueKalshi)

	if !c.IsStale("missing", time.Second) {
		t.Error("absent book should be stale")
	}
	c.ApplySnapshot("tok1", "m1", levels("0.50", "10"), nil, time.Now())
	if c.IsStale("tok1", time.Minute) {
		t.Error("fresh book reported stale")
	}
}
