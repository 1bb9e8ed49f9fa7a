package risk

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"polybot/pkg/types"
)

func newTestState() *State {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(50, 3, 0, 10*time.Minute, logger)
}

func TestGateOpenByDefault(t *testing.T) {
	t.Parallel()
	s := newTestState()

	if reason := s.Gate(); reason != "" {
		t.Errorf("gate closed on fresh state: %q", reason)
	}
}

func TestGateDailyLossBreaker(t *testing.T) {
	t.Parallel()
	s := newTestState()

	s.RecordTrade(-30)
	if reason := s.Gate(); reason != "" {
		t.Errorf("gate closed before limit: %q", reason)
	}

	s.RecordTrade(-25)
	reason := s.Gate()
	if reason == "" || !strings.Contains(reason, "daily loss") {
		t.Errorf("gate = %q, want daily loss breach", reason)
	}
}

func TestGateConsecutiveFailuresAndResume(t *testing.T) {
	t.Parallel()
	s := newTestState()

	s.RecordFailure("leg failed")
	s.RecordFailure("leg failed")
	if reason := s.Gate(); reason != "" {
		t.Errorf("gate closed at 2 failures: %q", reason)
	}

	s.RecordFailure("leg failed")
	reason := s.Gate()
	if reason == "" || !strings.Contains(reason, "paused") {
		t.Errorf("gate = %q, want paused after 3rd failure", reason)
	}

	s.Resume()
	if reason := s.Gate(); reason != "" {
		t.Errorf("gate still closed after Resume: %q", reason)
	}
	if got := s.Stats().ConsecutiveFails; got != 0 {
		t.Errorf("consecutive failures after Resume = %d, want 0", got)
	}
}

func TestRecordTradeClearsFailureStreak(t *testing.T) {
	t.Parallel()
	s := newTestState()

	s.RecordFailure("x")
	s.RecordFailure("x")
	s.RecordTrade(1.5)

	if got := s.Stats().ConsecutiveFails; got != 0 {
		t.Errorf("consecutive failures = %d, want 0 after successful trade", got)
	}
}

func TestCooldownWindow(t *testing.T) {
	t.Parallel()
	s := newTestState()

	if s.InCooldown(types.VenuePolymarket, "m1") {
		t.Error("fresh market reported in cooldown")
	}

	s.TouchCooldown(types.VenuePolymarket, "m1")
	if !s.InCooldown(types.VenuePolymarket, "m1") {
		t.Error("market not in cooldown after touch")
	}
	if s.InCooldown(types.VenueKalshi, "m1") {
		t.Error("cooldown leaked across venues")
	}
}

func TestCooldownEviction(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(50, 3, 0, 10*time.Millisecond, logger)

	s.TouchCooldown(types.VenuePolymarket, "m1")
	time.Sleep(25 * time.Millisecond) // beyond 2× cooldown
	s.TouchCooldown(types.VenuePolymarket, "m1")

	s.mu.RLock()
	stamps := s.cooldowns[marketKey{types.VenuePolymarket, "m1"}]
	s.mu.RUnlock()
	if len(stamps) != 1 {
		t.Errorf("stale cooldown entries not evicted: %d stamps", len(stamps))
	}
}

func TestCooldownTimestampsMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestState()

	for i := 0; i < 5; i++ {
		s.TouchCooldown(types.VenuePolymarket, "m1")
	}

	s.mu.RLock()
	stamps := s.cooldowns[marketKey{types.VenuePolymarket, "m1"}]
	s.mu.RUnlock()
	for i := 1; i < len(stamps); i++ {
		if !stamps[i].After(stamps[i-1]) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
}

func TestConsumeApproval(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(50, 3, 2, time.Minute, logger)

	if !s.ConsumeApproval() {
		t.Error("first trade should require approval")
	}
	if !s.ConsumeApproval() {
		t.Error("second trade should require approval")
	}
	if s.ConsumeApproval() {
		t.Error("third trade should not require approval")
	}
}
