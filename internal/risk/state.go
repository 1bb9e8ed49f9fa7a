// Package risk owns the per-tenant risk state shared by the executor and
// the scanners: daily P&L, trade counts, consecutive failures, the paused
// flag, the manual-approval budget, and per-market cooldowns.
//
// The executor (or simulator) is the only mutator; other tasks read
// best-effort stats. Daily counters reset across the UTC day boundary.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polybot/pkg/types"
)

type marketKey struct {
	Venue    types.Venue
	MarketID string
}

// State is one tenant's in-memory risk state.
type State struct {
	maxDailyLoss    float64
	maxConsecutive  int
	cooldownWindow  time.Duration
	logger          *slog.Logger

	mu                 sync.RWMutex
	dailyPnL           float64
	dailyTradeCount    int
	consecutiveFails   int
	paused             bool
	pauseReason        string
	approvalsRemaining int
	cooldowns          map[marketKey][]time.Time
	lastReset          time.Time // UTC midnight of the current day
}

// New creates risk state with the tenant's guard thresholds.
func New(maxDailyLoss float64, maxConsecutive, manualApprovals int, cooldown time.Duration, logger *slog.Logger) *State {
	return &State{
		maxDailyLoss:       maxDailyLoss,
		maxConsecutive:     maxConsecutive,
		cooldownWindow:     cooldown,
		logger:             logger.With("component", "risk"),
		approvalsRemaining: manualApprovals,
		cooldowns:          make(map[marketKey][]time.Time),
		lastReset:          time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Gate returns a non-empty reason when trading must be refused: the tenant
// is paused, the daily-loss breaker tripped, or consecutive failures hit
// the limit. The first failing gate wins.
func (s *State) Gate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDayLocked()

	if s.paused {
		return fmt.Sprintf("paused: %s", s.pauseReason)
	}
	if s.maxDailyLoss > 0 && s.dailyPnL <= -s.maxDailyLoss {
		return fmt.Sprintf("daily loss limit reached (%.2f <= -%.2f)", s.dailyPnL, s.maxDailyLoss)
	}
	if s.maxConsecutive > 0 && s.consecutiveFails >= s.maxConsecutive {
		return fmt.Sprintf("%d consecutive failures (limit %d)", s.consecutiveFails, s.maxConsecutive)
	}
	return ""
}

// RecordTrade applies a realized P&L delta and bumps the daily trade count.
// Every recorded trade, whatever its realized result, clears the
// consecutive-failure streak.
func (s *State) RecordTrade(realizedUSD float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDayLocked()

	s.dailyPnL += realizedUSD
	s.dailyTradeCount++
	s.consecutiveFails = 0
}

// RecordFailure bumps the consecutive-failure count and pauses the tenant
// when the limit is reached.
func (s *State) RecordFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDayLocked()

	s.consecutiveFails++
	if s.maxConsecutive > 0 && s.consecutiveFails >= s.maxConsecutive {
		s.paused = true
		s.pauseReason = fmt.Sprintf("%d consecutive failures, last: %s", s.consecutiveFails, reason)
		s.logger.Error("trading paused", "reason", s.pauseReason)
	}
}

// Pause pauses trading with an operator-visible reason.
func (s *State) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.pauseReason = reason
	s.logger.Warn("trading paused", "reason", reason)
}

// Resume clears the paused flag and the consecutive-failure streak.
func (s *State) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.pauseReason = ""
	s.consecutiveFails = 0
	s.logger.Info("trading resumed")
}

// ConsumeApproval decrements the manual-approval budget. Returns true when
// the trade still requires explicit approval.
func (s *State) ConsumeApproval() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approvalsRemaining <= 0 {
		return false
	}
	s.approvalsRemaining--
	return true
}

// InCooldown reports whether the market traded within the cooldown window.
func (s *State) InCooldown(venue types.Venue, marketID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stamps := s.cooldowns[marketKey{venue, marketID}]
	if len(stamps) == 0 {
		return false
	}
	return time.Since(stamps[len(stamps)-1]) < s.cooldownWindow
}

// TouchCooldown records a trade timestamp for a market. On every write,
// entries older than 2× the cooldown window are evicted. Timestamps are
// strictly monotonic per market.
func (s *State) TouchCooldown(venue types.Venue, marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := marketKey{venue, marketID}
	now := time.Now()
	if stamps := s.cooldowns[key]; len(stamps) > 0 && !now.After(stamps[len(stamps)-1]) {
		now = stamps[len(stamps)-1].Add(time.Nanosecond)
	}

	cutoff := time.Now().Add(-2 * s.cooldownWindow)
	kept := s.cooldowns[key][:0]
	for _, ts := range s.cooldowns[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.cooldowns[key] = append(kept, now)
}

// TradesToday returns how many cooldown touches a market has today (UTC).
func (s *State) TradesToday(venue types.Venue, marketID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	count := 0
	for _, ts := range s.cooldowns[marketKey{venue, marketID}] {
		if ts.UTC().After(dayStart) {
			count++
		}
	}
	return count
}

// Snapshot is a read-only view for stats and dashboards.
type Snapshot struct {
	DailyPnL           float64
	DailyTradeCount    int
	ConsecutiveFails   int
	Paused             bool
	PauseReason        string
	ApprovalsRemaining int
}

// Stats returns a best-effort snapshot of the current state.
func (s *State) Stats() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		DailyPnL:           s.dailyPnL,
		DailyTradeCount:    s.dailyTradeCount,
		ConsecutiveFails:   s.consecutiveFails,
		Paused:             s.paused,
		PauseReason:        s.pauseReason,
		ApprovalsRemaining: s.approvalsRemaining,
	}
}

// DailyTradeCount returns today's trade count.
func (s *State) DailyTradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDayLocked()
	return s.dailyTradeCount
}

func (s *State) resetIfNewDayLocked() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(s.lastReset) {
		s.dailyPnL = 0
		s.dailyTradeCount = 0
		s.lastReset = today
		s.logger.Info("daily risk counters reset")
	}
}
