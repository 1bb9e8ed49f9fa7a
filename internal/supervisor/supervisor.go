// Package supervisor is the outermost loop of the fleet: it reconciles the
// desired tenant set (registry rows with is_running=true) against the live
// Tenant Runtimes, spawning, cancelling, and reaping as configuration
// changes. A tenant crash is logged and retried naturally on the next tick.
package supervisor

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"polybot/internal/config"
	"polybot/internal/runtime"
	"polybot/internal/store"
)

const (
	reconcileInterval = 10 * time.Second
	stopTimeout       = 10 * time.Second
)

// tenantHandle tracks one spawned runtime.
type tenantHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor reconciles desired tenants with running runtimes.
type Supervisor struct {
	store  *store.Store // unscoped handle; only registry reads are privileged
	base   config.Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*tenantHandle
}

// New creates a supervisor over the shared store.
func New(st *store.Store, base config.Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:   st,
		base:    base,
		logger:  logger.With("component", "supervisor"),
		running: make(map[string]*tenantHandle),
	}
}

// Run reconciles every 10 s until ctx ends, then stops all tenants in
// parallel and awaits them.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started")

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.logger.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs desired against running: spawn the new, cancel the gone.
func (s *Supervisor) reconcile(ctx context.Context) {
	desired, err := s.store.ActiveTenants()
	if err != nil {
		s.logger.Error("registry read failed", "error", err)
		return
	}

	want := make(map[string]bool, len(desired))
	for _, id := range desired {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reap finished runtimes so crashes restart on the next tick.
	for id, h := range s.running {
		select {
		case <-h.done:
			delete(s.running, id)
			s.logger.Warn("tenant runtime exited, will restart if still desired", "user_id", id)
		default:
		}
	}

	for id := range want {
		if _, ok := s.running[id]; !ok {
			s.spawnLocked(ctx, id)
		}
	}
	for id, h := range s.running {
		if !want[id] {
			s.logger.Info("tenant disabled, stopping", "user_id", id)
			s.stopHandle(id, h)
			delete(s.running, id)
		}
	}
}

func (s *Supervisor) spawnLocked(ctx context.Context, userID string) {
	s.logger.Info("starting tenant", "user_id", userID)

	tenantCtx, cancel := context.WithCancel(ctx)
	h := &tenantHandle{cancel: cancel, done: make(chan struct{})}
	s.running[userID] = h

	go func() {
		defer close(h.done)
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("tenant runtime panicked",
					"user_id", userID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
			}
		}()

		rt, err := runtime.New(userID, s.store, s.base, s.logger)
		if err != nil {
			s.logger.Error("tenant runtime failed to start", "user_id", userID, "error", err)
			return
		}
		if err := rt.Run(tenantCtx); err != nil && tenantCtx.Err() == nil {
			s.logger.Error("tenant runtime failed", "user_id", userID, "error", err)
		}
	}()
}

// stopHandle cancels one runtime and awaits it with a bounded timeout.
func (s *Supervisor) stopHandle(userID string, h *tenantHandle) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(stopTimeout):
		s.logger.Error("tenant did not stop within timeout", "user_id", userID)
	}
}

// stopAll cancels every runtime in parallel and awaits them.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	handles := make(map[string]*tenantHandle, len(s.running))
	for id, h := range s.running {
		handles[id] = h
	}
	s.running = make(map[string]*tenantHandle)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, h := range handles {
		wg.Add(1)
		go func(id string, h *tenantHandle) {
			defer wg.Done()
			s.stopHandle(id, h)
		}(id, h)
	}
	wg.Wait()
}

// RunningTenants returns the ids of currently running runtimes.
func (s *Supervisor) RunningTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}
