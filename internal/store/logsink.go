package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	sinkBufferSize    = 10
	sinkFlushInterval = 30 * time.Second
)

// sinkState is the buffer and lifecycle shared by a LogSink and all of its
// WithAttrs/WithGroup clones.
type sinkState struct {
	store *Store

	mu       sync.Mutex
	buf      []BotLogRow
	disabled bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// LogSink is a slog.Handler that mirrors records into the bot_logs table.
// It buffers up to sinkBufferSize records and flushes on a timer, on a full
// buffer, or immediately when a record is Error level or above. After any
// authentication failure from the database it disables itself permanently so
// logging can never crash the bot or poison the loop.
//
// LogSink wraps an inner handler: records always reach the inner handler
// regardless of sink state.
type LogSink struct {
	inner slog.Handler
	attrs []slog.Attr
	state *sinkState
}

// NewLogSink wraps inner with a database-mirroring sink bound to st's scope.
func NewLogSink(inner slog.Handler, st *Store) *LogSink {
	state := &sinkState{
		store:  st,
		stopCh: make(chan struct{}),
	}
	go state.flushLoop()
	return &LogSink{inner: inner, state: state}
}

// Enabled defers to the inner handler.
func (s *LogSink) Enabled(ctx context.Context, level slog.Level) bool {
	return s.inner.Enabled(ctx, level)
}

// Handle passes the record through and buffers a row for the database.
func (s *LogSink) Handle(ctx context.Context, rec slog.Record) error {
	err := s.inner.Handle(ctx, rec)

	var component string
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
		}
		return true
	}
	for _, a := range s.attrs {
		collect(a)
	}
	rec.Attrs(collect)

	st := s.state
	st.mu.Lock()
	if st.disabled {
		st.mu.Unlock()
		return err
	}
	st.buf = append(st.buf, BotLogRow{
		Level:     rec.Level.String(),
		Message:   rec.Message,
		Component: component,
		CreatedAt: rec.Time.UTC(),
	})
	full := len(st.buf) >= sinkBufferSize
	urgent := rec.Level >= slog.LevelError
	st.mu.Unlock()

	if full || urgent {
		st.flush()
	}
	return err
}

// WithAttrs returns a sink sharing this sink's buffer and lifecycle.
func (s *LogSink) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogSink{
		inner: s.inner.WithAttrs(attrs),
		attrs: append(append([]slog.Attr{}, s.attrs...), attrs...),
		state: s.state,
	}
}

// WithGroup returns a sink sharing this sink's buffer and lifecycle.
func (s *LogSink) WithGroup(name string) slog.Handler {
	return &LogSink{
		inner: s.inner.WithGroup(name),
		attrs: s.attrs,
		state: s.state,
	}
}

// Flush forces any buffered rows out. Called on shutdown.
func (s *LogSink) Flush() {
	s.state.flush()
}

// Close stops the flush loop after a final flush.
func (s *LogSink) Close() {
	s.state.stopOnce.Do(func() { close(s.state.stopCh) })
	s.state.flush()
}

func (st *sinkState) flushLoop() {
	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopCh:
			return
		case <-ticker.C:
			st.flush()
		}
	}
}

func (st *sinkState) flush() {
	st.mu.Lock()
	if st.disabled || len(st.buf) == 0 {
		st.mu.Unlock()
		return
	}
	batch := st.buf
	st.buf = nil
	st.mu.Unlock()

	if err := st.store.WriteBotLogs(batch); err != nil {
		if isAuthError(err) {
			// Never retry after an auth failure: the sink would fail on
			// every record and starve the loop it is supposed to observe.
			st.mu.Lock()
			st.disabled = true
			st.mu.Unlock()
		}
	}
}

// isAuthError matches the database's authentication failures (HTTP 401 from
// the REST gateway, or the driver's own auth errors).
func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "invalid api key")
}
