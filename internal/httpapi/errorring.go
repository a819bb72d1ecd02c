package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrorRing is a slog.Handler middleware that keeps the most recent
// error-level lines for the status endpoint's recent_errors field. Handlers
// derived through WithAttrs and WithGroup share the same ring.
type ErrorRing struct {
	next  slog.Handler
	state *ringState
}

type ringState struct {
	mu    sync.Mutex
	max   int
	lines []string
}

// NewErrorRing wraps next, capturing up to max error lines.
func NewErrorRing(next slog.Handler, max int) *ErrorRing {
	if max <= 0 {
		max = 20
	}
	return &ErrorRing{next: next, state: &ringState{max: max}}
}

// Recent returns the captured error lines, oldest first.
func (e *ErrorRing) Recent() []string {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	out := make([]string, len(e.state.lines))
	copy(out, e.state.lines)
	return out
}

func (e *ErrorRing) Enabled(ctx context.Context, level slog.Level) bool {
	return e.next.Enabled(ctx, level)
}

func (e *ErrorRing) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= slog.LevelError {
		st := e.state
		st.mu.Lock()
		st.lines = append(st.lines, fmt.Sprintf("%s %s", rec.Time.Format(time.RFC3339), rec.Message))
		if len(st.lines) > st.max {
			st.lines = st.lines[len(st.lines)-st.max:]
		}
		st.mu.Unlock()
	}
	return e.next.Handle(ctx, rec)
}

func (e *ErrorRing) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ErrorRing{next: e.next.WithAttrs(attrs), state: e.state}
}

func (e *ErrorRing) WithGroup(name string) slog.Handler {
	return &ErrorRing{next: e.next.WithGroup(name), state: e.state}
}
