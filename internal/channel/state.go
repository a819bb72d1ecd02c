package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sala "github.com/nitad/sala"
)

// backoffLadder spaces reconnection attempts. After the ladder is
// exhausted the channel degrades and stays down until an inbound nudge or
// restart.
var backoffLadder = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
}

// StateMachine tracks one channel's connection state. LoggedOut is
// terminal: no transition leaves it.
type StateMachine struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	state    sala.ChannelState
	attempts int
}

// NewStateMachine starts disconnected.
func NewStateMachine(name string, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &StateMachine{name: name, logger: logger, state: sala.ChannelDisconnected}
}

// State returns the current state.
func (m *StateMachine) State() sala.ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To transitions to a new state. Transitions out of logged_out fail.
func (m *StateMachine) To(next sala.ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == sala.ChannelLoggedOut {
		return fmt.Errorf("channel %s: logged out, cannot move to %s", m.name, next)
	}
	if m.state == next {
		return nil
	}
	m.logger.Info("channel: state change", "channel", m.name, "from", m.state, "to", next)
	m.state = next
	if next == sala.ChannelConnected {
		m.attempts = 0
	}
	return nil
}

// NextBackoff returns the delay before the next reconnection attempt, or
// false once the ladder is exhausted (the caller degrades the channel).
func (m *StateMachine) NextBackoff() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= len(backoffLadder) {
		return 0, false
	}
	d := backoffLadder[m.attempts]
	m.attempts++
	return d, true
}

// Attempts reports how many reconnection attempts have been consumed.
func (m *StateMachine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
