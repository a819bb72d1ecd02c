// Package heartbeat reports liveness on a fixed cadence and watches for
// inbound silence. A platform that stops hearing from its channels is
// usually wedged, not idle; the silence hook gives the composition root a
// place to self-heal.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is the state summary included in every liveness report.
type Snapshot struct {
	ActiveContainers int
	QueueDepth       int
	ChannelStates    map[string]string
	Version          string
}

// Config sets the reporting cadence and the silence threshold.
type Config struct {
	Interval time.Duration
	Silence  time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.Silence <= 0 {
		c.Silence = 24 * time.Hour
	}
}

// Reporter delivers one heartbeat line, normally to the admin chat.
type Reporter func(ctx context.Context, message string)

// Monitor emits periodic liveness reports and fires the heal hook after a
// silence longer than the configured threshold.
type Monitor struct {
	cfg      Config
	snapshot func(ctx context.Context) Snapshot
	report   Reporter
	heal     func(ctx context.Context) error
	logger   *slog.Logger

	mu          sync.Mutex
	started     time.Time
	lastInbound time.Time
	healedAt    time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHealer sets the hook fired when inbound silence crosses the
// threshold.
func WithHealer(heal func(ctx context.Context) error) Option {
	return func(m *Monitor) {
		if heal != nil {
			m.heal = heal
		}
	}
}

// New builds a monitor. snapshot must be safe for concurrent use.
func New(cfg Config, snapshot func(ctx context.Context) Snapshot, report Reporter, opts ...Option) *Monitor {
	cfg.fillDefaults()
	m := &Monitor{
		cfg:      cfg,
		snapshot: snapshot,
		report:   report,
		heal:     func(context.Context) error { return nil },
		logger:   slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordActivity marks an inbound message. Wired to the bus so every
// channel event counts.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	m.lastInbound = time.Now()
	m.mu.Unlock()
}

// Run reports until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.started = time.Now()
	m.lastInbound = m.started
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.report(ctx, m.reportLine(ctx))

	m.mu.Lock()
	silentFor := time.Since(m.lastInbound)
	healedRecently := time.Since(m.healedAt) < m.cfg.Silence
	m.mu.Unlock()

	if silentFor < m.cfg.Silence || healedRecently {
		return
	}
	m.logger.Warn("heartbeat: inbound silence", "since", silentFor.Round(time.Minute))
	m.report(ctx, fmt.Sprintf("No inbound messages for %s. Running self-heal.", silentFor.Round(time.Minute)))
	if err := m.heal(ctx); err != nil {
		m.logger.Error("heartbeat: self-heal failed", "error", err)
		m.report(ctx, "Self-heal failed: "+err.Error())
	}
	m.mu.Lock()
	m.healedAt = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) reportLine(ctx context.Context) string {
	snap := m.snapshot(ctx)
	m.mu.Lock()
	uptime := time.Since(m.started).Round(time.Minute)
	m.mu.Unlock()

	line := fmt.Sprintf("Alive. v%s, up %s, %d container(s) active, queue depth %d.",
		snap.Version, uptime, snap.ActiveContainers, snap.QueueDepth)
	for name, state := range snap.ChannelStates {
		if state != "connected" {
			line += fmt.Sprintf(" Channel %s is %s.", name, state)
		}
	}
	return line
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
