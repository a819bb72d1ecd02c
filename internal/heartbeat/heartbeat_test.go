package heartbeat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) report(_ context.Context, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, msg)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func snap(context.Context) Snapshot {
	return Snapshot{
		ActiveContainers: 1,
		QueueDepth:       3,
		Version:          "0.4.1",
		ChannelStates:    map[string]string{"telegram": "connected"},
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPeriodicReport(t *testing.T) {
	c := &collector{}
	m := New(Config{Interval: 20 * time.Millisecond, Silence: time.Hour}, snap, c.report)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, func() bool { return len(c.all()) >= 2 }, "no heartbeat reports")
	line := c.all()[0]
	if !strings.Contains(line, "v0.4.1") || !strings.Contains(line, "queue depth 3") {
		t.Errorf("report = %q", line)
	}
}

func TestSilenceFiresHealOnce(t *testing.T) {
	c := &collector{}
	var mu sync.Mutex
	heals := 0
	m := New(Config{Interval: 15 * time.Millisecond, Silence: 40 * time.Millisecond},
		snap, c.report,
		WithHealer(func(context.Context) error {
			mu.Lock()
			heals++
			mu.Unlock()
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return heals >= 1
	}, "heal never fired")

	// The heal cooldown stops repeat firing inside one silence window.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	if heals > 1 {
		t.Errorf("heals = %d within cooldown", heals)
	}
	mu.Unlock()

	found := false
	for _, l := range c.all() {
		if strings.Contains(l, "self-heal") || strings.Contains(l, "No inbound") {
			found = true
		}
	}
	if !found {
		t.Error("silence never reported")
	}
}

func TestActivityResetsSilence(t *testing.T) {
	c := &collector{}
	var mu sync.Mutex
	heals := 0
	m := New(Config{Interval: 10 * time.Millisecond, Silence: 60 * time.Millisecond},
		snap, c.report,
		WithHealer(func(context.Context) error {
			mu.Lock()
			heals++
			mu.Unlock()
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for i := 0; i < 8; i++ {
		time.Sleep(20 * time.Millisecond)
		m.RecordActivity()
	}

	mu.Lock()
	defer mu.Unlock()
	if heals != 0 {
		t.Errorf("heals = %d despite steady activity", heals)
	}
}
