// Package scheduler runs cron-like recurring tasks and one-shot jobs. Each
// due task is submitted as high-priority container work with a hard
// timeout; repeated failures trip a per-task circuit breaker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	sala "github.com/nitad/sala"
)

const (
	// pollInterval bounds scheduling drift.
	pollInterval = 10 * time.Second

	defaultTaskTimeout = 30 * time.Minute

	// breakerThreshold pauses a task after this many consecutive
	// failures.
	breakerThreshold = 3
)

// Store is the persistence slice the scheduler needs.
type Store interface {
	CreateScheduledTask(ctx context.Context, t sala.ScheduledTask) (string, error)
	DueTasks(ctx context.Context, now int64) ([]sala.ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, t sala.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (sala.ScheduledTask, error)
}

// Runner executes one task end to end: enqueue as high-priority work, wait
// for the reply. The context carries the task's hard timeout.
type Runner func(ctx context.Context, t sala.ScheduledTask) error

// Alerter delivers an admin notice, used once when a breaker trips.
type Alerter func(ctx context.Context, message string)

// Scheduler polls for due tasks and drives their retry state.
type Scheduler struct {
	store  Store
	run    Runner
	alert  Alerter
	loc    *time.Location
	poll   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the zone used for schedule evaluation and local-time
// display. Defaults to the host zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithPoll overrides the due-task poll interval.
func WithPoll(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// New creates a scheduler. alert may be nil.
func New(st Store, run Runner, alert Alerter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		run:      run,
		alert:    alert,
		loc:      time.Local,
		poll:     pollInterval,
		logger:   slog.New(discardHandler{}),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, stamps, and persists a new task. Duplicate tasks
// (same group, schedule, prompt prefix) resolve to the existing id.
func (s *Scheduler) Create(ctx context.Context, t sala.ScheduledTask) (string, error) {
	sched, err := ParseSchedule(t.Schedule, s.loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sala.ErrBadInput, err)
	}
	next := sched.Next(time.Now().In(s.loc))
	if next.IsZero() {
		return "", fmt.Errorf("%w: schedule %q never fires", sala.ErrBadInput, t.Schedule)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = sala.TaskActive
	t.Timezone = s.loc.String()
	t.NextRun = next.Unix()
	t.NextRunLocal = next.In(s.loc).Format("2006-01-02 15:04")
	if t.TaskTimeoutMs <= 0 {
		t.TaskTimeoutMs = defaultTaskTimeout.Milliseconds()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	return s.store.CreateScheduledTask(ctx, t)
}

// Resume clears a paused task's breaker state and reactivates it (admin
// action).
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	sched, err := ParseSchedule(t.Schedule, s.loc)
	if err != nil {
		return fmt.Errorf("%w: %v", sala.ErrBadInput, err)
	}
	next := sched.Next(time.Now().In(s.loc))
	if next.IsZero() {
		return fmt.Errorf("%w: schedule %q never fires again", sala.ErrBadInput, t.Schedule)
	}
	t.Status = sala.TaskActive
	t.ConsecutiveFailures = 0
	t.RetryCount = 0
	t.DisabledAt = 0
	t.NextRun = next.Unix()
	t.NextRunLocal = next.In(s.loc).Format("2006-01-02 15:04")
	return s.store.UpdateScheduledTask(ctx, t)
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler: started", "poll", s.poll)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick dispatches every due task not already running.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueTasks(ctx, now.Unix())
	if err != nil {
		s.logger.Warn("scheduler: due query failed", "error", err)
		return
	}
	for _, t := range due {
		if !s.claim(t.ID) {
			continue
		}
		go s.execute(ctx, t)
	}
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inFlight[id]; running {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// execute runs one task under its timeout and advances its schedule state.
func (s *Scheduler) execute(ctx context.Context, t sala.ScheduledTask) {
	defer s.release(t.ID)
	start := time.Now()

	timeout := time.Duration(t.TaskTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	err := s.run(runCtx, t)
	cancel()

	if err != nil {
		s.logger.Warn("scheduler: task failed", "task", t.ID, "group", t.GroupID,
			"duration", time.Since(start), "error", err)
		s.recordFailure(ctx, t, err)
		return
	}
	s.logger.Info("scheduler: task completed", "task", t.ID, "group", t.GroupID,
		"duration", time.Since(start))
	s.recordSuccess(ctx, t)
}

func (s *Scheduler) recordSuccess(ctx context.Context, t sala.ScheduledTask) {
	t.ConsecutiveFailures = 0
	t.RetryCount = 0
	s.advance(&t)
	if err := s.store.UpdateScheduledTask(ctx, t); err != nil {
		s.logger.Warn("scheduler: task update failed", "task", t.ID, "error", err)
	}
}

func (s *Scheduler) recordFailure(ctx context.Context, t sala.ScheduledTask, cause error) {
	t.ConsecutiveFailures++

	if t.ConsecutiveFailures >= breakerThreshold {
		t.Status = sala.TaskPaused
		t.DisabledAt = time.Now().Unix()
		if err := s.store.UpdateScheduledTask(ctx, t); err != nil {
			s.logger.Warn("scheduler: task update failed", "task", t.ID, "error", err)
		}
		s.logger.Error("scheduler: circuit breaker tripped", "task", t.ID,
			"failures", t.ConsecutiveFailures)
		if s.alert != nil {
			s.alert(ctx, fmt.Sprintf("%s: task %q paused after %d consecutive failures: %v",
				sala.ErrBrokenTask, t.Schedule, t.ConsecutiveFailures, cause))
		}
		return
	}

	if t.MaxRetries > 0 && t.RetryCount < t.MaxRetries {
		t.RetryCount++
		backoff := time.Duration(t.RetryDelayMs) * time.Millisecond << (t.ConsecutiveFailures - 1)
		next := time.Now().Add(backoff)
		t.NextRun = next.Unix()
		t.NextRunLocal = next.In(s.loc).Format("2006-01-02 15:04")
		s.logger.Info("scheduler: task retry scheduled", "task", t.ID,
			"attempt", t.RetryCount, "backoff", backoff)
	} else {
		t.RetryCount = 0
		s.advance(&t)
	}
	if err := s.store.UpdateScheduledTask(ctx, t); err != nil {
		s.logger.Warn("scheduler: task update failed", "task", t.ID, "error", err)
	}
}

// advance moves next_run past now, or completes a one-shot task.
func (s *Scheduler) advance(t *sala.ScheduledTask) {
	sched, err := ParseSchedule(t.Schedule, s.loc)
	if err != nil {
		s.logger.Warn("scheduler: unparseable schedule", "task", t.ID, "schedule", t.Schedule, "error", err)
		t.Status = sala.TaskPaused
		t.DisabledAt = time.Now().Unix()
		return
	}
	next := sched.Next(time.Now().In(s.loc))
	if next.IsZero() {
		t.Status = sala.TaskCompleted
		t.NextRun = 0
		t.NextRunLocal = ""
		return
	}
	t.NextRun = next.Unix()
	t.NextRunLocal = next.In(s.loc).Format("2006-01-02 15:04")
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
