// Package queue is the per-group work queue: a priority FIFO with a global
// capacity bound, dynamic concurrency, and persisted entries that survive
// restarts. A single supervisor goroutine owns all queue state; callers
// interact with it by message passing only.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	sala "github.com/nitad/sala"
)

const (
	// DefaultCapacity bounds the total number of waiting plus active
	// entries across all groups. Overflow rejects with ErrBusyQueue.
	DefaultCapacity = 20

	defaultSampleInterval = 30 * time.Second
)

// Store is the persistence slice the queue needs. Entries are written on
// acceptance and updated on every status change; rejected entries are never
// written.
type Store interface {
	InsertQueueEntry(ctx context.Context, e sala.QueueEntry) error
	UpdateQueueEntry(ctx context.Context, e sala.QueueEntry) error
	PendingQueueEntries(ctx context.Context) ([]sala.QueueEntry, error)
}

// Handler processes one entry end to end: container acquisition, prompt
// assembly, IPC, reply. A reclaimed entry arrives with ContainerID set and
// the handler resumes its stream instead of starting over.
type Handler func(ctx context.Context, e sala.QueueEntry) error

// Config sizes the queue.
type Config struct {
	Capacity        int
	BaseConcurrency int
	SampleInterval  time.Duration
}

func (c *Config) fillDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BaseConcurrency <= 0 {
		c.BaseConcurrency = 2
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleInterval
	}
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Waiting     int
	Active      int
	Concurrency int
}

// Queue owns every entry from acceptance to completion. All state lives in
// the supervisor goroutine started by Run; exported methods send it
// messages and wait for the reply.
type Queue struct {
	cfg     Config
	store   Store
	handler Handler
	sampler *Sampler
	logger  *slog.Logger

	ops chan func(*qstate)
}

type qstate struct {
	ctx         context.Context
	waiting     []sala.QueueEntry
	active      map[string]sala.QueueEntry
	concurrency int
}

// New creates a queue. The handler runs once per dispatched entry, up to
// the current concurrency in parallel.
func New(cfg Config, st Store, handler Handler, opts ...Option) *Queue {
	cfg.fillDefaults()
	q := &Queue{
		cfg:     cfg,
		store:   st,
		handler: handler,
		sampler: NewSampler(),
		logger:  slog.New(discardHandler{}),
		ops:     make(chan func(*qstate)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithSampler overrides the load sampler.
func WithSampler(s *Sampler) Option {
	return func(q *Queue) {
		if s != nil {
			q.sampler = s
		}
	}
}

// Run starts the supervisor and blocks until ctx is cancelled. Active
// handlers are cancelled with the same context; their entries stay
// persisted as active and are reclaimed or re-enqueued on the next start.
func (q *Queue) Run(ctx context.Context) {
	st := &qstate{
		ctx:         ctx,
		active:      make(map[string]sala.QueueEntry),
		concurrency: q.cfg.BaseConcurrency,
	}

	ticker := time.NewTicker(q.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-q.ops:
			op(st)
			q.dispatch(st)
		case <-ticker.C:
			q.resample(st)
			q.dispatch(st)
		}
	}
}

// Enqueue accepts an entry and returns its 1-based position among waiting
// entries. A full queue rejects with ErrBusyQueue without persisting.
func (q *Queue) Enqueue(ctx context.Context, e sala.QueueEntry) (int, error) {
	type result struct {
		pos int
		err error
	}
	reply := make(chan result, 1)
	op := func(st *qstate) {
		if len(st.waiting)+len(st.active) >= q.cfg.Capacity {
			reply <- result{err: sala.ErrBusyQueue}
			return
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Status = sala.QueueWaiting
		if e.EnqueuedAt == 0 {
			e.EnqueuedAt = time.Now().Unix()
		}
		if err := q.store.InsertQueueEntry(st.ctx, e); err != nil {
			reply <- result{err: fmt.Errorf("persist queue entry: %w", err)}
			return
		}
		pos := insertSorted(&st.waiting, e)
		q.logger.Debug("queue: entry accepted", "entry", e.ID, "group", e.GroupID,
			"priority", e.Priority.String(), "position", pos)
		reply <- result{pos: pos}
	}

	select {
	case q.ops <- op:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.pos, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Restore reloads persisted entries at startup. Waiting entries re-enter
// the queue; active entries are reclaimed when their container is still
// alive and re-enqueued (container link cleared, retry counted) otherwise.
func (q *Queue) Restore(ctx context.Context, containerAlive func(id string) bool) error {
	pending, err := q.store.PendingQueueEntries(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	done := make(chan struct{})
	op := func(st *qstate) {
		defer close(done)
		for _, e := range pending {
			switch {
			case e.Status == sala.QueueWaiting:
				insertSorted(&st.waiting, e)
			case e.ContainerID != "" && containerAlive(e.ContainerID):
				st.active[e.ID] = e
				go q.run(st.ctx, e)
				q.logger.Info("queue: reclaimed active entry", "entry", e.ID, "container", e.ContainerID)
			default:
				e.Status = sala.QueueWaiting
				e.ContainerID = ""
				e.StartedAt = 0
				e.RetryCount++
				if err := q.store.UpdateQueueEntry(st.ctx, e); err != nil {
					q.logger.Warn("queue: re-enqueue not persisted", "entry", e.ID, "error", err)
				}
				insertSorted(&st.waiting, e)
				q.logger.Info("queue: re-enqueued orphaned entry", "entry", e.ID)
			}
		}
		q.logger.Info("queue: restored", "waiting", len(st.waiting), "active", len(st.active))
	}

	select {
	case q.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports current depth and concurrency.
func (q *Queue) Stats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	op := func(st *qstate) {
		reply <- Stats{Waiting: len(st.waiting), Active: len(st.active), Concurrency: st.concurrency}
	}
	select {
	case q.ops <- op:
	case <-ctx.Done():
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Stats{}
	}
}

// dispatch starts waiting entries while concurrency allows. Runs only in
// the supervisor goroutine.
func (q *Queue) dispatch(st *qstate) {
	for len(st.active) < st.concurrency && len(st.waiting) > 0 {
		e := st.waiting[0]
		st.waiting = st.waiting[1:]
		e.Status = sala.QueueActive
		e.StartedAt = time.Now().Unix()
		if err := q.store.UpdateQueueEntry(st.ctx, e); err != nil {
			q.logger.Warn("queue: activation not persisted", "entry", e.ID, "error", err)
		}
		st.active[e.ID] = e
		go q.run(st.ctx, e)
	}
}

// run executes the handler outside the supervisor and reports back.
func (q *Queue) run(ctx context.Context, e sala.QueueEntry) {
	start := time.Now()
	err := q.handler(ctx, e)
	if ctx.Err() != nil {
		// Shutdown: the entry stays active in the store for reclaim.
		return
	}

	op := func(st *qstate) {
		e := st.active[e.ID]
		delete(st.active, e.ID)
		e.FinishedAt = time.Now().Unix()
		if err != nil {
			e.Status = sala.QueueFailed
			e.LastError = err.Error()
			q.logger.Warn("queue: entry failed", "entry", e.ID, "group", e.GroupID,
				"duration", time.Since(start), "error", err)
		} else {
			e.Status = sala.QueueCompleted
			q.logger.Debug("queue: entry completed", "entry", e.ID, "group", e.GroupID,
				"duration", time.Since(start))
		}
		if perr := q.store.UpdateQueueEntry(st.ctx, e); perr != nil {
			q.logger.Warn("queue: completion not persisted", "entry", e.ID, "error", perr)
		}
	}
	select {
	case q.ops <- op:
	case <-ctx.Done():
	}
}

// resample adjusts concurrency from system pressure.
func (q *Queue) resample(st *qstate) {
	next, err := q.sampler.Concurrency(q.cfg.BaseConcurrency)
	if err != nil {
		q.logger.Warn("queue: load sample failed", "error", err)
		return
	}
	if next != st.concurrency {
		q.logger.Info("queue: concurrency adjusted", "from", st.concurrency, "to", next)
		st.concurrency = next
	}
}

// insertSorted places e by (priority, enqueued_at) and returns its 1-based
// position.
func insertSorted(waiting *[]sala.QueueEntry, e sala.QueueEntry) int {
	w := *waiting
	i := sort.Search(len(w), func(i int) bool {
		if w[i].Priority != e.Priority {
			return w[i].Priority > e.Priority
		}
		return w[i].EnqueuedAt > e.EnqueuedAt
	})
	w = append(w, sala.QueueEntry{})
	copy(w[i+1:], w[i:])
	w[i] = e
	*waiting = w
	return i + 1
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
