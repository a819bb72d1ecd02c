package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sala "github.com/nitad/sala"
)

// RegistryStore is the persistence slice the registry needs.
type RegistryStore interface {
	UpsertContainer(ctx context.Context, c sala.ContainerRecord) error
	LiveContainers(ctx context.Context) ([]sala.ContainerRecord, error)
	MarkContainerStopped(ctx context.Context, id string) error
}

// Registry is the in-memory container state machine, persisted through the
// store so restarts can reclaim or sweep. Valid transitions:
// warming→ready→in_use→{ready,draining}→stopped, with stuck reachable from
// any live state on heartbeat silence.
type Registry struct {
	mu         sync.Mutex
	containers map[string]sala.ContainerRecord
	store      RegistryStore
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(st RegistryStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Registry{
		containers: make(map[string]sala.ContainerRecord),
		store:      st,
		logger:     logger,
	}
}

// Load restores live records from the store at startup.
func (r *Registry) Load(ctx context.Context) error {
	live, err := r.store.LiveContainers(ctx)
	if err != nil {
		return fmt.Errorf("load container registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range live {
		r.containers[c.ID] = c
	}
	return nil
}

// Register adds a freshly spawned container in the warming state.
func (r *Registry) Register(ctx context.Context, id, group string) sala.ContainerRecord {
	now := time.Now().Unix()
	rec := sala.ContainerRecord{
		ID:            id,
		GroupID:       group,
		Status:        sala.ContainerWarming,
		StartedAt:     now,
		LastHeartbeat: now,
		Labels:        map[string]string{LabelManaged: "true", LabelGroup: group},
	}
	r.put(ctx, rec)
	return rec
}

// MarkReady moves a warming container to ready on its READY signal.
func (r *Registry) MarkReady(ctx context.Context, id string) error {
	return r.transition(ctx, id, sala.ContainerReady, sala.ContainerWarming)
}

// Acquire moves a ready container to in_use for a group and session.
func (r *Registry) Acquire(ctx context.Context, id, group, session string) error {
	r.mu.Lock()
	rec, ok := r.containers[id]
	if !ok || rec.Status != sala.ContainerReady {
		r.mu.Unlock()
		return fmt.Errorf("acquire %s: not ready", id)
	}
	rec.Status = sala.ContainerInUse
	rec.GroupID = group
	rec.SessionID = session
	rec.LastHeartbeat = time.Now().Unix()
	r.containers[id] = rec
	r.mu.Unlock()
	r.persist(ctx, rec)
	return nil
}

// Release returns an in_use container to ready when it may be reused, or
// moves it to draining. Session state is cleared either way.
func (r *Registry) Release(ctx context.Context, id string, maxReuse int, hadError bool) (reusable bool, err error) {
	r.mu.Lock()
	rec, ok := r.containers[id]
	if !ok || rec.Status != sala.ContainerInUse {
		r.mu.Unlock()
		return false, fmt.Errorf("release %s: not in use", id)
	}
	rec.ReuseCount++
	rec.SessionID = ""
	if !hadError && rec.ReuseCount < maxReuse {
		rec.Status = sala.ContainerReady
		reusable = true
	} else {
		rec.Status = sala.ContainerDraining
	}
	rec.LastHeartbeat = time.Now().Unix()
	r.containers[id] = rec
	r.mu.Unlock()
	r.persist(ctx, rec)
	return reusable, nil
}

// MarkStopped finalises a container and drops it from the live set.
func (r *Registry) MarkStopped(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
	if err := r.store.MarkContainerStopped(ctx, id); err != nil {
		r.logger.Warn("sandbox: stop not persisted", "container", id, "error", err)
	}
}

// Heartbeat stamps liveness for a container.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.containers[id]
	if !ok {
		return
	}
	rec.LastHeartbeat = time.Now().Unix()
	r.containers[id] = rec
}

// Stuck marks and returns every live container whose heartbeat is older
// than threshold. The caller force-stops them.
func (r *Registry) Stuck(ctx context.Context, threshold time.Duration) []sala.ContainerRecord {
	cutoff := time.Now().Add(-threshold).Unix()
	var stuck []sala.ContainerRecord
	r.mu.Lock()
	for id, rec := range r.containers {
		if rec.Status == sala.ContainerStopped || rec.Status == sala.ContainerStuck {
			continue
		}
		if rec.LastHeartbeat < cutoff {
			rec.Status = sala.ContainerStuck
			r.containers[id] = rec
			stuck = append(stuck, rec)
		}
	}
	r.mu.Unlock()
	for _, rec := range stuck {
		r.persist(ctx, rec)
		r.logger.Warn("sandbox: container stuck", "container", rec.ID, "group", rec.GroupID)
	}
	return stuck
}

// Get returns a record by id.
func (r *Registry) Get(id string) (sala.ContainerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.containers[id]
	return rec, ok
}

// Ready returns a ready container for the group, falling back to any ready
// container, or false.
func (r *Registry) Ready(group string) (sala.ContainerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var any sala.ContainerRecord
	var found bool
	for _, rec := range r.containers {
		if rec.Status != sala.ContainerReady {
			continue
		}
		if rec.GroupID == group {
			return rec, true
		}
		if !found {
			any, found = rec, true
		}
	}
	return any, found
}

// Snapshot copies the live set for status reporting.
func (r *Registry) Snapshot() []sala.ContainerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sala.ContainerRecord, 0, len(r.containers))
	for _, rec := range r.containers {
		out = append(out, rec)
	}
	return out
}

// CountLive returns how many containers are not stopped.
func (r *Registry) CountLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// IdleReady returns ready containers idle since before the cutoff.
func (r *Registry) IdleReady(olderThan time.Duration) []sala.ContainerRecord {
	cutoff := time.Now().Add(-olderThan).Unix()
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []sala.ContainerRecord
	for _, rec := range r.containers {
		if rec.Status == sala.ContainerReady && rec.LastHeartbeat < cutoff {
			idle = append(idle, rec)
		}
	}
	return idle
}

func (r *Registry) transition(ctx context.Context, id string, to sala.ContainerStatus, from ...sala.ContainerStatus) error {
	r.mu.Lock()
	rec, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("container %s: not registered", id)
	}
	allowed := len(from) == 0
	for _, f := range from {
		if rec.Status == f {
			allowed = true
		}
	}
	if !allowed {
		r.mu.Unlock()
		return fmt.Errorf("container %s: %s -> %s not allowed", id, rec.Status, to)
	}
	rec.Status = to
	rec.LastHeartbeat = time.Now().Unix()
	r.containers[id] = rec
	r.mu.Unlock()
	r.persist(ctx, rec)
	return nil
}

func (r *Registry) put(ctx context.Context, rec sala.ContainerRecord) {
	r.mu.Lock()
	r.containers[rec.ID] = rec
	r.mu.Unlock()
	r.persist(ctx, rec)
}

func (r *Registry) persist(ctx context.Context, rec sala.ContainerRecord) {
	if err := r.store.UpsertContainer(ctx, rec); err != nil {
		r.logger.Warn("sandbox: registry persist failed", "container", rec.ID, "error", err)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
