package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	sala "github.com/nitad/sala"
)

// PoolConfig sizes and shapes the warm pool.
type PoolConfig struct {
	Image          string
	MinSize        int
	MaxSize        int
	MaxReuse       int
	IdleTimeout    time.Duration
	ReadyTimeout   time.Duration
	StuckThreshold time.Duration
	GracefulStop   time.Duration
	Network        string
	MemoryBytes    int64
	CPUQuota       float64
	User           string
	WorkspaceRoot  string
	IPCRoot        string
	SessionRoot    string
	Env            map[string]string // includes the IPC secret
}

func (c *PoolConfig) fillDefaults() {
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 5
	}
	if c.MaxReuse <= 0 {
		c.MaxReuse = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 3 * time.Minute
	}
	if c.GracefulStop <= 0 {
		c.GracefulStop = 10 * time.Second
	}
	if c.Network == "" {
		c.Network = "internal"
	}
}

// Pool keeps warm sandbox containers available and hands them to the queue.
// Acquisition order: ready container for the same group, else recycle a
// cross-group ready container into a fresh spawn bound to the requested
// group, and finally a cold spawn.
type Pool struct {
	cfg      PoolConfig
	runtime  Runtime
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	readyCh map[string]chan struct{} // READY waiters by container id
}

// NewPool wires a pool over a runtime and registry.
func NewPool(cfg PoolConfig, rt Runtime, reg *Registry, logger *slog.Logger) *Pool {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Pool{
		cfg:      cfg,
		runtime:  rt,
		registry: reg,
		logger:   logger,
		readyCh:  make(map[string]chan struct{}),
	}
}

// Start sweeps orphans, restores the registry, warms the pool to its
// minimum, and runs maintenance until ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.registry.Load(ctx); err != nil {
		return err
	}
	if err := p.SweepOrphans(ctx); err != nil {
		p.logger.Warn("sandbox: orphan sweep incomplete", "error", err)
	}
	p.topUp(ctx)

	go p.maintain(ctx)
	return nil
}

// SweepOrphans force-stops every managed container the registry does not
// know about. Runs at startup, before any acquisition.
func (p *Pool) SweepOrphans(ctx context.Context) error {
	ids, err := p.runtime.ListManaged(ctx)
	if err != nil {
		return err
	}
	swept := 0
	for _, id := range ids {
		if _, tracked := p.registry.Get(id); tracked {
			continue
		}
		if err := p.runtime.Kill(ctx, id); err != nil {
			p.logger.Warn("sandbox: orphan not stopped", "container", id, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		p.logger.Info("sandbox: orphans swept", "count", swept)
	}
	return nil
}

// Acquire returns an in_use container for the group, spawning if the pool
// has room. With no ready container and the pool at capacity it fails; the
// queue entry stays queued.
func (p *Pool) Acquire(ctx context.Context, group, session string) (sala.ContainerRecord, error) {
	start := time.Now()

	if rec, ok := p.registry.Ready(group); ok {
		if rec.GroupID == group {
			if err := p.registry.Acquire(ctx, rec.ID, group, session); err == nil {
				p.logger.Debug("sandbox: acquired warm", "container", rec.ID, "group", group, "duration", time.Since(start))
				return rec, nil
			}
		} else {
			// Workspace, IPC, and session mounts bind at spawn, so a ready
			// container from another group cannot serve this one. Retire it
			// and spawn a replacement bound to the requested group.
			p.logger.Debug("sandbox: recycling cross-group container",
				"container", rec.ID, "had", rec.GroupID, "group", group)
			p.stopContainer(ctx, rec.ID, 0)
		}
	}

	if p.registry.CountLive() >= p.cfg.MaxSize {
		return sala.ContainerRecord{}, &sala.ErrContainer{
			Failure: sala.ContainerSpawnFailed,
			Err:     fmt.Errorf("pool at capacity (%d)", p.cfg.MaxSize),
		}
	}

	rec, err := p.spawnAndWait(ctx, group)
	if err != nil {
		return sala.ContainerRecord{}, err
	}
	if err := p.registry.Acquire(ctx, rec.ID, group, session); err != nil {
		return sala.ContainerRecord{}, fmt.Errorf("acquire spawned container: %w", err)
	}
	p.logger.Debug("sandbox: acquired cold", "container", rec.ID, "group", group, "duration", time.Since(start))
	return rec, nil
}

// Release hands a container back. Reusable containers return to the warm
// pool; exhausted or errored ones drain and are replaced.
func (p *Pool) Release(ctx context.Context, id string, hadError bool) {
	reusable, err := p.registry.Release(ctx, id, p.cfg.MaxReuse, hadError)
	if err != nil {
		p.logger.Warn("sandbox: release failed", "container", id, "error", err)
		return
	}
	if reusable {
		return
	}
	p.stopContainer(ctx, id, p.cfg.GracefulStop)
	p.topUp(ctx)
}

// MarkReady handles a container's READY signal.
func (p *Pool) MarkReady(ctx context.Context, id string) {
	if err := p.registry.MarkReady(ctx, id); err != nil {
		p.logger.Warn("sandbox: ready signal ignored", "container", id, "error", err)
		return
	}
	p.mu.Lock()
	if ch, ok := p.readyCh[id]; ok {
		close(ch)
		delete(p.readyCh, id)
	}
	p.mu.Unlock()
}

// Heartbeat records container liveness.
func (p *Pool) Heartbeat(id string) { p.registry.Heartbeat(id) }

// Shutdown drains every container: graceful stop, then kill. Waiting queue
// entries stay persisted for the next start.
func (p *Pool) Shutdown(ctx context.Context) {
	for _, rec := range p.registry.Snapshot() {
		p.stopContainer(ctx, rec.ID, p.cfg.GracefulStop)
	}
}

// spawnAndWait starts a container and blocks until its READY signal or the
// warming timeout.
func (p *Pool) spawnAndWait(ctx context.Context, group string) (sala.ContainerRecord, error) {
	spec := SpawnSpec{
		Image:       p.cfg.Image,
		Group:       group,
		Env:         p.cfg.Env,
		WorkspaceRW: filepath.Join(p.cfg.WorkspaceRoot, group),
		IPCRW:       filepath.Join(p.cfg.IPCRoot, group),
		SessionRW:   filepath.Join(p.cfg.SessionRoot, group),
		MemoryBytes: p.cfg.MemoryBytes,
		CPUQuota:    p.cfg.CPUQuota,
		Network:     p.cfg.Network,
		User:        p.cfg.User,
	}
	id, err := p.runtime.Spawn(ctx, spec)
	if err != nil {
		return sala.ContainerRecord{}, err
	}
	rec := p.registry.Register(ctx, id, group)

	ch := make(chan struct{})
	p.mu.Lock()
	if cur, ok := p.registry.Get(id); ok && cur.Status == sala.ContainerReady {
		close(ch)
	} else {
		p.readyCh[id] = ch
	}
	p.mu.Unlock()

	select {
	case <-ch:
		rec.Status = sala.ContainerReady
		return rec, nil
	case <-time.After(p.cfg.ReadyTimeout):
		p.mu.Lock()
		delete(p.readyCh, id)
		p.mu.Unlock()
		p.stopContainer(ctx, id, 0)
		return sala.ContainerRecord{}, &sala.ErrContainer{ContainerID: id, Failure: sala.ContainerTimeout}
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.readyCh, id)
		p.mu.Unlock()
		p.stopContainer(ctx, id, 0)
		return sala.ContainerRecord{}, ctx.Err()
	}
}

// maintain retires idle containers, force-stops stuck ones, and keeps the
// warm minimum.
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rec := range p.registry.Stuck(ctx, p.cfg.StuckThreshold) {
				p.stopContainer(ctx, rec.ID, 0)
			}
			if p.registry.CountLive() > p.cfg.MinSize {
				for _, rec := range p.registry.IdleReady(p.cfg.IdleTimeout) {
					if p.registry.CountLive() <= p.cfg.MinSize {
						break
					}
					p.logger.Debug("sandbox: retiring idle container", "container", rec.ID)
					p.stopContainer(ctx, rec.ID, p.cfg.GracefulStop)
				}
			}
			p.topUp(ctx)
		}
	}
}

// topUp warms containers until the pool holds MinSize. Warming runs in the
// background; acquisition waits on READY per container.
func (p *Pool) topUp(ctx context.Context) {
	need := p.cfg.MinSize - p.registry.CountLive()
	for i := 0; i < need; i++ {
		go func() {
			if _, err := p.spawnAndWait(ctx, "warm"); err != nil {
				p.logger.Warn("sandbox: warm spawn failed", "error", err)
			}
		}()
	}
}

// stopContainer stops gracefully within the window (0 means kill) and
// finalises the registry record.
func (p *Pool) stopContainer(ctx context.Context, id string, graceful time.Duration) {
	var err error
	if graceful > 0 {
		err = p.runtime.Stop(ctx, id, graceful)
	} else {
		err = p.runtime.Kill(ctx, id)
	}
	if err != nil {
		p.logger.Warn("sandbox: stop failed, forcing", "container", id, "error", err)
		if kerr := p.runtime.Kill(ctx, id); kerr != nil {
			p.logger.Error("sandbox: container not killed", "container", id, "error", kerr)
		}
	}
	p.registry.MarkStopped(ctx, id)
}
