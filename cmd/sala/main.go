package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/bus"
	"github.com/nitad/sala/internal/channel"
	"github.com/nitad/sala/internal/channel/telegram"
	"github.com/nitad/sala/internal/config"
	"github.com/nitad/sala/internal/heartbeat"
	"github.com/nitad/sala/internal/httpapi"
	"github.com/nitad/sala/internal/ipc"
	"github.com/nitad/sala/internal/knowledge"
	"github.com/nitad/sala/internal/observer"
	"github.com/nitad/sala/internal/orchestrator"
	"github.com/nitad/sala/internal/queue"
	"github.com/nitad/sala/internal/router"
	"github.com/nitad/sala/internal/sandbox"
	"github.com/nitad/sala/internal/scheduler"
	"github.com/nitad/sala/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sala:", err)
		os.Exit(1)
	}
}

func run() error {
	start := time.Now()

	// 1. Load config
	cfg := config.Load(os.Getenv("SALA_CONFIG"))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger, with a ring capturing recent errors for /status
	ring := httpapi.NewErrorRing(slog.NewJSONHandler(os.Stderr, nil), 20)
	logger := slog.New(ring)
	slog.SetDefault(logger)

	// 3. Observer
	pricing := pricingTable(cfg.Observer.Pricing)
	inst := observer.NewNoop(pricing)
	obsShutdown := func(context.Context) error { return nil }
	if cfg.Observer.Enabled {
		var err error
		inst, obsShutdown, err = observer.Init(context.Background(), pricing)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
	}

	// 4. Store + migrations + blobs
	st, err := store.Open(cfg.Paths.Data, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.MigrateToLatest(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	blobs, err := store.NewBlobStore(cfg.Paths.Attachments)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	// 5. Knowledge engine + indexer
	thai := knowledge.NewThaiTokenizer(cfg.Knowledge.ThaiSidecarURL, logger)
	chunker := knowledge.NewChunker(knowledge.WithTokenizer(thai))
	embedder := knowledge.NewHTTPEmbedder(cfg.Knowledge.EmbeddingURL, cfg.Knowledge.EmbeddingKey, cfg.Knowledge.EmbeddingModel)
	vectors := knowledge.NewHTTPVectorStore(cfg.Knowledge.VectorStoreURL, cfg.Knowledge.VectorToken, "sala")
	engine := knowledge.NewEngine(st, embedder, vectors, thai, chunker, knowledge.WithLogger(logger))
	indexer := knowledge.NewIndexer(engine, cfg.Paths.Knowledge, knowledge.WithIndexerLogger(logger))

	// 6. IPC transport; the secret is generated once and persisted
	secret, err := loadOrCreateSecret(cfg.IPC.Secret, filepath.Join(filepath.Dir(cfg.Paths.Data), "ipc.secret"))
	if err != nil {
		return fmt.Errorf("ipc secret: %w", err)
	}
	transport, err := ipc.NewTransport(cfg.Paths.IPC, secret,
		ipc.WithLogger(logger),
		ipc.WithPollFallback(time.Duration(cfg.IPC.WatchFallbackMs)*time.Millisecond))
	if err != nil {
		return fmt.Errorf("ipc: %w", err)
	}

	// 7. Container runtime + warm pool
	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	registry := sandbox.NewRegistry(st, logger)
	pool := sandbox.NewPool(sandbox.PoolConfig{
		Image:         cfg.Container.Image,
		MinSize:       cfg.Pool.MinSize,
		MaxSize:       cfg.Pool.MaxSize,
		MaxReuse:      cfg.Pool.MaxReuse,
		IdleTimeout:   time.Duration(cfg.Pool.IdleTimeoutMs) * time.Millisecond,
		Network:       cfg.Container.Network,
		MemoryBytes:   cfg.Container.MemoryLimit,
		CPUQuota:      float64(cfg.Container.CPUQuota) / 1e9,
		WorkspaceRoot: cfg.Paths.Groups,
		IPCRoot:       cfg.Paths.IPC,
		SessionRoot:   cfg.Paths.Sessions,
		Env:           map[string]string{"SALA_IPC_SECRET": string(secret)},
	}, runtime, registry, logger)

	// 8. Router, bus, orchestrator
	rt := router.New()
	b := bus.New(logger)
	var orch *orchestrator.Orchestrator
	q := queue.New(queue.Config{
		Capacity:        cfg.Queue.MaxQueueSize,
		BaseConcurrency: cfg.Queue.MaxConcurrent,
		SampleInterval:  time.Duration(cfg.Queue.SampleMs) * time.Millisecond,
	}, st, func(ctx context.Context, e sala.QueueEntry) error {
		return orch.HandleEntry(ctx, e)
	}, queue.WithLogger(logger), queue.WithSampler(queue.NewSampler()))

	sampler := queue.NewSampler()
	snapshot := func(ctx context.Context) httpapi.Status {
		stats := q.Stats(ctx)
		groups, _ := st.ListGroups(ctx)
		resources := map[string]float64{"concurrency": float64(stats.Concurrency)}
		if load, free, err := sampler.Snapshot(); err == nil {
			resources["load_per_cpu"] = load
			resources["free_mem_fraction"] = free
		}
		return httpapi.Status{
			ActiveContainers: registry.CountLive(),
			QueueDepth:       stats.Waiting,
			RegisteredGroups: len(groups),
			Resources:        resources,
			RecentErrors:     ring.Recent(),
			UptimeSeconds:    int64(time.Since(start).Seconds()),
			Version:          sala.Version,
		}
	}

	orch = orchestrator.New(orchestrator.Config{
		AssistantName: cfg.General.AssistantName,
		DefaultGroup:  "main",
		GroupsDir:     cfg.Paths.Groups,
		AdminChatID:   cfg.General.AdminChatID,
		RunTimeout:    time.Duration(cfg.Container.TimeoutMs) * time.Millisecond,
	}, st, engine, q, pool, transport, rt, b,
		orchestrator.WithLogger(logger),
		orchestrator.WithInstruments(inst),
		orchestrator.WithBlobs(blobs),
		orchestrator.WithStatus(func(ctx context.Context) string {
			s := snapshot(ctx)
			return fmt.Sprintf("v%s, up %s. %d container(s) active, %d queued, %d group(s).",
				s.Version, time.Duration(s.UptimeSeconds)*time.Second,
				s.ActiveContainers, s.QueueDepth, s.RegisteredGroups)
		}))

	// 9. Channels
	channels := map[string]channel.Channel{}
	for _, name := range cfg.Channels.Enabled {
		if name != "telegram" || cfg.Channels.TelegramToken == "" {
			logger.Warn("main: channel skipped", "channel", name)
			continue
		}
		tgOpts := []telegram.Option{telegram.WithLogger(logger)}
		if cfg.General.AuthPassphrase != "" {
			vault, err := channel.NewVault(cfg.Paths.Sessions, cfg.General.AuthPassphrase)
			if err != nil {
				return fmt.Errorf("session vault: %w", err)
			}
			tgOpts = append(tgOpts, telegram.WithVault(vault))
		}
		tg, err := telegram.New(cfg.Channels.TelegramToken, tgOpts...)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		orch.RegisterChannel("tg", tg)
		channels[name] = tg
	}

	// 10. Scheduler
	loc, err := time.LoadLocation(cfg.General.Timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", cfg.General.Timezone, err)
	}
	sched := scheduler.New(st, orch.RunTask, orch.Alert,
		scheduler.WithLogger(logger),
		scheduler.WithLocation(loc),
		scheduler.WithPoll(time.Duration(cfg.Scheduler.PollMs)*time.Millisecond))

	// 11. Heartbeat
	hb := heartbeat.New(heartbeat.Config{
		Interval: time.Duration(cfg.Observer.Hearts.IntervalHours) * time.Hour,
		Silence:  time.Duration(cfg.Observer.Hearts.SilenceHours) * time.Hour,
	}, func(ctx context.Context) heartbeat.Snapshot {
		states := make(map[string]string, len(channels))
		for name, ch := range channels {
			states[name] = string(ch.State())
		}
		s := snapshot(ctx)
		return heartbeat.Snapshot{
			ActiveContainers: s.ActiveContainers,
			QueueDepth:       s.QueueDepth,
			ChannelStates:    states,
			Version:          s.Version,
		}
	}, orch.Alert,
		heartbeat.WithLogger(logger),
		heartbeat.WithHealer(pool.SweepOrphans))

	// 12. Start everything
	intakeCtx, stopIntake := context.WithCancel(context.Background())
	workCtx, stopWork := context.WithCancel(context.Background())
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopIntake()
	defer stopWork()
	defer stopSched()

	if err := pool.Start(workCtx); err != nil {
		return fmt.Errorf("container pool: %w", err)
	}
	go b.Run(intakeCtx)
	go q.Run(workCtx)
	if err := q.Restore(workCtx, func(id string) bool {
		rec, ok := registry.Get(id)
		return ok && rec.Status == sala.ContainerInUse
	}); err != nil {
		logger.Warn("main: queue restore incomplete", "error", err)
	}
	go sched.Run(schedCtx)
	go orch.Run(intakeCtx)
	go func() {
		if err := indexer.Run(workCtx); err != nil && workCtx.Err() == nil {
			logger.Error("main: indexer stopped", "error", err)
		}
	}()
	go engine.RunMaintenance(workCtx, time.Hour, 24*time.Hour)
	go hb.Run(intakeCtx)
	for _, ch := range channels {
		go func(ch channel.Channel) {
			if err := ch.Run(intakeCtx); err != nil && intakeCtx.Err() == nil {
				logger.Error("main: channel stopped", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
	for _, group := range ipcGroups(intakeCtx, st) {
		go func(group string) {
			if err := orch.ServeRequests(intakeCtx, group); err != nil && intakeCtx.Err() == nil {
				logger.Error("main: ipc request server stopped", "group", group, "error", err)
			}
		}(group)
	}
	go feedHeartbeat(intakeCtx, b, hb)

	// 13. HTTP: knowledge API + local status
	apiSrv := &http.Server{
		Addr:    cfg.Knowledge.ListenAddr,
		Handler: httpapi.NewKnowledgeAPI(engine, st, cfg.Knowledge.BearerToken, httpapi.WithLogger(logger)).Handler(),
	}
	statusSrv := &http.Server{
		Addr:    cfg.General.StatusAddr,
		Handler: httpapi.NewStatusHandler(snapshot),
	}
	go serveHTTP(logger, "knowledge api", apiSrv)
	go serveHTTP(logger, "status", statusSrv)

	logger.Info("main: sala started", "version", sala.Version)

	// 14. Wait for a signal, then drain in order: intake first, scheduler,
	// active containers (bounded), then the rest.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("main: shutting down")

	stopIntake()
	stopSched()

	drainDeadline := time.Now().Add(time.Duration(cfg.General.DrainTimeoutMs) * time.Millisecond)
	for time.Now().Before(drainDeadline) {
		if q.Stats(context.Background()).Active == 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = statusSrv.Shutdown(shutdownCtx)
	stopWork()
	pool.Shutdown(shutdownCtx)
	if err := obsShutdown(shutdownCtx); err != nil {
		logger.Warn("main: observer shutdown", "error", err)
	}
	return nil
}

// loadOrCreateSecret returns the configured IPC secret, or generates a
// random one and persists it next to the database so restarts keep signing
// with the same key.
func loadOrCreateSecret(configured, path string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	if data, err := os.ReadFile(path); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return []byte(s), nil
		}
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	secret := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

func pricingTable(overrides map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	merged := make(map[string]observer.ModelPricing, len(observer.DefaultPricing)+len(overrides))
	for model, p := range observer.DefaultPricing {
		merged[model] = p
	}
	for model, p := range overrides {
		merged[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return merged
}

// ipcGroups lists the groups whose IPC namespaces get a request server.
// The default group is always served.
func ipcGroups(ctx context.Context, st *store.Store) []string {
	seen := map[string]bool{"main": true}
	out := []string{"main"}
	groups, err := st.ListGroups(ctx)
	if err != nil {
		return out
	}
	for _, g := range groups {
		if !seen[g.ID] {
			seen[g.ID] = true
			out = append(out, g.ID)
		}
	}
	return out
}

func feedHeartbeat(ctx context.Context, b *bus.Bus, hb *heartbeat.Monitor) {
	events, cancel := b.Subscribe(ctx)
	defer cancel()
	for range events {
		hb.RecordActivity()
	}
}

func serveHTTP(logger *slog.Logger, name string, srv *http.Server) {
	if srv.Addr == "" {
		return
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("main: http server failed", "server", name, "error", err)
	}
}
