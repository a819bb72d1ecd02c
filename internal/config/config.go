// Package config loads sala configuration: defaults -> TOML file -> env vars
// (env wins). All durations are stored as milliseconds in the file to match
// the runtime option names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Paths     PathsConfig     `toml:"paths"`
	Queue     QueueConfig     `toml:"queue"`
	Pool      PoolConfig      `toml:"pool"`
	Container ContainerConfig `toml:"container"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	IPC       IPCConfig       `toml:"ipc"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Channels  ChannelsConfig  `toml:"channels"`
	Observer  ObserverConfig  `toml:"observer"`
}

type GeneralConfig struct {
	AssistantName  string `toml:"assistant_name"`
	Timezone       string `toml:"timezone"`
	AuthPassphrase string `toml:"auth_passphrase"`
	StatusAddr     string `toml:"status_addr"`
	AdminChatID    string `toml:"admin_chat_id"`
	DrainTimeoutMs int64  `toml:"drain_timeout_ms"`
}

type PathsConfig struct {
	Data        string `toml:"data"`        // sqlite file + WAL
	Attachments string `toml:"attachments"` // content-addressed blobs
	Knowledge   string `toml:"knowledge"`   // knowledge source files (indexer root)
	Groups      string `toml:"groups"`      // per-group workspaces
	IPC         string `toml:"ipc"`         // ipc/<group>/ namespaces
	Sessions    string `toml:"sessions"`    // encrypted channel session files
}

type QueueConfig struct {
	MaxConcurrent int   `toml:"max_concurrent"`
	MaxQueueSize  int   `toml:"max_queue_size"`
	SampleMs      int64 `toml:"resource_sample_ms"`
}

type PoolConfig struct {
	MinSize       int   `toml:"min_size"`
	MaxSize       int   `toml:"max_size"`
	IdleTimeoutMs int64 `toml:"idle_timeout_ms"`
	MaxReuse      int   `toml:"max_reuse"`
}

type ContainerConfig struct {
	Image       string `toml:"image"`
	Network     string `toml:"network"`
	TimeoutMs   int64  `toml:"timeout_ms"`
	MemoryLimit int64  `toml:"memory_limit"`
	CPUQuota    int64  `toml:"cpu_quota"` // nano-CPUs
}

type SchedulerConfig struct {
	PollMs int64 `toml:"poll_ms"`
}

type IPCConfig struct {
	Secret          string `toml:"secret"`
	WatchFallbackMs int64  `toml:"fs_watch_fallback_ms"`
}

type KnowledgeConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	BearerToken    string `toml:"bearer_token"`
	VectorStoreURL string `toml:"vector_store_url"`
	VectorToken    string `toml:"vector_store_token"`
	EmbeddingURL   string `toml:"embedding_url"`
	EmbeddingKey   string `toml:"embedding_api_key"`
	EmbeddingModel string `toml:"embedding_model"`
	ThaiSidecarURL string `toml:"thai_sidecar_url"`
}

type ChannelsConfig struct {
	Enabled       []string `toml:"enabled"`
	TelegramToken string   `toml:"telegram_token"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
	Hearts  HeartbeatConfig            `toml:"heartbeat"`
}

type HeartbeatConfig struct {
	IntervalHours int `toml:"interval_hours"`
	SilenceHours  int `toml:"silence_hours"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	root := filepath.Join(home, "sala")
	return Config{
		General: GeneralConfig{
			AssistantName:  "Sala",
			Timezone:       "Asia/Bangkok",
			StatusAddr:     "127.0.0.1:8090",
			DrainTimeoutMs: 10_000,
		},
		Paths: PathsConfig{
			Data:        filepath.Join(root, "sala.db"),
			Attachments: filepath.Join(root, "attachments"),
			Knowledge:   filepath.Join(root, "knowledge"),
			Groups:      filepath.Join(root, "groups"),
			IPC:         filepath.Join(root, "ipc"),
			Sessions:    filepath.Join(root, "sessions"),
		},
		Queue: QueueConfig{MaxConcurrent: 3, MaxQueueSize: 20, SampleMs: 30_000},
		Pool:  PoolConfig{MinSize: 1, MaxSize: 5, IdleTimeoutMs: 300_000, MaxReuse: 10},
		Container: ContainerConfig{
			Image:       "sala-agent:latest",
			Network:     "internal",
			TimeoutMs:   30 * 60 * 1000,
			MemoryLimit: 2 << 30,
			CPUQuota:    2_000_000_000,
		},
		Scheduler: SchedulerConfig{PollMs: 10_000},
		IPC:       IPCConfig{WatchFallbackMs: 30_000},
		Knowledge: KnowledgeConfig{
			ListenAddr:     "127.0.0.1:8091",
			EmbeddingModel: "text-embedding-3-small",
		},
		Channels: ChannelsConfig{Enabled: []string{"telegram"}},
		Observer: ObserverConfig{Hearts: HeartbeatConfig{IntervalHours: 6, SilenceHours: 24}},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "sala.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnv(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	envStr("SALA_ASSISTANT_NAME", &cfg.General.AssistantName)
	envStr("SALA_TIMEZONE", &cfg.General.Timezone)
	envStr("SALA_AUTH_PASSPHRASE", &cfg.General.AuthPassphrase)
	envStr("SALA_STATUS_ADDR", &cfg.General.StatusAddr)
	envStr("SALA_ADMIN_CHAT_ID", &cfg.General.AdminChatID)

	envInt("SALA_MAX_CONCURRENT", &cfg.Queue.MaxConcurrent)
	envInt("SALA_MAX_QUEUE_SIZE", &cfg.Queue.MaxQueueSize)

	envInt("SALA_POOL_MIN_SIZE", &cfg.Pool.MinSize)
	envInt("SALA_POOL_MAX_SIZE", &cfg.Pool.MaxSize)
	envInt64("SALA_POOL_IDLE_TIMEOUT_MS", &cfg.Pool.IdleTimeoutMs)
	envInt("SALA_POOL_MAX_REUSE", &cfg.Pool.MaxReuse)

	envStr("SALA_CONTAINER_IMAGE", &cfg.Container.Image)
	envInt64("SALA_CONTAINER_TIMEOUT_MS", &cfg.Container.TimeoutMs)
	envInt64("SALA_CONTAINER_MEMORY_LIMIT", &cfg.Container.MemoryLimit)
	envInt64("SALA_CONTAINER_CPU_QUOTA", &cfg.Container.CPUQuota)

	envInt64("SALA_SCHEDULER_POLL_MS", &cfg.Scheduler.PollMs)
	envInt("SALA_HEARTBEAT_INTERVAL_HOURS", &cfg.Observer.Hearts.IntervalHours)
	envInt("SALA_HEARTBEAT_SILENCE_HOURS", &cfg.Observer.Hearts.SilenceHours)

	envStr("SALA_IPC_SECRET", &cfg.IPC.Secret)
	envInt64("SALA_IPC_FS_WATCH_FALLBACK_MS", &cfg.IPC.WatchFallbackMs)

	envStr("SALA_KNOWLEDGE_LISTEN_ADDR", &cfg.Knowledge.ListenAddr)
	envStr("SALA_KNOWLEDGE_BEARER_TOKEN", &cfg.Knowledge.BearerToken)
	envStr("SALA_VECTOR_STORE_URL", &cfg.Knowledge.VectorStoreURL)
	envStr("SALA_VECTOR_STORE_TOKEN", &cfg.Knowledge.VectorToken)
	envStr("SALA_EMBEDDING_URL", &cfg.Knowledge.EmbeddingURL)
	envStr("SALA_EMBEDDING_MODEL", &cfg.Knowledge.EmbeddingModel)
	envStr("SALA_EMBEDDING_API_KEY", &cfg.Knowledge.EmbeddingKey)
	envStr("SALA_THAI_SIDECAR_URL", &cfg.Knowledge.ThaiSidecarURL)

	envStr("SALA_TELEGRAM_TOKEN", &cfg.Channels.TelegramToken)
	if v := os.Getenv("SALA_ENABLED_CHANNELS"); v != "" {
		var enabled []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				enabled = append(enabled, c)
			}
		}
		cfg.Channels.Enabled = enabled
	}
	if os.Getenv("SALA_OBSERVER_ENABLED") == "true" || os.Getenv("SALA_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
}

// Validate checks the invariants that must hold before startup proceeds.
// A failure here is fatal: the process refuses to start.
func (c Config) Validate() error {
	if c.General.AuthPassphrase != "" && len(c.General.AuthPassphrase) < 16 {
		return fmt.Errorf("auth_passphrase must be at least 16 characters")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1")
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool sizes invalid: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Queue.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be >= 1")
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
