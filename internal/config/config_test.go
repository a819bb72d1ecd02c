package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sala.toml")
	body := `
[general]
assistant_name = "Nong"

[knowledge]
embedding_url = "http://file.example/v1/embeddings"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.General.AssistantName != "Nong" {
		t.Errorf("assistant_name = %q", cfg.General.AssistantName)
	}
	if cfg.Knowledge.EmbeddingURL != "http://file.example/v1/embeddings" {
		t.Errorf("embedding_url = %q", cfg.Knowledge.EmbeddingURL)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d", cfg.Queue.MaxConcurrent)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sala.toml")
	body := `
[knowledge]
embedding_url = "http://file.example/v1/embeddings"
vector_store_url = "http://file.example:6333"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SALA_EMBEDDING_URL", "http://env.example/v1/embeddings")
	t.Setenv("SALA_VECTOR_STORE_URL", "http://env.example:6333")
	t.Setenv("SALA_EMBEDDING_MODEL", "bge-m3")

	cfg := Load(path)
	if cfg.Knowledge.EmbeddingURL != "http://env.example/v1/embeddings" {
		t.Errorf("embedding_url = %q, env did not win", cfg.Knowledge.EmbeddingURL)
	}
	if cfg.Knowledge.VectorStoreURL != "http://env.example:6333" {
		t.Errorf("vector_store_url = %q, env did not win", cfg.Knowledge.VectorStoreURL)
	}
	if cfg.Knowledge.EmbeddingModel != "bge-m3" {
		t.Errorf("embedding_model = %q", cfg.Knowledge.EmbeddingModel)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short passphrase", func(c *Config) { c.General.AuthPassphrase = "tooshort" }},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrent = 0 }},
		{"inverted pool sizes", func(c *Config) { c.Pool.MinSize = 5; c.Pool.MaxSize = 1 }},
		{"zero queue size", func(c *Config) { c.Queue.MaxQueueSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}
