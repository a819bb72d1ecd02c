// Package sala is a self-hosted personal AI platform.
//
// It receives messages on chat channels (Telegram, WhatsApp), classifies and
// routes each request, runs the work inside a short-lived sandboxed container
// that talks to a local knowledge engine, and streams the reply back to the
// user.
//
// The root package defines the domain types and the error taxonomy shared by
// every subsystem. The subsystems themselves live under internal/:
//
//   - internal/store: embedded SQLite persistence with FTS and migrations
//   - internal/knowledge: chunking, hybrid search, memory layers, indexer
//   - internal/ipc: signed file-based host↔container transport
//   - internal/sandbox: container lifecycle and warm pool
//   - internal/queue: per-group priority queue with backpressure
//   - internal/scheduler: cron-like recurring tasks with a circuit breaker
//   - internal/router: four-tier query classifier
//   - internal/channel: chat channel adapters
//   - internal/orchestrator: the state machine tying everything together
//
// See cmd/sala for the composition root.
package sala
