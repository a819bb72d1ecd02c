// Package store implements sala's persistence layer on embedded SQLite
// using the pure-Go driver. Zero CGO required.
//
// Two connection pools share one database file: a single-connection write
// pool (all writers serialize through it, eliminating SQLITE_BUSY from
// concurrent writers) and a read pool. WAL journaling keeps readers from
// blocking the writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the embedded relational store backing every subsystem.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	logger *slog.Logger
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// pragmas applied to every connection. busy_timeout covers the 30 s lock
// acquisition contract; cache_size is in KiB (negative = KiB not pages).
const connPragmas = "?_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(30000)" +
	"&_pragma=foreign_keys(ON)" +
	"&_pragma=cache_size(-20000)" +
	"&_pragma=synchronous(NORMAL)"

// Open opens (creating if needed) the database at path and applies the
// connection pragmas. Call MigrateToLatest before first use.
func Open(path string, opts ...Option) (*Store, error) {
	writer, err := sql.Open("sqlite", "file:"+path+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", "file:"+path+connPragmas)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{writer: writer, reader: reader, path: path, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("store: opened", "path", path)
	return s, nil
}

// Ping verifies both pools can reach the file.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("ping writer: %w", err)
	}
	return s.reader.PingContext(ctx)
}

// Close closes both connection pools.
func (s *Store) Close() error {
	s.logger.Debug("store: closing")
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// withTx runs fn inside a write transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// logOp emits the standard per-operation debug line.
func (s *Store) logOp(op string, start time.Time, attrs ...any) {
	attrs = append(attrs, "duration", time.Since(start))
	s.logger.Debug("store: "+op, attrs...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	data, _ := json.Marshal(labels)
	return string(data)
}
