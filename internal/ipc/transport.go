package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	sala "github.com/nitad/sala"
)

const (
	pollFallback   = 30 * time.Second
	eventDebounce  = 100 * time.Millisecond
	requestPrefix  = "request-"
	responsePrefix = "response-"
)

// Request is one verified container request awaiting a host response.
type Request struct {
	ID      string
	Group   string
	Payload json.RawMessage
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithPollFallback overrides the watcher's fallback poll interval.
func WithPollFallback(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollFallback = d
		}
	}
}

// Transport is the host side of the file-based IPC namespace. Each group
// gets a directory under the root; containers mount only their own.
type Transport struct {
	root          string
	secret        []byte
	logger        *slog.Logger
	streamTimeout time.Duration
	pollFallback  time.Duration

	rejections atomic.Int64
	warnOnce   sync.Once
}

// NewTransport creates the IPC root if needed.
func NewTransport(root string, secret []byte, opts ...Option) (*Transport, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("ipc: empty secret")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create ipc root: %w", err)
	}
	t := &Transport{root: root, secret: secret, logger: nopLogger(), streamTimeout: streamTimeout, pollFallback: pollFallback}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// GroupDir returns (and creates) the namespace directory for a group.
func (t *Transport) GroupDir(group string) (string, error) {
	dir := filepath.Join(t.root, sanitizeGroup(group))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create group namespace: %w", err)
	}
	return dir, nil
}

// Rejections returns the count of frames dropped for failed verification.
func (t *Transport) Rejections() int64 { return t.rejections.Load() }

// WriteAssignment atomically writes a signed task assignment into the
// group's namespace for the container to pick up.
func (t *Transport) WriteAssignment(group string, payload any) error {
	dir, err := t.GroupDir(group)
	if err != nil {
		return err
	}
	data, err := Seal(t.secret, payload)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "assignment.json"), data)
}

// WriteResponse atomically writes the signed response for a request and
// deletes the request file.
func (t *Transport) WriteResponse(group, requestID string, payload any) error {
	dir, err := t.GroupDir(group)
	if err != nil {
		return err
	}
	data, err := Seal(t.secret, payload)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, responsePrefix+requestID+".json"), data); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, requestPrefix+requestID+".json")); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("ipc: request cleanup failed", "group", group, "request", requestID, "error", err)
	}
	return nil
}

// WatchRequests delivers verified container requests for a group until ctx
// is done. Filesystem notifications drive it, with a 30 s poll as fallback;
// rapid create+rename pairs are coalesced by a 100 ms debounce. Frames that
// fail verification are deleted and counted, never delivered.
func (t *Transport) WatchRequests(ctx context.Context, group string) (<-chan Request, error) {
	dir, err := t.GroupDir(group)
	if err != nil {
		return nil, err
	}
	out := make(chan Request, 16)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &sala.ErrTransient{Op: "ipc watch", Err: err}
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, &sala.ErrTransient{Op: "ipc watch " + dir, Err: err}
	}

	go func() {
		defer close(out)
		defer watcher.Close()

		poll := time.NewTicker(t.pollFallback)
		defer poll.Stop()

		var debounce *time.Timer
		var debounceC <-chan time.Time

		scan := func() { t.scanRequests(ctx, dir, group, out) }
		scan()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), requestPrefix) {
					continue
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
					if debounce == nil {
						debounce = time.NewTimer(eventDebounce)
						debounceC = debounce.C
					} else {
						debounce.Reset(eventDebounce)
					}
				}
			case <-debounceC:
				debounce = nil
				debounceC = nil
				scan()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Warn("ipc: watch error", "group", group, "error", err)
			case <-poll.C:
				scan()
			}
		}
	}()
	return out, nil
}

// scanRequests verifies and delivers every pending request file in dir.
// Delivered requests stay on disk until WriteResponse removes them, so a
// crash between delivery and response re-delivers rather than loses.
func (t *Transport) scanRequests(ctx context.Context, dir, group string, out chan<- Request) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.logger.Warn("ipc: scan failed", "group", group, "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, requestPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		payload, err := Open(t.secret, data)
		if err != nil {
			t.reject(path, group, err)
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, requestPrefix), ".json")
		select {
		case out <- Request{ID: id, Group: group, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// reject deletes an unverifiable frame and bumps the rejection counter.
// The first rejection logs a warning; after that only the counter moves.
func (t *Transport) reject(path, group string, err error) {
	t.rejections.Add(1)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		t.logger.Error("ipc: rejected frame not deleted", "path", path, "error", rmErr)
	}
	t.warnOnce.Do(func() {
		t.logger.Warn("ipc: rejecting unverified frames", "group", group, "error", err)
	})
}

// atomicWrite lands data at path via a temp file and rename so readers
// never observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize write: %w", err)
	}
	return nil
}

func sanitizeGroup(group string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, group)
}

func nopLogger() *slog.Logger { return slog.New(discardHandler{}) }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
