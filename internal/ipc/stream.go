package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	sala "github.com/nitad/sala"
)

const (
	streamFile     = "stream.jsonl"
	streamDoneFile = "stream.done"
	streamPoll     = 100 * time.Millisecond
	streamTimeout  = 30 * time.Second
)

// Frame is one streamed response chunk.
type Frame struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	TS    int64  `json:"ts"`
}

// StreamDone is the completion marker the container writes when the reply
// is fully flushed.
type StreamDone struct {
	TotalChunks int   `json:"total_chunks"`
	CompletedAt int64 `json:"completed_at"`
}

// TailStream follows a group's stream.jsonl, delivering verified frames in
// index order. It finishes cleanly when stream.done accounts for every
// frame, and finishes with ErrPartialOutput when 30 s pass without a new
// frame or completion. The caller owns draining frames until errc fires.
func (t *Transport) TailStream(ctx context.Context, group string) (<-chan Frame, <-chan error, error) {
	dir, err := t.GroupDir(group)
	if err != nil {
		return nil, nil, err
	}
	frames := make(chan Frame, 64)
	errc := make(chan error, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, &sala.ErrTransient{Op: "stream watch", Err: err}
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, &sala.ErrTransient{Op: "stream watch " + dir, Err: err}
	}

	go func() {
		defer close(frames)
		defer watcher.Close()
		errc <- t.tail(ctx, dir, group, watcher, frames)
	}()
	return frames, errc, nil
}

func (t *Transport) tail(ctx context.Context, dir, group string, watcher *fsnotify.Watcher, out chan<- Frame) error {
	var offset int64
	next := 0
	pending := make(map[int]Frame)
	var done *StreamDone

	deadline := time.NewTimer(t.streamTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(streamPoll)
	defer poll.Stop()

	streamPath := filepath.Join(dir, streamFile)
	donePath := filepath.Join(dir, streamDoneFile)

	deliver := func() bool {
		for {
			f, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			select {
			case out <- f:
			case <-ctx.Done():
				return false
			}
			next++
		}
		return true
	}

	for {
		read, err := t.readFrames(streamPath, &offset, pending)
		if err != nil {
			t.logger.Warn("ipc: stream read failed", "group", group, "error", err)
		}
		if read > 0 {
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(t.streamTimeout)
		}
		if !deliver() {
			return ctx.Err()
		}

		if done == nil {
			done = t.readDone(donePath, group)
			if done != nil {
				// Completion counts as liveness while trailing frames land.
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}
				deadline.Reset(t.streamTimeout)
			}
		}
		if done != nil && next >= done.TotalChunks {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("stream %s: %w", group, sala.ErrPartialOutput)
		case <-poll.C:
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("stream %s: watcher closed", group)
			}
			_ = ev
		case werr, ok := <-watcher.Errors:
			if ok {
				t.logger.Warn("ipc: stream watch error", "group", group, "error", werr)
			}
		}
	}
}

// readFrames reads newly appended envelope lines from the stream file.
// Unverifiable lines are counted as rejections and skipped; their indexes
// never deliver, so a forged frame surfaces as a partial stream rather than
// as content.
func (t *Transport) readFrames(path string, offset *int64, pending map[int]Frame) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	read := 0
	for {
		// A line without its newline is still being appended; leave it for
		// the next pass.
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]
		*offset += int64(i) + 1
		if len(line) == 0 {
			continue
		}
		payload, err := Open(t.secret, line)
		if err != nil {
			t.rejections.Add(1)
			t.warnOnce.Do(func() {
				t.logger.Warn("ipc: rejecting unverified frames", "error", err)
			})
			continue
		}
		var fr Frame
		if err := json.Unmarshal(payload, &fr); err != nil {
			t.rejections.Add(1)
			continue
		}
		pending[fr.Index] = fr
		read++
	}
	return read, nil
}

func (t *Transport) readDone(path, group string) *StreamDone {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	payload, err := Open(t.secret, data)
	if err != nil {
		t.reject(path, group, err)
		return nil
	}
	var d StreamDone
	if err := json.Unmarshal(payload, &d); err != nil {
		t.reject(path, group, err)
		return nil
	}
	return &d
}

// ResetStream clears a group's stream files before a new task runs.
func (t *Transport) ResetStream(group string) error {
	dir, err := t.GroupDir(group)
	if err != nil {
		return err
	}
	for _, name := range []string{streamFile, streamDoneFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reset stream: %w", err)
		}
	}
	return nil
}
