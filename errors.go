package sala

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions that need no extra context. Subsystems
// wrap these with fmt.Errorf("...: %w", ...) and boundaries classify with
// errors.Is / errors.As.
var (
	// ErrBusyQueue signals the global queue is at capacity. Surfaced to the
	// user as a one-line "system busy" reply; the entry is never persisted.
	ErrBusyQueue = errors.New("queue full")

	// ErrBadInput signals a malformed request. Rejected without retry.
	ErrBadInput = errors.New("bad input")

	// ErrPartialOutput signals a container stream ended without a completion
	// frame. Triggers exactly one automatic high-priority retry.
	ErrPartialOutput = errors.New("stream ended without completion")

	// ErrIntegrity signals an IPC frame failed HMAC verification. The frame
	// is deleted and the rejection counter incremented; nothing downstream
	// ever sees the payload.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrKnowledgeUnavailable signals the knowledge engine is unreachable.
	// The orchestrator proceeds with empty context and records a warning.
	ErrKnowledgeUnavailable = errors.New("knowledge engine unavailable")

	// ErrBrokenTask signals a scheduled task hit its consecutive-failure
	// limit and has been circuit-broken into the paused state.
	ErrBrokenTask = errors.New("scheduled task circuit broken")
)

// ErrTransient is a network or filesystem blip. Retryable with backoff.
type ErrTransient struct {
	Op  string
	Err error
}

func (e *ErrTransient) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrThrottled is an upstream rate limit. RetryAfter is the suggested delay
// (zero when the upstream gave none).
type ErrThrottled struct {
	Source     string
	RetryAfter time.Duration
}

func (e *ErrThrottled) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: throttled, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s: throttled", e.Source)
}

// ErrHTTP is a non-2xx response from an upstream HTTP API.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrAuth signals a channel logged out or a token became invalid. The
// channel degrades; the process keeps running on the remaining channels.
type ErrAuth struct {
	Channel string
	Reason  string
}

func (e *ErrAuth) Error() string { return fmt.Sprintf("%s: auth failure: %s", e.Channel, e.Reason) }

// ContainerFailure names the container lifecycle failure modes.
type ContainerFailure string

const (
	ContainerSpawnFailed ContainerFailure = "spawn_failed"
	ContainerTimeout     ContainerFailure = "timeout"
	ContainerStuckErr    ContainerFailure = "stuck"
)

// ErrContainer is a container lifecycle error. The owning queue entry is
// marked failed and retried per policy.
type ErrContainer struct {
	ContainerID string
	Failure     ContainerFailure
	Err         error
}

func (e *ErrContainer) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("container %s: %s: %v", e.ContainerID, e.Failure, e.Err)
	}
	return fmt.Sprintf("container %s: %s", e.ContainerID, e.Failure)
}

func (e *ErrContainer) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying with backoff:
// transient I/O, throttling, and HTTP 429/503.
func IsRetryable(err error) bool {
	var t *ErrTransient
	if errors.As(err, &t) {
		return true
	}
	var th *ErrThrottled
	if errors.As(err, &th) {
		return true
	}
	var h *ErrHTTP
	return errors.As(err, &h) && (h.Status == 429 || h.Status == 503)
}

// RetryAfterOf extracts the suggested retry delay from a throttle or HTTP
// error, or 0.
func RetryAfterOf(err error) time.Duration {
	var th *ErrThrottled
	if errors.As(err, &th) {
		return th.RetryAfter
	}
	var h *ErrHTTP
	if errors.As(err, &h) {
		return h.RetryAfter
	}
	return 0
}

// UserMessage translates an internal error into the short, human-readable
// line the orchestrator sends back to the chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusyQueue):
		return "The system is busy right now. Please try again in a moment."
	case errors.Is(err, ErrBadInput):
		return "I couldn't understand that request."
	case errors.Is(err, ErrPartialOutput):
		return "The reply was cut off. Retrying once…"
	case errors.Is(err, ErrKnowledgeUnavailable):
		return "Knowledge lookup is unavailable; answering from context only."
	default:
		var a *ErrAuth
		if errors.As(err, &a) {
			return "This channel needs to be re-authenticated."
		}
		var c *ErrContainer
		if errors.As(err, &c) {
			return "Something went wrong while running your request. It will be retried."
		}
		return "Something went wrong. Please try again."
	}
}
