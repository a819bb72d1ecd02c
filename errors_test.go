package sala

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", &ErrTransient{Op: "read stream", Err: errors.New("eio")}, true},
		{"wrapped transient", fmt.Errorf("tail: %w", &ErrTransient{Op: "watch", Err: errors.New("eio")}), true},
		{"throttled", &ErrThrottled{Source: "embeddings"}, true},
		{"http 429", &ErrHTTP{Status: 429, Body: "slow down"}, true},
		{"http 503", &ErrHTTP{Status: 503, Body: "overloaded"}, true},
		{"http 400", &ErrHTTP{Status: 400, Body: "bad request"}, false},
		{"bad input", ErrBadInput, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryAfterOf(t *testing.T) {
	if got := RetryAfterOf(&ErrThrottled{Source: "vector", RetryAfter: 5 * time.Second}); got != 5*time.Second {
		t.Errorf("throttled RetryAfter = %v", got)
	}
	if got := RetryAfterOf(fmt.Errorf("call: %w", &ErrHTTP{Status: 429, RetryAfter: time.Minute})); got != time.Minute {
		t.Errorf("http RetryAfter = %v", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("plain RetryAfter = %v", got)
	}
}

func TestUserMessageCoversTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("enqueue: %w", ErrBusyQueue), "busy"},
		{ErrPartialOutput, "cut off"},
		{ErrKnowledgeUnavailable, "unavailable"},
		{&ErrAuth{Channel: "telegram", Reason: "token revoked"}, "re-authenticated"},
		{&ErrContainer{ContainerID: "c1", Failure: ContainerTimeout}, "retried"},
		{errors.New("anything else"), "try again"},
	}
	for _, tc := range cases {
		got := UserMessage(tc.err)
		if !strings.Contains(got, tc.want) {
			t.Errorf("UserMessage(%v) = %q, want substring %q", tc.err, got, tc.want)
		}
	}
	if UserMessage(nil) != "" {
		t.Error("UserMessage(nil) not empty")
	}
}

func TestContainerErrorUnwraps(t *testing.T) {
	inner := errors.New("image missing")
	err := fmt.Errorf("spawn: %w", &ErrContainer{ContainerID: "c9", Failure: ContainerSpawnFailed, Err: inner})
	var c *ErrContainer
	if !errors.As(err, &c) || c.Failure != ContainerSpawnFailed {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !errors.Is(err, inner) {
		t.Error("inner error lost through wrapping")
	}
}
