// Package channel defines the chat-channel contract and the shared
// machinery every adapter needs: connection state with bounded reconnect
// backoff, an ordered outbound buffer for disconnected spells, and typing
// presence with auto-expiry.
package channel

import (
	"context"
	"sync"
	"time"

	sala "github.com/nitad/sala"
)

// typingExpiry caps how long a typing indicator is refreshed without an
// explicit stop.
const typingExpiry = 5 * time.Minute

// typingRefresh re-arms the channel-native indicator, which decays on its
// own within seconds.
const typingRefresh = 4 * time.Second

// Channel is the adapter contract. Run blocks until ctx is done or the
// channel is logged out; Events delivers inbound occurrences in order.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
	Events() <-chan sala.Event
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
	SendPayload(ctx context.Context, chatID string, p sala.Payload) error
	SetTyping(ctx context.Context, chatID string, on bool) error
	State() sala.ChannelState
}

// Editor is the optional in-place edit capability used for streamed
// replies. Adapters without it fall back to sending follow-up messages.
type Editor interface {
	EditText(ctx context.Context, chatID, messageID, text string) error
}

// Typing keeps one chat's typing indicator alive until stopped or expired.
// sendAction posts the channel-native typing action once.
type Typing struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewTyping creates an empty typing tracker.
func NewTyping() *Typing {
	return &Typing{cancel: make(map[string]context.CancelFunc)}
}

// Set starts or stops the refresher for a chat.
func (t *Typing) Set(ctx context.Context, chatID string, on bool, sendAction func(context.Context, string) error) error {
	t.mu.Lock()
	if cancel, ok := t.cancel[chatID]; ok {
		cancel()
		delete(t.cancel, chatID)
	}
	if !on {
		t.mu.Unlock()
		return nil
	}
	refreshCtx, cancel := context.WithTimeout(ctx, typingExpiry)
	t.cancel[chatID] = cancel
	t.mu.Unlock()

	if err := sendAction(ctx, chatID); err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if err := sendAction(refreshCtx, chatID); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// Stop cancels every refresher.
func (t *Typing) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.cancel {
		cancel()
		delete(t.cancel, id)
	}
}

// Outbox buffers outbound payloads while a channel is disconnected and
// replays them in order on reconnect.
type Outbox struct {
	mu      sync.Mutex
	pending []outboundItem
}

type outboundItem struct {
	ChatID  string
	Payload sala.Payload
}

// Add appends a payload to the buffer.
func (o *Outbox) Add(chatID string, p sala.Payload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, outboundItem{ChatID: chatID, Payload: p})
}

// Len reports the buffered count.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Flush sends every buffered payload in order. Delivery failure stops the
// flush and re-buffers the remainder, preserving order.
func (o *Outbox) Flush(ctx context.Context, send func(ctx context.Context, chatID string, p sala.Payload) error) error {
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	for i, item := range pending {
		if err := send(ctx, item.ChatID, item.Payload); err != nil {
			o.mu.Lock()
			o.pending = append(pending[i:], o.pending...)
			o.mu.Unlock()
			return err
		}
	}
	return nil
}
