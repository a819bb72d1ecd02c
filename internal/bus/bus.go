// Package bus is the in-process event fan-out between channel adapters and
// the orchestrator. One goroutine owns subscriber state; publishing never
// blocks on a slow subscriber.
package bus

import (
	"context"
	"log/slog"

	sala "github.com/nitad/sala"
)

// subscriber channels buffer this many events before drops start.
const subscriberBuffer = 64

// Bus fans inbound events out to subscribers. Events dropped on a full
// subscriber channel are recovered by the orchestrator's fallback poll.
type Bus struct {
	logger *slog.Logger

	publish   chan sala.Event
	subscribe chan chan sala.Event
	cancel    chan chan sala.Event
}

// New creates a bus; Run must be started for delivery to begin.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Bus{
		logger:    logger,
		publish:   make(chan sala.Event, subscriberBuffer),
		subscribe: make(chan chan sala.Event),
		cancel:    make(chan chan sala.Event),
	}
}

// Run owns all subscriber state until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	subs := make(map[chan sala.Event]struct{})
	for {
		select {
		case <-ctx.Done():
			for ch := range subs {
				close(ch)
			}
			return
		case ch := <-b.subscribe:
			subs[ch] = struct{}{}
		case ch := <-b.cancel:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
		case ev := <-b.publish:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
					b.logger.Warn("bus: subscriber full, event dropped",
						"chat", ev.ChatID, "type", ev.Type)
				}
			}
		}
	}
}

// Publish hands an event to the bus. Safe from any goroutine.
func (b *Bus) Publish(ctx context.Context, ev sala.Event) {
	select {
	case b.publish <- ev:
	case <-ctx.Done():
	}
}

// Subscribe registers a new subscriber. The returned cancel removes it and
// closes the channel.
func (b *Bus) Subscribe(ctx context.Context) (<-chan sala.Event, func()) {
	ch := make(chan sala.Event, subscriberBuffer)
	select {
	case b.subscribe <- ch:
	case <-ctx.Done():
		close(ch)
		return ch, func() {}
	}
	return ch, func() {
		select {
		case b.cancel <- ch:
		case <-ctx.Done():
		}
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
