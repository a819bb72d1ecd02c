package bus

import (
	"context"
	"testing"
	"time"

	sala "github.com/nitad/sala"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(nil)
	go b.Run(ctx)

	ch1, stop1 := b.Subscribe(ctx)
	ch2, stop2 := b.Subscribe(ctx)
	defer stop1()
	defer stop2()

	b.Publish(ctx, sala.Event{Type: sala.EventMessage, ChatID: "tg:1", Content: "hi"})

	for _, ch := range []<-chan sala.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.ChatID != "tg:1" {
				t.Errorf("chat = %s", ev.ChatID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(nil)
	go b.Run(ctx)

	ch, stop := b.Subscribe(ctx)
	stop()

	// The channel closes on cancel; publishing afterwards must not panic.
	b.Publish(ctx, sala.Event{Type: sala.EventMessage, ChatID: "tg:1"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(nil)
	go b.Run(ctx)

	_, stop := b.Subscribe(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(ctx, sala.Event{Type: sala.EventMessage, ChatID: "tg:1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
