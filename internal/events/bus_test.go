package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{Type: TypeStateChanged, ChannelID: "ch1"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case evt := <-s.Events():
			if evt.ChannelID != "ch1" {
				t.Fatalf("ChannelID = %q, want ch1", evt.ChannelID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	s.Close()

	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount after Close = %d, want 0", got)
	}

	// Publishing after close must not panic even though the channel was
	// closed; Close removes the subscriber from the fan-out set first.
	b.Publish(Event{Type: TypeStateChanged})
}

func TestPublishDoesNotBlockOnFullQueue(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueDepth*2; i++ {
			b.Publish(Event{Type: TypeSample})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}

func TestSubscriberCountTracksLifecycle(t *testing.T) {
	b := NewBus()
	if b.SubscriberCount() != 0 {
		t.Fatalf("initial SubscriberCount = %d, want 0", b.SubscriberCount())
	}
	s := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount after Subscribe = %d, want 1", b.SubscriberCount())
	}
	s.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount after Close = %d, want 0", b.SubscriberCount())
	}
}
