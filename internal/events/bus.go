// Package events implements the monitor's internal pub-sub fan-out: typed
// events describing state transitions, outages, samples, and watch
// lifecycle changes, delivered to subscribers through per-subscriber
// non-blocking queues.
//
// The fan-out discipline is grounded in the teacher repository's
// internal/ws/broadcast.go, which keeps one buffered channel per client
// and drops a message (rather than blocking the publisher) when a
// subscriber falls behind. This package generalizes that pattern away
// from websocket clients to any in-process subscriber, and adds
// at-most-once-per-10s drop logging per subscriber so a stuck subscriber
// doesn't flood the log.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/GSejas/health-watch-sub004/internal/domain"
)

// Type identifies the kind of event carried by an Event.
type Type string

const (
	TypeStateChanged   Type = "state-changed"
	TypeOutageOpened   Type = "outage-opened"
	TypeOutageClosed   Type = "outage-closed"
	TypeSample         Type = "sample"
	TypeWatchStarted   Type = "watch-started"
	TypeWatchEnded     Type = "watch-ended"
	TypeFishyTriggered Type = "fishy-triggered"
	TypeLeadershipLost Type = "leadership-lost"
	TypeLeadershipWon  Type = "leadership-won"
)

// Event is the envelope delivered to every subscriber. Exactly one of the
// payload fields is populated, matching Type.
type Event struct {
	Type      Type
	ChannelID string
	State     *domain.ChannelState
	Outage    *domain.Outage
	Sample    *domain.Sample
	WatchID   string
	Reason    string
	At        time.Time
}

const subscriberQueueDepth = 64
const dropLogInterval = 10 * time.Second

type subscriber struct {
	ch           chan Event
	mu           sync.Mutex
	lastDropLog  time.Time
	droppedSince int
}

// Bus fans out events to any number of subscribers without blocking the
// publisher on a slow consumer.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]bool)}
}

// Subscription is a handle returned by Subscribe. Call Close when the
// subscriber is done to stop receiving events and release resources.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Events returns the channel to receive events on.
func (s *Subscription) Events() <-chan Event {
	return s.sub.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.sub]; ok {
		delete(s.bus.subs, s.sub)
		close(s.sub.ch)
	}
}

// Subscribe registers a new subscriber with its own bounded queue.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{ch: make(chan Event, subscriberQueueDepth)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub}
}

// Publish delivers evt to every current subscriber. A subscriber whose
// queue is full has the event dropped for it; the drop is logged at most
// once per 10 seconds per subscriber to avoid log flooding from a stuck
// consumer.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			s.recordDrop(evt.Type)
		}
	}
}

func (s *subscriber) recordDrop(t Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedSince++
	now := time.Now()
	if now.Sub(s.lastDropLog) < dropLogInterval {
		return
	}
	log.Printf("events: subscriber queue full, dropped %d event(s) (last type %s)", s.droppedSince, t)
	s.lastDropLog = now
	s.droppedSince = 0
}

// SubscriberCount reports the number of active subscriptions, for
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
