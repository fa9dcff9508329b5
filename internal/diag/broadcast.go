package diag

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GSejas/health-watch-sub004/internal/events"
	"github.com/GSejas/health-watch-sub004/internal/store"
)

// ErrTooManyConnections is returned by AddClient once the configured
// connection limit is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 64)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() { close(c.send) }

// Broadcaster fans out channel-state snapshots, deltas, outages, and
// fishy-trigger suggestions to connected debug websocket clients. It
// subscribes to the shared event bus once and translates events into the
// wire protocol, rather than being called directly by every producer.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	store    *store.Store
	channels func() []string // returns the current set of configured channel ids

	throttle   time.Duration
	flushMu    sync.Mutex
	pending    []ChannelSnapshot
	flushTimer *time.Timer

	snapshotTicker *time.Ticker
	seq            atomic.Uint64

	sub *events.Subscription
}

// NewBroadcaster constructs a Broadcaster and starts consuming bus events
// in the background. Stop must be called to release the subscription.
func NewBroadcaster(st *store.Store, bus *events.Bus, channels func() []string, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		maxConns:       maxConns,
		store:          st,
		channels:       channels,
		throttle:       throttle,
		snapshotTicker: time.NewTicker(snapshotInterval),
		sub:            bus.Subscribe(),
	}
	go b.consumeEvents()
	go b.snapshotLoop()
	return b
}

func (b *Broadcaster) consumeEvents() {
	for evt := range b.sub.Events() {
		switch evt.Type {
		case events.TypeStateChanged:
			if evt.State != nil {
				b.queueUpdate(ChannelSnapshot{ChannelID: evt.ChannelID, State: *evt.State})
			}
		case events.TypeOutageOpened:
			if evt.Outage != nil {
				b.broadcast(WSMessage{Type: MsgOutage, Payload: OutagePayload{ChannelID: evt.ChannelID, Outage: *evt.Outage, Opened: true}})
			}
		case events.TypeOutageClosed:
			outages := b.store.ListOutages(evt.ChannelID, nil)
			if len(outages) > 0 {
				b.broadcast(WSMessage{Type: MsgOutage, Payload: OutagePayload{ChannelID: evt.ChannelID, Outage: outages[len(outages)-1], Opened: false}})
			}
		case events.TypeFishyTriggered:
			b.broadcast(WSMessage{Type: MsgFishy, Payload: FishyPayload{ChannelID: evt.ChannelID, Reason: evt.Reason}})
		}
	}
}

func (b *Broadcaster) queueUpdate(snap ChannelSnapshot) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.pending = append(b.pending, snap)
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 {
		return
	}
	b.broadcast(WSMessage{Type: MsgDelta, Payload: DeltaPayload{Updates: updates}})
}

// AddClient registers a new websocket connection and immediately sends it
// a full snapshot.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()

	b.sendSnapshot(c)
	return c, nil
}

// RemoveClient unregisters a websocket connection.
func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) snapshotLoop() {
	for range b.snapshotTicker.C {
		b.broadcast(b.snapshotMessage())
	}
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	ids := b.channels()
	snaps := make([]ChannelSnapshot, 0, len(ids))
	for _, id := range ids {
		snaps = append(snaps, ChannelSnapshot{ChannelID: id, State: b.store.GetState(id)})
	}
	return WSMessage{Type: MsgSnapshot, Payload: SnapshotPayload{Channels: snaps}}
}

func (b *Broadcaster) sendSnapshot(c *client) {
	msg := b.snapshotMessage()
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("diag: snapshot marshal error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("diag: broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("diag: client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// Stop releases the event subscription and stops the snapshot ticker.
func (b *Broadcaster) Stop() {
	b.snapshotTicker.Stop()
	b.sub.Close()
}

// ClientCount reports the number of connected debug clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
