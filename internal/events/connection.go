package events

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/recaplabs/recap/internal/models"
)

// ConnState tracks a connection through its lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is a single subscriber attached to the hub. The hub
// goroutine is the only writer to the frame queue; the transport
// goroutine serving the HTTP request is the only reader.
type Connection struct {
	ID            string
	ClientID      string
	SubscriberKey string

	// subscriptions is the resolved event type filter. nil means the
	// connection receives every type.
	subscriptions map[models.EventType]bool
	frames        chan frame

	state        atomic.Int32
	overflow     atomic.Int64
	lastDelivery atomic.Int64 // unix nanos of the last successful transport write

	// missedHeartbeats counts consecutive heartbeat ticks at which the
	// queue was still full. Hub goroutine only.
	missedHeartbeats int

	createdAt time.Time
}

func newConnection(clientID, subscriberKey, subscribe string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = 256
	}
	c := &Connection{
		ID:            uuid.NewString()[:8],
		ClientID:      clientID,
		SubscriberKey: subscriberKey,
		subscriptions: parseSubscriptions(subscribe),
		frames:        make(chan frame, queueSize),
		createdAt:     time.Now().UTC(),
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

// parseSubscriptions resolves a comma-separated subscribe parameter into
// an event type filter. Unknown names are dropped. An empty or
// all-unknown list subscribes the connection to every type. Liveness and
// operational events are always included.
func parseSubscriptions(subscribe string) map[models.EventType]bool {
	subscribe = strings.TrimSpace(subscribe)
	if subscribe == "" {
		return nil
	}

	set := make(map[models.EventType]bool)
	for _, part := range strings.Split(subscribe, ",") {
		t := models.EventType(strings.TrimSpace(part))
		if t != "" && models.KnownEventType(t) {
			set[t] = true
		}
	}
	if len(set) == 0 {
		return nil
	}

	set[models.EventConnected] = true
	set[models.EventHeartbeat] = true
	set[models.EventSystem] = true
	return set
}

// State reports the connection's lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Overflow reports how many undelivered events were discarded because
// the connection's queue was full.
func (c *Connection) Overflow() int64 {
	return c.overflow.Load()
}

// Subscriptions lists the resolved event types in sorted order, or
// ["*"] when the connection receives everything.
func (c *Connection) Subscriptions() []string {
	if c.subscriptions == nil {
		return []string{"*"}
	}
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// wants reports whether the connection should receive the event: the
// type must be subscribed and, for targeted events, the subscriber key
// and target subscriptions must match.
func (c *Connection) wants(ev models.Event) bool {
	if ev.TargetSubscriberKey != "" && ev.TargetSubscriberKey != c.SubscriberKey {
		return false
	}
	if !c.subscribedToAny(ev.TargetSubscriptions) {
		return false
	}
	if c.subscriptions == nil {
		return true
	}
	return c.subscriptions[ev.Type]
}

// subscribedToAny reports whether the connection's subscription set
// intersects types. An empty list places no restriction; a connection
// subscribed to everything matches any list.
func (c *Connection) subscribedToAny(types []models.EventType) bool {
	if len(types) == 0 || c.subscriptions == nil {
		return true
	}
	for _, t := range types {
		if c.subscriptions[t] {
			return true
		}
	}
	return false
}

// enqueue appends a frame, discarding the oldest queued frame when the
// queue is full. The connection is never disconnected for falling
// behind; the overflow counter records the loss. Hub goroutine only.
func (c *Connection) enqueue(f frame) {
	select {
	case c.frames <- f:
		return
	default:
	}

	// Full: drop the oldest and retry once. The transport may have
	// consumed a frame in between, so the retry can still race a
	// concurrent reader; a second failure just counts the new frame
	// as dropped.
	select {
	case <-c.frames:
		c.overflow.Add(1)
	default:
	}
	select {
	case c.frames <- f:
	default:
		c.overflow.Add(1)
	}
}

// full reports whether the queue has no free slot.
func (c *Connection) full() bool {
	return len(c.frames) == cap(c.frames)
}

// touch records a successful delivery for idle accounting.
func (c *Connection) touch() {
	c.lastDelivery.Store(time.Now().UnixNano())
}

func (c *Connection) lastDeliveryTime() time.Time {
	return time.Unix(0, c.lastDelivery.Load())
}
