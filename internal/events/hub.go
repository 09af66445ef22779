// Package events implements the server-sent-event bus that streams job
// lifecycle notifications to subscribed HTTP clients.
//
// A single hub goroutine owns the connection table; registrations,
// removals, and published events are serialized over channels so the
// table needs no locking. Each connection carries a bounded frame queue
// consumed by the HTTP handler goroutine serving it, so a slow client
// can never block delivery to others.
package events

import (
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/models"
)

var (
	// ErrPoolFull is returned when the global connection cap is reached.
	ErrPoolFull = errors.New("events: connection pool full")

	// ErrClientLimit is returned when a single client already holds the
	// maximum number of connections.
	ErrClientLimit = errors.New("events: per-client connection limit reached")

	// ErrHubClosed is returned when registering against a stopped hub.
	ErrHubClosed = errors.New("events: hub closed")
)

// publishBuffer bounds how many events may sit between Publish callers
// and the hub goroutine before events are dropped.
const publishBuffer = 1024

// missedHeartbeatLimit is the number of consecutive heartbeat ticks a
// connection's queue may remain full before the connection is reaped.
const missedHeartbeatLimit = 2

// Hub fans job lifecycle events out to SSE connections.
type Hub struct {
	cfg     *common.EventsConfig
	logger  *common.Logger
	metrics *metrics.Metrics

	register   chan registration
	unregister chan *Connection
	publish    chan models.Event

	connCount atomic.Int64

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type registration struct {
	conn  *Connection
	reply chan error
}

var _ interfaces.EventPublisher = (*Hub)(nil)

// NewHub creates an event hub. Start must be called before use.
func NewHub(cfg *common.EventsConfig, logger *common.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		register:   make(chan registration),
		unregister: make(chan *Connection),
		publish:    make(chan models.Event, publishBuffer),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start launches the hub goroutine.
func (h *Hub) Start() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Event hub crashed")
			}
		}()
		h.run()
	}()
}

// Close stops the hub, delivering a final system event to every
// connection before closing its queue. Blocks until the hub goroutine
// has exited. The hub must have been started.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}

// Publish queues an event for fanout. It never blocks; when the hub is
// saturated or stopped the event is dropped and counted.
func (h *Hub) Publish(ev models.Event) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.publish <- ev:
	default:
		h.metrics.EventsDroppedTotal.Inc()
		h.logger.Warn().Str("event", string(ev.Type)).Msg("Event bus saturated, dropping event")
	}
}

// NewConnection builds an unregistered connection for a client. The
// subscribe parameter is a comma-separated list of event types; empty
// subscribes to everything.
func (h *Hub) NewConnection(clientID, subscriberKey, subscribe string) *Connection {
	return newConnection(clientID, subscriberKey, subscribe, h.cfg.QueueSize)
}

// Register admits a connection, enqueuing its connected event. Returns
// ErrPoolFull or ErrClientLimit when a capacity cap rejects it.
func (h *Hub) Register(conn *Connection) error {
	reply := make(chan error, 1)
	select {
	case h.register <- registration{conn: conn, reply: reply}:
		return <-reply
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes a connection and closes its frame queue. Safe to
// call for connections the hub already dropped.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	return int(h.connCount.Load())
}

// run owns the connection table. All table access happens here.
func (h *Hub) run() {
	defer close(h.stopped)

	heartbeat := time.NewTicker(h.cfg.GetHeartbeatInterval())
	defer heartbeat.Stop()

	conns := make(map[string]*Connection)
	perClient := make(map[string]int)

	for {
		select {
		case <-h.done:
			h.shutdown(conns)
			return

		case reg := <-h.register:
			reg.reply <- h.admit(conns, perClient, reg.conn)

		case conn := <-h.unregister:
			h.drop(conns, perClient, conn, "client disconnected")

		case ev := <-h.publish:
			h.fanout(conns, ev)

		case <-heartbeat.C:
			h.sweep(conns, perClient)
		}
	}
}

func (h *Hub) admit(conns map[string]*Connection, perClient map[string]int, conn *Connection) error {
	if len(conns) >= h.cfg.MaxConnections {
		h.logger.Warn().
			Str("client_id", conn.ClientID).
			Int("connections", len(conns)).
			Msg("Rejecting SSE connection, pool full")
		return ErrPoolFull
	}
	if perClient[conn.ClientID] >= h.cfg.MaxPerClient {
		h.logger.Warn().
			Str("client_id", conn.ClientID).
			Int("client_connections", perClient[conn.ClientID]).
			Msg("Rejecting SSE connection, client limit reached")
		return ErrClientLimit
	}

	conns[conn.ID] = conn
	perClient[conn.ClientID]++
	conn.setState(StateOpen)
	conn.touch()
	h.connCount.Store(int64(len(conns)))
	h.metrics.SSEConnections.Inc()

	if f, err := encodeFrame(models.NewConnectedEvent(conn.ID, conn.Subscriptions()), h.cfg.CompressionThreshold); err == nil {
		h.queueFrame(conn, models.EventConnected, f)
	}

	h.logger.Debug().
		Str("connection_id", conn.ID).
		Str("client_id", conn.ClientID).
		Strs("subscriptions", conn.Subscriptions()).
		Int("connections", len(conns)).
		Msg("SSE connection registered")
	return nil
}

func (h *Hub) drop(conns map[string]*Connection, perClient map[string]int, conn *Connection, reason string) {
	if _, ok := conns[conn.ID]; !ok {
		return
	}

	delete(conns, conn.ID)
	if perClient[conn.ClientID] <= 1 {
		delete(perClient, conn.ClientID)
	} else {
		perClient[conn.ClientID]--
	}

	conn.setState(StateClosed)
	close(conn.frames)
	h.connCount.Store(int64(len(conns)))
	h.metrics.SSEConnections.Dec()

	h.logger.Debug().
		Str("connection_id", conn.ID).
		Str("client_id", conn.ClientID).
		Str("reason", reason).
		Int64("overflow", conn.Overflow()).
		Int("connections", len(conns)).
		Msg("SSE connection closed")
}

// fanout encodes an event once and queues it on every open connection
// whose subscriptions and subscriber key admit it.
func (h *Hub) fanout(conns map[string]*Connection, ev models.Event) {
	f, err := encodeFrame(ev, h.cfg.CompressionThreshold)
	if err != nil {
		h.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to encode event")
		return
	}

	for _, conn := range conns {
		if conn.State() != StateOpen || !conn.wants(ev) {
			continue
		}
		h.queueFrame(conn, ev.Type, f)
	}
}

func (h *Hub) queueFrame(conn *Connection, t models.EventType, f frame) {
	before := conn.Overflow()
	conn.enqueue(f)
	if conn.Overflow() > before {
		h.metrics.EventsDroppedTotal.Inc()
	}
	h.metrics.EventsSentTotal.WithLabelValues(string(t)).Inc()
}

// sweep runs on every heartbeat tick: it enqueues a heartbeat on each
// open connection and reaps connections whose queue stayed full for
// missedHeartbeatLimit consecutive ticks or that have not taken a
// delivery within the idle timeout.
func (h *Hub) sweep(conns map[string]*Connection, perClient map[string]int) {
	f, err := encodeFrame(models.NewHeartbeatEvent(), h.cfg.CompressionThreshold)
	if err != nil {
		return
	}
	idleCutoff := time.Now().Add(-h.cfg.GetIdleTimeout())

	var reap []*Connection
	for _, conn := range conns {
		if conn.State() != StateOpen {
			continue
		}

		if conn.full() {
			conn.missedHeartbeats++
		} else {
			conn.missedHeartbeats = 0
		}

		switch {
		case conn.missedHeartbeats >= missedHeartbeatLimit:
			conn.setState(StateClosing)
			reap = append(reap, conn)
		case conn.lastDeliveryTime().Before(idleCutoff):
			conn.setState(StateClosing)
			reap = append(reap, conn)
		default:
			h.queueFrame(conn, models.EventHeartbeat, f)
		}
	}

	for _, conn := range reap {
		h.logger.Info().
			Str("connection_id", conn.ID).
			Str("client_id", conn.ClientID).
			Int64("overflow", conn.Overflow()).
			Msg("Reaping unresponsive SSE connection")
		h.drop(conns, perClient, conn, "unresponsive")
	}
}

// shutdown delivers the final system event and closes every queue. The
// transports drain whatever remains and exit.
func (h *Hub) shutdown(conns map[string]*Connection) {
	f, err := encodeFrame(models.NewShutdownEvent(), h.cfg.CompressionThreshold)

	for _, conn := range conns {
		if err == nil && conn.State() == StateOpen {
			conn.enqueue(f)
		}
		conn.setState(StateClosed)
		close(conn.frames)
		h.metrics.SSEConnections.Dec()
	}
	h.connCount.Store(0)

	if len(conns) > 0 {
		h.logger.Info().Int("connections", len(conns)).Msg("Event bus closed all connections")
	}
}

// Stream writes the connection's frames to an HTTP response as a
// text/event-stream until the client disconnects or the queue closes.
// The caller must have registered the connection and is responsible for
// unregistering it when Stream returns.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, conn *Connection) {
	// ResponseController reaches through middleware wrappers that
	// implement Unwrap, unlike a direct http.Flusher assertion.
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn().
			Str("connection_id", conn.ID).
			Err(err).
			Msg("Streaming unsupported by connection")
		return
	}

	// Clear the server write deadline; the stream outlives it.
	_ = rc.SetWriteDeadline(time.Time{})

	for {
		select {
		case f, open := <-conn.frames:
			if !open {
				return
			}
			if err := writeFrame(w, f); err != nil {
				h.logger.Debug().
					Str("connection_id", conn.ID).
					Err(err).
					Msg("SSE write failed")
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			conn.touch()

		case <-r.Context().Done():
			return
		}
	}
}
