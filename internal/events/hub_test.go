package events

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/models"
)

func newTestHub(t *testing.T, mutate func(*common.EventsConfig)) *Hub {
	t.Helper()

	cfg := &common.EventsConfig{
		MaxConnections:       500,
		MaxPerClient:         10,
		QueueSize:            256,
		HeartbeatInterval:    "1h",
		IdleTimeout:          "1h",
		CompressionThreshold: 1024,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := NewHub(cfg, common.NewSilentLogger(), metrics.New())
	h.Start()
	t.Cleanup(h.Close)
	return h
}

func mustRegister(t *testing.T, h *Hub, clientID, key, subscribe string) *Connection {
	t.Helper()
	conn := h.NewConnection(clientID, key, subscribe)
	require.NoError(t, h.Register(conn))
	return conn
}

func readFrame(t *testing.T, conn *Connection, within time.Duration) frame {
	t.Helper()
	select {
	case f, ok := <-conn.frames:
		require.True(t, ok, "frame queue closed")
		return f
	case <-time.After(within):
		t.Fatalf("no frame within %v", within)
	}
	return frame{}
}

func TestParseSubscriptions(t *testing.T) {
	assert.Nil(t, parseSubscriptions(""))
	assert.Nil(t, parseSubscriptions("  "))
	assert.Nil(t, parseSubscriptions("bogus,nonsense"))

	set := parseSubscriptions("job_complete, job_failed,bogus")
	require.NotNil(t, set)
	assert.True(t, set[models.EventJobComplete])
	assert.True(t, set[models.EventJobFailed])
	assert.False(t, set[models.EventJobProgress])

	// Liveness and operational types ride along.
	assert.True(t, set[models.EventConnected])
	assert.True(t, set[models.EventHeartbeat])
	assert.True(t, set[models.EventSystem])
}

func TestHub_RegisterDeliversConnectedEvent(t *testing.T) {
	h := newTestHub(t, nil)
	conn := mustRegister(t, h, "client-a", "", "")

	f := readFrame(t, conn, time.Second)
	assert.Equal(t, models.EventConnected, f.event)

	data := decodePayload(t, f)
	assert.Equal(t, conn.ID, data["connection_id"])
	assert.Equal(t, []any{"*"}, data["subscriptions"])
	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHub_PoolCap(t *testing.T) {
	h := newTestHub(t, func(cfg *common.EventsConfig) { cfg.MaxConnections = 2 })

	first := mustRegister(t, h, "client-a", "", "")
	mustRegister(t, h, "client-b", "", "")
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.SSEConnections))

	overflow := h.NewConnection("client-c", "", "")
	require.ErrorIs(t, h.Register(overflow), ErrPoolFull)

	// Freeing a slot admits the next registration.
	h.Unregister(first)
	require.Eventually(t, func() bool { return h.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Register(h.NewConnection("client-c", "", "")))
}

func TestHub_PerClientLimit(t *testing.T) {
	h := newTestHub(t, func(cfg *common.EventsConfig) { cfg.MaxPerClient = 1 })

	mustRegister(t, h, "client-a", "", "")
	require.ErrorIs(t, h.Register(h.NewConnection("client-a", "", "")), ErrClientLimit)

	// Other clients are unaffected.
	require.NoError(t, h.Register(h.NewConnection("client-b", "", "")))
}

func TestHub_FanoutFiltersBySubscription(t *testing.T) {
	h := newTestHub(t, nil)
	conn := mustRegister(t, h, "client-a", "", "job_complete")
	readFrame(t, conn, time.Second) // connected

	job := &models.Job{ID: "j1", Kind: models.JobKindVideo, Result: &models.Summary{Text: "short text", Source: models.SummarySourceGenerated}}
	h.Publish(models.NewJobProgressEvent(job, 0.5, "halfway", ""))
	h.Publish(models.NewJobCompleteEvent(job, time.Second))

	// Per-connection FIFO means the next frame proves the progress
	// event was filtered out.
	f := readFrame(t, conn, time.Second)
	assert.Equal(t, models.EventJobComplete, f.event)
}

func TestHub_TargetedDeliveryBySubscriberKey(t *testing.T) {
	h := newTestHub(t, nil)
	alice := mustRegister(t, h, "client-a", "key-alice", "")
	bob := mustRegister(t, h, "client-b", "key-bob", "")
	readFrame(t, alice, time.Second)
	readFrame(t, bob, time.Second)

	private := &models.Job{ID: "j-private", Kind: models.JobKindVideo, SubscriberKey: "key-alice"}
	public := &models.Job{ID: "j-public", Kind: models.JobKindVideo}
	h.Publish(models.NewJobStartedEvent(private))
	h.Publish(models.NewJobStartedEvent(public))

	f := readFrame(t, alice, time.Second)
	assert.Equal(t, "j-private", decodePayload(t, f)["job_id"])
	f = readFrame(t, alice, time.Second)
	assert.Equal(t, "j-public", decodePayload(t, f)["job_id"])

	// Bob never sees the targeted event.
	f = readFrame(t, bob, time.Second)
	assert.Equal(t, "j-public", decodePayload(t, f)["job_id"])
}

func TestHub_TargetedDeliveryBySubscriptions(t *testing.T) {
	h := newTestHub(t, nil)
	watcher := mustRegister(t, h, "client-a", "", "job_failed")
	other := mustRegister(t, h, "client-b", "", "job_complete")
	readFrame(t, watcher, time.Second)
	readFrame(t, other, time.Second)

	// A system notice addressed to failure watchers. Both connections
	// admit the system type itself, so only the target list separates
	// them.
	notice := models.Event{
		Type:                models.EventSystem,
		Data:                map[string]any{"status": "degraded"},
		Timestamp:           time.Now().UTC(),
		TargetSubscriptions: []models.EventType{models.EventJobFailed},
	}
	h.Publish(notice)
	h.Publish(models.Event{
		Type:      models.EventSystem,
		Data:      map[string]any{"status": "all"},
		Timestamp: time.Now().UTC(),
	})

	f := readFrame(t, watcher, time.Second)
	assert.Equal(t, "degraded", decodePayload(t, f)["status"])

	// FIFO: the untargeted notice arriving first proves the targeted
	// one was filtered out.
	f = readFrame(t, other, time.Second)
	assert.Equal(t, "all", decodePayload(t, f)["status"])
}

func TestHub_OverflowDropsOldestKeepsConnection(t *testing.T) {
	h := newTestHub(t, func(cfg *common.EventsConfig) { cfg.QueueSize = 4 })
	conn := mustRegister(t, h, "client-a", "", "")
	readFrame(t, conn, time.Second) // connected

	job := &models.Job{ID: "j1", Kind: models.JobKindVideo}
	for i := 1; i <= 10; i++ {
		h.Publish(models.NewJobProgressEvent(job, float64(i)/10, fmt.Sprintf("item %d", i), ""))
	}

	require.Eventually(t, func() bool { return conn.Overflow() == 6 }, time.Second, 5*time.Millisecond)

	// The four most recent survive, in order.
	for i := 7; i <= 10; i++ {
		f := readFrame(t, conn, time.Second)
		require.Equal(t, models.EventJobProgress, f.event)
		data := decodePayload(t, f)
		assert.InDelta(t, float64(i)/10, data["progress"], 1e-9)
	}

	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, 1, h.ConnectionCount())
}

func TestHub_HeartbeatDelivered(t *testing.T) {
	h := newTestHub(t, func(cfg *common.EventsConfig) { cfg.HeartbeatInterval = "25ms" })
	conn := mustRegister(t, h, "client-a", "", "")
	readFrame(t, conn, time.Second) // connected

	f := readFrame(t, conn, 2*time.Second)
	assert.Equal(t, models.EventHeartbeat, f.event)
}

func TestHub_ReapsStalledConnection(t *testing.T) {
	h := newTestHub(t, func(cfg *common.EventsConfig) {
		cfg.QueueSize = 1
		cfg.HeartbeatInterval = "20ms"
	})

	// Never read: the connected event keeps the queue full across
	// consecutive heartbeat ticks.
	conn := mustRegister(t, h, "client-a", "", "")

	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateClosed, conn.State())
}

func TestHub_ReapsIdleConnection(t *testing.T) {
	h := newTestHub(t, func(cfg *common.EventsConfig) {
		cfg.HeartbeatInterval = "20ms"
		cfg.IdleTimeout = "60ms"
	})

	// Heartbeats pile up unread; the queue never fills, but nothing is
	// ever delivered, so the idle cutoff reaps the connection.
	conn := mustRegister(t, h, "client-a", "", "")

	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateClosed, conn.State())
}

func TestHub_CloseDeliversShutdownEvent(t *testing.T) {
	h := newTestHub(t, nil)
	conn := mustRegister(t, h, "client-a", "", "")
	readFrame(t, conn, time.Second) // connected

	h.Close()

	var last frame
	count := 0
	for f := range conn.frames {
		last = f
		count++
	}
	require.Equal(t, 1, count)
	assert.Equal(t, models.EventSystem, last.event)
	assert.Equal(t, "shutdown", decodePayload(t, last)["status"])
	assert.Equal(t, StateClosed, conn.State())

	require.ErrorIs(t, h.Register(h.NewConnection("client-b", "", "")), ErrHubClosed)

	// Publish after close is a no-op.
	h.Publish(models.NewHeartbeatEvent())
}

func TestHub_StreamOverHTTP(t *testing.T) {
	h := newTestHub(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := h.NewConnection("client-a", "", "")
		if err := h.Register(conn); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		defer h.Unregister(conn)
		h.Stream(w, r, conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: connected", scanner.Text())
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasPrefix(scanner.Text(), "data: "))

	// A published event reaches the stream.
	job := &models.Job{ID: "j9", Kind: models.JobKindVideo}
	h.Publish(models.NewJobStartedEvent(job))

	require.True(t, scanner.Scan()) // blank separator
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: job_started", scanner.Text())

	cancel()
}
