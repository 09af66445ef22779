package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/events"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/models"
	"github.com/recaplabs/recap/internal/queue"
	"github.com/recaplabs/recap/internal/state"
)

// nullPersist satisfies the persistence interface without doing work.
type nullPersist struct{}

func (nullPersist) Name() string                                { return "null" }
func (nullPersist) Load(context.Context) ([]*models.Job, error) { return nil, nil }
func (nullPersist) Save(context.Context, []*models.Job) error   { return nil }
func (nullPersist) Delete(context.Context, []string) error      { return nil }
func (nullPersist) Close() error                                { return nil }

type testEnv struct {
	server *Server
	state  *state.Store
	queue  *queue.Queue
	hub    *events.Hub
}

func newTestServer(t *testing.T, mutate ...func(*common.Config)) *testEnv {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Queue.MaxSize = 100
	cfg.Queue.RateLimitPerMinute = 100000
	cfg.Events.HeartbeatInterval = "1h"
	cfg.Events.IdleTimeout = "1h"
	for _, fn := range mutate {
		fn(cfg)
	}

	logger := common.NewSilentLogger()
	m := metrics.New()

	st := state.New(cfg.State, nullPersist{}, logger)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(cfg.Queue, st, logger, m)
	t.Cleanup(q.Close)

	hub := events.NewHub(&cfg.Events, logger, m)
	hub.Start()
	t.Cleanup(hub.Close)

	return &testEnv{
		server: NewServer(cfg, logger, m, q, st, hub),
		state:  st,
		queue:  q,
		hub:    hub,
	}
}

// do runs a request through the full middleware chain.
func (e *testEnv) do(t *testing.T, method, target string, body any, header ...http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	for _, h := range header {
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(t *testing.T, url string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":    "video",
		"payload": map[string]any{"url": url},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	return resp["job_id"]
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleJobSubmit_Accepted(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":     "video",
		"payload":  map[string]any{"url": "https://example.com/v/1"},
		"priority": 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp["status"])

	job, err := env.state.Get(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, models.PriorityHigh, job.Priority)
	// httptest requests carry the test-net remote address.
	assert.Equal(t, "192.0.2.1", job.ClientID)
}

func TestHandleJobSubmit_InvalidPayload(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":    "video",
		"payload": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payload", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":    "carrier-pigeon",
		"payload": map[string]any{"url": "https://example.com"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payload", decodeError(t, rec).Code)
}

func TestHandleJobSubmit_MalformedJSON(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleJobSubmit_QueueFull(t *testing.T) {
	env := newTestServer(t, func(cfg *common.Config) {
		cfg.Queue.MaxSize = 1
	})

	env.submit(t, "https://example.com/v/1")

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":    "video",
		"payload": map[string]any{"url": "https://example.com/v/2"},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "queue_full", decodeError(t, rec).Code)
}

func TestHandleJobSubmit_RateLimited(t *testing.T) {
	env := newTestServer(t, func(cfg *common.Config) {
		cfg.Queue.RateLimitPerMinute = 1
	})

	env.submit(t, "https://example.com/v/1")

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":    "video",
		"payload": map[string]any{"url": "https://example.com/v/2"},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Code)
}

func TestHandleJobSubmit_AfterCloseIsShuttingDown(t *testing.T) {
	env := newTestServer(t)
	env.queue.Close()

	rec := env.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"kind":    "video",
		"payload": map[string]any{"url": "https://example.com/v/1"},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "shutting_down", decodeError(t, rec).Code)
}

func TestHandleJobGet(t *testing.T) {
	env := newTestServer(t)
	id := env.submit(t, "https://example.com/v/1")

	rec := env.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, models.JobKindVideo, resp.Kind)
	assert.Equal(t, models.JobStatusPending, resp.Status)
	assert.Equal(t, "https://example.com/v/1", resp.Payload.URL)
	assert.Nil(t, resp.StartedAt)
	assert.False(t, resp.CreatedAt.IsZero())
}

func TestHandleJobGet_NotFound(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleJobList_Filters(t *testing.T) {
	env := newTestServer(t)
	env.submit(t, "https://example.com/v/1")
	env.submit(t, "https://example.com/v/2")

	type listResponse struct {
		Jobs  []jobResponse `json:"jobs"`
		Count int           `json:"count"`
	}

	rec := env.do(t, http.MethodGet, "/api/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/jobs?kind=batch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = listResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/jobs?client=192.0.2.1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = listResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/jobs?status=exploded", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filter", decodeError(t, rec).Code)
}

func TestHandleJobCancel(t *testing.T) {
	env := newTestServer(t)
	id := env.submit(t, "https://example.com/v/1")

	rec := env.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp["status"])

	job, err := env.state.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.False(t, job.CompletedAt.IsZero())

	// A second cancel hits a terminal job.
	rec = env.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_cancellable", decodeError(t, rec).Code)
}

func TestHandleJobCancel_InProgressConflicts(t *testing.T) {
	env := newTestServer(t)
	id := env.submit(t, "https://example.com/v/1")

	_, err := env.state.Transition(context.Background(), id,
		models.JobStatusPending, models.JobStatusInProgress)
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_cancellable", decodeError(t, rec).Code)
}

func TestHandleHealth(t *testing.T) {
	env := newTestServer(t)
	env.submit(t, "https://example.com/v/1")

	rec := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["queue_depth"])
	assert.Equal(t, float64(0), resp["sse_connections"])
}

func TestHandleVersion(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.submit(t, "https://example.com/v/1")

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobs_submitted_total")
	assert.Contains(t, rec.Body.String(), "queue_depth 1")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPut, "/api/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodPost)

	id := env.submit(t, "https://example.com/v/1")
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%s", id), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerTimeoutsConfigured(t *testing.T) {
	env := newTestServer(t)

	assert.Equal(t, 30*time.Second, env.server.server.ReadTimeout)
	assert.Equal(t, 300*time.Second, env.server.server.WriteTimeout)
}
