package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/models"
)

// fakeState is a minimal in-memory StateStore for queue tests.
type fakeState struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeState() *fakeState {
	return &fakeState{jobs: make(map[string]*models.Job)}
}

func (s *fakeState) Upsert(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *fakeState) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *fakeState) UpdateProgress(_ context.Context, id string, fraction float64, message, step string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	job.Progress = fraction
	job.ProgressMessage = message
	job.ProgressStep = step
	return job.Clone(), nil
}

func (s *fakeState) Transition(_ context.Context, id string, from, to models.JobStatus, opts ...interfaces.TransitionOption) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	if job.Status != from {
		return nil, interfaces.ErrStaleTransition
	}
	job.Status = to
	for _, opt := range opts {
		opt(job)
	}
	return job.Clone(), nil
}

func (s *fakeState) List(_ context.Context, _ interfaces.JobFilter) ([]*models.Job, error) {
	return nil, nil
}

func (s *fakeState) PurgeOlderThan(_ context.Context, _ time.Time, _ bool) (int, error) {
	return 0, nil
}

func (s *fakeState) Flush(_ context.Context) error { return nil }

func (s *fakeState) Close() error { return nil }

// setStatus mutates a stored job directly, bypassing transition rules.
func (s *fakeState) setStatus(id string, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
	}
}

func testConfig() common.QueueConfig {
	return common.QueueConfig{
		MaxSize:            100,
		RateLimitPerMinute: 600,
		MaxRetries:         3,
	}
}

func newTestQueue(t *testing.T, cfg common.QueueConfig) (*Queue, *fakeState) {
	t.Helper()
	st := newFakeState()
	q := New(cfg, st, common.NewSilentLogger(), metrics.New())
	t.Cleanup(q.Close)
	return q, st
}

func submitJob(t *testing.T, q *Queue, priority models.JobPriority, url string) *models.Job {
	t.Helper()
	job, err := q.Submit(context.Background(), interfaces.SubmitRequest{
		Kind:     models.JobKindVideo,
		Priority: priority,
		Payload:  models.Payload{URL: url},
		ClientID: "test-client",
	})
	require.NoError(t, err)
	return job
}

func TestQueue_SubmitPopulatesJob(t *testing.T) {
	q, st := newTestQueue(t, testConfig())

	job, err := q.Submit(context.Background(), interfaces.SubmitRequest{
		Kind:          models.JobKindVideo,
		Payload:       models.Payload{URL: "https://example.com/watch?v=abc"},
		ClientID:      "client-1",
		SubscriberKey: "sub-1",
	})
	require.NoError(t, err)

	assert.Len(t, job.ID, 8)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.PriorityMedium, job.Priority, "zero priority should default to medium")
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, "client-1", job.ClientID)
	assert.Equal(t, "sub-1", job.SubscriberKey)
	assert.False(t, job.CreatedAt.IsZero())
	assert.False(t, job.UpdatedAt.IsZero())

	stored, err := st.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_SubmitValidation(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	_, err := q.Submit(ctx, interfaces.SubmitRequest{
		Kind:    models.JobKind("podcast"),
		Payload: models.Payload{URL: "https://example.com/a"},
	})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = q.Submit(ctx, interfaces.SubmitRequest{
		Kind:     models.JobKindVideo,
		Priority: models.JobPriority(7),
		Payload:  models.Payload{URL: "https://example.com/a"},
	})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = q.Submit(ctx, interfaces.SubmitRequest{
		Kind:    models.JobKindVideo,
		Payload: models.Payload{},
	})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	assert.Equal(t, 0, q.Size())
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	low := submitJob(t, q, models.PriorityLow, "https://example.com/low")
	med := submitJob(t, q, models.PriorityMedium, "https://example.com/med")
	high := submitJob(t, q, models.PriorityHigh, "https://example.com/high")

	for _, want := range []string{high.ID, med.ID, low.ID} {
		got, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	var submitted []string
	for i := 0; i < 5; i++ {
		job := submitJob(t, q, models.PriorityMedium, fmt.Sprintf("https://example.com/%d", i))
		submitted = append(submitted, job.ID)
	}

	var popped []string
	for range submitted {
		job, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		popped = append(popped, job.ID)
	}
	assert.Equal(t, submitted, popped)
}

func TestQueue_FullRejectsSubmission(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	q, _ := newTestQueue(t, cfg)

	submitJob(t, q, models.PriorityMedium, "https://example.com/1")
	submitJob(t, q, models.PriorityMedium, "https://example.com/2")

	_, err := q.Submit(context.Background(), interfaces.SubmitRequest{
		Kind:     models.JobKindVideo,
		Payload:  models.Payload{URL: "https://example.com/3"},
		ClientID: "test-client",
	})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Popping frees a slot for the next submission.
	_, err = q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	submitJob(t, q, models.PriorityMedium, "https://example.com/3")
}

func TestQueue_RateLimitPerClient(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 60
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	burst := func(clientID string) (accepted int, err error) {
		for i := 0; i < 61; i++ {
			_, err = q.Submit(ctx, interfaces.SubmitRequest{
				Kind:     models.JobKindVideo,
				Payload:  models.Payload{URL: fmt.Sprintf("https://example.com/%s/%d", clientID, i)},
				ClientID: clientID,
			})
			if err != nil {
				return accepted, err
			}
			accepted++
		}
		return accepted, nil
	}

	accepted, err := burst("heavy")
	assert.Equal(t, 60, accepted)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Another client has an independent budget.
	_, err = q.Submit(ctx, interfaces.SubmitRequest{
		Kind:     models.JobKindVideo,
		Payload:  models.Payload{URL: "https://example.com/other"},
		ClientID: "light",
	})
	require.NoError(t, err)

	// The budget refills at one submission per second.
	time.Sleep(1100 * time.Millisecond)
	_, err = q.Submit(ctx, interfaces.SubmitRequest{
		Kind:     models.JobKindVideo,
		Payload:  models.Payload{URL: "https://example.com/heavy/after"},
		ClientID: "heavy",
	})
	require.NoError(t, err)
}

func TestQueue_PopTimeout(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	start := time.Now()
	_, err := q.Pop(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPopTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueue_PopBlocksUntilSubmit(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	done := make(chan *models.Job, 1)
	go func() {
		job, err := q.Pop(context.Background(), 5*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- job
	}()

	time.Sleep(50 * time.Millisecond)
	want := submitJob(t, q, models.PriorityMedium, "https://example.com/late")

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not return after submit")
	}
}

func TestQueue_CloseUnblocksPop(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background(), 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not return after close")
	}
}

func TestQueue_ContextCancelUnblocksPop(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not return after cancel")
	}
}

func TestQueue_PopSkipsCancelledJobs(t *testing.T) {
	q, st := newTestQueue(t, testConfig())
	ctx := context.Background()

	first := submitJob(t, q, models.PriorityMedium, "https://example.com/1")
	second := submitJob(t, q, models.PriorityMedium, "https://example.com/2")
	st.setStatus(first.ID, models.JobStatusCancelled)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestQueue_PopSkipsPurgedJobs(t *testing.T) {
	q, st := newTestQueue(t, testConfig())
	ctx := context.Background()

	first := submitJob(t, q, models.PriorityMedium, "https://example.com/1")
	second := submitJob(t, q, models.PriorityMedium, "https://example.com/2")
	st.mu.Lock()
	delete(st.jobs, first.ID)
	st.mu.Unlock()

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestQueue_RequeuePreservesSequence(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	first := submitJob(t, q, models.PriorityMedium, "https://example.com/1")
	second := submitJob(t, q, models.PriorityMedium, "https://example.com/2")

	popped, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, first.ID, popped.ID)

	require.NoError(t, q.Requeue(popped))

	// The requeued job keeps its place ahead of later submissions.
	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestQueue_RequeueAdvancesSequenceCounter(t *testing.T) {
	q, st := newTestQueue(t, testConfig())
	ctx := context.Background()

	// Simulates startup recovery of a job persisted by a prior run.
	recovered := &models.Job{
		ID:          "recovered",
		Kind:        models.JobKindVideo,
		Priority:    models.PriorityMedium,
		Payload:     models.Payload{URL: "https://example.com/old"},
		Status:      models.JobStatusPending,
		MaxAttempts: 3,
		Seq:         40,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.Upsert(ctx, recovered))
	require.NoError(t, q.Requeue(recovered))

	fresh := submitJob(t, q, models.PriorityMedium, "https://example.com/new")
	assert.Greater(t, fresh.Seq, recovered.Seq)

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, recovered.ID, got.ID)
}

func TestQueue_Drain(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	var want []string
	for i := 0; i < 3; i++ {
		job := submitJob(t, q, models.PriorityMedium, fmt.Sprintf("https://example.com/%d", i))
		want = append(want, job.ID)
	}

	assert.Equal(t, want, q.Drain())
	assert.Equal(t, 0, q.Size())
}

func TestQueue_SubmitAfterClose(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	q.Close()

	_, err := q.Submit(context.Background(), interfaces.SubmitRequest{
		Kind:     models.JobKindVideo,
		Payload:  models.Payload{URL: "https://example.com/a"},
		ClientID: "test-client",
	})
	assert.ErrorIs(t, err, ErrQueueClosed)

	assert.ErrorIs(t, q.Requeue(&models.Job{ID: "x"}), ErrQueueClosed)
}

func TestQueue_ConcurrentSubmitAndPop(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Submit(ctx, interfaces.SubmitRequest{
				Kind:     models.JobKindVideo,
				Payload:  models.Payload{URL: fmt.Sprintf("https://example.com/%d", i)},
				ClientID: "test-client",
			})
			if err != nil && !errors.Is(err, ErrQueueClosed) {
				t.Errorf("submit: %v", err)
			}
		}(i)
	}

	seen := make(map[string]bool)
	var seenMu sync.Mutex
	var popWg sync.WaitGroup
	for w := 0; w < 4; w++ {
		popWg.Add(1)
		go func() {
			defer popWg.Done()
			for {
				job, err := q.Pop(ctx, 500*time.Millisecond)
				if err != nil {
					return
				}
				seenMu.Lock()
				if seen[job.ID] {
					t.Errorf("job %s popped twice", job.ID)
				}
				seen[job.ID] = true
				seenMu.Unlock()
			}
		}()
	}

	wg.Wait()
	popWg.Wait()
	assert.Len(t, seen, n)
}
