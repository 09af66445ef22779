// Package queue implements the bounded priority job queue. Jobs are
// ordered by (priority, submission sequence) so higher-priority work is
// dispatched first and equal-priority work stays FIFO. The queue holds
// only ordering entries; the state store owns the job records.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/models"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrRateLimited is returned when a client exceeds its submission budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQueueClosed is returned by calls made after Close.
	ErrQueueClosed = errors.New("queue closed")

	// ErrPopTimeout is returned by Pop when no job arrives in time.
	ErrPopTimeout = errors.New("queue pop timed out")

	// ErrInvalidSubmission is returned for requests that fail validation.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Queue is a bounded, rate-limited priority queue backed by the state
// store. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries entryHeap
	nextSeq uint64
	closed  bool

	maxSize    int
	maxRetries int
	limiter    *clientLimiter
	state      interfaces.StateStore
	logger     *common.Logger
	metrics    *metrics.Metrics
}

// New creates a queue using cfg for capacity, rate limiting, and retry
// budget defaults. Jobs are persisted through state before they become
// visible to Pop.
func New(cfg common.QueueConfig, state interfaces.StateStore, logger *common.Logger, m *metrics.Metrics) *Queue {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	q := &Queue{
		entries:    make(entryHeap, 0, cfg.MaxSize),
		maxSize:    cfg.MaxSize,
		maxRetries: cfg.MaxRetries,
		limiter:    newClientLimiter(cfg.RateLimitPerMinute),
		state:      state,
		logger:     logger,
		metrics:    m,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit validates the request, persists a new pending job, and enqueues
// it. Capacity is checked before the rate limiter so a full queue does
// not consume the client's budget.
func (q *Queue) Submit(ctx context.Context, req interfaces.SubmitRequest) (*models.Job, error) {
	kind := req.Kind
	if !models.KnownKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSubmission, kind)
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.PriorityMedium
	}
	if !models.KnownPriority(priority) {
		return nil, fmt.Errorf("%w: invalid priority %d", ErrInvalidSubmission, req.Priority)
	}
	if err := req.Payload.Validate(kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = common.ResolveClientID(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if q.entries.Len() >= q.maxSize {
		q.metrics.SubmissionsRejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}
	if !q.limiter.Allow(clientID) {
		q.metrics.SubmissionsRejectedTotal.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("%w: client %s", ErrRateLimited, clientID)
	}

	id, err := q.uniqueID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            id,
		Kind:          kind,
		Priority:      priority,
		Payload:       req.Payload.Clone(),
		ClientID:      clientID,
		SubscriberKey: req.SubscriberKey,
		Status:        models.JobStatusPending,
		MaxAttempts:   q.maxRetries,
		Seq:           q.nextSeq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.state.Upsert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job %s: %w", id, err)
	}
	q.nextSeq++

	heap.Push(&q.entries, &entry{id: job.ID, priority: job.Priority, seq: job.Seq})
	q.metrics.JobsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	q.metrics.QueueDepth.Set(float64(q.entries.Len()))
	q.cond.Signal()

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Int("priority", int(priority)).
		Str("client_id", clientID).
		Msg("Job enqueued")

	return job.Clone(), nil
}

// uniqueID generates a short job id, retrying on the unlikely collision
// with an existing record. Caller holds q.mu.
func (q *Queue) uniqueID(ctx context.Context) (string, error) {
	for i := 0; i < 4; i++ {
		id := uuid.NewString()[:8]
		_, err := q.state.Get(ctx, id)
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check job id: %w", err)
		}
	}
	return uuid.NewString(), nil
}

// Pop removes and returns the highest-priority pending job. It blocks
// until a job is available, the timeout elapses (ErrPopTimeout), the
// context is cancelled, or the queue closes (ErrQueueClosed). Entries
// whose job was cancelled or purged while queued are discarded.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		q.mu.Lock()
		for q.entries.Len() == 0 {
			if q.closed {
				q.mu.Unlock()
				return nil, ErrQueueClosed
			}
			if err := ctx.Err(); err != nil {
				q.mu.Unlock()
				return nil, err
			}
			if !time.Now().Before(deadline) {
				q.mu.Unlock()
				return nil, ErrPopTimeout
			}
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		e := heap.Pop(&q.entries).(*entry)
		q.metrics.QueueDepth.Set(float64(q.entries.Len()))
		q.mu.Unlock()

		job, err := q.state.Get(ctx, e.id)
		if errors.Is(err, interfaces.ErrJobNotFound) {
			q.logger.Debug().Str("job_id", e.id).Msg("Dropping queue entry for purged job")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load job %s: %w", e.id, err)
		}
		if job.Status != models.JobStatusPending {
			q.logger.Debug().
				Str("job_id", job.ID).
				Str("status", string(job.Status)).
				Msg("Skipping non-pending queue entry")
			continue
		}
		return job, nil
	}
}

// Requeue returns a previously popped job to the queue, keeping its
// original sequence so it does not jump ahead of peers submitted before
// it. Capacity is not checked: the job already holds a slot in the
// system. Used for retries and startup recovery.
func (q *Queue) Requeue(job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	heap.Push(&q.entries, &entry{id: job.ID, priority: job.Priority, seq: job.Seq})
	if job.Seq >= q.nextSeq {
		q.nextSeq = job.Seq + 1
	}
	q.metrics.QueueDepth.Set(float64(q.entries.Len()))
	q.cond.Signal()
	return nil
}

// Size reports the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Drain removes all queued entries and returns their job ids, in queue
// order. Used at shutdown to record work left behind.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, q.entries.Len())
	for q.entries.Len() > 0 {
		e := heap.Pop(&q.entries).(*entry)
		ids = append(ids, e.id)
	}
	q.metrics.QueueDepth.Set(0)
	return ids
}

// Close stops the queue. Blocked Pop calls return ErrQueueClosed;
// queued entries remain until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
