// Package interfaces defines service contracts for recap.
package interfaces

import (
	"context"
	"time"

	"github.com/recaplabs/recap/internal/models"
)

// SubmitRequest describes a job submission.
type SubmitRequest struct {
	Kind     models.JobKind
	Priority models.JobPriority // zero value selects the default
	Payload  models.Payload
	ClientID string
	// SubscriberKey scopes the job's events to connections registered
	// with the same key. Empty means events are visible to everyone.
	SubscriberKey string
}

// JobQueue accepts, orders, and hands out jobs.
type JobQueue interface {
	// Submit validates the request, persists a new pending job, and
	// enqueues it. Returns the created job.
	Submit(ctx context.Context, req SubmitRequest) (*models.Job, error)

	// Pop removes the highest-priority job, blocking until one is
	// available, the timeout elapses, or the queue closes. Jobs
	// cancelled while queued are skipped.
	Pop(ctx context.Context, timeout time.Duration) (*models.Job, error)

	// Requeue returns a previously popped job to the queue after a
	// retry delay, preserving its original ordering sequence.
	Requeue(job *models.Job) error

	// Size reports the number of queued jobs.
	Size() int

	// Drain removes all queued entries and returns their job ids.
	Drain() []string

	// Close stops the queue. Blocked Pop calls return immediately.
	Close()
}

// JobFilter narrows a state store listing.
type JobFilter struct {
	Statuses []models.JobStatus
	ClientID string
	Kind     models.JobKind
	Limit    int
}

// TransitionOption mutates a job atomically with a status transition.
type TransitionOption func(*models.Job)

// StateStore is the authoritative in-memory job table with durable backing.
type StateStore interface {
	// Upsert inserts or replaces a job record.
	Upsert(ctx context.Context, job *models.Job) error

	// Get returns a copy of the job, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*models.Job, error)

	// UpdateProgress records progress for a job without changing status.
	UpdateProgress(ctx context.Context, id string, fraction float64, message, step string) (*models.Job, error)

	// Transition moves a job from an expected status to a new one,
	// applying opts atomically with the change. Illegal or stale
	// transitions leave the record untouched.
	Transition(ctx context.Context, id string, from, to models.JobStatus, opts ...TransitionOption) (*models.Job, error)

	// List returns copies of jobs matching filter, newest first.
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// PurgeOlderThan removes jobs last touched before cutoff. When
	// terminalOnly is set, only completed, failed, and cancelled jobs
	// are considered. Returns the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time, terminalOnly bool) (int, error)

	// Flush forces a synchronous save of the job table.
	Flush(ctx context.Context) error

	// Close flushes pending changes and stops background work.
	Close() error
}

// EventPublisher is the write side of the event bus.
type EventPublisher interface {
	// Publish delivers an event to subscribed connections. It never
	// blocks; events are dropped when the bus is saturated.
	Publish(event models.Event)
}
