// Package models defines the core value types shared across recap services.
package models

import (
	"fmt"
	"time"
)

// JobKind identifies what a job summarizes.
type JobKind string

const (
	JobKindVideo    JobKind = "video"
	JobKindPlaylist JobKind = "playlist"
	JobKindBatch    JobKind = "batch"
)

// KnownKind reports whether k is one of the supported job kinds.
func KnownKind(k JobKind) bool {
	switch k {
	case JobKindVideo, JobKindPlaylist, JobKindBatch:
		return true
	}
	return false
}

// JobPriority orders jobs in the queue. Lower value is served first.
type JobPriority int

const (
	PriorityHigh   JobPriority = 1
	PriorityMedium JobPriority = 2
	PriorityLow    JobPriority = 3
)

// KnownPriority reports whether p is a valid priority level.
func KnownPriority(p JobPriority) bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetry      JobStatus = "retry"
	JobStatusCancelled  JobStatus = "cancelled"
)

// KnownStatus reports whether s is a valid job status.
func KnownStatus(s JobStatus) bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted,
		JobStatusFailed, JobStatusRetry, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// legalTransitions is the edge set of the job state machine.
var legalTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusCompleted, JobStatusFailed, JobStatusRetry},
	JobStatusRetry:      {JobStatusPending, JobStatusCancelled},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to JobStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a unit of summarization work tracked by the state store.
type Job struct {
	ID              string      `json:"id"`
	Kind            JobKind     `json:"kind"`
	Priority        JobPriority `json:"priority"`
	Payload         Payload     `json:"payload"`
	ClientID        string      `json:"client_id"`
	SubscriberKey   string      `json:"subscriber_key,omitempty"`
	Status          JobStatus   `json:"status"`
	Progress        float64     `json:"progress"`
	ProgressMessage string      `json:"progress_message,omitempty"`
	ProgressStep    string      `json:"progress_step,omitempty"`
	Attempt         int         `json:"attempt"`
	MaxAttempts     int         `json:"max_attempts"`
	Seq             uint64      `json:"seq"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	Result          *Summary    `json:"result,omitempty"`
	LastError       *JobError   `json:"last_error,omitempty"`
}

// Validate checks the structural invariants of a job record. Records
// loaded from persistence that fail validation are dropped.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job has no id")
	}
	if !KnownKind(j.Kind) {
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
	if !KnownStatus(j.Status) {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if !KnownPriority(j.Priority) {
		return fmt.Errorf("job %s: invalid priority %d", j.ID, j.Priority)
	}
	if j.Progress < 0 || j.Progress > 1 {
		return fmt.Errorf("job %s: progress %f out of range", j.ID, j.Progress)
	}
	if j.CreatedAt.IsZero() {
		return fmt.Errorf("job %s: missing created_at", j.ID)
	}
	return nil
}

// Clone returns a deep copy of the job. The state store hands out clones
// so callers never share memory with the authoritative record.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = j.Payload.Clone()
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	return &c
}

// JobError is the terminal error recorded on a failed job.
type JobError struct {
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	Retriable  bool          `json:"retriable"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// ErrorCategory classifies a raw error for retry decisions.
type ErrorCategory string

const (
	CategoryNetwork          ErrorCategory = "network"
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryRateLimit        ErrorCategory = "rate_limit"
	CategoryAuth             ErrorCategory = "auth"
	CategoryNotFound         ErrorCategory = "not_found"
	CategoryPermissionDenied ErrorCategory = "permission_denied"
	CategoryInvalidInput     ErrorCategory = "invalid_input"
	CategoryQuotaExceeded    ErrorCategory = "quota_exceeded"
	CategoryInternal         ErrorCategory = "internal"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Summary is the artifact produced by a summarizer.
type Summary struct {
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`
	Model  string `json:"model,omitempty"`
	Source string `json:"source"` // "cache" or "generated"
}

// SummarySourceCache and SummarySourceGenerated are the valid Summary.Source values.
const (
	SummarySourceCache     = "cache"
	SummarySourceGenerated = "generated"
)

// Excerpt returns at most n runes of the summary text for event payloads.
func (s *Summary) Excerpt(n int) string {
	if s == nil {
		return ""
	}
	runes := []rune(s.Text)
	if len(runes) <= n {
		return s.Text
	}
	return string(runes[:n]) + "…"
}

// ProgressRecord is a point-in-time progress observation for a job. It
// is the canonical shape of a job_progress event payload.
type ProgressRecord struct {
	JobID    string    `json:"job_id"`
	Fraction float64   `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Step     string    `json:"step,omitempty"`
	At       time.Time `json:"at"`
}

// Data renders the record as event payload fields. The observation time
// travels in the event envelope, not the payload.
func (r ProgressRecord) Data() map[string]any {
	data := map[string]any{
		"job_id":   r.JobID,
		"progress": r.Fraction,
	}
	if r.Message != "" {
		data["message"] = r.Message
	}
	if r.Step != "" {
		data["step"] = r.Step
	}
	return data
}
