package models

import "time"

// EventType names a server-sent event on the wire.
type EventType string

const (
	EventConnected   EventType = "connected"
	EventHeartbeat   EventType = "heartbeat"
	EventJobStarted  EventType = "job_started"
	EventJobProgress EventType = "job_progress"
	EventJobRetry    EventType = "job_retry"
	EventJobComplete EventType = "job_complete"
	EventJobFailed   EventType = "job_failed"
	EventSystem      EventType = "system"
)

// CompressedSuffix marks an event whose data field is gzip-compressed
// and base64-encoded. Clients strip the suffix to recover the logical type.
const CompressedSuffix = "_z"

// KnownEventType reports whether t is a publishable event type.
func KnownEventType(t EventType) bool {
	switch t {
	case EventConnected, EventHeartbeat, EventJobStarted, EventJobProgress,
		EventJobRetry, EventJobComplete, EventJobFailed, EventSystem:
		return true
	}
	return false
}

// Event is a single notification delivered over the event bus.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`

	// TargetSubscriberKey, when set, restricts delivery to connections
	// registered with the same key. Empty means deliver to every
	// connection subscribed to the event type.
	TargetSubscriberKey string `json:"-"`

	// TargetSubscriptions, when set, restricts delivery to connections
	// whose subscription set intersects it. Empty places no restriction.
	TargetSubscriptions []EventType `json:"-"`
}

// ExcerptLength is the number of runes of summary text included in a
// job_complete event. Full text is available from the job endpoint.
const ExcerptLength = 500

// NewJobStartedEvent announces that a worker picked up a job.
func NewJobStartedEvent(job *Job) Event {
	return Event{
		Type: EventJobStarted,
		Data: map[string]any{
			"job_id":  job.ID,
			"kind":    string(job.Kind),
			"attempt": job.Attempt,
		},
		Timestamp:           time.Now().UTC(),
		TargetSubscriberKey: job.SubscriberKey,
	}
}

// NewJobProgressEvent reports summarization progress for a job.
func NewJobProgressEvent(job *Job, fraction float64, message, step string) Event {
	rec := ProgressRecord{
		JobID:    job.ID,
		Fraction: fraction,
		Message:  message,
		Step:     step,
		At:       time.Now().UTC(),
	}
	return Event{
		Type:                EventJobProgress,
		Data:                rec.Data(),
		Timestamp:           rec.At,
		TargetSubscriberKey: job.SubscriberKey,
	}
}

// NewJobRetryEvent announces that a failed attempt was scheduled for retry.
func NewJobRetryEvent(job *Job, category ErrorCategory, message string, delay time.Duration) Event {
	return Event{
		Type: EventJobRetry,
		Data: map[string]any{
			"job_id":             job.ID,
			"attempt":            job.Attempt,
			"max_attempts":       job.MaxAttempts,
			"error_category":     string(category),
			"message":            message,
			"next_attempt_in_ms": delay.Milliseconds(),
		},
		Timestamp:           time.Now().UTC(),
		TargetSubscriberKey: job.SubscriberKey,
	}
}

// NewJobCompleteEvent announces a finished job with a bounded summary excerpt.
func NewJobCompleteEvent(job *Job, duration time.Duration) Event {
	data := map[string]any{
		"job_id":      job.ID,
		"kind":        string(job.Kind),
		"duration_ms": duration.Milliseconds(),
	}
	if job.Result != nil {
		data["result_summary_excerpt"] = job.Result.Excerpt(ExcerptLength)
		data["source"] = job.Result.Source
		if job.Result.Title != "" {
			data["title"] = job.Result.Title
		}
		if job.Result.Model != "" {
			data["model"] = job.Result.Model
		}
	}
	return Event{
		Type:                EventJobComplete,
		Data:                data,
		Timestamp:           time.Now().UTC(),
		TargetSubscriberKey: job.SubscriberKey,
	}
}

// NewJobFailedEvent announces a terminally failed job.
func NewJobFailedEvent(job *Job, category ErrorCategory, message string) Event {
	return Event{
		Type: EventJobFailed,
		Data: map[string]any{
			"job_id":         job.ID,
			"error_category": string(category),
			"message":        message,
			"attempts":       job.Attempt,
		},
		Timestamp:           time.Now().UTC(),
		TargetSubscriberKey: job.SubscriberKey,
	}
}

// NewShutdownEvent is the final system event delivered to every
// connection before the bus closes.
func NewShutdownEvent() Event {
	return Event{
		Type:      EventSystem,
		Data:      map[string]any{"status": "shutdown"},
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectedEvent greets a newly registered connection with its id and
// resolved subscription set.
func NewConnectedEvent(connectionID string, subscriptions []string) Event {
	return Event{
		Type: EventConnected,
		Data: map[string]any{
			"connection_id": connectionID,
			"subscriptions": subscriptions,
			"server_time":   time.Now().UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatEvent is the periodic liveness signal.
func NewHeartbeatEvent() Event {
	return Event{
		Type:      EventHeartbeat,
		Data:      map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)},
		Timestamp: time.Now().UTC(),
	}
}
