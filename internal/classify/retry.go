package classify

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/recaplabs/recap/internal/models"
)

// MaxBackoff caps the delay of any single retry.
const MaxBackoff = 5 * time.Minute

// DefaultMaxRetries bounds retries for retriable categories. Jobs carry
// the value so it can be tuned per deployment.
const DefaultMaxRetries = 3

// DecideRetry reports whether a failed job should run again and the
// delay before re-enqueueing it. job.Attempt is read before the caller
// increments it, so the first retry backs off by the category base.
func DecideRetry(job *models.Job, c Classification) (time.Duration, bool) {
	if !c.Retriable {
		return 0, false
	}
	if job.Attempt >= job.MaxAttempts {
		return 0, false
	}
	return BackoffDelay(c, job.Attempt), true
}

// BackoffDelay computes base * 2^attempt with ±25% jitter, capped at
// MaxBackoff.
func BackoffDelay(c Classification, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseBackoff
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = bo.NextBackOff()
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}
