package worker

import (
	"sync"
	"time"

	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

// throttledSink forwards every progress report to the state store and
// publishes job_progress events at most once per interval per job.
// Intermediate reports may never reach the bus; the terminal event
// carries the outcome, and pollers read the state store.
type throttledSink struct {
	pool     *Pool
	job      *models.Job
	interval time.Duration

	mu       sync.Mutex
	lastEmit time.Time
}

var _ interfaces.ProgressSink = (*throttledSink)(nil)

func newThrottledSink(p *Pool, job *models.Job, interval time.Duration) *throttledSink {
	return &throttledSink{pool: p, job: job, interval: interval}
}

func (s *throttledSink) Progress(fraction float64, message, step string) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	updated, err := s.pool.state.UpdateProgress(s.pool.ctx, s.job.ID, fraction, message, step)
	if err != nil {
		return
	}

	s.mu.Lock()
	now := time.Now()
	emit := s.lastEmit.IsZero() || now.Sub(s.lastEmit) >= s.interval
	if emit {
		s.lastEmit = now
	}
	s.mu.Unlock()

	if emit {
		s.pool.bus.Publish(models.NewJobProgressEvent(updated, fraction, message, step))
	}
}
