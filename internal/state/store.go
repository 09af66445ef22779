// Package state implements the authoritative job table: an in-memory
// map guarded by an RWMutex, flushed periodically to a persistent
// backend and swept of expired terminal jobs on a fixed cadence.
// Mutations take effect in memory immediately; durability lags by at
// most one flush interval.
package state

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

// Store is the process-wide job table. All methods are safe for
// concurrent use; returned jobs are copies and never alias the
// authoritative record.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*models.Job
	dirty bool

	persist interfaces.PersistentStore
	logger  *common.Logger

	flushInterval   time.Duration
	retention       time.Duration
	cleanupInterval time.Duration

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New loads the persisted job table, normalizes it for a fresh run, and
// starts the background flusher and retention sweep. Corrupt records
// are dropped with a warning; a failed load starts with an empty table
// rather than failing the process.
func New(cfg common.StateConfig, persist interfaces.PersistentStore, logger *common.Logger) *Store {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	s := &Store{
		jobs:            make(map[string]*models.Job),
		persist:         persist,
		logger:          logger,
		flushInterval:   cfg.GetFlushInterval(),
		retention:       cfg.GetRetentionWindow(),
		cleanupInterval: cfg.GetCleanupInterval(),
	}

	s.load(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.safeGo("state-flusher", func() { s.flushLoop(ctx) })
	s.safeGo("state-sweeper", func() { s.sweepLoop(ctx) })
	return s
}

// safeGo launches a goroutine with panic recovery and logging.
func (s *Store) safeGo(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in state store goroutine")
			}
		}()
		fn()
	}()
}

// load reads the persisted table, dropping invalid records and resetting
// jobs orphaned mid-run back to pending.
func (s *Store) load(ctx context.Context) {
	jobs, err := s.persist.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("backend", s.persist.Name()).Msg("Failed to load persisted jobs, starting empty")
		return
	}

	dropped := 0
	recovered := 0
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping invalid persisted job")
			dropped++
			continue
		}
		if job.Status == models.JobStatusInProgress {
			// Orphaned by a previous run that died mid-job.
			job.Status = models.JobStatusPending
			job.Progress = 0
			job.ProgressMessage = ""
			job.ProgressStep = ""
			job.StartedAt = time.Time{}
			job.UpdatedAt = time.Now().UTC()
			recovered++
		}
		s.jobs[job.ID] = job
	}

	if dropped > 0 {
		// Persisting again without the dropped records keeps the table clean.
		s.dirty = true
	}
	if recovered > 0 {
		s.logger.Info().Int("count", recovered).Msg("Reset orphaned in-progress jobs to pending")
		s.dirty = true
	}
	s.logger.Info().
		Int("jobs", len(s.jobs)).
		Str("backend", s.persist.Name()).
		Msg("Job state loaded")
}

// Upsert inserts or replaces a job record.
func (s *Store) Upsert(_ context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("cannot upsert job without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	s.dirty = true
	return nil
}

// Get returns a copy of the job, or interfaces.ErrJobNotFound.
func (s *Store) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateProgress records progress for a job without changing status.
// Fractions are clamped to [0,1].
func (s *Store) UpdateProgress(_ context.Context, id string, fraction float64, message, step string) (*models.Job, error) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	job.Progress = fraction
	if message != "" {
		job.ProgressMessage = message
	}
	if step != "" {
		job.ProgressStep = step
	}
	job.UpdatedAt = time.Now().UTC()
	s.dirty = true
	return job.Clone(), nil
}

// Transition moves a job from an expected status to a new one, applying
// opts atomically with the change. A mismatched current status returns
// ErrStaleTransition; an edge outside the state machine returns
// ErrIllegalTransition. The record is untouched on rejection.
func (s *Store) Transition(_ context.Context, id string, from, to models.JobStatus, opts ...interfaces.TransitionOption) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	if job.Status != from {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", interfaces.ErrStaleTransition, id, job.Status, from)
	}
	if !models.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", interfaces.ErrIllegalTransition, from, to)
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case models.JobStatusInProgress:
		job.StartedAt = now
	case models.JobStatusCompleted:
		job.Progress = 1
		job.CompletedAt = now
	case models.JobStatusFailed, models.JobStatusCancelled:
		job.CompletedAt = now
	}
	for _, opt := range opts {
		opt(job)
	}
	s.dirty = true
	return job.Clone(), nil
}

// List returns copies of jobs matching filter, newest first by creation.
func (s *Store) List(_ context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	matched := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !matches(job, filter) {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.RUnlock()

	sortJobsNewestFirst(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matches(job *models.Job, filter interfaces.JobFilter) bool {
	if filter.ClientID != "" && job.ClientID != filter.ClientID {
		return false
	}
	if filter.Kind != "" && job.Kind != filter.Kind {
		return false
	}
	if len(filter.Statuses) > 0 {
		ok := false
		for _, st := range filter.Statuses {
			if job.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// sortJobsNewestFirst orders by creation time descending, sequence
// descending as the tie-break for jobs created in the same instant.
func sortJobsNewestFirst(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].Seq > jobs[j].Seq
	})
}

// PurgeOlderThan removes jobs last touched before cutoff. With
// terminalOnly set, jobs still moving through the state machine are
// kept regardless of age. Removed ids are also deleted from the
// persistent backend.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time, terminalOnly bool) (int, error) {
	s.mu.Lock()
	var removed []string
	for id, job := range s.jobs {
		if terminalOnly && !job.Status.Terminal() {
			continue
		}
		ts := job.CompletedAt
		if ts.IsZero() {
			ts = job.UpdatedAt
		}
		if ts.Before(cutoff) {
			delete(s.jobs, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persist.Delete(ctx, removed); err != nil {
		s.logger.Warn().Err(err).Int("count", len(removed)).Msg("Failed to delete purged jobs from backend")
	}
	return len(removed), nil
}

// Flush forces a synchronous save of the job table. A clean table is a
// no-op. On failure the table stays dirty so the next interval retries.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot = append(snapshot, job.Clone())
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.persist.Save(ctx, snapshot); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("failed to flush %d jobs: %w", len(snapshot), err)
	}
	return nil
}

// Len reports the number of jobs in the table.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// flushLoop persists the table on the flush interval. I/O errors are
// logged and retried at the next tick; workers are never blocked.
func (s *Store) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("State flush failed, will retry")
			}
		}
	}
}

// sweepLoop purges expired terminal jobs on the cleanup interval.
func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.retention)
			count, err := s.PurgeOlderThan(context.Background(), cutoff, true)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Retention sweep failed")
				continue
			}
			if count > 0 {
				s.logger.Info().Int("purged", count).Msg("Retention sweep removed expired jobs")
			}
		}
	}
}

// Close stops background work, performs a final flush, and closes the
// backend. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Final state flush failed")
			s.closeErr = err
		}
		if err := s.persist.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
