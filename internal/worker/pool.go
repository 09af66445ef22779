// Package worker runs the summarization workers that drain the job
// queue. Each worker loop pops a job, drives it through the summarizer,
// and records the outcome in the state store, publishing lifecycle
// events along the way.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/recaplabs/recap/internal/classify"
	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/metrics"
	"github.com/recaplabs/recap/internal/models"
	"github.com/recaplabs/recap/internal/queue"
)

// Pool is a fixed set of worker goroutines sharing one queue.
type Pool struct {
	cfg        common.WorkerConfig
	policy     *classify.Policy
	queue      interfaces.JobQueue
	state      interfaces.StateStore
	bus        interfaces.EventPublisher
	summarizer interfaces.Summarizer
	logger     *common.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retryMu     sync.Mutex
	retryTimers map[string]*time.Timer
	stopping    bool
}

// New builds a worker pool. Start launches the workers.
func New(cfg common.WorkerConfig, q interfaces.JobQueue, st interfaces.StateStore, bus interfaces.EventPublisher, s interfaces.Summarizer, logger *common.Logger, m *metrics.Metrics) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:         cfg,
		policy:      classify.NewPolicy(cfg.GetRetryBaseBackoffs()),
		queue:       q,
		state:       st,
		bus:         bus,
		summarizer:  s,
		logger:      logger,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		retryTimers: make(map[string]*time.Timer),
	}
}

// Start launches the worker loops.
func (p *Pool) Start() {
	count := p.cfg.Count
	if count <= 0 {
		count = 3
	}

	for i := 1; i <= count; i++ {
		p.wg.Add(1)
		id := i
		go func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Int("worker", id).
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("Worker loop crashed")
				}
			}()
			p.runLoop(id)
		}()
	}

	p.logger.Info().
		Int("workers", count).
		Str("summarizer", p.summarizer.Name()).
		Msg("Worker pool started")
}

// Stop shuts the pool down. The queue stops handing out jobs, workers
// get up to grace to finish their current job, then their context is
// cancelled. Outstanding retry timers are cancelled; those jobs stay in
// Retry state and are recovered at the next startup. Queued jobs are
// drained and stay Pending in persisted state.
func (p *Pool) Stop(grace time.Duration) {
	p.retryMu.Lock()
	p.stopping = true
	for id, timer := range p.retryTimers {
		timer.Stop()
		delete(p.retryTimers, id)
	}
	p.retryMu.Unlock()

	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn().Dur("grace", grace).Msg("Grace period expired, cancelling in-flight jobs")
		p.cancel()
		<-done
	}
	p.cancel()

	if drained := p.queue.Drain(); len(drained) > 0 {
		p.logger.Info().Int("jobs", len(drained)).Msg("Drained queued jobs for next startup")
	}
	p.logger.Info().Msg("Worker pool stopped")
}

// RecoverPersisted re-enqueues jobs that survived the previous run in
// Pending or Retry state, preserving their original ordering sequence.
// Must run once at startup, before submissions are accepted. Returns
// the number of jobs restored.
func (p *Pool) RecoverPersisted(ctx context.Context) int {
	jobs, err := p.state.List(ctx, interfaces.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusRetry},
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Recovery listing failed")
		return 0
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })

	restored := 0
	for _, job := range jobs {
		if job.Status == models.JobStatusRetry {
			updated, err := p.state.Transition(ctx, job.ID, models.JobStatusRetry, models.JobStatusPending)
			if err != nil {
				continue
			}
			job = updated
		}
		if err := p.queue.Requeue(job); err != nil {
			p.logger.Error().Str("job_id", job.ID).Err(err).Msg("Recovery re-enqueue failed")
			continue
		}
		restored++
	}

	if restored > 0 {
		p.logger.Info().Int("jobs", restored).Msg("Restored persisted jobs")
	}
	return restored
}

func (p *Pool) runLoop(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job, err := p.queue.Pop(p.ctx, p.cfg.GetPopTimeout())
		switch {
		case errors.Is(err, queue.ErrPopTimeout):
			continue
		case errors.Is(err, queue.ErrQueueClosed), errors.Is(err, context.Canceled):
			return
		case err != nil:
			p.logger.Warn().Int("worker", id).Err(err).Msg("Queue pop failed")
			continue
		}

		p.execute(job)
	}
}

func (p *Pool) execute(job *models.Job) {
	started := time.Now()

	updated, err := p.state.Transition(p.ctx, job.ID, models.JobStatusPending, models.JobStatusInProgress, func(j *models.Job) {
		j.StartedAt = time.Now().UTC()
		j.Progress = 0
		j.ProgressMessage = ""
		j.ProgressStep = ""
	})
	if err != nil {
		// Cancelled between pop and pickup.
		p.logger.Debug().Str("job_id", job.ID).Err(err).Msg("Skipping job, no longer pending")
		return
	}
	job = updated

	p.bus.Publish(models.NewJobStartedEvent(job))
	p.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("target", job.Payload.Describe(job.Kind)).
		Int("attempt", job.Attempt).
		Msg("Job started")

	summary, err := p.runJob(job)
	if err != nil {
		p.handleFailure(job, err)
		return
	}
	p.handleSuccess(job, summary, started)
}

// runJob produces the job's summary, serving from a fresh prior result
// when one exists. A summarizer panic is recovered and surfaced as an
// internal error so workers never crash the process.
func (p *Pool) runJob(job *models.Job) (summary *models.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Summarizer panicked")
			summary = nil
			err = classify.Errorf(models.CategoryInternal, "summarizer panic: %v", r)
		}
	}()

	if cached := p.cachedSummary(job); cached != nil {
		return cached, nil
	}

	items := job.Payload.ItemURLs(job.Kind)
	if len(items) == 0 {
		return nil, classify.Errorf(models.CategoryInvalidInput, "no target urls for %s job", job.Kind)
	}

	sink := newThrottledSink(p, job, p.cfg.GetProgressInterval())

	if job.Kind == models.JobKindVideo {
		return p.summarizer.Summarize(p.ctx, interfaces.SummarizeRequest{URL: items[0], Model: job.Payload.Model}, sink)
	}
	return p.runItems(job, items, sink)
}

// runItems processes playlist and batch items sequentially with a pacing
// delay between items, mapping each item's progress onto its slice of
// the parent's [0,1] range. Any item failure fails the job as a unit.
func (p *Pool) runItems(job *models.Job, items []string, sink interfaces.ProgressSink) (*models.Summary, error) {
	n := len(items)
	pacing := p.cfg.GetItemPacing()
	var combined strings.Builder
	var model string

	for i, url := range items {
		if i > 0 && pacing > 0 {
			select {
			case <-time.After(pacing):
			case <-p.ctx.Done():
				return nil, p.ctx.Err()
			}
		}

		base := float64(i) / float64(n)
		itemNum := i + 1
		itemSink := interfaces.ProgressFunc(func(fraction float64, message, step string) {
			if fraction < 0 {
				fraction = 0
			} else if fraction > 1 {
				fraction = 1
			}
			sink.Progress(base+fraction/float64(n), fmt.Sprintf("[%d/%d] %s", itemNum, n, message), step)
		})

		itemSummary, err := p.summarizer.Summarize(p.ctx, interfaces.SummarizeRequest{URL: url, Model: job.Payload.Model}, itemSink)
		if err != nil {
			return nil, fmt.Errorf("item %d/%d (%s): %w", itemNum, n, url, err)
		}

		if combined.Len() > 0 {
			combined.WriteString("\n\n")
		}
		title := itemSummary.Title
		if title == "" {
			title = url
		}
		fmt.Fprintf(&combined, "## %s\n\n%s", title, itemSummary.Text)
		model = itemSummary.Model

		sink.Progress(float64(itemNum)/float64(n), fmt.Sprintf("[%d/%d] done", itemNum, n), "item")
	}

	return &models.Summary{
		Title:  job.Payload.Describe(job.Kind),
		Text:   combined.String(),
		Model:  model,
		Source: models.SummarySourceGenerated,
	}, nil
}

// cachedSummary looks for a fresh completed job with the same cache key
// and reuses its result instead of re-running the summarizer.
func (p *Pool) cachedSummary(job *models.Job) *models.Summary {
	key := job.Payload.CacheKey(job.Kind)
	if key == "" {
		return nil
	}

	completed, err := p.state.List(p.ctx, interfaces.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusCompleted},
	})
	if err != nil {
		return nil
	}

	for _, prior := range completed {
		if prior.ID == job.ID || prior.Result == nil {
			continue
		}
		if prior.Payload.CacheKey(prior.Kind) != key {
			continue
		}
		if !common.IsFresh(prior.CompletedAt, common.FreshnessSummary) {
			continue
		}

		cached := *prior.Result
		cached.Source = models.SummarySourceCache
		p.logger.Debug().
			Str("job_id", job.ID).
			Str("cached_from", prior.ID).
			Msg("Reusing fresh summary")
		return &cached
	}
	return nil
}

func (p *Pool) handleSuccess(job *models.Job, summary *models.Summary, started time.Time) {
	updated, err := p.state.Transition(p.ctx, job.ID, models.JobStatusInProgress, models.JobStatusCompleted, func(j *models.Job) {
		j.CompletedAt = time.Now().UTC()
		j.Progress = 1
		j.ProgressMessage = ""
		j.ProgressStep = ""
		j.Result = summary
		j.LastError = nil
	})
	if err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Completion transition failed")
		return
	}

	duration := time.Since(started)
	p.metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind)).Inc()
	p.metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(duration.Seconds())
	p.bus.Publish(models.NewJobCompleteEvent(updated, duration))
	p.logger.Info().
		Str("job_id", job.ID).
		Dur("duration", duration).
		Str("source", summary.Source).
		Msg("Job completed")
}

func (p *Pool) handleFailure(job *models.Job, runErr error) {
	if errors.Is(runErr, context.Canceled) && p.ctx.Err() != nil {
		// Shutdown interrupted the attempt. Hand the job back without
		// consuming an attempt; startup recovery re-enqueues it.
		_, err := p.state.Transition(p.ctx, job.ID, models.JobStatusInProgress, models.JobStatusRetry, func(j *models.Job) {
			j.LastError = &models.JobError{
				Category:   models.CategoryInternal,
				Message:    "interrupted by shutdown",
				Retriable:  true,
				OccurredAt: time.Now().UTC(),
			}
		})
		if err != nil {
			p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Shutdown handback failed")
			return
		}
		p.logger.Info().Str("job_id", job.ID).Msg("Job interrupted by shutdown, held for next startup")
		return
	}

	c := p.policy.Classify(runErr)
	delay, retry := classify.DecideRetry(job, c)

	if retry {
		updated, err := p.state.Transition(p.ctx, job.ID, models.JobStatusInProgress, models.JobStatusRetry, func(j *models.Job) {
			j.Attempt++
			j.LastError = classify.ToJobError(runErr, c)
		})
		if err != nil {
			p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Retry transition failed")
			return
		}

		p.metrics.JobRetriesTotal.WithLabelValues(string(c.Category)).Inc()
		p.bus.Publish(models.NewJobRetryEvent(updated, c.Category, runErr.Error(), delay))
		p.logger.Warn().
			Str("job_id", job.ID).
			Str("category", string(c.Category)).
			Int("attempt", updated.Attempt).
			Int("max_attempts", updated.MaxAttempts).
			Dur("retry_in", delay).
			Err(runErr).
			Msg("Job attempt failed, retry scheduled")
		p.scheduleRetry(updated, delay)
		return
	}

	updated, err := p.state.Transition(p.ctx, job.ID, models.JobStatusInProgress, models.JobStatusFailed, func(j *models.Job) {
		j.CompletedAt = time.Now().UTC()
		j.LastError = classify.ToJobError(runErr, c)
	})
	if err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failure transition failed")
		return
	}

	p.metrics.JobsFailedTotal.WithLabelValues(string(c.Category)).Inc()
	p.bus.Publish(models.NewJobFailedEvent(updated, c.Category, runErr.Error()))
	p.logger.Error().
		Str("job_id", job.ID).
		Str("category", string(c.Category)).
		Int("attempts", updated.Attempt).
		Err(runErr).
		Msg("Job failed")
}

// scheduleRetry re-enqueues the job once the backoff delay elapses.
// Timers are tracked so Stop can cancel outstanding retries.
func (p *Pool) scheduleRetry(job *models.Job, delay time.Duration) {
	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	if p.stopping {
		return
	}

	id := job.ID
	p.retryTimers[id] = time.AfterFunc(delay, func() {
		p.retryMu.Lock()
		delete(p.retryTimers, id)
		stopping := p.stopping
		p.retryMu.Unlock()
		if stopping {
			return
		}

		updated, err := p.state.Transition(p.ctx, id, models.JobStatusRetry, models.JobStatusPending)
		if err != nil {
			// Cancelled while waiting for the backoff.
			p.logger.Debug().Str("job_id", id).Err(err).Msg("Retry re-enqueue skipped")
			return
		}
		if err := p.queue.Requeue(updated); err != nil {
			p.logger.Error().Str("job_id", id).Err(err).Msg("Retry re-enqueue failed")
		}
	})
}
