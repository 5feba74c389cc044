// Package jobs implements the correlation core: the in-flight job table, the
// deadline governor, the drain controller, and result assembly.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/metrics"
	"github.com/ndelaney/searchscraper/internal/search"
)

// Outcome is what a waiting caller receives when its job finalizes.
type Outcome struct {
	Results   []search.ItemResult
	ErrorText string
}

// Options carries the optional collaborators invoked on finalize.
type Options struct {
	Publisher search.Publisher
	Topic     string
	Dataset   search.DatasetAppender
}

// retiredTTL bounds how long a finalized outcome with no waiter stays
// collectible before it is pruned.
const retiredTTL = time.Minute

// Store is the in-memory table of in-flight jobs. It owns every job mutation:
// completion callbacks and the governor feed events in, and a single
// mutex-guarded map keeps concurrent completions and finalize from racing.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*trackedJob
	retired map[string]retiredOutcome

	clock    search.Clock
	idGen    search.IDGenerator
	refs     search.PoolReferences
	governor *Governor
	opts     Options
	logger   *zap.Logger
}

type trackedJob struct {
	job        search.Job
	extraction search.ExtractionPool
	pending    int
	outcome    Outcome
	done       chan struct{}
	received   time.Time
	claimed    bool
}

// retiredOutcome keeps a job's response briefly available for a waiter that
// races finalization; stale entries are pruned as later jobs retire.
type retiredOutcome struct {
	outcome Outcome
	expires time.Time
}

// NewStore constructs a Store wired to its own deadline governor.
func NewStore(
	clock search.Clock,
	idGen search.IDGenerator,
	refs search.PoolReferences,
	opts Options,
	logger *zap.Logger,
) *Store {
	s := &Store{
		jobs:    make(map[string]*trackedJob),
		retired: make(map[string]retiredOutcome),
		clock:   clock,
		idGen:   idGen,
		refs:    refs,
		opts:    opts,
		logger:  logger,
	}
	s.governor = NewGovernor(clock, logger.Named("governor"))
	s.governor.SetFinalizer(func(jobID string, reason error) {
		s.Finalize(jobID, reason)
	})
	return s
}

// Governor exposes the deadline governor, mainly for the drain controller.
func (s *Store) Governor() *Governor {
	return s.governor
}

// CreateJob allocates a job in Pending state, schedules its deadline, and
// retains one reference on the pools behind fingerprint.
func (s *Store) CreateJob(req search.Request, fingerprint string, extraction search.ExtractionPool) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	deadline := now.Add(req.Timeout)

	tracked := &trackedJob{
		job: search.Job{
			ID:          jobID,
			Input:       req.Input,
			IsDirectURL: req.IsDirectURL,
			MaxResults:  req.MaxResults,
			Fingerprint: fingerprint,
			DeadlineAt:  deadline,
			Checkpoints: map[string]time.Time{search.CheckpointReceived: now},
			State:       search.StatePending,
			Pool:        req.Pool,
		},
		extraction: extraction,
		done:       make(chan struct{}),
		received:   now,
	}

	s.mu.Lock()
	s.jobs[jobID] = tracked
	s.mu.Unlock()

	s.refs.Retain(fingerprint)
	s.governor.Schedule(jobID, deadline)
	return jobID, nil
}

// BeginDiscovery transitions the job to DiscoveryRunning and submits one
// discovery call. Only valid for query jobs.
func (s *Store) BeginDiscovery(jobID string, discovery search.DiscoveryPool) {
	s.mu.Lock()
	tracked, ok := s.jobs[jobID]
	if !ok || tracked.job.State != search.StatePending {
		s.mu.Unlock()
		return
	}
	tracked.job.State = search.StateDiscoveryRunning
	tracked.job.Checkpoints[search.CheckpointDiscoveryStarted] = s.clock.Now()
	query := tracked.job.Input
	desired := tracked.job.MaxResults
	deadline := tracked.job.DeadlineAt
	s.mu.Unlock()

	submitCtx, cancel := context.WithDeadline(context.Background(), deadline)
	err := discovery.RunDiscovery(submitCtx, query, desired, func(items []search.DiscoveredItem, runErr error) {
		cancel()
		// A failing discovery run that still found something is treated as
		// degraded success: extract what was found.
		if runErr != nil && len(items) == 0 {
			s.OnDiscoveryFailed(jobID, runErr)
			return
		}
		s.OnDiscoveryComplete(jobID, items)
	})
	if err != nil {
		cancel()
		s.OnDiscoveryFailed(jobID, err)
	}
}

// StartDirect skips discovery: the job gets a single synthetic item at rank 0
// and goes straight to extraction.
func (s *Store) StartDirect(jobID string) {
	s.mu.Lock()
	tracked, ok := s.jobs[jobID]
	if !ok || tracked.job.State != search.StatePending {
		s.mu.Unlock()
		return
	}
	url := tracked.job.Input
	tracked.job.Items = []search.Item{{
		Rank:   0,
		Source: search.DiscoveredItem{URL: url},
		Status: search.ItemPending,
	}}
	tracked.pending = 1
	tracked.job.State = search.StateExtractionRunning
	tracked.job.Checkpoints[search.CheckpointExtractionDispatch] = s.clock.Now()
	extraction := tracked.extraction
	deadline := tracked.job.DeadlineAt
	s.mu.Unlock()

	s.dispatchExtraction(jobID, 0, url, extraction, deadline)
}

// OnDiscoveryComplete populates the ranked items (truncated to the requested
// count) and fans out one extraction sub-job per item. A completion against a
// finalized job is a no-op.
func (s *Store) OnDiscoveryComplete(jobID string, items []search.DiscoveredItem) {
	s.mu.Lock()
	tracked, ok := s.jobs[jobID]
	if !ok || tracked.job.State != search.StateDiscoveryRunning {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	tracked.job.Checkpoints[search.CheckpointDiscoveryDone] = now

	if len(items) > tracked.job.MaxResults {
		items = items[:tracked.job.MaxResults]
	}
	if len(items) == 0 {
		s.finalizeLocked(tracked, search.ErrDiscoveryFailed, "search returned no results")
		s.mu.Unlock()
		return
	}

	tracked.job.Items = make([]search.Item, len(items))
	for i, item := range items {
		tracked.job.Items[i] = search.Item{
			Rank:   i,
			Source: item,
			Status: search.ItemPending,
		}
	}
	tracked.pending = len(items)
	tracked.job.State = search.StateExtractionRunning
	tracked.job.Checkpoints[search.CheckpointExtractionDispatch] = now
	extraction := tracked.extraction
	deadline := tracked.job.DeadlineAt
	s.mu.Unlock()

	for rank, item := range items {
		s.dispatchExtraction(jobID, rank, item.URL, extraction, deadline)
	}
}

// OnDiscoveryFailed finalizes a job whose discovery stage failed wholesale:
// with zero items there is nothing to extract.
func (s *Store) OnDiscoveryFailed(jobID string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.jobs[jobID]
	if !ok || tracked.job.State == search.StateFinalized {
		return
	}
	s.finalizeLocked(tracked, search.ErrDiscoveryFailed, reason.Error())
}

func (s *Store) dispatchExtraction(
	jobID string,
	rank int,
	url string,
	extraction search.ExtractionPool,
	deadline time.Time,
) {
	go func() {
		submitCtx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()
		err := extraction.RunExtraction(submitCtx, url, func(result search.ExtractionResult, runErr error) {
			if runErr != nil {
				s.OnExtractionFailed(jobID, rank, runErr)
				return
			}
			s.OnExtractionComplete(jobID, rank, result)
		})
		if err != nil {
			s.OnExtractionFailed(jobID, rank, err)
		}
	}()
}

// OnExtractionComplete settles one item with its extracted content. The last
// settling item triggers finalization. Late callbacks against finalized or
// retired jobs are discarded.
func (s *Store) OnExtractionComplete(jobID string, rank int, result search.ExtractionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, item := s.pendingItem(jobID, rank)
	if item == nil {
		return
	}
	item.Status = search.ItemSucceeded
	item.Content = result.Content
	item.HTTPStatus = result.HTTPStatus
	item.BlobURI = result.BlobURI
	item.Duration = result.Duration
	if item.Source.Title == "" {
		item.Source.Title = result.Title
	}
	metrics.ObserveItem(string(search.ItemSucceeded))
	s.settleLocked(tracked)
}

// OnExtractionFailed settles one item as failed without touching siblings.
func (s *Store) OnExtractionFailed(jobID string, rank int, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, item := s.pendingItem(jobID, rank)
	if item == nil {
		return
	}
	item.Status = search.ItemFailed
	item.ErrorText = reason.Error()
	var httpErr *search.HTTPStatusError
	if errors.As(reason, &httpErr) {
		item.HTTPStatus = httpErr.StatusCode
	}
	metrics.ObserveItem(string(search.ItemFailed))
	s.settleLocked(tracked)
}

func (s *Store) pendingItem(jobID string, rank int) (*trackedJob, *search.Item) {
	tracked, ok := s.jobs[jobID]
	if !ok || tracked.job.State != search.StateExtractionRunning {
		return nil, nil
	}
	if rank < 0 || rank >= len(tracked.job.Items) {
		return nil, nil
	}
	item := &tracked.job.Items[rank]
	if item.Status != search.ItemPending {
		return nil, nil
	}
	return tracked, item
}

func (s *Store) settleLocked(tracked *trackedJob) {
	tracked.pending--
	if tracked.pending <= 0 {
		s.finalizeLocked(tracked, nil, "")
	}
}

// Finalize closes a job. Idempotent: a second call, including a deadline
// firing after natural completion, is a no-op.
func (s *Store) Finalize(jobID string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.jobs[jobID]
	if !ok || tracked.job.State == search.StateFinalized {
		return
	}
	errText := ""
	if reason != nil && !errors.Is(reason, search.ErrDeadlineExceeded) {
		errText = reason.Error()
	}
	s.finalizeLocked(tracked, reason, errText)
}

// finalizeLocked performs the one-time transition to Finalized. Items still
// pending are marked timed-out when the reason is the deadline, or failed
// with the propagated reason otherwise. It must never panic out: a broken
// assembly degrades to an error-only outcome rather than a hung caller.
func (s *Store) finalizeLocked(tracked *trackedJob, reason error, errText string) {
	now := s.clock.Now()
	for i := range tracked.job.Items {
		item := &tracked.job.Items[i]
		if item.Status != search.ItemPending {
			continue
		}
		if reason == nil || errors.Is(reason, search.ErrDeadlineExceeded) {
			item.Status = search.ItemTimedOut
		} else {
			item.Status = search.ItemFailed
			item.ErrorText = errText
		}
		metrics.ObserveItem(string(item.Status))
	}
	tracked.job.State = search.StateFinalized
	tracked.job.ErrorText = errText
	tracked.job.Checkpoints[search.CheckpointFinalized] = now

	tracked.outcome = s.assembleDefensively(tracked.job)
	close(tracked.done)

	s.governor.Cancel(tracked.job.ID)
	s.refs.Release(tracked.job.Fingerprint)

	// With no waiter registered the job leaves the table now; the outcome is
	// parked briefly in case an Await is racing this finalize.
	if !tracked.claimed {
		delete(s.jobs, tracked.job.ID)
		s.retireLocked(tracked.job.ID, tracked.outcome, now)
	}

	duration := now.Sub(tracked.received)
	metrics.ObserveJob(finalizeReason(reason), jobKind(tracked.job), duration)
	s.logger.Info("job finalized",
		zap.String("job_id", tracked.job.ID),
		zap.String("reason", finalizeReason(reason)),
		zap.Int("items", len(tracked.job.Items)),
		zap.Duration("duration", duration),
	)

	go s.emitSideEffects(tracked.job, tracked.outcome, duration)
}

func (s *Store) assembleDefensively(job search.Job) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("result assembly panicked", zap.String("job_id", job.ID), zap.Any("panic", rec))
			out = Outcome{ErrorText: "internal error assembling results"}
		}
	}()
	return Outcome{
		Results:   Assemble(job),
		ErrorText: job.ErrorText,
	}
}

// emitSideEffects hands the finalized job to the publisher and dataset
// collaborators. Failures are logged, never surfaced to the caller.
func (s *Store) emitSideEffects(job search.Job, outcome Outcome, duration time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("side effects panicked", zap.String("job_id", job.ID), zap.Any("panic", rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.opts.Dataset != nil {
		if err := s.opts.Dataset.Append(ctx, job.ID, outcome.Results); err != nil {
			s.logger.Warn("dataset append failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if s.opts.Publisher != nil && s.opts.Topic != "" {
		event := buildJobEvent(job, duration, s.clock.Now())
		if _, err := s.opts.Publisher.Publish(ctx, s.opts.Topic, event); err != nil {
			s.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// retireLocked parks the outcome of a job that finalized without a waiter and
// prunes entries nobody ever collected.
func (s *Store) retireLocked(jobID string, outcome Outcome, now time.Time) {
	for id, rec := range s.retired {
		if now.After(rec.expires) {
			delete(s.retired, id)
		}
	}
	s.retired[jobID] = retiredOutcome{outcome: outcome, expires: now.Add(retiredTTL)}
}

// Await blocks until the job finalizes or ctx finishes. The job leaves the
// table when the waiter collects the outcome, or at finalize when no waiter is
// registered; either way late completion callbacks find nothing and drop
// their results.
func (s *Store) Await(ctx context.Context, jobID string) (Outcome, error) {
	s.mu.Lock()
	tracked, ok := s.jobs[jobID]
	if !ok {
		rec, found := s.retired[jobID]
		if found {
			delete(s.retired, jobID)
		}
		s.mu.Unlock()
		if found {
			return rec.outcome, nil
		}
		return Outcome{}, search.ErrJobNotFound
	}
	tracked.claimed = true
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.abandon(jobID, tracked)
		return Outcome{}, fmt.Errorf("await job %s: %w", jobID, ctx.Err())
	case <-tracked.done:
	}

	s.mu.Lock()
	outcome := tracked.outcome
	delete(s.jobs, jobID)
	s.mu.Unlock()
	return outcome, nil
}

// abandon withdraws the claim of a waiter that gave up. A job that already
// finalized is removed here; one still running is removed by finalizeLocked
// when its deadline or last completion fires.
func (s *Store) abandon(jobID string, tracked *trackedJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked.claimed = false
	if tracked.job.State == search.StateFinalized {
		delete(s.jobs, jobID)
	}
}

// InFlight returns the number of jobs not yet retired (test/ops probe).
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func buildJobEvent(job search.Job, duration time.Duration, finished time.Time) search.JobEvent {
	event := search.JobEvent{
		JobID:      job.ID,
		Input:      job.Input,
		State:      job.State,
		DurationMs: duration.Milliseconds(),
		Finished:   finished,
	}
	for _, item := range job.Items {
		switch item.Status {
		case search.ItemSucceeded:
			event.Succeeded++
		case search.ItemFailed:
			event.Failed++
		case search.ItemTimedOut:
			event.TimedOut++
		}
	}
	return event
}

func finalizeReason(reason error) string {
	switch {
	case reason == nil:
		return "completed"
	case errors.Is(reason, search.ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(reason, search.ErrDiscoveryFailed):
		return "discovery-failed"
	default:
		return "error"
	}
}

func jobKind(job search.Job) string {
	if job.IsDirectURL {
		return "direct"
	}
	return "search"
}
