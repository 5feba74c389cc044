package jobs

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

// Governor schedules one deferred finalize per job at its wall-clock
// deadline. Deadlines only ever move earlier: ShortenAll caps every
// outstanding deadline but never extends one.
type Governor struct {
	mu        sync.Mutex
	timers    map[string]*time.Timer
	deadlines map[string]time.Time
	finalize  func(jobID string, reason error)
	clock     search.Clock
	logger    *zap.Logger
}

// NewGovernor constructs a Governor. SetFinalizer must be called before the
// first Schedule.
func NewGovernor(clock search.Clock, logger *zap.Logger) *Governor {
	return &Governor{
		timers:    make(map[string]*time.Timer),
		deadlines: make(map[string]time.Time),
		clock:     clock,
		logger:    logger,
	}
}

// SetFinalizer wires the callback invoked when a deadline fires.
func (g *Governor) SetFinalizer(fn func(jobID string, reason error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalize = fn
}

// Schedule arms a timer that finalizes the job with DeadlineExceeded at the
// given wall-clock instant.
func (g *Governor) Schedule(jobID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.timers[jobID]; ok {
		old.Stop()
	}
	delay := at.Sub(g.clock.Now())
	if delay < 0 {
		delay = 0
	}
	g.deadlines[jobID] = at
	g.timers[jobID] = time.AfterFunc(delay, func() {
		g.fire(jobID)
	})
}

// Cancel disarms the timer for a job that finalized naturally.
func (g *Governor) Cancel(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.timers[jobID]; ok {
		timer.Stop()
		delete(g.timers, jobID)
		delete(g.deadlines, jobID)
	}
}

// ShortenAll reschedules every outstanding deadline to fire within grace from
// now, shortening but never lengthening. It returns how many jobs moved.
func (g *Governor) ShortenAll(grace time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock.Now().Add(grace)
	moved := 0
	for jobID, deadline := range g.deadlines {
		if !deadline.After(cutoff) {
			continue
		}
		if timer, ok := g.timers[jobID]; ok {
			timer.Stop()
		}
		g.deadlines[jobID] = cutoff
		id := jobID
		g.timers[jobID] = time.AfterFunc(grace, func() {
			g.fire(id)
		})
		moved++
	}
	return moved
}

// Outstanding returns the number of armed deadlines (test probe).
func (g *Governor) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}

func (g *Governor) fire(jobID string) {
	g.mu.Lock()
	delete(g.timers, jobID)
	delete(g.deadlines, jobID)
	fn := g.finalize
	g.mu.Unlock()
	if fn == nil {
		g.logger.Error("deadline fired with no finalizer", zap.String("job_id", jobID))
		return
	}
	fn(jobID, search.ErrDeadlineExceeded)
}
