// Package pool provides bounded worker pools and the fingerprint-keyed
// registry that caches them across jobs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

// Task is one unit of work executed by a pool worker. The context passed in
// is the pool's lifecycle context, not the submitting job's: a job finalizing
// never cancels work already running on the pool.
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed set of workers over a bounded queue.
type Pool struct {
	fingerprint string
	tasks       chan Task
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *zap.Logger

	closeMu sync.RWMutex
	closed  bool
}

// NewPool starts workers goroutines consuming from a queue of queueDepth.
func NewPool(fingerprint string, workers, queueDepth int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers * 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		fingerprint: fingerprint,
		tasks:       make(chan Task, queueDepth),
		cancel:      cancel,
		logger:      logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
	return p
}

// Fingerprint returns the configuration fingerprint this pool was built for.
func (p *Pool) Fingerprint() string {
	return p.fingerprint
}

// Submit enqueues a task, blocking until queue space frees up or the caller's
// context finishes. The read lock is held across the send so Shutdown cannot
// close the queue under a submitter parked on it.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return errors.New("pool is shut down")
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case p.tasks <- task:
		return nil
	}
}

// Shutdown stops accepting work, lets queued tasks drain, and waits for
// workers to exit or the context to finish, whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runTask(ctx, task)
	}
}

func (p *Pool) runTask(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("pool task panicked", zap.Any("panic", rec))
		}
	}()
	task(ctx)
}

// DiscoveryPool binds a Pool to a discovery engine built from the same
// configuration fingerprint.
type DiscoveryPool struct {
	*Pool
	engine search.DiscoveryEngine
}

// RunDiscovery submits one discovery call; done runs on a worker goroutine.
func (p *DiscoveryPool) RunDiscovery(
	ctx context.Context,
	query string,
	desiredCount int,
	done func([]search.DiscoveredItem, error),
) error {
	return p.Submit(ctx, func(runCtx context.Context) {
		items, err := p.engine.Run(runCtx, query, desiredCount)
		done(items, err)
	})
}

// ExtractionPool binds a Pool to an extraction engine.
type ExtractionPool struct {
	*Pool
	engine search.ExtractionEngine
	blobs  search.BlobStore
}

// RunExtraction submits one per-URL extraction; done runs on a worker
// goroutine. When a blob store is configured the raw HTML is archived before
// the callback fires and the URI attached to the result.
func (p *ExtractionPool) RunExtraction(
	ctx context.Context,
	url string,
	done func(search.ExtractionResult, error),
) error {
	return p.Submit(ctx, func(runCtx context.Context) {
		result, err := p.engine.Run(runCtx, url)
		if err == nil && p.blobs != nil && len(result.RawHTML) > 0 {
			p.archive(runCtx, &result)
		}
		done(result, err)
	})
}

func (p *ExtractionPool) archive(ctx context.Context, result *search.ExtractionResult) {
	path := fmt.Sprintf("pages/%s/%s.html", shortFingerprint(p.fingerprint), sanitizePath(result.URL))
	uri, err := p.blobs.PutObject(ctx, path, "text/html; charset=utf-8", result.RawHTML)
	if err != nil {
		p.logger.Warn("archive page failed", zap.String("url", result.URL), zap.Error(err))
		return
	}
	result.BlobURI = uri
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func sanitizePath(rawURL string) string {
	out := make([]rune, 0, len(rawURL))
	for _, r := range rawURL {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '.' || r == '-' || r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 180 {
		out = out[:180]
	}
	return string(out)
}
