package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type fakeIDGen struct{ n atomic.Int32 }

func (g *fakeIDGen) NewID() (string, error) {
	return fmt.Sprintf("job-%d", g.n.Add(1)), nil
}

type fakeRefs struct {
	mu       sync.Mutex
	retained map[string]int
	released map[string]int
}

func newFakeRefs() *fakeRefs {
	return &fakeRefs{retained: map[string]int{}, released: map[string]int{}}
}

func (r *fakeRefs) Retain(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained[fp]++
}

func (r *fakeRefs) Release(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[fp]++
}

func (r *fakeRefs) counts(fp string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retained[fp], r.released[fp]
}

type fakeDiscoveryPool struct {
	items  []search.DiscoveredItem
	err    error
	called atomic.Bool
}

func (p *fakeDiscoveryPool) Fingerprint() string { return "fp-test" }

func (p *fakeDiscoveryPool) RunDiscovery(_ context.Context, _ string, _ int, done func([]search.DiscoveredItem, error)) error {
	p.called.Store(true)
	done(p.items, p.err)
	return nil
}

type extractionCall struct {
	url  string
	done func(search.ExtractionResult, error)
}

// fakeExtractionPool captures submissions keyed by URL so tests can settle
// them in any order, independent of the goroutine interleaving of dispatch.
type fakeExtractionPool struct {
	mu    sync.Mutex
	calls map[string]extractionCall
}

func (p *fakeExtractionPool) Fingerprint() string { return "fp-test" }

func (p *fakeExtractionPool) RunExtraction(_ context.Context, url string, done func(search.ExtractionResult, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]extractionCall)
	}
	p.calls[url] = extractionCall{url: url, done: done}
	return nil
}

func (p *fakeExtractionPool) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// settle fires the captured completion callback for one URL.
func (p *fakeExtractionPool) settle(t *testing.T, url string, result search.ExtractionResult, err error) {
	t.Helper()
	p.mu.Lock()
	call, ok := p.calls[url]
	p.mu.Unlock()
	require.True(t, ok, "no extraction captured for %s", url)
	call.done(result, err)
}

func pageURL(i int) string {
	return fmt.Sprintf("https://example.com/page-%d", i)
}

func discoveredItems(n int) []search.DiscoveredItem {
	items := make([]search.DiscoveredItem, n)
	for i := range items {
		items[i] = search.DiscoveredItem{
			URL:         pageURL(i),
			Title:       fmt.Sprintf("Page %d", i),
			Description: fmt.Sprintf("Snippet for page %d", i),
		}
	}
	return items
}

func textResult(body string) search.ExtractionResult {
	return search.ExtractionResult{
		HTTPStatus: 200,
		Content:    map[string]string{search.FormatText: body},
	}
}

func testRequest(timeout time.Duration, maxResults int) search.Request {
	return search.Request{
		Input:      "best pizza",
		MaxResults: maxResults,
		Timeout:    timeout,
		Pool: search.PoolConfig{
			MaxConcurrency: 2,
			OutputFormats:  []string{search.FormatText},
		},
	}
}

func newTestStore(refs search.PoolReferences, opts Options) *Store {
	return NewStore(realClock{}, &fakeIDGen{}, refs, opts, zap.NewNop())
}

func TestStoreReturnsResultsInRankOrder(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 3), "fp-test", extraction)
	require.NoError(t, err)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(3)})

	require.Eventually(t, func() bool {
		return extraction.callCount() == 3
	}, time.Second, 5*time.Millisecond)

	// Settle in reverse rank order; the response must still come back by rank.
	extraction.settle(t, pageURL(2), textResult("third"), nil)
	extraction.settle(t, pageURL(0), textResult("first"), nil)
	extraction.settle(t, pageURL(1), textResult("second"), nil)

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Empty(t, outcome.ErrorText)
	require.Len(t, outcome.Results, 3)
	for i, result := range outcome.Results {
		require.Equal(t, i, result.Rank)
		require.Equal(t, search.ItemSucceeded, result.Status)
	}
	require.Equal(t, "first", outcome.Results[0].Text)
	require.Equal(t, "second", outcome.Results[1].Text)
	require.Equal(t, "third", outcome.Results[2].Text)
}

func TestStoreDeadlineProducesPartialResults(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(80*time.Millisecond, 2), "fp-test", extraction)
	require.NoError(t, err)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(2)})

	require.Eventually(t, func() bool {
		return extraction.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	// Only rank 0 finishes before the deadline.
	extraction.settle(t, pageURL(0), textResult("fast page"), nil)

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)

	require.Equal(t, search.ItemSucceeded, outcome.Results[0].Status)
	require.Equal(t, "fast page", outcome.Results[0].Text)

	require.Equal(t, search.ItemTimedOut, outcome.Results[1].Status)
	// The discovery snippet stands in for the page text.
	require.Equal(t, "Snippet for page 1", outcome.Results[1].Text)

	// A straggler callback after the job retired must be a quiet no-op.
	require.NotPanics(t, func() {
		extraction.settle(t, pageURL(1), textResult("too late"), nil)
	})
	require.Zero(t, store.InFlight())
}

func TestStoreDirectURLBypassesDiscovery(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	discovery := &fakeDiscoveryPool{items: discoveredItems(3)}
	store := newTestStore(newFakeRefs(), Options{})

	req := testRequest(5*time.Second, 3)
	req.Input = "https://apify.com"
	req.IsDirectURL = true

	jobID, err := store.CreateJob(req, "fp-test", extraction)
	require.NoError(t, err)
	store.StartDirect(jobID)

	require.Eventually(t, func() bool {
		return extraction.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, discovery.called.Load())

	extraction.settle(t, "https://apify.com", textResult("landing page"), nil)

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)
	require.Equal(t, 0, outcome.Results[0].Rank)
	require.Equal(t, search.ItemSucceeded, outcome.Results[0].Status)
	require.Equal(t, "https://apify.com", outcome.Results[0].Metadata.URL)
}

func TestStoreDiscoveryFailureFinalizesJob(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 3), "fp-test", extraction)
	require.NoError(t, err)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{err: errors.New("serp unreachable")})

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Empty(t, outcome.Results)
	require.Contains(t, outcome.ErrorText, "serp unreachable")
	require.Zero(t, extraction.callCount())
}

func TestStoreEmptyDiscoveryFinalizesJob(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 3), "fp-test", extraction)
	require.NoError(t, err)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: nil})

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Empty(t, outcome.Results)
	require.Contains(t, outcome.ErrorText, "no results")
}

func TestStoreDegradedDiscoveryStillExtracts(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 2), "fp-test", extraction)
	require.NoError(t, err)

	// Discovery reports an error but still found pages; they get extracted.
	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{
		items: discoveredItems(2),
		err:   errors.New("second serp page failed"),
	})

	require.Eventually(t, func() bool {
		return extraction.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	extraction.settle(t, pageURL(0), textResult("one"), nil)
	extraction.settle(t, pageURL(1), textResult("two"), nil)

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
	require.Empty(t, outcome.ErrorText)
}

func TestStoreTruncatesDiscoveryToMaxResults(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 2), "fp-test", extraction)
	require.NoError(t, err)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(5)})

	require.Eventually(t, func() bool {
		return extraction.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	extraction.settle(t, pageURL(0), textResult("a"), nil)
	extraction.settle(t, pageURL(1), textResult("b"), nil)

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
}

func TestStoreReleasesPoolReferenceExactlyOnce(t *testing.T) {
	t.Parallel()

	refs := newFakeRefs()
	extraction := &fakeExtractionPool{}
	store := newTestStore(refs, Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 1), "fp-test", extraction)
	require.NoError(t, err)

	retained, _ := refs.counts("fp-test")
	require.Equal(t, 1, retained)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(1)})
	require.Eventually(t, func() bool {
		return extraction.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	extraction.settle(t, pageURL(0), textResult("done"), nil)

	_, err = store.Await(context.Background(), jobID)
	require.NoError(t, err)

	// Redundant finalize calls must not double-release.
	store.Finalize(jobID, search.ErrDeadlineExceeded)
	store.Finalize(jobID, errors.New("whatever"))

	_, released := refs.counts("fp-test")
	require.Equal(t, 1, released)
}

func TestStoreExtractionFailureRecordsError(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 2), "fp-test", extraction)
	require.NoError(t, err)

	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(2)})
	require.Eventually(t, func() bool {
		return extraction.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	extraction.settle(t, pageURL(0), textResult("good"), nil)
	extraction.settle(t, pageURL(1), search.ExtractionResult{}, &search.HTTPStatusError{
		StatusCode: 403,
		URL:        pageURL(1),
	})

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
	require.Equal(t, search.ItemSucceeded, outcome.Results[0].Status)
	require.Equal(t, search.ItemFailed, outcome.Results[1].Status)
	require.Equal(t, 403, outcome.Results[1].HTTPStatus)
	require.Contains(t, outcome.Results[1].Error, "403")
}

func TestStoreEmitsSideEffectsOnFinalize(t *testing.T) {
	t.Parallel()

	publisher := &capturingPublisher{}
	appender := &capturingAppender{}
	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{
		Publisher: publisher,
		Topic:     "job-events",
		Dataset:   appender,
	})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 1), "fp-test", extraction)
	require.NoError(t, err)
	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(1)})
	require.Eventually(t, func() bool {
		return extraction.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	extraction.settle(t, pageURL(0), textResult("content"), nil)

	_, err = store.Await(context.Background(), jobID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return publisher.count() == 1 && appender.count() == 1
	}, time.Second, 5*time.Millisecond)

	event, ok := publisher.last().(search.JobEvent)
	require.True(t, ok)
	require.Equal(t, jobID, event.JobID)
	require.Equal(t, 1, event.Succeeded)
	require.Equal(t, jobID, appender.lastJobID())
}

func TestStoreRetiresUnawaitedJobOnDeadline(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	_, err := store.CreateJob(testRequest(30*time.Millisecond, 1), "fp-test", extraction)
	require.NoError(t, err)

	// Nobody ever awaits this job; once the deadline finalizes it, the table
	// must not hold on to it.
	require.Eventually(t, func() bool {
		return store.InFlight() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStoreAwaitAfterFinalizeReturnsOutcome(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	req := testRequest(5*time.Second, 1)
	req.Input = "https://apify.com"
	req.IsDirectURL = true

	jobID, err := store.CreateJob(req, "fp-test", extraction)
	require.NoError(t, err)
	store.StartDirect(jobID)

	require.Eventually(t, func() bool {
		return extraction.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	extraction.settle(t, "https://apify.com", textResult("landing page"), nil)

	// The job finalized before anyone awaited it and has left the table, but
	// a waiter arriving now still collects the outcome.
	require.Eventually(t, func() bool {
		return store.InFlight() == 0
	}, time.Second, 5*time.Millisecond)

	outcome, err := store.Await(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)
	require.Equal(t, "landing page", outcome.Results[0].Text)

	// Collected once; a second waiter finds nothing.
	_, err = store.Await(context.Background(), jobID)
	require.ErrorIs(t, err, search.ErrJobNotFound)
}

func TestStoreAbandonedAwaitDoesNotLeak(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(5*time.Second, 1), "fp-test", extraction)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Await(ctx, jobID)
	require.ErrorIs(t, err, context.Canceled)

	// The caller disconnected; the job still finalizes and must be dropped.
	store.Finalize(jobID, search.ErrDeadlineExceeded)
	require.Zero(t, store.InFlight())
}

func TestStoreAwaitUnknownJob(t *testing.T) {
	t.Parallel()

	store := newTestStore(newFakeRefs(), Options{})
	_, err := store.Await(context.Background(), "nope")
	require.ErrorIs(t, err, search.ErrJobNotFound)
}

type capturingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func (p *capturingPublisher) last() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[len(p.payloads)-1]
}

type capturingAppender struct {
	mu    sync.Mutex
	jobID string
	rows  int
}

func (a *capturingAppender) Append(_ context.Context, jobID string, results []search.ItemResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobID = jobID
	a.rows += len(results)
	return nil
}

func (a *capturingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rows
}

func (a *capturingAppender) lastJobID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobID
}
