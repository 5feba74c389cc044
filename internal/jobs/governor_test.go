package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

type firedRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (f *firedRecorder) record(jobID string, reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, jobID)
}

func (f *firedRecorder) has(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.fired {
		if id == jobID {
			return true
		}
	}
	return false
}

func TestGovernorFiresAtDeadline(t *testing.T) {
	t.Parallel()

	rec := &firedRecorder{}
	g := NewGovernor(realClock{}, zap.NewNop())
	g.SetFinalizer(rec.record)

	g.Schedule("job-a", time.Now().Add(30*time.Millisecond))

	require.Eventually(t, func() bool {
		return rec.has("job-a")
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, g.Outstanding())
}

func TestGovernorCancelDisarms(t *testing.T) {
	t.Parallel()

	rec := &firedRecorder{}
	g := NewGovernor(realClock{}, zap.NewNop())
	g.SetFinalizer(rec.record)

	g.Schedule("job-b", time.Now().Add(50*time.Millisecond))
	g.Cancel("job-b")

	time.Sleep(120 * time.Millisecond)
	require.False(t, rec.has("job-b"))
	require.Zero(t, g.Outstanding())
}

func TestShortenAllCapsDistantDeadlines(t *testing.T) {
	t.Parallel()

	rec := &firedRecorder{}
	g := NewGovernor(realClock{}, zap.NewNop())
	g.SetFinalizer(rec.record)

	g.Schedule("job-far", time.Now().Add(time.Hour))
	moved := g.ShortenAll(30 * time.Millisecond)
	require.Equal(t, 1, moved)

	require.Eventually(t, func() bool {
		return rec.has("job-far")
	}, time.Second, 5*time.Millisecond)
}

func TestShortenAllNeverLengthens(t *testing.T) {
	t.Parallel()

	rec := &firedRecorder{}
	g := NewGovernor(realClock{}, zap.NewNop())
	g.SetFinalizer(rec.record)

	g.Schedule("job-near", time.Now().Add(40*time.Millisecond))
	moved := g.ShortenAll(time.Hour)
	require.Zero(t, moved)

	// The original short deadline still fires.
	require.Eventually(t, func() bool {
		return rec.has("job-near")
	}, time.Second, 5*time.Millisecond)
}

func TestDrainControllerShortensStoreDeadlines(t *testing.T) {
	t.Parallel()

	extraction := &fakeExtractionPool{}
	store := newTestStore(newFakeRefs(), Options{})

	jobID, err := store.CreateJob(testRequest(time.Hour, 1), "fp-test", extraction)
	require.NoError(t, err)
	go store.BeginDiscovery(jobID, &fakeDiscoveryPool{items: discoveredItems(1)})
	require.Eventually(t, func() bool {
		return extraction.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	drain := NewDrainController(store.Governor(), 30*time.Millisecond, zap.NewNop())
	drain.Trigger()

	start := time.Now()
	outcome, awaitErr := store.Await(context.Background(), jobID)
	require.NoError(t, awaitErr)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, outcome.Results, 1)
	require.Equal(t, search.ItemTimedOut, outcome.Results[0].Status)
}
