package search

import (
	"context"
	"time"
)

// DiscoveryEngine turns a query into a ranked, deduplicated list of targets.
// It may return fewer items than requested; a nil error with zero items is a
// valid (empty) result.
type DiscoveryEngine interface {
	Run(ctx context.Context, query string, desiredCount int) ([]DiscoveredItem, error)
}

// ExtractionEngine fetches and renders one URL, producing content in the
// formats the engine was configured with.
type ExtractionEngine interface {
	Run(ctx context.Context, url string) (ExtractionResult, error)
}

// DiscoveryPool runs discovery calls on a shared bounded pool and reports the
// outcome through the callback. The callback runs on a pool worker goroutine.
type DiscoveryPool interface {
	RunDiscovery(ctx context.Context, query string, desiredCount int, done func([]DiscoveredItem, error)) error
	Fingerprint() string
}

// ExtractionPool runs per-URL extraction calls on a shared bounded pool.
type ExtractionPool interface {
	RunExtraction(ctx context.Context, url string, done func(ExtractionResult, error)) error
	Fingerprint() string
}

// PoolReferences tracks how many jobs currently rely on the pools behind a
// fingerprint. Jobs reference pools by fingerprint only, never by pointer.
type PoolReferences interface {
	Retain(fingerprint string)
	Release(fingerprint string)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// DatasetAppender hands finalized results to the external dataset store.
type DatasetAppender interface {
	Append(ctx context.Context, jobID string, results []ItemResult) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
