// Package search defines core types shared across subsystems.
package search

import (
	"time"
)

// JobState represents the lifecycle state of a search job.
type JobState string

// Job states, in order of progression. Finalized is terminal and entered
// exactly once.
const (
	StatePending           JobState = "pending"
	StateDiscoveryRunning  JobState = "discovery-running"
	StateExtractionRunning JobState = "extraction-running"
	StateFinalized         JobState = "finalized"
)

// ItemStatus tracks the outcome of one extraction target.
type ItemStatus string

// Item statuses. Pending items flip to exactly one terminal status.
const (
	ItemPending   ItemStatus = "pending"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemTimedOut  ItemStatus = "timed-out"
)

// Output format names accepted via the outputFormats parameter.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// Checkpoint names recorded on the job for latency accounting.
const (
	CheckpointReceived           = "received"
	CheckpointDiscoveryStarted   = "discovery-started"
	CheckpointDiscoveryDone      = "discovery-done"
	CheckpointExtractionDispatch = "extraction-dispatch"
	CheckpointFinalized          = "finalized"
)

// PoolConfig captures every tunable that affects worker pool behavior. Two
// requests whose PoolConfig values are field-for-field equal share pools; any
// differing field yields a distinct fingerprint and therefore distinct pools.
type PoolConfig struct {
	MaxConcurrency      int           `json:"max_concurrency"`
	MaxRetries          int           `json:"max_retries"`
	PageTimeout         time.Duration `json:"page_timeout"`
	RenderWait          time.Duration `json:"render_wait"`
	ProxyGroup          string        `json:"proxy_group"`
	OutputFormats       []string      `json:"output_formats"`
	RemoveCookieBanners bool          `json:"remove_cookie_banners"`
	Debug               bool          `json:"debug"`
}

// Request is the validated form of one caller query.
type Request struct {
	Input       string
	IsDirectURL bool
	MaxResults  int
	Timeout     time.Duration
	Pool        PoolConfig
}

// DiscoveredItem is one ranked hit returned by the discovery engine.
type DiscoveredItem struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Item is one extraction target tracked inside a job. Rank mirrors the
// discovery order; direct-URL jobs carry a single synthetic item at rank 0.
type Item struct {
	Rank       int
	Source     DiscoveredItem
	Status     ItemStatus
	Content    map[string]string
	HTTPStatus int
	ErrorText  string
	BlobURI    string
	Duration   time.Duration
}

// Job represents one caller request end-to-end. Owned exclusively by the job
// store; no other component mutates it.
type Job struct {
	ID          string
	Input       string
	IsDirectURL bool
	MaxResults  int
	Fingerprint string
	Items       []Item
	DeadlineAt  time.Time
	Checkpoints map[string]time.Time
	State       JobState
	ErrorText   string
	Pool        PoolConfig
}

// ExtractionResult is what the extraction engine returns for one URL.
type ExtractionResult struct {
	URL        string
	HTTPStatus int
	Content    map[string]string
	Title      string
	RawHTML    []byte
	BlobURI    string
	Duration   time.Duration
}

// ItemResult is one record of the caller-facing response array.
type ItemResult struct {
	UniqueKey   string           `json:"uniqueKey"`
	Rank        int              `json:"rank"`
	Status      ItemStatus       `json:"status"`
	Metadata    *DiscoveredItem  `json:"metadata,omitempty"`
	Text        string           `json:"text,omitempty"`
	Markdown    string           `json:"markdown,omitempty"`
	HTML        string           `json:"html,omitempty"`
	HTTPStatus  int              `json:"httpStatus,omitempty"`
	Error       string           `json:"errorMessage,omitempty"`
	Diagnostics *ItemDiagnostics `json:"crawl,omitempty"`
}

// ItemDiagnostics carries crawl metadata emitted when debug mode is on.
type ItemDiagnostics struct {
	DurationMs  int64            `json:"durationMs"`
	BlobURI     string           `json:"blobUri,omitempty"`
	Checkpoints map[string]int64 `json:"checkpointsMs,omitempty"`
}

// JobEvent is published when a job finalizes.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Input      string    `json:"input"`
	State      JobState  `json:"state"`
	Succeeded  int       `json:"items_succeeded"`
	Failed     int       `json:"items_failed"`
	TimedOut   int       `json:"items_timed_out"`
	DurationMs int64     `json:"duration_ms"`
	Finished   time.Time `json:"finished_at"`
}
