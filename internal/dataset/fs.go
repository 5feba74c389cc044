package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ndelaney/searchscraper/internal/search"
)

// FSAppender writes one JSON-lines file per job under a root directory.
type FSAppender struct {
	root   string
	logger *zap.Logger
}

// NewFSAppender returns an appender rooted at dir.
func NewFSAppender(root string, logger *zap.Logger) (*FSAppender, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create dataset dir %s: %w", root, err)
	}
	return &FSAppender{
		root:   root,
		logger: logger,
	}, nil
}

type fsRow struct {
	JobID      string            `json:"jobId"`
	AppendedAt time.Time         `json:"appendedAt"`
	Result     search.ItemResult `json:"result"`
}

// Append writes each result as one JSON line to <root>/<jobID>.jsonl.
func (a *FSAppender) Append(ctx context.Context, jobID string, results []search.ItemResult) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}

	target := filepath.Join(a.root, jobID+".jsonl")
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open dataset file %s: %w", target, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			a.logger.Warn("dataset file close failed", zap.String("path", target), zap.Error(closeErr))
		}
	}()

	enc := json.NewEncoder(f)
	now := time.Now().UTC()
	for _, result := range results {
		if err := enc.Encode(fsRow{JobID: jobID, AppendedAt: now, Result: result}); err != nil {
			return fmt.Errorf("write dataset row rank %d: %w", result.Rank, err)
		}
	}
	return nil
}
