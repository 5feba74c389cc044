package jobs

import (
	"slices"

	"github.com/ndelaney/searchscraper/internal/search"
)

// Assemble converts a finalized job into the ordered response payload.
// Results are emitted strictly in discovery rank order, never completion
// order: callers depend on rank mirroring search relevance.
func Assemble(job search.Job) []search.ItemResult {
	results := make([]search.ItemResult, 0, len(job.Items))
	for _, item := range job.Items {
		results = append(results, assembleItem(job, item))
	}
	slices.SortFunc(results, func(a, b search.ItemResult) int {
		return a.Rank - b.Rank
	})
	return results
}

func assembleItem(job search.Job, item search.Item) search.ItemResult {
	result := search.ItemResult{
		UniqueKey:  job.ID,
		Rank:       item.Rank,
		Status:     item.Status,
		HTTPStatus: item.HTTPStatus,
		Error:      item.ErrorText,
	}
	if item.Source.URL != "" {
		source := item.Source
		result.Metadata = &source
	}

	for _, format := range job.Pool.OutputFormats {
		switch format {
		case search.FormatText:
			result.Text = item.Content[search.FormatText]
		case search.FormatMarkdown:
			result.Markdown = item.Content[search.FormatMarkdown]
		case search.FormatHTML:
			result.HTML = item.Content[search.FormatHTML]
		}
	}

	// Items the deadline caught before extraction finished still return
	// something useful: the discovery snippet stands in for the page text.
	if item.Status == search.ItemTimedOut && result.Text == "" && item.Source.Description != "" {
		result.Text = item.Source.Description
	}

	if job.Pool.Debug {
		result.Diagnostics = buildDiagnostics(job, item)
	}
	return result
}

func buildDiagnostics(job search.Job, item search.Item) *search.ItemDiagnostics {
	diag := &search.ItemDiagnostics{
		DurationMs: item.Duration.Milliseconds(),
		BlobURI:    item.BlobURI,
	}
	received, ok := job.Checkpoints[search.CheckpointReceived]
	if !ok {
		return diag
	}
	diag.Checkpoints = make(map[string]int64, len(job.Checkpoints))
	for name, at := range job.Checkpoints {
		diag.Checkpoints[name] = at.Sub(received).Milliseconds()
	}
	return diag
}
