package interfaces

import (
	"context"

	"github.com/recaplabs/recap/internal/models"
)

// SummarizeRequest describes a single summarization target. Playlist and
// batch jobs are expanded into one request per item by the worker.
type SummarizeRequest struct {
	URL string
	// Model optionally overrides the backend's configured model.
	Model string
}

// ProgressSink receives progress reports during summarization.
type ProgressSink interface {
	// Progress reports completion as a fraction in [0,1] with an
	// optional message and pipeline step name.
	Progress(fraction float64, message, step string)
}

// ProgressFunc adapts a function to the ProgressSink interface.
type ProgressFunc func(fraction float64, message, step string)

// Progress implements ProgressSink.
func (f ProgressFunc) Progress(fraction float64, message, step string) {
	f(fraction, message, step)
}

// Summarizer produces a summary of the content behind a URL.
type Summarizer interface {
	// Name identifies the backend for logging and summary attribution.
	Name() string

	// Summarize fetches and summarizes req.URL, reporting progress
	// through sink when non-nil. Errors are classified by the caller.
	Summarize(ctx context.Context, req SummarizeRequest, sink ProgressSink) (*models.Summary, error)
}
