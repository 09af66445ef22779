package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recaplabs/recap/internal/classify"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

const articleHTML = `<html>
<head><title>Go Memory Model</title></head>
<body>
<p>The Go memory model specifies the conditions under which reads observe writes.
It is intentionally conservative. Programs that are data-race-free behave sequentially.
Everything else is undefined. Use channels or sync primitives.</p>
</body>
</html>`

func TestSummarizer_SummarizesHTMLPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer server.Close()

	var fractions []float64
	var steps []string
	sink := interfaces.ProgressFunc(func(fraction float64, message, step string) {
		fractions = append(fractions, fraction)
		steps = append(steps, step)
	})

	s := NewSummarizer(NewClient(), WithSentenceLimit(2))
	summary, err := s.Summarize(context.Background(), interfaces.SummarizeRequest{URL: server.URL}, sink)
	require.NoError(t, err)

	assert.Equal(t, "Go Memory Model", summary.Title)
	assert.Equal(t, "The Go memory model specifies the conditions under which reads observe writes. It is intentionally conservative.", summary.Text)
	assert.Equal(t, "extractive", summary.Model)
	assert.Equal(t, models.SummarySourceGenerated, summary.Source)

	require.Equal(t, []string{"fetch", "extract", "select"}, steps)
	assert.IsNonDecreasing(t, fractions)
}

func TestSummarizer_NilSinkIsSafe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Just one line of text."))
	}))
	defer server.Close()

	s := NewSummarizer(nil)
	summary, err := s.Summarize(context.Background(), interfaces.SummarizeRequest{URL: server.URL}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Just one line of text.", summary.Text)
	assert.Empty(t, summary.Title)
}

func TestSummarizer_EmptyBodyIsInvalidInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer server.Close()

	s := NewSummarizer(nil)
	_, err := s.Summarize(context.Background(), interfaces.SummarizeRequest{URL: server.URL}, nil)
	require.Error(t, err)

	c := classify.Classify(err)
	assert.Equal(t, models.CategoryInvalidInput, c.Category)
	assert.False(t, c.Retriable)
}

func TestSummarizer_FetchFailurePropagatesRaw(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	s := NewSummarizer(nil)
	_, err := s.Summarize(context.Background(), interfaces.SummarizeRequest{URL: server.URL}, nil)
	require.Error(t, err)

	c := classify.Classify(err)
	assert.Equal(t, models.CategoryRateLimit, c.Category)
	assert.True(t, c.Retriable)
}

func TestSummarizer_Name(t *testing.T) {
	assert.Equal(t, "extractive", NewSummarizer(nil).Name())
}
