package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/recaplabs/recap/internal/classify"
	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

const (
	// DefaultSentenceLimit is how many leading sentences the extractive
	// summarizer keeps.
	DefaultSentenceLimit = 6

	// maxSummaryChars bounds the extractive summary length.
	maxSummaryChars = 2000
)

// Summarizer is the no-API fallback backend. It fetches the target,
// extracts readable text and keeps the leading sentences. Quality is
// deliberately modest; it exists so the server stays functional without
// a Gemini API key.
type Summarizer struct {
	client    *Client
	logger    *common.Logger
	sentences int
}

var _ interfaces.Summarizer = (*Summarizer)(nil)

// SummarizerOption configures the extractive summarizer
type SummarizerOption func(*Summarizer)

// WithSentenceLimit sets how many leading sentences are kept
func WithSentenceLimit(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.sentences = n
		}
	}
}

// WithSummarizerLogger sets a custom logger
func WithSummarizerLogger(logger *common.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSummarizer creates an extractive summarizer backed by client. A
// nil client gets default fetch settings.
func NewSummarizer(client *Client, opts ...SummarizerOption) *Summarizer {
	if client == nil {
		client = NewClient()
	}
	s := &Summarizer{
		client:    client,
		logger:    common.NewSilentLogger(),
		sentences: DefaultSentenceLimit,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name identifies the backend in logs and summary attribution.
func (s *Summarizer) Name() string {
	return "extractive"
}

// Summarize fetches req.URL and derives a leading-sentence summary.
func (s *Summarizer) Summarize(ctx context.Context, req interfaces.SummarizeRequest, sink interfaces.ProgressSink) (*models.Summary, error) {
	report(sink, 0.1, "Fetching content", "fetch")

	doc, err := s.client.Fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	report(sink, 0.5, "Extracting text", "extract")

	title, text, err := doc.Text()
	if err != nil {
		return nil, classify.NewError(models.CategoryInvalidInput, err)
	}
	if text == "" {
		return nil, classify.Errorf(models.CategoryInvalidInput, "no extractable text at %s", req.URL)
	}

	report(sink, 0.9, "Selecting summary", "select")

	summary := leadingSentences(text, s.sentences)

	s.logger.Debug().
		Str("url", req.URL).
		Int("text_chars", len(text)).
		Int("summary_chars", len(summary)).
		Msg("Extractive summary built")

	return &models.Summary{
		Title:  title,
		Text:   summary,
		Model:  s.Name(),
		Source: models.SummarySourceGenerated,
	}, nil
}

func report(sink interfaces.ProgressSink, fraction float64, message, step string) {
	if sink != nil {
		sink.Progress(fraction, message, step)
	}
}

// leadingSentences returns the first max sentences of text, capped at
// maxSummaryChars. Sentences end at '.', '!' or '?' followed by a space
// or end of input.
func leadingSentences(text string, max int) string {
	var b strings.Builder
	count := 0
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		b.WriteRune(runes[i])

		if isSentenceEnd(runes, i) {
			count++
			if count >= max || b.Len() >= maxSummaryChars {
				break
			}
		}
		if b.Len() >= maxSummaryChars {
			break
		}
	}

	out := strings.TrimSpace(b.String())
	if len(out) >= maxSummaryChars {
		out = fmt.Sprintf("%s…", strings.TrimRightFunc(out, unicode.IsSpace))
	}
	return out
}

func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?':
	default:
		return false
	}
	// Terminal punctuation mid-token (versions, abbreviations) does not
	// end a sentence.
	return i+1 >= len(runes) || unicode.IsSpace(runes[i+1])
}
