// Package gemini adapts the Google Gemini API to the Summarizer
// interface. Video and page URLs ride in the prompt for the URL context
// tool to fetch; document URLs (PDF, plain text) are fetched and
// extracted locally, with the text inlined into the prompt.
package gemini

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/recaplabs/recap/internal/classify"
	"github.com/recaplabs/recap/internal/clients/extract"
	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

const (
	DefaultModel   = "gemini-3-flash-preview"
	DefaultTimeout = 5 * time.Minute
)

// Summarizer generates summaries with the Gemini API.
type Summarizer struct {
	client  *genai.Client
	docs    *extract.Client
	model   string
	timeout time.Duration
	logger  *common.Logger
}

var _ interfaces.Summarizer = (*Summarizer)(nil)

// Option configures the summarizer.
type Option func(*Summarizer)

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(s *Summarizer) {
		if model != "" {
			s.model = model
		}
	}
}

// WithTimeout bounds a single generation call.
func WithTimeout(d time.Duration) Option {
	return func(s *Summarizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) Option {
	return func(s *Summarizer) {
		s.logger = logger
	}
}

// WithDocumentClient supplies the fetch client used to inline document
// URLs. Without one, every URL goes through the URL context tool.
func WithDocumentClient(c *extract.Client) Option {
	return func(s *Summarizer) {
		s.docs = c
	}
}

// New creates a Gemini-backed summarizer.
func New(ctx context.Context, apiKey string, opts ...Option) (*Summarizer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	s := &Summarizer{
		client:  client,
		model:   DefaultModel,
		timeout: DefaultTimeout,
		logger:  common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the backend.
func (s *Summarizer) Name() string { return "gemini" }

// Summarize asks Gemini to summarize the content behind req.URL. API
// failures are returned raw; the caller's classifier reads their status
// text for retry decisions.
func (s *Summarizer) Summarize(ctx context.Context, req interfaces.SummarizeRequest, sink interfaces.ProgressSink) (*models.Summary, error) {
	model := s.model
	if req.Model != "" {
		model = req.Model
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report(sink, 0.1, "Preparing prompt", "prepare")
	prompt, err := s.buildPrompt(ctx, req.URL, sink)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("model", model).Str("url", req.URL).Msg("Generating summary")
	report(sink, 0.3, "Generating summary", "generate")

	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{URLContext: &genai.URLContext{}}},
	}
	result, err := s.client.Models.GenerateContent(ctx, model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text, err := extractText(result)
	if err != nil {
		return nil, classify.NewError(models.CategoryInternal, err)
	}

	report(sink, 0.9, "Formatting result", "format")
	title, body := splitTitle(text)
	return &models.Summary{
		Title:  title,
		Text:   body,
		Model:  model,
		Source: models.SummarySourceGenerated,
	}, nil
}

func report(sink interfaces.ProgressSink, fraction float64, message, step string) {
	if sink != nil {
		sink.Progress(fraction, message, step)
	}
}

// buildPrompt picks the prompt strategy per URL: document URLs are
// fetched and their text inlined, everything else is left to the URL
// context tool.
func (s *Summarizer) buildPrompt(ctx context.Context, rawURL string, sink interfaces.ProgressSink) (string, error) {
	if s.docs == nil || !isDocumentURL(rawURL) {
		return buildSummaryPrompt(rawURL), nil
	}

	report(sink, 0.2, "Fetching document", "fetch")
	doc, err := s.docs.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}

	title, text, err := doc.Text()
	if err != nil {
		return "", classify.NewError(models.CategoryInvalidInput, err)
	}
	if text == "" {
		return "", classify.Errorf(models.CategoryInvalidInput, "no extractable text at %s", rawURL)
	}

	s.logger.Debug().Str("url", rawURL).Int("text_chars", len(text)).Msg("Inlining document text")
	return buildDocumentPrompt(rawURL, title, text), nil
}

// isDocumentURL reports whether the URL path names a document format the
// URL context tool cannot be relied on to read.
func isDocumentURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasSuffix(path, ".pdf") || strings.HasSuffix(path, ".txt")
}

// buildSummaryPrompt asks for a titled markdown summary. The URL rides
// in a reference list so the URL context tool picks it up.
func buildSummaryPrompt(url string) string {
	var sb strings.Builder
	sb.WriteString("Reference URLs:\n- ")
	sb.WriteString(url)
	sb.WriteString("\n\n")
	sb.WriteString(`Summarize the content at the reference URL.

Requirements:
1. Start with a single line: the content's title.
2. Follow with a concise markdown summary of the key points.
3. Preserve important names, numbers, and conclusions.
4. Do not pad with commentary about the summarization itself.`)
	return sb.String()
}

// buildDocumentPrompt carries the extracted text in the prompt body.
func buildDocumentPrompt(url, title, text string) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following document")
	if title != "" {
		fmt.Fprintf(&sb, ", titled %q,", title)
	}
	fmt.Fprintf(&sb, " from %s.\n\n", url)
	sb.WriteString(`Requirements:
1. Start with a single line: the document's title.
2. Follow with a concise markdown summary of the key points.
3. Preserve important names, numbers, and conclusions.
4. Do not pad with commentary about the summarization itself.

Document text:

`)
	sb.WriteString(text)
	return sb.String()
}

// extractText flattens the first candidate's text parts.
func extractText(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no content generated")
	}
	return text, nil
}

// splitTitle peels the first non-empty line off as the title, stripping
// markdown heading markers.
func splitTitle(text string) (string, string) {
	trimmed := strings.TrimSpace(text)
	idx := strings.IndexByte(trimmed, '\n')
	if idx < 0 {
		return "", trimmed
	}

	title := strings.TrimSpace(strings.TrimLeft(trimmed[:idx], "# "))
	body := strings.TrimSpace(trimmed[idx+1:])
	if title == "" || body == "" {
		return "", trimmed
	}
	return title, body
}
