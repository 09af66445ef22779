// Package extract fetches web content and derives summaries from it
// locally, without calling a model API. It backs the fallback
// summarizer used when no Gemini API key is configured.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/recaplabs/recap/internal/common"
)

const (
	// DefaultTimeout is the HTTP fetch timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	// Bodies beyond the cap are truncated, not rejected.
	DefaultMaxBodyBytes = 20 << 20

	defaultUserAgent = "recap/1.0"
)

// Client fetches documents over HTTP for local text extraction.
type Client struct {
	httpClient *http.Client
	logger     *common.Logger
	userAgent  string
	maxBody    int64
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithUserAgent sets the User-Agent header sent with fetches
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithMaxBodyBytes caps the number of response bytes read per fetch
func WithMaxBodyBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// NewClient creates a new extraction client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:    common.NewSilentLogger(),
		userAgent: defaultUserAgent,
		maxBody:   DefaultMaxBodyBytes,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FetchError reports a non-2xx response. Its message carries the status
// code so failures land in the right error category downstream.
type FetchError struct {
	StatusCode int
	URL        string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Document is a fetched resource awaiting text extraction.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
}

// Fetch retrieves the resource at rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.8")

	c.logger.Debug().Str("url", rawURL).Msg("Fetching document")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		body = body[:c.maxBody]
		c.logger.Debug().
			Str("url", rawURL).
			Int64("max_bytes", c.maxBody).
			Msg("Response body truncated")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}

	return &Document{
		URL:         rawURL,
		ContentType: strings.ToLower(contentType),
		Body:        body,
	}, nil
}
