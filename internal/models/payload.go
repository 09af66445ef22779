package models

import (
	"fmt"
	"net/url"
	"strings"
)

// Payload carries the kind-specific input for a job.
type Payload struct {
	// URL is the target for video jobs and an optional source for
	// playlist jobs when no playlist id is given.
	URL string `json:"url,omitempty"`
	// PlaylistID identifies a playlist when URL is not set.
	PlaylistID string `json:"playlist_id,omitempty"`
	// Items pins a playlist expansion to an explicit item list.
	Items []string `json:"items,omitempty"`
	// URLs is the target set for batch jobs.
	URLs []string `json:"urls,omitempty"`
	// Model optionally overrides the configured summarization model.
	Model string `json:"model,omitempty"`
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	c := p
	if p.Items != nil {
		c.Items = append([]string(nil), p.Items...)
	}
	if p.URLs != nil {
		c.URLs = append([]string(nil), p.URLs...)
	}
	return c
}

// Validate checks the payload against the requirements of the given kind.
func (p Payload) Validate(kind JobKind) error {
	switch kind {
	case JobKindVideo:
		if p.URL == "" {
			return fmt.Errorf("video payload requires url")
		}
		return validateURL(p.URL)
	case JobKindPlaylist:
		if p.PlaylistID == "" && p.URL == "" {
			return fmt.Errorf("playlist payload requires playlist_id or url")
		}
		if p.URL != "" {
			return validateURL(p.URL)
		}
		return nil
	case JobKindBatch:
		if len(p.URLs) == 0 {
			return fmt.Errorf("batch payload requires at least one url")
		}
		for i, u := range p.URLs {
			if err := validateURL(u); err != nil {
				return fmt.Errorf("batch url %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

// ItemURLs resolves the per-item work list for playlist and batch jobs.
// Video jobs return their single URL.
func (p Payload) ItemURLs(kind JobKind) []string {
	switch kind {
	case JobKindVideo:
		return []string{p.URL}
	case JobKindPlaylist:
		if len(p.Items) > 0 {
			return append([]string(nil), p.Items...)
		}
		if p.URL != "" {
			return []string{p.URL}
		}
		return nil
	case JobKindBatch:
		return append([]string(nil), p.URLs...)
	}
	return nil
}

// Describe returns a short human-readable target description for logging.
func (p Payload) Describe(kind JobKind) string {
	switch kind {
	case JobKindVideo:
		return p.URL
	case JobKindPlaylist:
		if p.PlaylistID != "" {
			return "playlist " + p.PlaylistID
		}
		return "playlist " + p.URL
	case JobKindBatch:
		return fmt.Sprintf("batch of %d urls", len(p.URLs))
	}
	return string(kind)
}

// CacheKey returns a stable identity for deduplicating summaries of the
// same target with the same model.
func (p Payload) CacheKey(kind JobKind) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('|')
	switch kind {
	case JobKindVideo:
		b.WriteString(p.URL)
	case JobKindPlaylist:
		if p.PlaylistID != "" {
			b.WriteString(p.PlaylistID)
		} else {
			b.WriteString(p.URL)
		}
	case JobKindBatch:
		b.WriteString(strings.Join(p.URLs, ","))
	}
	if p.Model != "" {
		b.WriteByte('|')
		b.WriteString(p.Model)
	}
	return b.String()
}
