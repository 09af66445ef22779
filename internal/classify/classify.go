// Package classify maps raw summarization errors to categories and
// decides whether a failed job should be retried.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/recaplabs/recap/internal/models"
)

// Classification is the result of examining a raw error.
type Classification struct {
	Category  models.ErrorCategory
	Retriable bool
	// BaseBackoff seeds the exponential retry delay for the category.
	BaseBackoff time.Duration
}

// categoryTraits fixes the default retry policy per category.
var categoryTraits = map[models.ErrorCategory]Classification{
	models.CategoryNetwork:          {models.CategoryNetwork, true, time.Second},
	models.CategoryTimeout:          {models.CategoryTimeout, true, time.Second},
	models.CategoryRateLimit:        {models.CategoryRateLimit, true, 30 * time.Second},
	models.CategoryQuotaExceeded:    {models.CategoryQuotaExceeded, true, 5 * time.Second},
	models.CategoryInternal:         {models.CategoryInternal, true, 5 * time.Second},
	models.CategoryUnknown:          {models.CategoryUnknown, true, 5 * time.Second},
	models.CategoryAuth:             {models.CategoryAuth, false, 0},
	models.CategoryNotFound:         {models.CategoryNotFound, false, 0},
	models.CategoryPermissionDenied: {models.CategoryPermissionDenied, false, 0},
	models.CategoryInvalidInput:     {models.CategoryInvalidInput, false, 0},
}

// ForCategory returns the default classification for a known category.
func ForCategory(cat models.ErrorCategory) Classification {
	if c, ok := categoryTraits[cat]; ok {
		return c
	}
	return categoryTraits[models.CategoryUnknown]
}

// Error carries a pre-assigned category. Summarizer backends return it
// when they already know the failure class, bypassing message matching.
type Error struct {
	Category models.ErrorCategory
	Err      error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an explicit category.
func NewError(cat models.ErrorCategory, err error) *Error {
	return &Error{Category: cat, Err: err}
}

// Errorf builds a pre-classified error from a format string.
func Errorf(cat models.ErrorCategory, format string, args ...any) *Error {
	return &Error{Category: cat, Err: fmt.Errorf(format, args...)}
}

// messageRules are checked in order against the lowercased error text.
// Earlier rules win, so specific signals sit above broad ones.
var messageRules = []struct {
	substrings []string
	category   models.ErrorCategory
}{
	{[]string{"timeout", "timed out", "deadline exceeded"}, models.CategoryTimeout},
	{[]string{"429", "rate limit", "too many requests", "resource_exhausted"}, models.CategoryRateLimit},
	{[]string{"401", "unauthorized", "api key not valid", "invalid api key"}, models.CategoryAuth},
	{[]string{"403", "forbidden", "permission"}, models.CategoryPermissionDenied},
	{[]string{"404", "not found"}, models.CategoryNotFound},
	{[]string{"quota"}, models.CategoryQuotaExceeded},
	{[]string{"invalid", "transcript", "unsupported", "unparseable"}, models.CategoryInvalidInput},
	{[]string{"connection refused", "connection reset", "no such host", "broken pipe", "network", "unexpected eof"}, models.CategoryNetwork},
	{[]string{"500", "502", "503", "504", "internal"}, models.CategoryInternal},
}

// Classify maps a raw error to a category with its retry traits. The
// rule order is: explicit classification, typed checks, then message
// substrings.
func Classify(err error) Classification {
	if err == nil {
		return ForCategory(models.CategoryUnknown)
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ForCategory(ce.Category)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ForCategory(models.CategoryTimeout)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ForCategory(models.CategoryTimeout)
		}
		return ForCategory(models.CategoryNetwork)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ForCategory(models.CategoryNetwork)
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, sub := range rule.substrings {
			if strings.Contains(msg, sub) {
				return ForCategory(rule.category)
			}
		}
	}
	return ForCategory(models.CategoryUnknown)
}

// ToJobError renders a classified failure for the job record.
func ToJobError(err error, c Classification) *models.JobError {
	return &models.JobError{
		Category:   c.Category,
		Message:    err.Error(),
		Retriable:  c.Retriable,
		OccurredAt: time.Now().UTC(),
	}
}
