// Package common provides shared utilities for recap
package common

import "time"

// Freshness TTLs for cached artifacts
const (
	// FreshnessSummary bounds reuse of a completed summary for a repeat
	// submission of the same target and model.
	FreshnessSummary = 24 * time.Hour
)

// IsFresh returns true if the given timestamp is within the TTL
func IsFresh(updated time.Time, ttl time.Duration) bool {
	if updated.IsZero() {
		return false
	}
	return time.Since(updated) < ttl
}
