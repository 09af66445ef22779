package interfaces

import "errors"

// Sentinel errors shared across the service contracts. Callers test
// them with errors.Is to map failures onto API responses.
var (
	// ErrJobNotFound reports that no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrIllegalTransition reports a status change the state machine
	// does not permit. The record is left unchanged.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrStaleTransition reports that the job was not in the expected
	// source status. The record is left unchanged.
	ErrStaleTransition = errors.New("job status changed concurrently")
)
