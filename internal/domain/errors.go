package domain

import "errors"

// Sentinel errors shared across the relay. Packages wrap these with detail
// using fmt.Errorf("...: %w", err) so callers can match with errors.Is.
var (
	// ErrClosed is returned when an operation targets a component that has
	// already been shut down.
	ErrClosed = errors.New("component closed")
)
