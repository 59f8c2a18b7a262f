package ml

import "fmt"

// DegradedError marks the ML path as unavailable for one call: the model is
// not loaded, the inference queue is saturated, or the hard timeout fired.
// It is recoverable: callers fall back to pattern-only detection and record
// the reason, they never fail the request.
type DegradedError struct {
	Reason string
	Err    error
}

func (e *DegradedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ml degraded: %s: %v", e.Reason, e.Err)
	}
	return "ml degraded: " + e.Reason
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}
