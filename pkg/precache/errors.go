package precache

import (
	"fmt"
	"strings"
)

// Failure is one asset that could not be precached.
type Failure struct {
	URL string
	Err error
}

// BatchError reports an aborted install. Nothing from the batch was kept.
type BatchError struct {
	CacheName string
	Total     int
	Failures  []Failure
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.URL, f.Err)
	}
	return fmt.Sprintf("precache %q: %d of %d assets failed: %s",
		e.CacheName, len(e.Failures), e.Total, strings.Join(parts, "; "))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// StatusError is a precache fetch that returned a non-2xx status.
type StatusError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}
