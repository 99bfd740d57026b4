package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the namespace
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrQuotaExceeded indicates the store refused a write for lack of space
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrNamespaceDeleted indicates a write through a handle whose namespace
	// was deleted after it was opened
	ErrNamespaceDeleted = errors.New("namespace deleted")
)

// StorageError reports a failed store operation (quota exhaustion, IO,
// backend unavailability). Callers decide whether it is fatal for the
// request or whether the network response can be served uncached.
type StorageError struct {
	Op        string
	Namespace string
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Namespace, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

func storageError(op, namespace string, err error) error {
	CacheErrors.WithLabelValues(op).Inc()
	return &StorageError{Op: op, Namespace: namespace, Err: err}
}
