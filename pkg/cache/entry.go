package cache

import (
	"net/http"
	"time"
)

// ResponseType mirrors the fetch response type of a stored response.
type ResponseType string

const (
	// ResponseTypeBasic is a same-origin response.
	ResponseTypeBasic ResponseType = "basic"

	// ResponseTypeCORS is a cross-origin response the origin allowed us to read.
	ResponseTypeCORS ResponseType = "cors"

	// ResponseTypeOpaque is a cross-origin response that must be treated as a black box.
	ResponseTypeOpaque ResponseType = "opaque"
)

// CacheEntry represents a cached response.
type CacheEntry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Type is the response type at the time it was fetched
	Type ResponseType `json:"type"`

	// Revision is the precache manifest revision, empty for runtime entries
	Revision string `json:"revision,omitempty"`

	// CachedAt is when the entry was (re)inserted. Stores set it on Put.
	CachedAt time.Time `json:"cached_at"`
}

// Age returns how long ago the entry was inserted.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}

// Size returns the approximate number of bytes the entry occupies.
func (e *CacheEntry) Size() int {
	size := len(e.Data) + len(e.Revision)
	for name, values := range e.Headers {
		for _, v := range values {
			size += len(name) + len(v)
		}
	}
	return size
}

// Record is a listing element of a namespace.
type Record struct {
	Key      RequestKey
	CachedAt time.Time
}
