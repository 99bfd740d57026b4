// Package expiration bounds the size and age of a cache namespace.
package expiration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/pending"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Evictions counts entries removed by expiration.
var Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swcache_expiration_evictions_total",
	Help: "Total cache entries evicted by expiration policy",
}, []string{"namespace"})

// Limits bounds a namespace. Zero values mean unlimited.
type Limits struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Unlimited reports whether the limits never evict anything.
func (l Limits) Unlimited() bool {
	return l.MaxEntries <= 0 && l.MaxAge <= 0
}

// ExpirationError collects the deletes that failed during one enforcement run.
type ExpirationError struct {
	Namespace string
	Errs      []error
}

// Error implements the error interface.
func (e *ExpirationError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("expiration %q: %d evictions failed: %s", e.Namespace, len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ExpirationError) Unwrap() []error {
	return e.Errs
}

// Policy enforces Limits on the namespaces it is applied to.
type Policy struct {
	limits Limits
	now    func() time.Time
	logger zerolog.Logger

	// serializes enforcement so concurrent writers never evict the same
	// surplus twice
	mu sync.Mutex
}

// NewPolicy creates a policy for limits.
func NewPolicy(limits Limits, logger zerolog.Logger) *Policy {
	return &Policy{
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the clock used for age checks (for testing).
func (p *Policy) SetClock(now func() time.Time) {
	p.now = now
}

// Limits returns the configured limits.
func (p *Policy) Limits() Limits {
	return p.limits
}

// IsExpired reports whether entry is older than MaxAge. Expired entries are
// treated as misses even before eviction removes them.
func (p *Policy) IsExpired(entry *cache.CacheEntry) bool {
	if p == nil || p.limits.MaxAge <= 0 || entry == nil {
		return false
	}
	return p.now().Sub(entry.CachedAt) > p.limits.MaxAge
}

// Enforce deletes the entries of c that exceed the limits: first every
// entry older than MaxAge, then the oldest entries beyond MaxEntries.
// It returns the number of entries deleted.
func (p *Policy) Enforce(ctx context.Context, c cache.Cache) (int, error) {
	if p.limits.Unlimited() {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, err := c.Records(ctx)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}

	var victims []cache.Record
	keep := records
	if p.limits.MaxAge > 0 {
		cutoff := p.now().Add(-p.limits.MaxAge)
		keep = keep[:0:0]
		for _, rec := range records {
			if rec.CachedAt.Before(cutoff) {
				victims = append(victims, rec)
			} else {
				keep = append(keep, rec)
			}
		}
	}
	if p.limits.MaxEntries > 0 && len(keep) > p.limits.MaxEntries {
		// records are ordered oldest first
		surplus := len(keep) - p.limits.MaxEntries
		victims = append(victims, keep[:surplus]...)
	}

	evicted := 0
	var errs []error
	for _, rec := range victims {
		deleted, err := c.Delete(ctx, rec.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", rec.Key, err))
			continue
		}
		if deleted {
			evicted++
			p.logger.Debug().
				Str("namespace", c.Name()).
				Str("key", rec.Key.String()).
				Msg("Evicted cache entry")
		}
	}
	if evicted > 0 {
		Evictions.WithLabelValues(c.Name()).Add(float64(evicted))
	}

	if len(errs) > 0 {
		return evicted, &ExpirationError{Namespace: c.Name(), Errs: errs}
	}
	return evicted, nil
}

// Schedule runs Enforce on c as tracked background work. Failures are
// logged, never returned to the request that triggered the write.
func (p *Policy) Schedule(ctx context.Context, c cache.Cache, group *pending.Group) {
	if p == nil || p.limits.Unlimited() {
		return
	}
	group.Go(ctx, "expiration:"+c.Name(), func(ctx context.Context) error {
		_, err := p.Enforce(ctx, c)
		var expErr *ExpirationError
		if errors.As(err, &expErr) {
			p.logger.Warn().Err(err).Str("namespace", c.Name()).Msg("Expiration incomplete")
			return nil
		}
		return err
	})
}
