package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowBackend keeps a sliding log of grant times per service in process
// memory. Services without a configured limit are unlimited.
type WindowBackend struct {
	now func() time.Time

	mu      sync.RWMutex
	limits  map[string]Limit
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	limit  Limit
	grants []time.Time
}

// NewWindowBackend creates a backend for the given per-service limits.
func NewWindowBackend(limits map[string]Limit, now func() time.Time) *WindowBackend {
	if now == nil {
		now = time.Now
	}
	b := &WindowBackend{now: now, limits: make(map[string]Limit), buckets: make(map[string]*bucket)}
	for service, limit := range limits {
		if limit.Valid() {
			b.limits[service] = limit
		}
	}
	return b
}

// Try grants a permit if fewer than MaxCalls grants fall inside the window
// ending now; otherwise it reports when the oldest grant leaves the window.
func (w *WindowBackend) Try(_ context.Context, service string) (Decision, error) {
	bk := w.bucket(service)
	if bk == nil {
		return Decision{Allowed: true}, nil
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-bk.limit.Window)
	drop := 0
	for drop < len(bk.grants) && !bk.grants[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		bk.grants = append(bk.grants[:0], bk.grants[drop:]...)
	}

	if len(bk.grants) < bk.limit.MaxCalls {
		bk.grants = append(bk.grants, now)
		return Decision{Allowed: true}, nil
	}
	retryAfter := bk.grants[0].Add(bk.limit.Window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{RetryAfter: retryAfter}, nil
}

// SetLimit replaces the limit of one service and clears its window.
func (w *WindowBackend) SetLimit(service string, limit Limit) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.buckets, service)
	if limit.Valid() {
		w.limits[service] = limit
		return
	}
	delete(w.limits, service)
}

// Reset clears every window. Limits are kept.
func (w *WindowBackend) Reset() {
	w.mu.Lock()
	w.buckets = make(map[string]*bucket)
	w.mu.Unlock()
}

func (w *WindowBackend) bucket(service string) *bucket {
	w.mu.RLock()
	bk, ok := w.buckets[service]
	limit, limited := w.limits[service]
	w.mu.RUnlock()
	if ok {
		return bk
	}
	if !limited {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if bk, ok = w.buckets[service]; ok {
		return bk
	}
	bk = &bucket{limit: limit, grants: make([]time.Time, 0, limit.MaxCalls)}
	w.buckets[service] = bk
	return bk
}
