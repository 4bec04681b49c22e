package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits outbound REST requests against Discord's per-route
// bucket and global rate limits (spec.md §6), grounded on
// spectacles-rs's Ratelimiter.
type Limiter struct {
	bucketsMu sync.RWMutex
	buckets   map[string]*Bucket

	globalMu    sync.Mutex
	globalUntil time.Time
}

// NewLimiter constructs an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
	}
}

func (l *Limiter) bucket(route string) *Bucket {
	l.bucketsMu.RLock()
	b, ok := l.buckets[route]
	l.bucketsMu.RUnlock()

	if ok {
		return b
	}

	l.bucketsMu.Lock()
	defer l.bucketsMu.Unlock()

	if b, ok := l.buckets[route]; ok {
		return b
	}

	b = &Bucket{Limit: 1, Remaining: 1}
	l.buckets[route] = b

	return b
}

// Acquire blocks until a request to route is admitted: first the
// global limit, then the route's own bucket. Per spec.md §6.2
// enqueue algorithm.
func (l *Limiter) Acquire(route string) {
	l.waitGlobal()
	l.bucket(route).Wait()
}

func (l *Limiter) waitGlobal() {
	l.globalMu.Lock()
	until := l.globalUntil
	l.globalMu.Unlock()

	if wait := time.Until(until); wait > 0 {
		time.Sleep(wait)
	}
}

// SetGlobal marks the global limit as tripped until t, per a 429
// response with `"global": true`.
func (l *Limiter) SetGlobal(t time.Time) {
	l.globalMu.Lock()
	l.globalUntil = t
	l.globalMu.Unlock()
}

// UpdateBucket overwrites the named route's bucket state from response
// headers.
func (l *Limiter) UpdateBucket(route string, limit, remaining int, reset time.Time) {
	l.bucket(route).Update(limit, remaining, reset)
}

// DelayBucket forces the named route's bucket empty until t, per a
// bucket-scoped 429.
func (l *Limiter) DelayBucket(route string, t time.Time) {
	l.bucket(route).DelayUntil(t)
}
