// Package ratelimit implements Discord's per-route bucket and global
// rate-limit protocol as a fasthttp reverse proxy (spec.md §6).
package ratelimit

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	majorParamPattern = regexp.MustCompile(`/([a-z-]+)/(?:[0-9]+)`)
	reactionPattern    = regexp.MustCompile(`/reactions/[^/]+`)
	webhookPattern     = regexp.MustCompile(`^/webhooks/:id/[A-Za-z0-9-_]{64,}`)
)

// CanonicalizeRoute collapses a request path into the bucket key
// Discord groups rate limits by, per spec.md §6.2 and property #5: all
// major-param ids collapse to `:id`, regardless of resource name.
func CanonicalizeRoute(method, path string) string {
	route := majorParamPattern.ReplaceAllStringFunc(path, func(m string) string {
		sub := majorParamPattern.FindStringSubmatch(m)

		return "/" + sub[1] + "/:id"
	})

	route = reactionPattern.ReplaceAllString(route, "/reactions/:id")

	if webhookPattern.MatchString(route) {
		route = webhookPattern.ReplaceAllString(route, "/webhooks/:id/:token")
	}

	if method == "DELETE" && strings.HasSuffix(route, "/messages/:id") {
		route = method + route
	}

	return route
}

// Bucket tracks the remaining-request state for a single rate-limit
// bucket (spec.md §6.1).
type Bucket struct {
	mu sync.Mutex

	Limit     int
	Remaining int
	Reset     time.Time
}

// Wait blocks until the bucket has an available request slot,
// returning the duration it waited. Mirrors ratelimit.rs's enqueue
// bucket-side check.
func (b *Bucket) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Remaining > 0 {
		b.Remaining--

		return 0
	}

	wait := time.Until(b.Reset)
	if wait > 0 {
		time.Sleep(wait)
	} else {
		wait = 0
	}

	b.Remaining = b.Limit - 1
	if b.Remaining < 0 {
		b.Remaining = 0
	}

	return wait
}

// Update overwrites the bucket's state from response headers
// (spec.md §6.3), mirroring handle_resp's success-path bookkeeping.
func (b *Bucket) Update(limit, remaining int, reset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit > 0 {
		b.Limit = limit
	}

	b.Remaining = remaining
	b.Reset = reset
}

// DelayUntil forces the bucket empty until t, used when a 429 response
// carries a bucket-scoped retry_after.
func (b *Bucket) DelayUntil(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.Remaining = 0
	b.Reset = t
}
