// Package ratelimit gates admission-side routes with a per-owner,
// per-route-family token bucket, and persists a ban list to a JSON mirror.
//
// The token bucket itself is golang.org/x/time/rate — it already models
// exactly the "configurable refill rate and burst" shape spec.md §4.2 asks
// for, so there is no reason to hand-roll one the way the teacher's sibling
// packages hand-roll CAS or session bookkeeping (those have no comparable
// stdlib-adjacent primitive).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zynqcloud/driftbin/internal/privacy"
)

// RouteFamily groups routes that share one admission bucket.
type RouteFamily string

const (
	RouteUpload RouteFamily = "upload"
	RouteChunk  RouteFamily = "chunk"
	RouteDelete RouteFamily = "delete"
	RouteReport RouteFamily = "report"
)

// Limiter is a per-owner, per-route-family token bucket admission gate.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[bucketKey]*entry
	rate     rate.Limit
	burst    int
}

type bucketKey struct {
	owner  privacy.OwnerID
	family RouteFamily
}

type entry struct {
	limiter      *rate.Limiter
	lastTouched  time.Time
}

// New creates a Limiter where each (owner, route family) bucket refills at
// perSecond tokens/second up to burst tokens.
func New(perSecond float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[bucketKey]*entry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
	}
}

// Admit performs an atomic check-and-increment for (owner, family). It
// returns true if the request is admitted, and the number of whole seconds
// the caller should wait before retrying otherwise.
func (l *Limiter) Admit(owner privacy.OwnerID, family RouteFamily) (allowed bool, retryAfter int) {
	key := bucketKey{owner: owner, family: family}

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = e
	}
	e.lastTouched = time.Now()
	lim := e.limiter
	l.mu.Unlock()

	res := lim.Reserve()
	if !res.OK() {
		res.Cancel()
		return false, 1
	}
	delay := res.Delay()
	if delay <= 0 {
		return true, 0
	}
	// The bucket is empty right now — cancel the reservation (we are not
	// going to make the caller wait inside the request) and report denial.
	res.Cancel()
	retryAfter = int(delay / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// CompactIdle drops bucket entries untouched for longer than idleFor. Called
// periodically by the Expiration Scheduler (spec.md §4.9) so the map does
// not grow unbounded with one-shot owners.
func (l *Limiter) CompactIdle(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.buckets {
		if e.lastTouched.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len reports the current bucket count, for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
