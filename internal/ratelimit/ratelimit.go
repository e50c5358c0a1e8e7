// Package ratelimit implements per-user, per-operation-class rate limiting
// (spec §3's RateLimitBucket): generic 100/h, ai-call 50/h, tool-call 30/h,
// and a 10/min burst window, plus the Notification Sender's separate
// per-target 15/min cap. Grounded directly on the teacher's
// inMemoryRateLimiter (server/ratelimit.go) — the windowStart+count entry
// shape and the injectable `now func() time.Time` for deterministic tests
// carry over verbatim — generalized from the teacher's single global limiter
// to one limiter per operation class.
package ratelimit

import (
	"sync"
	"time"
)

// Class is an operation class with its own independent budget.
type Class string

const (
	ClassGeneric  Class = "generic"
	ClassAICall   Class = "ai_call"
	ClassToolCall Class = "tool_call"
	ClassBurst    Class = "burst"
)

type entry struct {
	windowStart time.Time
	count       int
}

// Bucket is a single max-requests-per-window limiter, identical in shape to
// the teacher's inMemoryRateLimiter.
type Bucket struct {
	mu          sync.Mutex
	requests    map[string]entry
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// NewBucket builds a Bucket. Pass nil for now to use time.Now.
func NewBucket(maxRequests int, window time.Duration, now func() time.Time) *Bucket {
	if now == nil {
		now = time.Now
	}
	return &Bucket{
		requests:    make(map[string]entry),
		maxRequests: maxRequests,
		window:      window,
		now:         now,
	}
}

// Allow reports whether key may proceed, consuming one unit of budget if so.
func (b *Bucket) Allow(key string) bool {
	if key == "" {
		return true
	}

	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.requests[key]
	if !exists || now.Sub(e.windowStart) >= b.window {
		b.requests[key] = entry{windowStart: now, count: 1}
		return true
	}

	if e.count >= b.maxRequests {
		return false
	}

	e.count++
	b.requests[key] = e
	return true
}

// Limiter groups the four operation-class buckets spec §3 names into one
// per-user rate-limiting facade.
type Limiter struct {
	buckets map[Class]*Bucket
}

// NewLimiter builds the spec-default Limiter: generic 100/h, ai-call 50/h,
// tool-call 30/h, burst 10/min.
func NewLimiter(now func() time.Time) *Limiter {
	return &Limiter{
		buckets: map[Class]*Bucket{
			ClassGeneric:  NewBucket(100, time.Hour, now),
			ClassAICall:   NewBucket(50, time.Hour, now),
			ClassToolCall: NewBucket(30, time.Hour, now),
			ClassBurst:    NewBucket(10, time.Minute, now),
		},
	}
}

// Allow checks both the named class's hourly budget and the shared burst
// window, since spec §3 lists burst as an additional per-minute ceiling
// layered on top of every class.
func (l *Limiter) Allow(class Class, userID string) bool {
	if !l.buckets[ClassBurst].Allow(userID) {
		return false
	}
	bucket, ok := l.buckets[class]
	if !ok {
		return true
	}
	return bucket.Allow(userID)
}
