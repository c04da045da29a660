package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// refill must be called with mu held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Full reports whether the bucket has refilled to capacity.
func (tb *TokenBucket) Full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens >= tb.capacity
}

// Admission limits how fast new flows are created, globally and per source
// IP. A zero rate disables that limit.
type Admission struct {
	mu     sync.Mutex
	global *TokenBucket
	perIP  map[netip.Addr]*TokenBucket
	ipRate int
	burst  int
	now    func() time.Time

	// maxTracked bounds perIP; new sources are refused while it is full of
	// buckets that have not refilled.
	maxTracked int
}

// DefaultMaxTracked is the number of per-IP buckets an Admission holds.
const DefaultMaxTracked = 4096

// NewAdmission returns nil when both limits are disabled.
func NewAdmission(globalRate, perIPRate, burst int) *Admission {
	return newAdmission(globalRate, perIPRate, burst, time.Now)
}

func newAdmission(globalRate, perIPRate, burst int, now func() time.Time) *Admission {
	if globalRate <= 0 && perIPRate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	a := &Admission{
		perIP:      make(map[netip.Addr]*TokenBucket),
		ipRate:     perIPRate,
		burst:      burst,
		now:        now,
		maxTracked: DefaultMaxTracked,
	}
	if globalRate > 0 {
		a.global = newTokenBucket(globalRate, burst, now)
	}
	return a
}

// Allow checks the global limit first, then the bucket of ip.
func (a *Admission) Allow(ip netip.Addr) bool {
	if a.global != nil && !a.global.Allow() {
		return false
	}
	if a.ipRate <= 0 {
		return true
	}
	ip = ip.Unmap()
	a.mu.Lock()
	bucket, exists := a.perIP[ip]
	if !exists {
		if len(a.perIP) >= a.maxTracked {
			a.pruneLocked()
		}
		if len(a.perIP) >= a.maxTracked {
			a.mu.Unlock()
			return false
		}
		bucket = newTokenBucket(a.ipRate, a.burst, a.now)
		a.perIP[ip] = bucket
	}
	a.mu.Unlock()

	return bucket.Allow()
}

// Prune drops per-IP buckets that have refilled; a full bucket behaves
// exactly like a missing one.
func (a *Admission) Prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
}

func (a *Admission) pruneLocked() {
	for ip, bucket := range a.perIP {
		if bucket.Full() {
			delete(a.perIP, ip)
		}
	}
}

// Tracked is the number of per-IP buckets held.
func (a *Admission) Tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.perIP)
}
