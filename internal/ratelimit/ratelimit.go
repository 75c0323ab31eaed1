package ratelimit

import (
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
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// allow consumes a token if one is available at time now.
func (tb *TokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.lastUsed = now

	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens >= tb.capacity {
			tb.tokens = tb.capacity
			tb.lastRefill = now
		} else {
			// keep the fractional remainder for the next refill
			tb.lastRefill = tb.lastRefill.Add(time.Duration(float64(tokensToAdd) / float64(tb.rate) * float64(time.Second)))
		}
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter limits accepted connections globally and per client address.
// A zero rate disables the corresponding check.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perClient map[string]*TokenBucket
	connRate  int
	burstSize int
	now       func() time.Time
}

// NewLimiter creates a Limiter. burstSize below 1 is treated as 1.
func NewLimiter(globalConnRate, perClientConnRate, burstSize int) *Limiter {
	return newLimiter(globalConnRate, perClientConnRate, burstSize, time.Now)
}

func newLimiter(globalConnRate, perClientConnRate, burstSize int, now func() time.Time) *Limiter {
	if burstSize < 1 {
		burstSize = 1
	}
	l := &Limiter{
		perClient: make(map[string]*TokenBucket),
		connRate:  perClientConnRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalConnRate > 0 {
		l.global = NewTokenBucket(globalConnRate, burstSize, l.now())
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.global != nil || l.connRate > 0)
}

// AllowConnection checks whether a new connection from client may proceed.
// A nil Limiter allows everything.
func (l *Limiter) AllowConnection(client string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if l.global != nil && !l.global.allow(now) {
		return false
	}
	if l.connRate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perClient[client]
	if !ok {
		bucket = NewTokenBucket(l.connRate, l.burstSize, now)
		l.perClient[client] = bucket
	}
	l.mu.Unlock()
	return bucket.allow(now)
}

// CleanupIdle drops per-client buckets unused for longer than maxIdle and
// returns how many were removed.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for client, bucket := range l.perClient {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perClient, client)
			removed++
		}
	}
	return removed
}
