package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst capacity.
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimit configures a limiter. Zero fields take defaults.
type RateLimit struct {
	PerMinute int
	Burst     int
}

func (rl RateLimit) withDefaults(perMinute, burst int) RateLimit {
	if rl.PerMinute <= 0 {
		rl.PerMinute = perMinute
	}
	if rl.Burst <= 0 {
		rl.Burst = burst
	}
	return rl
}

// IPRateLimiter keeps one token bucket per client address. Dashboard
// upgrades and /complete calls share the bucket of their address.
type IPRateLimiter struct {
	limit    RateLimit
	buckets  map[string]*TokenBucket
	mu       sync.RWMutex
	onReject func(r *http.Request, addr string)
}

func NewIPRateLimiter(limit RateLimit) *IPRateLimiter {
	return &IPRateLimiter{
		limit:   limit.withDefaults(30, 10),
		buckets: make(map[string]*TokenBucket),
	}
}

// OnReject sets a callback run for every refused request.
func (rl *IPRateLimiter) OnReject(fn func(r *http.Request, addr string)) {
	rl.onReject = fn
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *IPRateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *IPRateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "component", "gateway", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *IPRateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap rejects requests from addresses that exhausted their bucket.
func (rl *IPRateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if !rl.bucket(addr).Allow() {
			if rl.onReject != nil {
				rl.onReject(r, addr)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *IPRateLimiter) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok = rl.buckets[key]; ok {
		return bucket
	}
	bucket = NewTokenBucket(rl.limit.PerMinute, rl.limit.Burst)
	rl.buckets[key] = bucket
	return bucket
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
