package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// BucketConfig tunes a single provider's token bucket.
type BucketConfig struct {
	Capacity    float64
	RefillPerSec float64
}

type bucket struct {
	mu             sync.Mutex
	capacity       float64
	refillPerSec   float64
	currentTokens  float64
	lastRefillTs   time.Time
}

// Decision is the result of an admission check.
type Decision struct {
	Admitted     bool
	RetryAfterMs int64
}

// TokenBucketLimiter is an in-memory, per-provider token bucket admission
// controller (spec.md §4.3). It is intentionally process-local — see
// SPEC_FULL.md §F.6 for the distributed-deployment caveat.
//
// Admission policy is fail-closed: unknown providers or non-finite config
// values are rejected rather than silently admitted. This is a deliberate
// departure from a fail-open design (documented in spec.md §9).
type TokenBucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	log     *slog.Logger
}

// New creates a TokenBucketLimiter with one bucket per entry in cfg.
func New(cfg map[string]BucketConfig, log *slog.Logger) *TokenBucketLimiter {
	if log == nil {
		log = slog.Default()
	}
	l := &TokenBucketLimiter{buckets: make(map[string]*bucket), log: log}
	now := time.Now()
	for provider, c := range cfg {
		if !(c.Capacity > 0 && c.RefillPerSec > 0) || math.IsInf(c.Capacity, 0) || math.IsInf(c.RefillPerSec, 0) {
			continue
		}
		l.buckets[provider] = &bucket{
			capacity:      c.Capacity,
			refillPerSec:  c.RefillPerSec,
			currentTokens: c.Capacity,
			lastRefillTs:  now,
		}
	}
	return l
}

// TryAcquire attempts to admit one request against provider's bucket.
// Unknown providers (never registered via New's cfg) fail closed — the
// gateway must register a bucket per configured provider at startup.
func (l *TokenBucketLimiter) TryAcquire(provider string) Decision {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if !ok {
		l.log.Warn("ratelimit_unknown_provider_denied", slog.String("provider", provider))
		return Decision{Admitted: false, RetryAfterMs: 1000}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefillTs).Seconds()
	if elapsed > 0 {
		b.currentTokens = math.Min(b.capacity, b.currentTokens+elapsed*b.refillPerSec)
		b.lastRefillTs = now
	}

	if b.currentTokens >= 1 {
		b.currentTokens--
		return Decision{Admitted: true}
	}

	deficit := 1 - b.currentTokens
	retryAfterMs := int64(math.Ceil(deficit / b.refillPerSec * 1000))
	return Decision{Admitted: false, RetryAfterMs: retryAfterMs}
}

// Remaining returns the current token count for provider (for registry
// snapshots). Unknown providers report 0.
func (l *TokenBucketLimiter) Remaining(provider string) int {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefillTs).Seconds()
	tokens := b.currentTokens
	if elapsed > 0 {
		tokens = math.Min(b.capacity, tokens+elapsed*b.refillPerSec)
	}
	return int(tokens)
}

// RegisterProvider adds (or replaces) a bucket at runtime, used when
// providers are configured dynamically after the limiter is constructed.
func (l *TokenBucketLimiter) RegisterProvider(provider string, cfg BucketConfig) {
	if !(cfg.Capacity > 0 && cfg.RefillPerSec > 0) || math.IsInf(cfg.Capacity, 0) || math.IsInf(cfg.RefillPerSec, 0) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[provider] = &bucket{
		capacity:      cfg.Capacity,
		refillPerSec:  cfg.RefillPerSec,
		currentTokens: cfg.Capacity,
		lastRefillTs:  time.Now(),
	}
}
