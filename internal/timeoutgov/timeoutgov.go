// Package timeoutgov resolves the effective per-request deadline and
// installs a cancellation token for it (spec.md §4.9). Grounded on the
// teacher's context-deadline idiom used throughout internal/proxy (every
// provider call already takes a context with a timeout attached); this
// package centralizes deadline *resolution* so the header override,
// per-provider override, and configured default live in one place instead
// of being re-derived at each call site.
package timeoutgov

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Resolver resolves the effective timeout for a request in priority
// order: per-request header, per-provider override, configured default.
type Resolver struct {
	maxAllowedMs     int64
	defaultMs        int64
	providerOverride map[string]int64
	log              *slog.Logger
}

// Config tunes a Resolver.
type Config struct {
	MaxAllowedMs     int64
	DefaultMs        int64
	ProviderOverride map[string]int64
}

// New constructs a Resolver. Zero MaxAllowedMs/DefaultMs fall back to
// 120_000ms / 30_000ms respectively, matching spec.md §6's example
// defaults.
func New(cfg Config, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	maxMs := cfg.MaxAllowedMs
	if maxMs <= 0 {
		maxMs = 120_000
	}
	defMs := cfg.DefaultMs
	if defMs <= 0 {
		defMs = 30_000
	}
	return &Resolver{maxAllowedMs: maxMs, defaultMs: defMs, providerOverride: cfg.ProviderOverride, log: log}
}

// ResolveMs returns the effective timeout in milliseconds for a request.
// headerValue is the raw X-Timeout-Ms header text (empty if absent).
// provider is the resolved provider id, or "" if detection failed — in
// which case the per-provider override step is skipped per spec.md §4.9.
func (r *Resolver) ResolveMs(headerValue, provider string) int64 {
	if headerValue != "" {
		if ms, ok := parsePositiveInt(headerValue); ok {
			if ms > r.maxAllowedMs {
				return r.maxAllowedMs
			}
			return ms
		}
		r.log.Warn("timeout_header_ignored", slog.String("value", headerValue))
	}

	if provider != "" {
		if ms, ok := r.providerOverride[provider]; ok && ms > 0 {
			if ms > r.maxAllowedMs {
				return r.maxAllowedMs
			}
			return ms
		}
	}

	return r.defaultMs
}

// parsePositiveInt parses s as a base-10 integer and reports success only
// for values in [1, max int64] — zero, negative, and non-numeric values
// are all rejected so the caller falls back to a default, per spec.md
// §8's boundary behaviors (`X-Timeout-Ms: 0`, negative, non-numeric all
// ignored with a warning).
func parsePositiveInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// Token is a per-request cancellation handle. It is never shared across
// requests (spec.md §5).
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Install derives a context from parent with a deadline effectiveMs
// milliseconds out, returning a Token the caller must Clear() on every
// exit path (success, failure, or timeout) to release the scheduled
// abort.
func Install(parent context.Context, effectiveMs int64) *Token {
	ctx, cancel := context.WithTimeout(parent, time.Duration(effectiveMs)*time.Millisecond)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context returns the token's cancellation-bearing context, to be
// threaded into every suspension point of the fallback executor.
func (t *Token) Context() context.Context { return t.ctx }

// Fired reports whether the token's deadline has already elapsed.
func (t *Token) Fired() bool {
	select {
	case <-t.ctx.Done():
		return t.ctx.Err() == context.DeadlineExceeded
	default:
		return false
	}
}

// CancelOnDisconnect links an external disconnect signal (closed when the
// client goes away) to this token, so in-flight upstream work aborts and
// stops billing further tokens — the gap spec.md §5/§9 calls out in the
// teacher's original behavior.
func (t *Token) CancelOnDisconnect(disconnected <-chan struct{}) {
	go func() {
		select {
		case <-disconnected:
			t.cancel()
		case <-t.ctx.Done():
		}
	}()
}

// Clear releases the scheduled abort. Must be called on every exit path.
func (t *Token) Clear() {
	t.cancel()
}
