// Package selector implements the fallback handler and model selector
// (spec.md §4.7, §4.8), generalizing the teacher's
// internal/proxy/failover.go requestWithFailover into an injectable
// Executor over a pre-ranked candidate list produced by internal/rules.
package selector

import (
	"context"
	"math/rand"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/retry"
	"github.com/nulpointcorp/llm-gateway/internal/rules"
)

// Executor performs one attempt against a provider. Streaming callers must
// not commit any bytes to the client before returning successfully — once
// committed, failover to the next candidate is impossible (spec.md §4.7).
type Executor func(ctx context.Context, providerID string) (result any, err error)

// Health is the subset of registry.Registry the selector needs, isolated
// for testability.
type Health interface {
	Allow(provider string) bool
	ReportSuccess(provider string)
	ReportError(provider string)
}

// Config tunes retry/backoff behavior.
type Config struct {
	MaxRetries  int
	BaseBackoffMs int64
	Rng         *rand.Rand
	Sleep       func(time.Duration) // overridable for tests; defaults to time.Sleep
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

func (c Config) baseBackoffMs() int64 {
	if c.BaseBackoffMs > 0 {
		return c.BaseBackoffMs
	}
	return 250
}

func (c Config) sleep() func(time.Duration) {
	if c.Sleep != nil {
		return c.Sleep
	}
	return time.Sleep
}

// Result carries the winning provider's output alongside the full attempt
// log, for callers that want to record metrics/cost regardless of outcome.
type Result struct {
	Value    any
	Provider string
	Attempts []gatewayerr.Attempt
}

// RunFallback walks candidates in order, retrying each up to
// cfg.maxRetries() times with full-jitter backoff, skipping candidates the
// health registry currently disallows (circuit open). It implements the
// pseudocode in spec.md §4.7 verbatim, including the exactly-once attempt
// log contract.
func RunFallback(ctx context.Context, candidates []rules.RankedProvider, health Health, exec Executor, cfg Config) (Result, error) {
	var attempts []gatewayerr.Attempt

	for _, c := range candidates {
		if health != nil && !health.Allow(c.ProviderID) {
			continue
		}

		for attempt := 0; attempt <= cfg.maxRetries(); attempt++ {
			if err := ctx.Err(); err != nil {
				return Result{Attempts: attempts}, gatewayerr.AllFailed(attempts)
			}

			val, err := exec(ctx, c.ProviderID)
			if err == nil {
				attempts = append(attempts, gatewayerr.Attempt{Provider: c.ProviderID, Attempt: attempt})
				if health != nil {
					health.ReportSuccess(c.ProviderID)
				}
				return Result{Value: val, Provider: c.ProviderID, Attempts: attempts}, nil
			}

			if ctx.Err() != nil {
				// The governing deadline (or an upstream cancellation) fired
				// during this attempt: short-circuit without sleeping a
				// backoff delay the caller will never see the result of.
				attempts = append(attempts, gatewayerr.Attempt{Provider: c.ProviderID, Attempt: attempt, Err: err})
				if health != nil {
					health.ReportError(c.ProviderID)
				}
				return Result{Attempts: attempts}, gatewayerr.AllFailed(attempts)
			}

			retryable := retry.IsRetryable(err) && attempt < cfg.maxRetries()
			attempts = append(attempts, gatewayerr.Attempt{Provider: c.ProviderID, Attempt: attempt, Err: err, Retried: retryable})
			if health != nil {
				health.ReportError(c.ProviderID)
			}

			if !retryable {
				break
			}

			delayMs := retry.Backoff(attempt, cfg.baseBackoffMs(), cfg.Rng)
			cfg.sleep()(time.Duration(delayMs) * time.Millisecond)
		}
	}

	return Result{Attempts: attempts}, gatewayerr.AllFailed(attempts)
}

// SelectProvider implements spec.md §4.8 steps 1-6: snapshot, rank, filter
// by admissibility, and return the single best candidate without
// attempting a call.
func SelectProvider(meta rules.RequestMetadata, reg *registry.Registry, cap rules.CapabilityResolver) (rules.RankedProvider, error) {
	states := reg.Snapshot()
	ranked := rules.Rank(meta, states, cap)

	admissible := make([]rules.RankedProvider, 0, len(ranked))
	for _, r := range ranked {
		if r.State.Admissible() {
			admissible = append(admissible, r)
		}
	}

	if len(admissible) == 0 {
		return rules.RankedProvider{}, gatewayerr.NoProviders(meta.ModelID)
	}

	return admissible[0], nil
}

// SelectWithFallback implements spec.md §4.8's selectWithFallback: builds
// the ranked-and-filtered candidate list once, then drives RunFallback
// over it so health state updates are visible to later candidates in the
// same call. health receives the Allow/ReportSuccess/ReportError calls
// RunFallback makes; callers that want those mirrored into metrics (or
// otherwise intercepted) pass a decorator here instead of reg itself —
// reg is still used directly for the Snapshot that drives ranking.
func SelectWithFallback(ctx context.Context, meta rules.RequestMetadata, reg *registry.Registry, health Health, cap rules.CapabilityResolver, exec Executor, cfg Config) (Result, error) {
	states := reg.Snapshot()
	ranked := rules.Rank(meta, states, cap)

	admissible := make([]rules.RankedProvider, 0, len(ranked))
	for _, r := range ranked {
		if r.State.Admissible() {
			admissible = append(admissible, r)
		}
	}

	if len(admissible) == 0 {
		return Result{}, gatewayerr.NoProviders(meta.ModelID)
	}

	return RunFallback(ctx, admissible, health, exec, cfg)
}
