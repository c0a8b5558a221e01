// Package retry classifies upstream errors as retryable and computes
// full-jitter backoff delays (spec.md §4.6), generalized from the
// teacher's internal/proxy/failover.go isRetryable/classifyError helpers.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const backoffCapMs = 10_000

// transientPhrases are well-known substrings of transient network errors
// that don't carry a StatusCoder, mirrored from the teacher's
// classifyError heuristics.
var transientPhrases = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"socket hang up",
	"network",
	"fetch failed",
	"abort",
}

// IsRetryable reports whether err should trigger another attempt, per the
// decision table in spec.md §4.6: an upstream error carrying a status is
// retryable iff 429 or >=500; context deadline exceeded counts as a
// retryable timeout; anything else falls back to a transient-phrase scan
// of the error text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return status == 429 || status >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Backoff returns a full-jitter delay in milliseconds for the given
// 0-indexed attempt: uniform(0, min(cap, baseMs*2^attempt)). Full jitter
// (rather than decorrelated jitter) is specified so concurrent failing
// requests don't retry in lockstep.
func Backoff(attempt int, baseMs int64, rng *rand.Rand) int64 {
	if baseMs <= 0 {
		baseMs = 1
	}
	ceiling := baseMs
	for i := 0; i < attempt; i++ {
		if ceiling > backoffCapMs {
			ceiling = backoffCapMs
			break
		}
		ceiling *= 2
	}
	if ceiling > backoffCapMs {
		ceiling = backoffCapMs
	}
	if ceiling <= 0 {
		return 0
	}
	if rng != nil {
		return rng.Int63n(ceiling + 1)
	}
	return rand.Int63n(ceiling + 1)
}
