// Package gatewayerr defines the gateway's error taxonomy as a closed set
// of kinds with a fixed HTTP status mapping, replacing the ad-hoc
// instanceof-style checks the teacher's handleProviderError performed
// directly against provider errors (internal/proxy/gateway.go).
package gatewayerr

import (
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind is the closed set of gateway-level error categories.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindTimeout      Kind = "timeout"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream"
	KindNoProviders  Kind = "no_providers"
	KindAllFailed    Kind = "all_failed"
	KindInternal     Kind = "internal"
)

// Attempt records one fallback-handler attempt for diagnostics, mirrored
// from spec.md §4.7's attempt log.
type Attempt struct {
	Provider string
	Attempt  int
	Err      error
	Retried  bool
}

// Error is the gateway's structured error type. Every error that reaches
// the HTTP layer is (or wraps) one of these.
type Error struct {
	Kind           Kind
	Message        string
	ProviderStatus int       // set for KindUpstream: the upstream's own HTTP status
	RetryAfterSec  int       // set for KindRateLimited / 429 upstream passthrough
	Attempts       []Attempt // set for KindAllFailed
	Cause          error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error's Kind to a response status, per spec.md's
// per-kind mapping (validation->400, timeout->408, rate_limited->429,
// upstream->502/429 passthrough, no_providers/all_failed->503,
// internal->500).
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return fasthttp.StatusBadRequest
	case KindTimeout:
		// The Timeout Governor's own deadline firing maps to 408, distinct
		// from an upstream provider timeout (which surfaces as a
		// KindUpstream 502/429 passthrough instead).
		return fasthttp.StatusRequestTimeout
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstream:
		if e.ProviderStatus == fasthttp.StatusTooManyRequests {
			return fasthttp.StatusTooManyRequests
		}
		if e.ProviderStatus >= 500 && e.ProviderStatus < 600 {
			return fasthttp.StatusBadGateway
		}
		return fasthttp.StatusBadGateway
	case KindNoProviders, KindAllFailed:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Validation builds a KindValidation error.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Timeout builds a KindTimeout error for the given provider/timeout.
func Timeout(provider string, timeoutMs int64) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("provider %q exceeded %dms timeout", provider, timeoutMs),
	}
}

// RateLimited builds a KindRateLimited error.
func RateLimited(retryAfterSec int) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfterSec: retryAfterSec}
}

// Upstream wraps a provider-originated error, carrying its HTTP status.
func Upstream(providerStatus int, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: "upstream provider error", ProviderStatus: providerStatus, Cause: cause}
}

// NoProviders builds a KindNoProviders error: the admissible candidate set
// was empty before any attempt was made.
func NoProviders(modelID string) *Error {
	return &Error{Kind: KindNoProviders, Message: fmt.Sprintf("no admissible provider for model %q", modelID)}
}

// AllFailed builds a KindAllFailed error carrying the full attempt log.
func AllFailed(attempts []Attempt) *Error {
	return &Error{Kind: KindAllFailed, Message: "all candidate providers failed", Attempts: attempts}
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}
