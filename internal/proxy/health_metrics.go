package proxy

import (
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// Circuit breaker state values for the gateway_circuit_breaker_state gauge,
// matching the teacher's cbClosed/cbOpen/cbHalfOpen ordering.
const (
	cbStateClosed   int64 = 0
	cbStateOpen     int64 = 1
	cbStateHalfOpen int64 = 2
)

func cbStateValue(label string) int64 {
	switch label {
	case "open":
		return cbStateOpen
	case "half_open":
		return cbStateHalfOpen
	default:
		return cbStateClosed
	}
}

// instrumentedRegistry adapts a *registry.Registry to selector.Health,
// mirroring every circuit breaker transition into Prometheus the way the
// teacher's failover.go called g.metrics.SetCircuitBreaker/
// RecordCircuitBreakerRejection at each cb.Allow/State call site. Nil-safe:
// a nil metrics registry makes every call a plain passthrough to reg.
type instrumentedRegistry struct {
	reg *registry.Registry
	m   *metrics.Registry
}

func (h instrumentedRegistry) Allow(provider string) bool {
	allowed := h.reg.Allow(provider)
	if h.m == nil {
		return allowed
	}
	label := h.reg.StateLabel(provider)
	h.m.SetCircuitBreaker(provider, cbStateValue(label))
	if !allowed {
		h.m.RecordCircuitBreakerRejection(provider, label)
	}
	return allowed
}

func (h instrumentedRegistry) ReportSuccess(provider string) {
	h.reg.ReportSuccess(provider)
	if h.m != nil {
		h.m.SetCircuitBreaker(provider, cbStateValue(h.reg.StateLabel(provider)))
	}
}

func (h instrumentedRegistry) ReportError(provider string) {
	h.reg.ReportError(provider)
	if h.m != nil {
		h.m.SetCircuitBreaker(provider, cbStateValue(h.reg.StateLabel(provider)))
	}
}
