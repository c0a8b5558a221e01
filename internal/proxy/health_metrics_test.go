package proxy

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

func TestCBStateValue_MapsLabelsToTeacherOrdering(t *testing.T) {
	cases := map[string]int64{
		"closed":    cbStateClosed,
		"open":      cbStateOpen,
		"half_open": cbStateHalfOpen,
		"bogus":     cbStateClosed,
	}
	for label, want := range cases {
		if got := cbStateValue(label); got != want {
			t.Errorf("cbStateValue(%q) = %d, want %d", label, got, want)
		}
	}
}

func TestInstrumentedRegistry_NilMetricsPassesThroughToRegistry(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{FailureThreshold: 1, BaseCooldown: time.Hour}, nil, nil, nil)
	h := instrumentedRegistry{reg: reg, m: nil}

	if !h.Allow("openai") {
		t.Fatal("expected Allow=true before any failure")
	}
	h.ReportError("openai")
	if reg.StateLabel("openai") != "open" {
		t.Fatalf("expected breaker to open after ReportError, got %q", reg.StateLabel("openai"))
	}
	if h.Allow("openai") {
		t.Error("expected Allow=false once the breaker is open")
	}
}

func TestInstrumentedRegistry_MirrorsTransitionsIntoMetrics(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{FailureThreshold: 1, BaseCooldown: time.Hour}, nil, nil, nil)
	m := metrics.New()
	h := instrumentedRegistry{reg: reg, m: m}

	if !h.Allow("openai") {
		t.Fatal("expected Allow=true before any failure")
	}
	h.ReportError("openai")
	if h.Allow("openai") {
		t.Error("expected Allow=false once the breaker trips open")
	}
	h.ReportSuccess("openai")
	if reg.StateLabel("openai") != "closed" {
		t.Errorf("expected breaker to reset to closed after ReportSuccess, got %q", reg.StateLabel("openai"))
	}
}
