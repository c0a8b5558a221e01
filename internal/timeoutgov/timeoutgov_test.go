package timeoutgov_test

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/timeoutgov"
)

func TestResolveMs_DefaultsWhenNothingSpecified(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{DefaultMs: 30_000, MaxAllowedMs: 120_000}, nil)

	if got := r.ResolveMs("", ""); got != 30_000 {
		t.Errorf("expected default 30000ms, got %d", got)
	}
}

func TestResolveMs_HeaderOverridesDefault(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{DefaultMs: 30_000, MaxAllowedMs: 120_000}, nil)

	if got := r.ResolveMs("5000", "openai"); got != 5000 {
		t.Errorf("expected header value 5000ms, got %d", got)
	}
}

func TestResolveMs_HeaderClampedToMaxAllowed(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{DefaultMs: 30_000, MaxAllowedMs: 60_000}, nil)

	if got := r.ResolveMs("999999", ""); got != 60_000 {
		t.Errorf("expected clamp to MaxAllowedMs=60000, got %d", got)
	}
}

func TestResolveMs_ZeroNegativeAndNonNumericHeaderIgnored(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{DefaultMs: 30_000, MaxAllowedMs: 120_000}, nil)

	for _, bad := range []string{"0", "-5", "not-a-number"} {
		if got := r.ResolveMs(bad, ""); got != 30_000 {
			t.Errorf("header=%q: expected fallback to default 30000ms, got %d", bad, got)
		}
	}
}

func TestResolveMs_ProviderOverrideUsedWhenNoHeader(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{
		DefaultMs:        30_000,
		MaxAllowedMs:     120_000,
		ProviderOverride: map[string]int64{"bedrock": 45_000},
	}, nil)

	if got := r.ResolveMs("", "bedrock"); got != 45_000 {
		t.Errorf("expected the provider override 45000ms, got %d", got)
	}
	if got := r.ResolveMs("", "openai"); got != 30_000 {
		t.Errorf("expected the default for a provider without an override, got %d", got)
	}
}

func TestResolveMs_ProviderOverrideSkippedWhenProviderUnknown(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{
		DefaultMs:        30_000,
		MaxAllowedMs:     120_000,
		ProviderOverride: map[string]int64{"bedrock": 45_000},
	}, nil)

	if got := r.ResolveMs("", ""); got != 30_000 {
		t.Errorf("expected default when provider is empty, got %d", got)
	}
}

func TestResolveMs_ZeroConfigFallsBackToPackageDefaults(t *testing.T) {
	r := timeoutgov.New(timeoutgov.Config{}, nil)

	if got := r.ResolveMs("", ""); got != 30_000 {
		t.Errorf("expected package default of 30000ms, got %d", got)
	}
}

func TestInstall_TokenFiresAfterDeadline(t *testing.T) {
	tok := timeoutgov.Install(context.Background(), 10)
	defer tok.Clear()

	time.Sleep(30 * time.Millisecond)

	if !tok.Fired() {
		t.Error("expected Fired()=true after the deadline elapses")
	}
	select {
	case <-tok.Context().Done():
	default:
		t.Error("expected the token's context to be done after the deadline")
	}
}

func TestInstall_TokenNotFiredBeforeDeadline(t *testing.T) {
	tok := timeoutgov.Install(context.Background(), 5000)
	defer tok.Clear()

	if tok.Fired() {
		t.Error("expected Fired()=false immediately after Install with a long deadline")
	}
}

func TestCancelOnDisconnect_CancelsContextWhenSignaled(t *testing.T) {
	tok := timeoutgov.Install(context.Background(), 5000)
	defer tok.Clear()

	disconnected := make(chan struct{})
	tok.CancelOnDisconnect(disconnected)
	close(disconnected)

	select {
	case <-tok.Context().Done():
	case <-time.After(time.Second):
		t.Error("expected the context to be cancelled promptly after disconnect")
	}
}

func TestClear_ReleasesContextWithoutFiringTimeout(t *testing.T) {
	tok := timeoutgov.Install(context.Background(), 5000)
	tok.Clear()

	select {
	case <-tok.Context().Done():
	default:
		t.Error("expected Clear to cancel the context immediately")
	}
	if tok.Context().Err() == context.DeadlineExceeded {
		t.Error("expected Clear's cancellation, not a deadline-exceeded error")
	}
}
