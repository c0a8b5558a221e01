package selector_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/rules"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
)

type retryableErr struct{}

func (retryableErr) Error() string   { return "rate limited" }
func (retryableErr) HTTPStatus() int { return 429 }

func noSleep(time.Duration) {}

func testCfg() selector.Config {
	return selector.Config{
		MaxRetries:    2,
		BaseBackoffMs: 1,
		Rng:           rand.New(rand.NewSource(1)),
		Sleep:         noSleep,
	}
}

func candidates(ids ...string) []rules.RankedProvider {
	out := make([]rules.RankedProvider, len(ids))
	for i, id := range ids {
		out[i] = rules.RankedProvider{ProviderID: id}
	}
	return out
}

func TestRunFallback_SucceedsOnFirstCandidate(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{}, nil, nil, nil)

	exec := func(_ context.Context, providerID string) (any, error) {
		return "ok:" + providerID, nil
	}

	res, err := selector.RunFallback(context.Background(), candidates("openai"), reg, exec, testCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "openai" || res.Value != "ok:openai" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("expected exactly one attempt logged, got %d", len(res.Attempts))
	}
}

func TestRunFallback_FallsOverToNextCandidateOnNonRetryableError(t *testing.T) {
	reg := registry.New([]string{"openai", "anthropic"}, registry.Config{}, nil, nil, nil)

	exec := func(_ context.Context, providerID string) (any, error) {
		if providerID == "openai" {
			return nil, errors.New("invalid request")
		}
		return "ok:" + providerID, nil
	}

	res, err := selector.RunFallback(context.Background(), candidates("openai", "anthropic"), reg, exec, testCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("expected fallback to the second candidate, got %q", res.Provider)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("expected two logged attempts (one failure, one success), got %d", len(res.Attempts))
	}
}

func TestRunFallback_RetriesRetryableErrorUpToMaxRetries(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{}, nil, nil, nil)

	calls := 0
	exec := func(_ context.Context, _ string) (any, error) {
		calls++
		return nil, retryableErr{}
	}

	cfg := testCfg()
	cfg.MaxRetries = 2

	_, err := selector.RunFallback(context.Background(), candidates("openai"), reg, exec, cfg)
	if err == nil {
		t.Fatal("expected AllFailed error when every attempt fails")
	}
	// attempt 0,1,2 = MaxRetries+1 total calls for the only candidate.
	if calls != 3 {
		t.Errorf("expected 3 calls (initial + 2 retries), got %d", calls)
	}
}

func TestRunFallback_SkipsProviderRegistryDisallows(t *testing.T) {
	reg := registry.New([]string{"openai", "anthropic"}, registry.Config{FailureThreshold: 1, BaseCooldown: time.Hour}, nil, nil, nil)
	reg.ReportError("openai") // opens the breaker for openai

	var called []string
	exec := func(_ context.Context, providerID string) (any, error) {
		called = append(called, providerID)
		return "ok:" + providerID, nil
	}

	res, err := selector.RunFallback(context.Background(), candidates("openai", "anthropic"), reg, exec, testCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "anthropic" {
		t.Errorf("expected openai to be skipped due to open breaker, got result from %q", res.Provider)
	}
	if len(called) != 1 || called[0] != "anthropic" {
		t.Errorf("expected exec to be called only for anthropic, got %v", called)
	}
}

func TestRunFallback_ReportsHealthOnSuccessAndFailure(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{FailureThreshold: 1, BaseCooldown: time.Hour}, nil, nil, nil)

	exec := func(_ context.Context, _ string) (any, error) {
		return nil, errors.New("boom")
	}
	_, _ = selector.RunFallback(context.Background(), candidates("openai"), reg, exec, selector.Config{MaxRetries: 0, Sleep: noSleep})

	if reg.StateLabel("openai") != "open" {
		t.Errorf("expected the breaker to open after a reported failure, got %q", reg.StateLabel("openai"))
	}
}

func TestRunFallback_ContextCancelledStopsImmediately(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	exec := func(_ context.Context, _ string) (any, error) {
		calls++
		return "should not run", nil
	}

	_, err := selector.RunFallback(ctx, candidates("openai"), reg, exec, testCfg())
	if err == nil {
		t.Fatal("expected an error when the context is already cancelled")
	}
	if calls != 0 {
		t.Errorf("expected exec not to be called once the context is cancelled, got %d calls", calls)
	}
}

func TestRunFallback_DeadlineFiredMidAttemptSkipsBackoffSleep(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	exec := func(_ context.Context, _ string) (any, error) {
		// Simulate the governing deadline firing during the call: the
		// context is already done by the time exec returns its error.
		cancel()
		return nil, context.DeadlineExceeded
	}

	slept := false
	cfg := testCfg()
	cfg.MaxRetries = 3
	cfg.Sleep = func(time.Duration) { slept = true }

	_, err := selector.RunFallback(ctx, candidates("openai"), reg, exec, cfg)
	if err == nil {
		t.Fatal("expected an error once every candidate is exhausted")
	}
	if slept {
		t.Error("expected no backoff sleep once the context deadline has fired")
	}
}

type fakeCapResolver struct{}

func (fakeCapResolver) Tier(_, providerID string) (int, bool) {
	return 0, true
}

func TestSelectWithFallback_NoAdmissibleProvidersReturnsNoProviders(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{FailureThreshold: 1, BaseCooldown: time.Hour}, nil, nil, nil)
	reg.ReportError("openai") // opens the breaker, making it inadmissible

	meta := rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}
	exec := func(_ context.Context, providerID string) (any, error) { return "ok", nil }

	_, err := selector.SelectWithFallback(context.Background(), meta, reg, reg, fakeCapResolver{}, exec, testCfg())
	if err == nil {
		t.Fatal("expected NoProviders error")
	}
	var ge *gatewayerr.Error
	if !errors.As(err, &ge) || ge.Kind != gatewayerr.KindNoProviders {
		t.Errorf("expected a gatewayerr.KindNoProviders error, got %v", err)
	}
}

func TestSelectWithFallback_RoutesToAdmissibleProvider(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{}, nil, nil, nil)

	meta := rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}
	exec := func(_ context.Context, providerID string) (any, error) {
		return fmt.Sprintf("served-by-%s", providerID), nil
	}

	res, err := selector.SelectWithFallback(context.Background(), meta, reg, reg, fakeCapResolver{}, exec, testCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Provider != "openai" {
		t.Errorf("expected openai to be selected, got %q", res.Provider)
	}
}

func TestSelectProvider_ReturnsBestWithoutCallingExecutor(t *testing.T) {
	reg := registry.New([]string{"openai"}, registry.Config{}, nil, nil, nil)

	meta := rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}
	best, err := selector.SelectProvider(meta, reg, fakeCapResolver{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if best.ProviderID != "openai" {
		t.Errorf("expected openai, got %q", best.ProviderID)
	}
}
