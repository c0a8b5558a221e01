package rules_test

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/rules"
)

// tierMap is a CapabilityResolver over a fixed provider->tier table, with
// providers absent from the map treated as incapable of serving the model.
type tierMap map[string]int

func (m tierMap) Tier(_ string, providerID string) (int, bool) {
	tier, ok := m[providerID]
	return tier, ok
}

func TestRank_DropsIncapableProviders(t *testing.T) {
	states := []registry.ProviderState{
		{ID: "openai", Enabled: true, Available: true, RateLimitRemaining: 1},
		{ID: "anthropic", Enabled: true, Available: true, RateLimitRemaining: 1},
	}
	cap := tierMap{"openai": 0}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}, states, cap)

	if len(ranked) != 1 {
		t.Fatalf("expected exactly one capable candidate, got %d", len(ranked))
	}
	if ranked[0].ProviderID != "openai" {
		t.Errorf("expected openai to survive capability filtering, got %q", ranked[0].ProviderID)
	}
}

func TestRank_NoCapableCandidatesReturnsNil(t *testing.T) {
	states := []registry.ProviderState{
		{ID: "openai", Enabled: true, Available: true, RateLimitRemaining: 1},
	}
	cap := tierMap{}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}, states, cap)

	if ranked != nil {
		t.Errorf("expected nil when no candidate has a capability tier, got %+v", ranked)
	}
}

func TestRank_EqualPriceCandidatesFallBackToLatencyUnderCostStrategy(t *testing.T) {
	// cost.Lookup is keyed by modelID, so every candidate in a single Rank
	// call shares one price; price never discriminates within a call and
	// invNormalize's degenerate branch scores every candidate 1. The cost
	// strategy should still separate candidates by its remaining weight
	// (latency/health), which this asserts.
	states := []registry.ProviderState{
		{ID: "slower", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 400, HasLatencySample: true},
		{ID: "faster", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 20, HasLatencySample: true},
	}
	cap := tierMap{"slower": 0, "faster": 0}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o-mini", Strategy: rules.StrategyCost}, states, cap)
	if len(ranked) != 2 {
		t.Fatalf("expected both candidates ranked, got %d", len(ranked))
	}
	if ranked[0].ProviderID != "faster" {
		t.Errorf("expected the lower-latency provider to win once price is a tie, got %q", ranked[0].ProviderID)
	}
}

func TestRank_CapabilityFirstWeightsTierHeavily(t *testing.T) {
	states := []registry.ProviderState{
		{ID: "primary", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 500, HasLatencySample: true},
		{ID: "fallback", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 10, HasLatencySample: true},
	}
	cap := tierMap{"primary": 0, "fallback": 1}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyCapabilityFirst}, states, cap)

	if len(ranked) != 2 {
		t.Fatalf("expected two ranked candidates, got %d", len(ranked))
	}
	if ranked[0].ProviderID != "primary" {
		t.Errorf("expected capability-first strategy to rank the lower-tier (primary) provider first despite worse latency, got %q", ranked[0].ProviderID)
	}
}

func TestRank_UnhealthyProviderScoresLower(t *testing.T) {
	states := []registry.ProviderState{
		{ID: "healthy", Enabled: true, Available: true, RateLimitRemaining: 1, ConsecutiveFailures: 0, LatencyEMAMs: 100, HasLatencySample: true},
		{ID: "flaky", Enabled: true, Available: true, RateLimitRemaining: 1, ConsecutiveFailures: 4, LatencyEMAMs: 100, HasLatencySample: true},
	}
	cap := tierMap{"healthy": 0, "flaky": 0}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}, states, cap)

	if ranked[0].ProviderID != "healthy" {
		t.Errorf("expected the provider with fewer consecutive failures to rank first, got %q", ranked[0].ProviderID)
	}
}

func TestRank_UnknownStrategyFallsBackToBalanced(t *testing.T) {
	states := []registry.ProviderState{
		{ID: "openai", Enabled: true, Available: true, RateLimitRemaining: 1},
	}
	cap := tierMap{"openai": 0}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: "nonsense"}, states, cap)

	if len(ranked) != 1 {
		t.Fatalf("expected one ranked candidate even with an unrecognized strategy, got %d", len(ranked))
	}
}

func TestRank_LatencyStrategyPrefersLowerEMA(t *testing.T) {
	states := []registry.ProviderState{
		{ID: "slower", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 300, HasLatencySample: true},
		{ID: "faster", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 50, HasLatencySample: true},
	}
	cap := tierMap{"slower": 0, "faster": 0}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyLatency}, states, cap)

	if ranked[0].ProviderID != "faster" {
		t.Errorf("expected the lower-latency provider to rank first under the latency strategy, got %q", ranked[0].ProviderID)
	}
}

func TestRank_TieBreakTreatsNoLatencySampleAsWorstCase(t *testing.T) {
	// Identical price (same model), tier, and failure counts force an
	// exact score tie between the two candidates, isolating the
	// tie-break comparator itself. "unknown" carries no latency sample
	// and must lose the tie rather than win it by defaulting to 0ms.
	states := []registry.ProviderState{
		{ID: "unknown", Enabled: true, Available: true, RateLimitRemaining: 1, HasLatencySample: false},
		{ID: "known", Enabled: true, Available: true, RateLimitRemaining: 1, LatencyEMAMs: 100, HasLatencySample: true},
	}
	cap := tierMap{"unknown": 0, "known": 0}

	ranked := rules.Rank(rules.RequestMetadata{ModelID: "gpt-4o", Strategy: rules.StrategyBalanced}, states, cap)

	if ranked[0].ProviderID != "known" {
		t.Errorf("expected the provider with a real latency sample to win the tie, got %q", ranked[0].ProviderID)
	}
}
