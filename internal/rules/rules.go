// Package rules implements the routing scoring engine: given a request's
// metadata and a snapshot of provider health, it produces a ranked
// candidate list a selector can walk in order (spec.md §4.5).
package rules

import (
	"math"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/cost"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
)

// Strategy selects which weighted-feature table to score candidates with.
type Strategy string

const (
	StrategyCost            Strategy = "cost"
	StrategyLatency         Strategy = "latency"
	StrategyBalanced        Strategy = "balanced"
	StrategyCapabilityFirst Strategy = "capability-first"
)

// weights holds the per-feature weight triple (price, latency, health) for
// a strategy, taken verbatim from spec.md §4.5's table. capability-first
// has no table entry in spec.md; here it adds a capability-tier feature
// (weight 0.6) layered over the balanced weights scaled down to fill the
// remaining 0.4.
type weights struct {
	price, latency, health, capability float64
}

var weightTable = map[Strategy]weights{
	StrategyCost:            {price: 0.7, latency: 0.1, health: 0.2},
	StrategyLatency:         {price: 0.1, latency: 0.7, health: 0.2},
	StrategyBalanced:        {price: 0.4, latency: 0.4, health: 0.2},
	StrategyCapabilityFirst: {price: 0.16, latency: 0.16, health: 0.08, capability: 0.6},
}

// RequestMetadata is the subset of an inbound request the rules engine
// needs to score candidates.
type RequestMetadata struct {
	ModelID  string
	Strategy Strategy
}

// RankedProvider is one scored candidate, sorted descending by Score.
type RankedProvider struct {
	ProviderID   string
	Score        float64
	CapabilityOK bool
	State        registry.ProviderState
}

// CapabilityResolver reports, for a requested model id, the ordered list of
// providers able to serve it — the primary (tier 0, index 0) first, then
// fallback-alias owners. Callers typically implement this over
// providers.ModelAliases plus providers.DefaultFallbackOrder.
type CapabilityResolver interface {
	// Tier returns the candidate's position in the capability-priority
	// order for modelID, and whether it can serve it at all.
	Tier(modelID, providerID string) (tier int, ok bool)
}

// Rank scores and sorts candidates for one request. Providers lacking
// capability to serve meta.ModelID are dropped before scoring, per
// spec.md §4.5.
func Rank(meta RequestMetadata, states []registry.ProviderState, cap CapabilityResolver) []RankedProvider {
	w, ok := weightTable[meta.Strategy]
	if !ok {
		w = weightTable[StrategyBalanced]
	}

	type candidate struct {
		state registry.ProviderState
		tier  int
		price float64
	}

	candidates := make([]candidate, 0, len(states))
	for _, s := range states {
		tier, ok := cap.Tier(meta.ModelID, s.ID)
		if !ok {
			continue
		}
		price, _ := cost.Lookup(meta.ModelID)
		candidates = append(candidates, candidate{state: s, tier: tier, price: price.InputPer1K + price.OutputPer1K})
	}
	if len(candidates) == 0 {
		return nil
	}

	minPrice, maxPrice := candidates[0].price, candidates[0].price
	minLat, maxLat := candidates[0].state.LatencyEMAMs, candidates[0].state.LatencyEMAMs
	minFails, maxFails := candidates[0].state.ConsecutiveFailures, candidates[0].state.ConsecutiveFailures
	minTier, maxTier := candidates[0].tier, candidates[0].tier
	for _, c := range candidates[1:] {
		minPrice, maxPrice = minF(minPrice, c.price), maxF(maxPrice, c.price)
		lat := c.state.LatencyEMAMs
		if !c.state.HasLatencySample {
			lat = maxLat // unknown latency treated as "no worse than the current max" until normalized
		}
		minLat, maxLat = minF(minLat, lat), maxF(maxLat, lat)
		minFails, maxFails = minI(minFails, c.state.ConsecutiveFailures), maxI(maxFails, c.state.ConsecutiveFailures)
		minTier, maxTier = minI(minTier, c.tier), maxI(maxTier, c.tier)
	}

	out := make([]RankedProvider, 0, len(candidates))
	for _, c := range candidates {
		priceScore := invNormalize(c.price, minPrice, maxPrice) // cheaper = higher

		lat := c.state.LatencyEMAMs
		if !c.state.HasLatencySample {
			lat = maxLat
		}
		latencyScore := invNormalize(lat, minLat, maxLat) // lower EMA = higher

		healthScore := invNormalize(float64(c.state.ConsecutiveFailures), float64(minFails), float64(maxFails))

		capabilityScore := invNormalize(float64(c.tier), float64(minTier), float64(maxTier))

		score := w.price*priceScore + w.latency*latencyScore + w.health*healthScore + w.capability*capabilityScore

		out = append(out, RankedProvider{
			ProviderID:   c.state.ID,
			Score:        score,
			CapabilityOK: true,
			State:        c.state,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		// Tie-break by latency EMA ascending, unknown EMA treated as +Inf
		// so a provider with no samples never wins a tie it hasn't earned.
		return tieBreakLatency(out[i].State) < tieBreakLatency(out[j].State)
	})

	return out
}

// tieBreakLatency returns a provider's latency EMA for tie-break ordering,
// or +Inf when it has no latency sample yet (spec.md §4.8: unknown EMA
// loses every tie rather than defaulting to the best score).
func tieBreakLatency(s registry.ProviderState) float64 {
	if !s.HasLatencySample {
		return math.Inf(1)
	}
	return s.LatencyEMAMs
}

// invNormalize maps v into [0,1] over [lo,hi] and inverts it, so that a
// smaller v yields a larger score. A degenerate [lo,hi] (lo==hi) scores
// every candidate 1, since there is nothing to discriminate on.
func invNormalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	norm := (v - lo) / (hi - lo)
	return 1 - norm
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minI(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxI(a, b int) int {
	if a > b {
		return a
	}
	return b
}
