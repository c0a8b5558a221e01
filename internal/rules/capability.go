package rules

import "github.com/nulpointcorp/llm-gateway/internal/providers"

// FallbackCapability implements CapabilityResolver the same way the
// teacher's buildCandidateList (internal/proxy/failover.go) builds its
// candidate list: the provider owning modelID (via
// providers.ModelAliases, falling back to "openai") is tier 0, every
// other provider in providers.DefaultFallbackOrder is tier 1, 2, … in
// order, and providers outside both sets are dropped as incapable.
type FallbackCapability struct{}

// Tier returns providerID's position for modelID: 0 for the owning
// provider, its index+1 in DefaultFallbackOrder otherwise, and ok=false
// if providerID appears in neither.
func (FallbackCapability) Tier(modelID, providerID string) (int, bool) {
	owner := resolveOwner(modelID)
	if providerID == owner {
		return 0, true
	}
	for i, name := range providers.DefaultFallbackOrder {
		if name == providerID && name != owner {
			return i + 1, true
		}
	}
	return 0, false
}

func resolveOwner(modelID string) string {
	if owner, ok := providers.ModelAliases[modelID]; ok {
		return owner
	}
	return "openai"
}
