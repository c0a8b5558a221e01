package app

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// providerEmbedder adapts a providers.EmbeddingProvider into the
// semcache.Embedder interface, fixing the embedding model name so the
// semantic cache always embeds with the same model it was configured for.
type providerEmbedder struct {
	prov  providers.EmbeddingProvider
	model string
}

func (e *providerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.prov.Embed(ctx, &providers.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedder: empty embedding response for model %q", e.model)
	}
	return resp.Data[0].Embedding, nil
}

// resolveEmbedder finds a configured provider implementing EmbeddingProvider
// for the given model, preferring its owning provider per
// providers.EmbeddingModelAliases before falling back to the first
// embedding-capable provider available.
func resolveEmbedder(provs map[string]providers.Provider, model string) (*providerEmbedder, error) {
	if owner, ok := providers.EmbeddingModelAliases[model]; ok {
		if p, ok := provs[owner]; ok {
			if ep, ok := p.(providers.EmbeddingProvider); ok {
				return &providerEmbedder{prov: ep, model: model}, nil
			}
		}
	}
	for _, p := range provs {
		if ep, ok := p.(providers.EmbeddingProvider); ok {
			return &providerEmbedder{prov: ep, model: model}, nil
		}
	}
	return nil, fmt.Errorf("no configured provider supports embeddings for model %q", model)
}
