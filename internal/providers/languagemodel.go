package providers

import "context"

// Chunk is a single streamed token delivered by a LanguageModel.
type Chunk struct {
	Content      string
	FinishReason string
}

// UsageFuture resolves the token usage for a streaming call. It must not
// be called until the chunk channel has been fully drained; calling it
// earlier blocks until the stream completes.
type UsageFuture func() (Usage, error)

// LanguageModel is the abstraction the selector's Executor calls through:
// generate and stream only, per spec.md §9's "abstract provider SDKs"
// redesign note. Concrete provider adapters (openai, anthropic, gemini,
// ...) live outside this package and are never referenced by selector or
// rules.
type LanguageModel interface {
	Generate(ctx context.Context, req *ProxyRequest) (text string, usage Usage, err error)
	// Stream returns the chunk channel immediately alongside a usage
	// future; dispatch awaits the future only after the final chunk has
	// been emitted, per the two-phase streaming-usage contract in
	// spec.md §9.
	Stream(ctx context.Context, req *ProxyRequest) (<-chan Chunk, UsageFuture, error)
}

// adaptedModel wraps an existing Provider as a LanguageModel, so every
// concrete provider package (openai, anthropic, gemini, mistral, ...)
// keeps its current Provider implementation unchanged.
type adaptedModel struct {
	p Provider
}

// AsLanguageModel adapts p to the LanguageModel capability.
func AsLanguageModel(p Provider) LanguageModel {
	return &adaptedModel{p: p}
}

func (a *adaptedModel) Generate(ctx context.Context, req *ProxyRequest) (string, Usage, error) {
	r := *req
	r.Stream = false
	resp, err := a.p.Request(ctx, &r)
	if err != nil {
		return "", Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

func (a *adaptedModel) Stream(ctx context.Context, req *ProxyRequest) (<-chan Chunk, UsageFuture, error) {
	r := *req
	r.Stream = true
	resp, err := a.p.Request(ctx, &r)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Chunk)
	done := make(chan struct{})
	var finalUsage Usage

	go func() {
		defer close(out)
		var chars int
		for sc := range resp.Stream {
			chars += len(sc.Content)
			out <- Chunk{Content: sc.Content, FinishReason: sc.FinishReason}
		}
		finalUsage = resp.Usage
		if finalUsage.OutputTokens == 0 {
			// Estimate ~4 characters per token when the provider doesn't
			// report usage on the stream itself.
			finalUsage.OutputTokens = chars / 4
			if finalUsage.OutputTokens == 0 && chars > 0 {
				finalUsage.OutputTokens = 1
			}
		}
		close(done)
	}()

	future := func() (Usage, error) {
		<-done
		return finalUsage, nil
	}

	return out, future, nil
}
