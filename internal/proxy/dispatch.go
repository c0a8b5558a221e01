package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/rules"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/timeoutgov"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// tokenBucketDenied reports a local rate-limit admission denial (spec.md
// §4.3). It implements providers.StatusCoder as 429 so retry.IsRetryable
// treats it the same as an upstream rate-limit response: retryable with
// backoff, up to the selector's configured attempt limit.
type tokenBucketDenied struct {
	provider     string
	retryAfterMs int64
}

func (e *tokenBucketDenied) Error() string {
	return fmt.Sprintf("provider %q: rate limit bucket exhausted, retry after %dms", e.provider, e.retryAfterMs)
}

func (e *tokenBucketDenied) HTTPStatus() int { return fasthttp.StatusTooManyRequests }

// genResult is what the routed executor returns for a non-streaming call.
type genResult struct {
	provider string
	text     string
	usage    providers.Usage
	elapsed  time.Duration
}

// streamResult is what the routed executor returns once it has confirmed
// the stream produced at least one chunk — the point past which failover
// is no longer possible (spec.md §4.7).
type streamResult struct {
	provider    string
	first       providers.Chunk
	rest        <-chan providers.Chunk
	usageFuture providers.UsageFuture
	startedAt   time.Time
}

// dispatchChatRouted is the spec.md §4.11-driven chat dispatch: cache
// lookup (exact, then semantic), timeout-governed deadline, selector-based
// routing with fallback, SSE or JSON response, and cost/latency recording.
func (g *Gateway) dispatchChatRouted(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteGatewayError(ctx, gatewayerr.Validation(fmt.Sprintf("invalid JSON: %s", err.Error())))
		return
	}
	if req.Model == "" {
		apierr.WriteGatewayError(ctx, gatewayerr.Validation("field 'model' is required"))
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteGatewayError(ctx, gatewayerr.Validation("field 'messages' must be non-empty"))
		return
	}

	if len(g.providers) == 0 {
		apierr.WriteGatewayError(ctx, gatewayerr.NoProviders(req.Model))
		return
	}

	// Global ingress rate limit (spec.md §C), layered in front of the
	// per-provider token buckets consulted later in buildExecutor.
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteGatewayError(ctx, gatewayerr.RateLimited(60))
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
	}

	skipCache := strings.EqualFold(string(ctx.Request.Header.Peek("X-Skip-Cache")), "true")
	cacheEligible := !req.Stream && !skipCache && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))

	cacheKey := ""
	if cacheEligible {
		cacheKey = buildCacheKey(proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			g.serveCachedChat(ctx, reqID, req.Model, start, cachedBody)
			cacheLabel, cached, respBytes = "hit", true, len(cachedBody)
			return
		}

		if g.semCache != nil {
			scopedModel := cacheScopeKey(req.Model, proxyReq)
			queryText := semanticQueryText(msgs)
			if res, err := g.semCache.Lookup(ctx, queryText, scopedModel); err == nil && res.Hit {
				body := buildCachedEnvelope(req.Model, res.Response)
				g.serveCachedChat(ctx, reqID, req.Model, start, body)
				cacheLabel, cached, respBytes = "hit", true, len(body)
				return
			} else if err != nil {
				g.log.WarnContext(ctx, "semcache_lookup_error", slog.String("error", err.Error()))
			}
		}
		cacheLabel = "miss"
	}

	primary := resolveProvider(req.Model)
	timeoutHeader := string(ctx.Request.Header.Peek("X-Timeout-Ms"))
	effectiveMs := g.timeouts.ResolveMs(timeoutHeader, primary)
	token := timeoutgov.Install(ctx, effectiveMs)
	defer token.Clear()

	meta := rules.RequestMetadata{ModelID: req.Model, Strategy: g.strategy}

	exec := g.buildExecutor(proxyReq, reqID)

	health := instrumentedRegistry{reg: g.reg, m: g.metrics}
	result, err := selector.SelectWithFallback(token.Context(), meta, g.reg, health, g.cap, exec, g.selCfg)
	if err != nil {
		g.handleRoutedError(ctx, err, token, primary, effectiveMs, reqID, req.Model, start)
		return
	}

	switch v := result.Value.(type) {
	case *streamResult:
		streaming = true
		servedProvider = v.provider
		g.writeRoutedSSE(ctx, v, reqID, req.Model, start, route, reqBytes)
		return

	case *genResult:
		servedProvider = v.provider
		if g.lat != nil {
			g.lat.RecordLatency(v.provider, req.Model, v.elapsed.Milliseconds(), v.elapsed.Milliseconds(), true)
		}

		body, costUSD := g.buildChatEnvelopeAndCost(req.Model, v)
		inputTokens, outputTokens = v.usage.InputTokens, v.usage.OutputTokens
		if g.metrics != nil {
			g.metrics.AddCost(v.provider, req.Model, costUSD)
		}

		if cacheEligible {
			if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err == nil && g.metrics != nil {
				g.metrics.CacheSetOK()
			}
			if g.semCache != nil && v.text != "" {
				scopedModel := cacheScopeKey(req.Model, proxyReq)
				if err := g.semCache.Store(ctx, semanticQueryText(msgs), scopedModel, v.text); err != nil {
					g.log.WarnContext(ctx, "semcache_store_error", slog.String("error", err.Error()))
				}
			}
		}

		g.logRequest(reqID, v.provider, req.Model, v.usage.InputTokens, v.usage.OutputTokens,
			time.Since(start), fasthttp.StatusOK, false)

		ctx.Response.Header.Set("X-Cache", xCacheMISS)
		ctx.Response.Header.Set("x-cost-usd", fmt.Sprintf("%.8f", costUSD))
		ctx.Response.Header.Set("x-input-tokens", fmt.Sprintf("%d", v.usage.InputTokens))
		ctx.Response.Header.Set("x-output-tokens", fmt.Sprintf("%d", v.usage.OutputTokens))
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		respBytes = len(body)

	default:
		apierr.WriteGatewayError(ctx, gatewayerr.Internal(fmt.Errorf("unexpected executor result type %T", result.Value)))
	}
}

// buildExecutor adapts the gateway's configured providers into a
// selector.Executor over the LanguageModel facade, implementing the
// non-resumable-streaming contract from spec.md §4.7: a streaming attempt
// only counts as successful once its first chunk has been read.
func (g *Gateway) buildExecutor(proxyReq *providers.ProxyRequest, reqID string) selector.Executor {
	return func(ctx context.Context, providerID string) (any, error) {
		prov, ok := g.providers[providerID]
		if !ok {
			return nil, fmt.Errorf("provider %q not configured", providerID)
		}

		if g.tokenBuckets != nil {
			if d := g.tokenBuckets.TryAcquire(providerID); !d.Admitted {
				return nil, &tokenBucketDenied{provider: providerID, retryAfterMs: d.RetryAfterMs}
			}
		}

		lm := providers.AsLanguageModel(prov)
		reqCopy := *proxyReq

		if proxyReq.Stream {
			chunks, usageFuture, err := lm.Stream(ctx, &reqCopy)
			if err != nil {
				return nil, err
			}
			first, rest, ok := peekFirstChunk(ctx, chunks)
			if !ok {
				return nil, fmt.Errorf("provider %q produced an empty stream", providerID)
			}
			return &streamResult{provider: providerID, first: first, rest: rest, usageFuture: usageFuture, startedAt: time.Now()}, nil
		}

		upStart := time.Now()
		text, usage, err := lm.Generate(ctx, &reqCopy)
		if err != nil {
			return nil, err
		}
		return &genResult{provider: providerID, text: text, usage: usage, elapsed: time.Since(upStart)}, nil
	}
}

// peekFirstChunk reads the first chunk off chunks so the executor can
// confirm the stream produced output before the fallback handler commits
// to it. It returns a channel that replays the consumed first chunk
// ahead of the rest. A closed channel with no chunks reports ok=false.
func peekFirstChunk(ctx context.Context, chunks <-chan providers.Chunk) (providers.Chunk, <-chan providers.Chunk, bool) {
	select {
	case first, ok := <-chunks:
		if !ok {
			return providers.Chunk{}, nil, false
		}
		out := make(chan providers.Chunk)
		go func() {
			defer close(out)
			out <- first
			for c := range chunks {
				out <- c
			}
		}()
		return first, out, true
	case <-ctx.Done():
		return providers.Chunk{}, nil, false
	}
}

func (g *Gateway) handleRoutedError(ctx *fasthttp.RequestCtx, err error, token *timeoutgov.Token, provider string, effectiveMs int64, reqID, model string, start time.Time) {
	var ge *gatewayerr.Error
	if errors.As(err, &ge) && ge.Kind == gatewayerr.KindAllFailed && (token.Fired() || errors.Is(err, context.DeadlineExceeded)) {
		// The shared request deadline expired mid-fallback: spec.md §4.9/§8
		// scenario 5 says timeout is fatal, not a fallback exhaustion.
		ge = gatewayerr.Timeout(provider, effectiveMs)
	}

	g.log.ErrorContext(ctx, "routed_dispatch_error",
		slog.String("request_id", reqID),
		slog.String("primary_provider", provider),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)

	if ge != nil {
		apierr.WriteGatewayError(ctx, ge)
	} else {
		apierr.WriteGatewayError(ctx, gatewayerr.Internal(err))
	}
	g.logRequest(reqID, provider, model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
}

func (g *Gateway) serveCachedChat(ctx *fasthttp.RequestCtx, reqID, model string, start time.Time, body []byte) {
	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)

	var cu struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	inputTokens, outputTokens := 0, 0
	if err := json.Unmarshal(body, &cu); err == nil {
		inputTokens, outputTokens = cu.Usage.PromptTokens, cu.Usage.CompletionTokens
	}
	g.logRequest(reqID, "cache", model, inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
}

func buildCachedEnvelope(model, response string) []byte {
	out := outboundResponse{
		ID:      "chatcmpl-cached",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{{Index: 0, Message: outboundMessage{Role: "assistant", Content: response}, FinishReason: "stop"}},
	}
	body, _ := json.Marshal(out)
	return body
}

// buildChatEnvelopeAndCost builds the non-streaming OpenAI envelope and
// prices the completion via the cost tracker, returning 0 cost when no
// tracker is configured.
func (g *Gateway) buildChatEnvelopeAndCost(model string, v *genResult) ([]byte, float64) {
	out := outboundResponse{
		ID:      "chatcmpl-" + v.provider,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{{Index: 0, Message: outboundMessage{Role: "assistant", Content: v.text}, FinishReason: "stop"}},
		Usage: outboundUsage{
			PromptTokens:     v.usage.InputTokens,
			CompletionTokens: v.usage.OutputTokens,
			TotalTokens:      v.usage.InputTokens + v.usage.OutputTokens,
		},
	}
	body, _ := json.Marshal(out)

	costUSD := 0.0
	if g.costs != nil {
		rec := g.costs.Record(v.provider, model, v.usage.InputTokens, v.usage.OutputTokens)
		costUSD = rec.CostUSD
	}
	return body, costUSD
}

// writeRoutedSSE streams a routed streamResult to the client, resolving
// the usage future after the final chunk and recording cost/latency —
// the two-phase streaming-usage contract from spec.md §9.
func (g *Gateway) writeRoutedSSE(ctx *fasthttp.RequestCtx, sr *streamResult, reqID, model string, start time.Time, route string, reqBytes int) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	writeChunk := func(w *bufio.Writer, content, finishReason string) {
		delta := map[string]any{
			"id":      "chatcmpl-stream",
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"delta": map[string]string{"content": content},
					"finish_reason": func() any {
						if finishReason != "" {
							return finishReason
						}
						return nil
					}(),
				},
			},
		}
		data, _ := json.Marshal(delta)
		_, _ = w.WriteString("data: ")
		_, _ = w.WriteString(string(data))
		_, _ = w.WriteString("\n\n")
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		writeChunk(w, sr.first.Content, sr.first.FinishReason)
		w.Flush() //nolint:errcheck

		for c := range sr.rest {
			writeChunk(w, c.Content, c.FinishReason)
			w.Flush() //nolint:errcheck
		}

		writeChunk(w, "", "stop")
		w.Flush() //nolint:errcheck
		_, _ = w.WriteString("data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		usage, _ := sr.usageFuture()
		elapsed := time.Since(start)

		if g.lat != nil {
			g.lat.RecordLatency(sr.provider, model, elapsed.Milliseconds(), elapsed.Milliseconds(), true)
		}
		costUSD := 0.0
		if g.costs != nil {
			rec := g.costs.Record(sr.provider, model, usage.InputTokens, usage.OutputTokens)
			costUSD = rec.CostUSD
		}

		g.logRequest(reqID, sr.provider, model, usage.InputTokens, usage.OutputTokens, elapsed, fasthttp.StatusOK, false)

		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, elapsed, reqBytes, -1)
			g.metrics.RecordRequest(sr.provider, fasthttp.StatusOK, elapsed.Milliseconds())
			g.metrics.ObserveGatewayRequest(sr.provider, route, "bypass", elapsed)
			g.metrics.AddTokens(sr.provider, route, usage.InputTokens, usage.OutputTokens, false)
			g.metrics.AddCost(sr.provider, model, costUSD)
			g.metrics.DecInFlight()
		}
	})
}

// cacheScopeKey folds generation parameters that affect output (per
// spec.md §4.10/§9's cache-identity open question) into the semantic
// cache's model tag, so a temperature=0 and temperature=1 request never
// collide.
func cacheScopeKey(model string, req *providers.ProxyRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%.2f|%.2f|%d|%s", model, req.Temperature, req.TopP, req.MaxTokens, strings.Join(req.Stop, ","))
	return model + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// semanticQueryText builds the text the embedder sees, from the
// conversation's message contents in order.
func semanticQueryText(msgs []providers.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
