// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves the
// target provider, checks the cache, applies rate limiting, and forwards the
// request to the selected provider — falling back to alternatives when the
// primary is unavailable.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/cost"
	"github.com/nulpointcorp/llm-gateway/internal/gatewayerr"
	"github.com/nulpointcorp/llm-gateway/internal/latency"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/rules"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/semcache"
	"github.com/nulpointcorp/llm-gateway/internal/timeoutgov"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// defaultTPMLimit is a conservative fallback used when no per-workspace plan
	// information is available in the request context. Real limits are enforced
	// by the billing layer; this prevents runaway token consumption.
	defaultTPMLimit = 2_000_000
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to a no-op logger when nil.
	Logger *slog.Logger

	// MaxRetries is stored on the Gateway (default providers.MaxRetries, 3)
	// but request dispatch does not read it: per-candidate retries come from
	// the selector.Config passed in SelectorConfig.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// RegistryConfig configures the default Registry's circuit breaker
	// thresholds when Registry is nil. Zero values use registry's own
	// package-level defaults.
	RegistryConfig registry.Config

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored and
	// only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration

	// Registry is the provider health registry driving routing admission
	// (spec.md §4.4). When nil, NewGatewayWithOptions builds one from provs
	// with package-default circuit breaker thresholds.
	Registry *registry.Registry

	// LatencyTracker and CostTracker feed the rules engine and /metrics/costs
	// respectively. Both are nil-safe.
	LatencyTracker *latency.Tracker
	CostTracker    *cost.Tracker

	// SemCache is the optional semantic cache. Nil disables it.
	SemCache *semcache.Cache

	// TimeoutGovernor resolves effective per-request deadlines. When nil, a
	// Resolver with package defaults is constructed.
	TimeoutGovernor *timeoutgov.Resolver

	// RoutingStrategy selects the rules engine's weighting table.
	RoutingStrategy rules.Strategy

	// SelectorConfig tunes the fallback handler's retry/backoff behavior.
	SelectorConfig selector.Config

	// TokenBuckets admits or denies each routed attempt per-provider before
	// it reaches the LanguageModel facade (spec.md §4.3). Nil disables
	// per-provider admission control entirely.
	TokenBuckets *ratelimit.TokenBucketLimiter
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	// Configurable failover parameters (set from GatewayOptions).
	maxRetries      int
	providerTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool

	// Routing components (spec.md §4.4-§4.10) driving every dispatch.
	reg          *registry.Registry
	lat          *latency.Tracker
	costs        *cost.Tracker
	semCache     *semcache.Cache
	timeouts     *timeoutgov.Resolver
	strategy     rules.Strategy
	selCfg       selector.Config
	cap          rules.CapabilityResolver
	tokenBuckets *ratelimit.TokenBucketLimiter
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithProbes creates a Gateway with an explicit readiness probe for
// the cache backend (used by GET /readiness for Kubernetes liveness checks).
func NewGatewayWithProbes(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
) *Gateway {
	return NewGatewayWithOptions(baseCtx, provs, c, cacheReady, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, or failover limits.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	strategy := opts.RoutingStrategy
	if strategy == "" {
		strategy = rules.StrategyBalanced
	}

	timeouts := opts.TimeoutGovernor
	if timeouts == nil {
		timeouts = timeoutgov.New(timeoutgov.Config{}, log)
	}

	reg := opts.Registry
	if reg == nil {
		names := make([]string, 0, len(provs))
		for name := range provs {
			names = append(names, name)
		}
		var rl registry.RateLimitSource
		if opts.TokenBuckets != nil {
			rl = opts.TokenBuckets
		}
		var lat registry.LatencySource
		if opts.LatencyTracker != nil {
			lat = opts.LatencyTracker
		}
		reg = registry.New(names, opts.RegistryConfig, rl, lat, log)
	}

	gw := &Gateway{
		providers:          provs,
		cache:              c,
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
		reg:                reg,
		lat:                opts.LatencyTracker,
		costs:              opts.CostTracker,
		semCache:           opts.SemCache,
		timeouts:           timeouts,
		strategy:           strategy,
		selCfg:             opts.SelectorConfig,
		cap:                rules.FallbackCapability{},
		tokenBuckets:       opts.TokenBuckets,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via a custom unmarshal in parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	// Try array first.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	// Try bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
// It resolves the provider from the model name, delegates to the provider's
// Embed method, and returns an OpenAI-compatible response envelope.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	cached := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
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

	// 1. Parse request.
	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Resolve provider.
	providerName := resolveEmbeddingProvider(req.Model)
	servedProvider = providerName

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Int("inputs", len(inputs)),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3. Find a provider that implements EmbeddingProvider.
	prov, ok := g.providers[providerName]
	if !ok {
		// Try the first available provider.
		for _, p := range g.providers {
			prov = p
			break
		}
	}
	if prov != nil {
		servedProvider = prov.Name()
	}

	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("provider %q does not support embeddings", prov.Name()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 4. Call the provider.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
		APIKey:    clientKey,
		APIKeyID:  clientKeyID,
	}

	upStart := time.Now()
	embResp, err := embedder.Embed(provCtx, embReq)
	upDur := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			reason := classifyError(err)
			g.metrics.ObserveUpstreamAttempt(servedProvider, route, reason, upDur)
			g.metrics.RecordError(servedProvider, reason)
		}
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(servedProvider, route, "success", upDur)
	}

	// 5. Build OpenAI-compatible response.
	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}

	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: embResp.Usage.InputTokens,
			TotalTokens:  embResp.Usage.InputTokens,
		},
	}
	inputTokens = embResp.Usage.InputTokens

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "embedding_ok",
		slog.String("request_id", reqID),
		slog.String("provider", prov.Name()),
		slog.String("model", embResp.Model),
		slog.Int("vectors", len(embResp.Data)),
		slog.Int("input_tokens", embResp.Usage.InputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and present)
// and a deterministic SHA-256 hash suitable for cache partitioning.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	if !g.allowClientAPIKeys {
		return "", ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	return token, hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	return token
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        []string         `json:"stop"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the handler for /v1/chat/completions and /v1/completions.
// Every Gateway is constructed with a provider registry (NewGatewayWithOptions
// builds a default one when none is supplied), so routing always goes
// through dispatchChatRouted: cache lookup, timeout governor, selector-based
// fallback (spec.md §4.11).
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	g.dispatchChatRouted(ctx)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The provider name is included to prevent cross-provider key collisions when
// two providers share a model name.
func buildCacheKey(req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		W    string   `json:"w"`
		K    string   `json:"k"`
		P    string   `json:"p"`
		M    string   `json:"m"`
		T    string   `json:"t"`
		TP   string   `json:"tp"`
		MT   int      `json:"mt"`
		Stop []string `json:"stop"`
		Msgs []msg    `json:"msgs"`
	}{
		req.WorkspaceID,
		req.APIKeyID,
		resolveProvider(req.Model),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		fmt.Sprintf("%.2f", req.TopP),
		req.MaxTokens,
		req.Stop,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	statusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteGatewayError(ctx, gatewayerr.Upstream(sc.HTTPStatus(), err))
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

