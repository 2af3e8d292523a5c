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

	"github.com/google/uuid"
	"github.com/shingate/gateway/internal/cache"
	"github.com/shingate/gateway/internal/connpool"
	"github.com/shingate/gateway/internal/ids"
	"github.com/shingate/gateway/internal/keypool"
	"github.com/shingate/gateway/internal/logger"
	"github.com/shingate/gateway/internal/metrics"
	"github.com/shingate/gateway/internal/providers"
	"github.com/shingate/gateway/internal/ratelimit"
	"github.com/shingate/gateway/internal/router"
	"github.com/shingate/gateway/internal/sequencer"
	"github.com/shingate/gateway/internal/tokenusage"
	"github.com/shingate/gateway/pkg/apierr"
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
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// AllowClientAPIKeys enables forwarding Authorization headers from clients
	// directly to upstream providers. When false, client headers are ignored and
	// only configured keys are used.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	cache     cache.Cache
	cb        *CircuitBreaker
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
	hybridLimiter   *ratelimit.Limiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// keyPools holds one API-key pool per provider name that has keys
	// configured for pooling; providers absent from the map dispatch with
	// whatever static key the provider client was built with.
	keyPools map[string]*keypool.Pool
	// connPool tracks per-origin connection accounting and session affinity.
	// Providers manage their own internal HTTP clients, so this pool is
	// consulted for admission/affinity bookkeeping around each dispatch
	// rather than supplying the transport the provider actually uses.
	connPool *connpool.Pool
	// sequencer gates providers running in "shin mode" (sequential
	// processing) to a single in-flight request, FIFO-within-priority.
	sequencer *sequencer.Registry
	// router resolves {provider, model} from the inbound logical model and
	// intent flags. Falls back to resolveProvider/resolveEmbeddingProvider
	// when nil, preserving the gateway's original behavior.
	router *router.Router

	// aggregator feeds the in-memory rolling metrics snapshot; broadcaster
	// fans snapshot updates out to SSE subscribers; rollup persists durable
	// per-request records. All are nil-safe.
	aggregator  *metrics.Aggregator
	broadcaster *metrics.Broadcaster
	rollup      *metrics.RollupStore

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	allowClientAPIKeys bool

	// cacheTempCeiling is the maximum request temperature eligible for
	// caching; requests above it always bypass the cache regardless of
	// other eligibility rules. Zero disables the ceiling (nothing bypasses
	// on temperature alone, matching the legacy default).
	cacheTempCeiling float64
	// cacheFieldPolicy projects which top-level request fields feed the
	// cache fingerprint. Zero value (no Include, no Exclude) falls back to
	// buildCacheKey's fixed field set.
	cacheFieldPolicy    cache.FieldPolicy
	cacheFieldPolicySet bool
	// similarityIndex backs the optional near-duplicate cache lookup
	// consulted on an exact-match miss. Nil disables it.
	similarityIndex     *cache.SimilarityIndex
	similarityThreshold float64

	// authScheme is one of "none", "static_key", or "jwt" — enforced by the
	// auth middleware ahead of every handler registered in router.go.
	authScheme    string
	authStaticKey string
	authJWTSecret string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithProbes creates a Gateway with an explicit health probe for
// the cache backend, reported as the cache status in the GET /health
// snapshot; GET /readiness does not consult it.
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

	gw := &Gateway{
		providers:          provs,
		cache:              c,
		cb:                 NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:            baseCtx,
		log:                log,
		maxRetries:         maxRetries,
		providerTimeout:    providerTimeout,
		cacheTTL:           cacheTTL,
		metrics:            opts.Metrics,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
	}

	// Initialise circuit breaker gauges (closed) for known providers.
	if gw.metrics != nil && gw.cb != nil {
		for _, name := range providers.DefaultFallbackOrder {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
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

// SetHybridLimiter injects the scoped token-bucket + sliding-window rate
// limiter, evaluated in addition to the legacy RPM-only limiter.
func (g *Gateway) SetHybridLimiter(l *ratelimit.Limiter) {
	g.hybridLimiter = l
}

// SetKeyPools injects the per-provider API-key pools. Providers absent from
// the map are dispatched with their statically configured credential.
func (g *Gateway) SetKeyPools(pools map[string]*keypool.Pool) {
	g.keyPools = pools
}

// SetConnPool injects the connection pool consulted for per-origin admission
// and session-affinity bookkeeping around each upstream dispatch.
func (g *Gateway) SetConnPool(p *connpool.Pool) {
	g.connPool = p
}

// SetSequencer injects the per-provider sequential-queue registry.
func (g *Gateway) SetSequencer(r *sequencer.Registry) {
	g.sequencer = r
}

// SetRouter injects the router used to resolve {provider, model} from the
// inbound logical model and intent flags. When nil, the gateway falls back
// to resolveProvider/resolveEmbeddingProvider.
func (g *Gateway) SetRouter(r *router.Router) {
	g.router = r
}

// SetMetricsAggregation injects the in-memory rolling aggregator, the SSE
// broadcaster, and (optionally) the durable rollup store. Any of the three
// may be nil.
func (g *Gateway) SetMetricsAggregation(agg *metrics.Aggregator, bc *metrics.Broadcaster, rollup *metrics.RollupStore) {
	g.aggregator = agg
	g.broadcaster = bc
	g.rollup = rollup

	if g.health == nil {
		return
	}
	if rollup == nil {
		g.health.SetDBProbe(nil)
		return
	}
	g.health.SetDBProbe(func() bool {
		ctx, cancel := context.WithTimeout(g.baseCtx, healthProbeTimeout)
		defer cancel()
		return rollup.Ping(ctx) == nil
	})
}

// SetCachePolicy configures the temperature ceiling above which a request is
// never cached, the field projection used to build its fingerprint, and the
// optional near-duplicate similarity threshold (0 disables similarity
// lookups entirely).
func (g *Gateway) SetCachePolicy(tempCeiling float64, policy cache.FieldPolicy, similarityThreshold float64) {
	g.cacheTempCeiling = tempCeiling
	g.cacheFieldPolicy = policy
	g.cacheFieldPolicySet = true
	g.similarityThreshold = similarityThreshold
	if similarityThreshold > 0 {
		g.similarityIndex = cache.NewSimilarityIndex(0)
	}
}

// SetAuth configures the inbound authentication scheme enforced by the auth
// middleware. scheme is one of "none", "static_key", or "jwt".
func (g *Gateway) SetAuth(scheme, staticKey, jwtSecret string) {
	g.authScheme = scheme
	g.authStaticKey = staticKey
	g.authJWTSecret = jwtSecret
}

// AuthScheme reports the configured auth scheme, "none" when unset.
func (g *Gateway) AuthScheme() string {
	if g.authScheme == "" {
		return "none"
	}
	return g.authScheme
}

// CheckStaticKey reports whether token matches the configured static key.
func (g *Gateway) CheckStaticKey(token string) bool {
	return g.authStaticKey != "" && token == g.authStaticKey
}

// JWTSecret returns the configured JWT signing secret.
func (g *Gateway) JWTSecret() string { return g.authJWTSecret }

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
		MaxTokens   int              `json:"max_tokens"`
		SessionID   string           `json:"session_id"`
		Priority    string           `json:"priority"`
		Metadata    inboundMetadata  `json:"metadata"`
	}

	// inboundMetadata carries the router's recognized intent flags and the
	// base spec's session_id-via-metadata precedence.
	inboundMetadata struct {
		SessionID   string `json:"session_id"`
		Background  bool   `json:"background"`
		LongContext bool   `json:"longContext"`
		Reasoning   bool   `json:"reasoning"`
		WebSearch   bool   `json:"webSearch"`
		Image       bool   `json:"image"`
		Subagent    bool   `json:"subagent"`
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

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
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
			return // finalised by the stream writer
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

	// 1. Parse request body.
	var req inboundRequest
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

	// 2. Route to {provider, model} based on the logical model and any
	// recognized intent flags.
	resolved := g.resolveChat(req.Model, req.Metadata)
	providerName := resolved.Provider
	if resolved.Model != "" {
		req.Model = resolved.Model
	}
	servedProvider = providerName

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("provider", providerName),
			)
			apierr.WriteRateLimit(ctx)
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

	// 4. Build the normalized ProxyRequest.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	bodySessionID := req.SessionID
	if bodySessionID == "" {
		bodySessionID = req.Metadata.SessionID
	}

	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
		SessionID:   ids.SessionIDFromRequest(ctx, bodySessionID),
		Priority:    int(sequencer.ParsePriority(req.Priority)),
	}

	// 5. Cache lookup — non-streaming only; skip excluded models and
	// requests whose temperature exceeds the configured ceiling (a
	// high-temperature request is unlikely to repeat, and caching it would
	// return a stale sample of a deliberately varied generation).
	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model)) &&
		(g.cacheTempCeiling <= 0 || req.Temperature <= g.cacheTempCeiling)
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	prompt := promptText(req.Messages)
	if cacheEligible {
		cacheKey := g.cacheKeyFor(proxyReq)
		cachedBody, ok := g.cache.Get(ctx, cacheKey)
		if !ok && g.similarityIndex != nil {
			if simKey, score, simOK := g.similarityIndex.Best(prompt, g.similarityThreshold); simOK {
				if body, hit := g.cache.Get(ctx, simKey); hit {
					cachedBody, ok = body, true
					g.log.DebugContext(ctx, "cache_similarity_hit",
						slog.String("request_id", reqID),
						slog.Float64("score", score),
					)
				}
			}
		}
		if ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			// Best-effort token extraction from the cached payload, using the
			// same shape-matching extractor the live dispatch path would use
			// for a raw, untyped provider response.
			var raw map[string]any
			if err := json.Unmarshal(cachedBody, &raw); err == nil {
				promptChars := promptCharCount(req.Messages)
				// No response headers are available here — only the JSON body
				// was cached — so the header-based NVIDIA shape never fires
				// on this path.
				usage := tokenusage.Extract(raw, nil, promptChars, 0)
				if usage.Available {
					inputTokens = usage.InputTokens
					outputTokens = usage.OutputTokens
				}
			}

			g.logRequest(reqID, providerName, req.Model,
				inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
			g.observeMetrics(metrics.RequestSample{
				Timestamp:    time.Now(),
				Provider:     providerName,
				Model:        req.Model,
				Route:        route,
				StatusCode:   fasthttp.StatusOK,
				LatencyMs:    time.Since(start).Milliseconds(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				Cached:       true,
				SessionID:    proxyReq.SessionID,
			})
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 6. Call provider with automatic failover.
	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.requestWithFailover(provCtx, proxyReq, providerName, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		g.logRequest(reqID, providerName, req.Model,
			0, 0, time.Since(start), fasthttp.StatusBadGateway, false)
		g.observeMetrics(metrics.RequestSample{
			Timestamp:  time.Now(),
			Provider:   providerName,
			Model:      req.Model,
			Route:      route,
			StatusCode: ctx.Response.StatusCode(),
			LatencyMs:  time.Since(start).Milliseconds(),
			SessionID:  proxyReq.SessionID,
		})
		return
	}
	servedProvider = usedProvider

	// 7a. Streaming — SSE pass-through. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		streaming = true
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := route
		capturedProvider := usedProvider
		capturedSessionID := proxyReq.SessionID
		writeSSE(ctx, resp, func(outputTokens int) {
			g.logRequest(reqID, usedProvider, resp.Model,
				0, outputTokens, time.Since(capturedStart), fasthttp.StatusOK, false)
			dur := time.Since(capturedStart)
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedProvider, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedProvider, capturedRoute, 0, outputTokens, false)
				g.metrics.DecInFlight()
			}
			g.observeMetrics(metrics.RequestSample{
				Timestamp:    time.Now(),
				Provider:     capturedProvider,
				Model:        resp.Model,
				Route:        capturedRoute,
				StatusCode:   fasthttp.StatusOK,
				LatencyMs:    dur.Milliseconds(),
				OutputTokens: outputTokens,
				SessionID:    capturedSessionID,
			})
		})
		return
	}

	// 7b. Non-streaming — build an OpenAI-compatible response envelope.
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 8. Populate cache for future identical requests.
	if cacheEligible {
		cacheKey := g.cacheKeyFor(proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else {
			if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
			if g.similarityIndex != nil {
				g.similarityIndex.Add(cacheKey, prompt)
			}
		}
	}

	// 9. Emit request log entry asynchronously.
	g.logRequest(reqID, usedProvider, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens
	if cacheEligible {
		cacheLabel = "miss"
	} else {
		cacheLabel = "bypass"
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", usedProvider),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)

	g.observeMetrics(metrics.RequestSample{
		Timestamp:    time.Now(),
		Provider:     usedProvider,
		Model:        resp.Model,
		Route:        route,
		StatusCode:   fasthttp.StatusOK,
		LatencyMs:    time.Since(start).Milliseconds(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cached:       false,
		SessionID:    proxyReq.SessionID,
	})
}

// observeMetrics feeds the in-memory rolling aggregator and fans the updated
// snapshot out to any SSE subscribers. Both are nil-safe no-ops when metrics
// aggregation was never configured.
func (g *Gateway) observeMetrics(sample metrics.RequestSample) {
	if g.aggregator == nil {
		return
	}
	g.aggregator.Observe(sample)
	if g.broadcaster != nil {
		g.broadcaster.Publish(g.aggregator.Snapshot())
	}
	if g.rollup != nil {
		g.rollup.Observe(sample)
	}
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

// promptCharCount sums the character length of every message's content, the
// input the token extractor's length-ratio fallback needs when a cached
// payload carries no recognizable usage shape.
func promptCharCount(msgs []inboundMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

// promptText concatenates every message's content for the similarity index,
// which only cares about the token set, not message boundaries.
func promptText(msgs []inboundMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Content)
		sb.WriteByte(' ')
	}
	return sb.String()
}

// cacheKeyFor builds the request's cache key. When a field projection policy
// has been configured (SetCachePolicy), it fingerprints a canonical
// projection of the request's cacheable fields; otherwise it falls back to
// buildCacheKey's fixed field set.
func (g *Gateway) cacheKeyFor(req *providers.ProxyRequest) string {
	if !g.cacheFieldPolicySet {
		return buildCacheKey(req)
	}

	msgs := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	raw := map[string]any{
		"workspace_id": req.WorkspaceID,
		"api_key_id":   req.APIKeyID,
		"provider":     resolveProvider(req.Model),
		"model":        req.Model,
		"temperature":  req.Temperature,
		"max_tokens":   req.MaxTokens,
		"messages":     msgs,
	}
	return "cache:" + cache.Fingerprint("chat", raw, g.cacheFieldPolicy)
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
		W    string `json:"w"`
		K    string `json:"k"`
		P    string `json:"p"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		req.WorkspaceID,
		req.APIKeyID,
		resolveProvider(req.Model),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
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

	switch {
	case errors.Is(err, sequencer.ErrQueueTimeout), errors.Is(err, sequencer.ErrQueueFull):
		apierr.WriteQueueTimeout(ctx)
		return
	case errors.Is(err, keypool.ErrNoKeyAvailable):
		apierr.WriteNoKeyAvailable(ctx)
		return
	case errors.Is(err, connpool.ErrPoolExhausted):
		apierr.WritePoolExhausted(ctx)
		return
	case errors.Is(err, errRateLimited):
		apierr.WriteRateLimit(ctx)
		return
	case errors.Is(err, errCircuitOpen):
		apierr.WriteCircuitOpen(ctx)
		return
	}

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeSSE streams response chunks from the provider as Server-Sent Events.
// onComplete is called once the stream drains with an estimated output token
// count (≈ chars/4), enabling async logging for streaming requests.
func writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token (GPT-style heuristic).
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
