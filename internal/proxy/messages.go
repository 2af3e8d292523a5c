package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shingate/gateway/internal/ids"
	"github.com/shingate/gateway/internal/metrics"
	"github.com/shingate/gateway/internal/providers"
	"github.com/shingate/gateway/internal/sequencer"
	"github.com/shingate/gateway/internal/tokenusage"
	"github.com/shingate/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// anthropicMessage is one entry of the Anthropic Messages API "messages" array.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicRequest is the request envelope for POST /v1/messages — Anthropic's
// native wire format, distinct from the OpenAI-compatible /v1/chat/completions.
type anthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	System      string              `json:"system"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
	Stream      bool                `json:"stream"`
	Metadata    anthropicMetadata   `json:"metadata"`
}

// anthropicMetadata carries the session/user identifier and the same intent
// flags the OpenAI-compatible surface recognizes under "metadata".
type anthropicMetadata struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	Background  bool   `json:"background"`
	LongContext bool   `json:"longContext"`
	Reasoning   bool   `json:"reasoning"`
	WebSearch   bool   `json:"webSearch"`
	Image       bool   `json:"image"`
	Subagent    bool   `json:"subagent"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// handleMessages serves the Anthropic-native POST /v1/messages endpoint. It
// shares cache, failover, rate limiting and metrics with dispatchChat but
// speaks Anthropic's request/response shape instead of OpenAI's.
func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "messages"
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
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
		g.metrics.ObserveHTTP(route, status, dur, len(ctx.PostBody()), respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)

	var req anthropicRequest
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

	meta := inboundMetadata{
		SessionID:   req.Metadata.SessionID,
		Background:  req.Metadata.Background,
		LongContext: req.Metadata.LongContext,
		Reasoning:   req.Metadata.Reasoning,
		WebSearch:   req.Metadata.WebSearch,
		Image:       req.Metadata.Image,
		Subagent:    req.Metadata.Subagent,
	}
	resolved := g.resolveChat(req.Model, meta)
	providerName := resolved.Provider
	model := req.Model
	if resolved.Model != "" {
		model = resolved.Model
	}
	servedProvider = providerName

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("provider", providerName),
		slog.Bool("stream", req.Stream),
	)

	if len(g.providers) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no providers configured",
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	msgs := make([]providers.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}

	proxyReq := &providers.ProxyRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
		SessionID:   ids.SessionIDFromRequest(ctx, firstNonEmpty(req.Metadata.SessionID, req.Metadata.UserID)),
		Priority:    int(sequencer.Normal),
	}

	inboundMsgs := make([]inboundMessage, len(req.Messages))
	for i, m := range req.Messages {
		inboundMsgs[i] = inboundMessage{Role: m.Role, Content: m.Content}
	}
	prompt := promptText(inboundMsgs)

	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(model)) &&
		(g.cacheTempCeiling <= 0 || req.Temperature <= g.cacheTempCeiling)
	if cacheEligible {
		cacheKey := g.cacheKeyFor(proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			var raw map[string]any
			if err := json.Unmarshal(cachedBody, &raw); err == nil {
				usage := tokenusage.Extract(raw, nil, len(prompt), 0)
				if usage.Available {
					inputTokens, outputTokens = usage.InputTokens, usage.OutputTokens
				}
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)
			respBytes = len(cachedBody)
			g.observeMetrics(metrics.RequestSample{
				Timestamp: time.Now(), Provider: providerName, Model: model, Route: route,
				StatusCode: fasthttp.StatusOK, LatencyMs: time.Since(start).Milliseconds(),
				InputTokens: inputTokens, OutputTokens: outputTokens, Cached: true,
				SessionID: proxyReq.SessionID,
			})
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.requestWithFailover(provCtx, proxyReq, providerName, route)
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", providerName),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		g.observeMetrics(metrics.RequestSample{
			Timestamp: time.Now(), Provider: providerName, Model: model, Route: route,
			StatusCode: ctx.Response.StatusCode(), LatencyMs: time.Since(start).Milliseconds(),
			SessionID: proxyReq.SessionID,
		})
		return
	}
	servedProvider = usedProvider

	if req.Stream && resp.Stream != nil {
		capturedStart, capturedProvider, capturedSessionID := start, usedProvider, proxyReq.SessionID
		writeSSE(ctx, resp, func(outTok int) {
			dur := time.Since(capturedStart)
			if g.metrics != nil {
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, len(ctx.PostBody()), -1)
				g.metrics.RecordRequest(capturedProvider, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.AddTokens(capturedProvider, route, 0, outTok, false)
			}
			g.observeMetrics(metrics.RequestSample{
				Timestamp: time.Now(), Provider: capturedProvider, Model: resp.Model, Route: route,
				StatusCode: fasthttp.StatusOK, LatencyMs: dur.Milliseconds(),
				OutputTokens: outTok, SessionID: capturedSessionID,
			})
		})
		return
	}

	out := anthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    []anthropicContentBlock{{Type: "text", Text: resp.Content}},
		StopReason: "end_turn",
		Usage: anthropicUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		cacheKey := g.cacheKeyFor(proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err == nil {
			if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
			if g.similarityIndex != nil {
				g.similarityIndex.Add(cacheKey, prompt)
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		cacheLabel = "miss"
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
	inputTokens, outputTokens = resp.Usage.InputTokens, resp.Usage.OutputTokens

	g.observeMetrics(metrics.RequestSample{
		Timestamp: time.Now(), Provider: usedProvider, Model: resp.Model, Route: route,
		StatusCode: fasthttp.StatusOK, LatencyMs: time.Since(start).Milliseconds(),
		InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
		SessionID: proxyReq.SessionID,
	})
}

// handleCountTokens serves POST /v1/messages/count_tokens — a cheap estimate
// with no provider round-trip, using the same length-ratio heuristic the
// token usage extractor falls back to when a provider omits usage entirely.
func (g *Gateway) handleCountTokens(ctx *fasthttp.RequestCtx) {
	var req anthropicRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	result := tokenusage.Extract(nil, nil, chars, 0)

	writeJSON(ctx, map[string]int{"input_tokens": result.InputTokens})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
