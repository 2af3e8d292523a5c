package proxy

import (
	"bufio"
	"encoding/json"
	"time"

	"github.com/shingate/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// handleKeyPools reports per-provider API-key pool health — lease state,
// in-flight count, and success/failure counters for every configured key.
func (g *Gateway) handleKeyPools(ctx *fasthttp.RequestCtx) {
	out := make(map[string]any, len(g.keyPools))
	for provider, pool := range g.keyPools {
		out[provider] = pool.Snapshots()
	}
	writeJSON(ctx, out)
}

// handleConnections reports per-origin connection pool accounting: active
// and idle counts, and lifetime reuse rate.
func (g *Gateway) handleConnections(ctx *fasthttp.RequestCtx) {
	if g.connPool == nil {
		writeJSON(ctx, []string{})
		return
	}
	writeJSON(ctx, g.connPool.AllStats())
}

// handleSequencer reports the sequential-mode ("shin mode") status and
// current queue depth for every configured provider.
func (g *Gateway) handleSequencer(ctx *fasthttp.RequestCtx) {
	if g.sequencer == nil {
		writeJSON(ctx, []string{})
		return
	}
	type entry struct {
		Provider   string `json:"provider"`
		Sequential bool   `json:"sequential"`
		Depth      int    `json:"depth"`
	}
	out := make([]entry, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, entry{
			Provider:   name,
			Sequential: g.sequencer.IsSequential(name),
			Depth:      g.sequencer.Depth(name),
		})
	}
	writeJSON(ctx, out)
}

// handleSetSequential toggles sequential mode for a provider, e.g.
// POST /api/sequencer/{provider} {"sequential": true}.
func (g *Gateway) handleSetSequential(ctx *fasthttp.RequestCtx) {
	if g.sequencer == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"sequencer not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	provider, _ := ctx.UserValue("provider").(string)
	var body struct {
		Sequential bool `json:"sequential"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "invalid JSON body"})
		return
	}
	g.sequencer.SetMode(provider, body.Sequential)
	writeJSON(ctx, map[string]any{"provider": provider, "sequential": body.Sequential})
}

// handleCircuitBreakers reports the current state of every (provider, model)
// circuit breaker entry.
func (g *Gateway) handleCircuitBreakers(ctx *fasthttp.RequestCtx) {
	if g.cb == nil {
		writeJSON(ctx, []string{})
		return
	}
	writeJSON(ctx, g.cb.Snapshots())
}

// handleMetricsStream serves live rolling-aggregate snapshots over SSE —
// one event per update, terminated when the client disconnects.
func (g *Gateway) handleMetricsStream(ctx *fasthttp.RequestCtx) {
	if g.broadcaster == nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"error": "metrics aggregation not configured"})
		return
	}

	ch, cancel := g.broadcaster.Subscribe(8)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case snap, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					return
				}
				if _, err := w.WriteString("data: " + string(data) + "\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}
