package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shingate/gateway/internal/connpool"
	"github.com/shingate/gateway/internal/keypool"
	"github.com/shingate/gateway/internal/providers"
	"github.com/shingate/gateway/internal/sequencer"
	"github.com/valyala/fasthttp"
)

func TestHandleKeyPools_ReportsSnapshots(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	pool := keypool.New(keypool.RoundRobin, keypool.CooldownPolicy{}, []*keypool.Key{
		{ID: "k1", Provider: "openai", Secret: "sk-1"},
	})
	gw.SetKeyPools(map[string]*keypool.Pool{"openai": pool})

	ctx := &fasthttp.RequestCtx{}
	gw.handleKeyPools(ctx)

	var out map[string][]keypool.Snapshot
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out["openai"]) != 1 || out["openai"][0].ID != "k1" {
		t.Errorf("unexpected snapshot: %+v", out)
	}
}

func TestHandleConnections_NilPool(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	ctx := &fasthttp.RequestCtx{}
	gw.handleConnections(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleConnections_ReportsStats(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	pool := connpool.New(connpool.DefaultConfig())
	gw.SetConnPool(pool)

	ctx := &fasthttp.RequestCtx{}
	gw.handleConnections(ctx)

	var out []connpool.Stats
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
}

func TestHandleSequencer_ReportsModeAndDepth(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)
	reg := sequencer.New(sequencer.Config{})
	reg.SetMode("openai", true)
	gw.SetSequencer(reg)

	ctx := &fasthttp.RequestCtx{}
	gw.handleSequencer(ctx)

	var out []struct {
		Provider   string `json:"provider"`
		Sequential bool   `json:"sequential"`
		Depth      int    `json:"depth"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(out) != 1 || !out[0].Sequential {
		t.Errorf("unexpected sequencer report: %+v", out)
	}
}

func TestHandleSetSequential_TogglesMode(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	reg := sequencer.New(sequencer.Config{})
	gw.SetSequencer(reg)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"sequential":true}`))
	ctx.SetUserValue("provider", "openai")
	gw.handleSetSequential(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if !reg.IsSequential("openai") {
		t.Error("expected sequential mode to be enabled")
	}
}

func TestHandleSetSequential_NotConfigured(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"sequential":true}`))
	gw.handleSetSequential(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleCircuitBreakers_ReportsSnapshots(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleCircuitBreakers(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}
