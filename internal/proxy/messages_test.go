package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/shingate/gateway/internal/providers"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func serveMessages(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/messages":
				gw.handleMessages(ctx)
			case "/v1/messages/count_tokens":
				gw.handleCountTokens(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() { _ = fasthttp.Serve(ln, handler) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func TestHandleMessages_MissingModel(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	client, cleanup := serveMessages(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/messages", []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleMessages_Success(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"anthropic": okProvider("anthropic"),
	}, nil)
	client, cleanup := serveMessages(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/messages", []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"system": "be terse",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if out.Type != "message" || out.Role != "assistant" {
		t.Errorf("unexpected envelope: %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" {
		t.Errorf("expected one text block, got %+v", out.Content)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
}

func TestHandleMessages_NoProviders(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	client, cleanup := serveMessages(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/messages", []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}]}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestHandleCountTokens_Estimate(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	client, cleanup := serveMessages(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/messages/count_tokens", []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"messages": [{"role": "user", "content": "a sixteen character string"}]
	}`))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out map[string]int
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if out["input_tokens"] <= 0 {
		t.Errorf("expected a positive token estimate, got %d", out["input_tokens"])
	}
}
