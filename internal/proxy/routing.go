package proxy

import (
	"github.com/shingate/gateway/internal/providers"
	"github.com/shingate/gateway/internal/router"
)

// resolveProvider returns the provider name for the given chat/completion model.
// Falls back to "openai" if the model is unknown.
func resolveProvider(model string) string {
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// It checks EmbeddingModelAliases first, then ModelAliases for provider detection,
// and falls back to "openai".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// resolveChat picks {provider, model} for a chat/completion request. When a
// router is configured it runs the full ordered rule set (explicit
// "provider,model" form, intent mapping, custom hook, default/alias
// fallback); otherwise it falls back to the plain alias-table lookup.
func (g *Gateway) resolveChat(model string, meta inboundMetadata) router.Resolved {
	if g.router == nil {
		return router.Resolved{Provider: resolveProvider(model), Model: model}
	}
	return g.router.Resolve(router.Request{
		LogicalModel: model,
		Intents:      intentFlags(meta),
	})
}

// intentFlags projects the inbound metadata block onto the router's intent
// flag map.
func intentFlags(meta inboundMetadata) map[string]bool {
	return map[string]bool{
		router.IntentBackground:  meta.Background,
		router.IntentLongContext: meta.LongContext,
		router.IntentReasoning:   meta.Reasoning,
		router.IntentWebSearch:   meta.WebSearch,
		router.IntentImage:       meta.Image,
		router.IntentSubagent:    meta.Subagent,
	}
}
