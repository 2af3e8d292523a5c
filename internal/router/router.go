// Package router implements the request router (C10): picking a concrete
// (provider, model) pair from a logical client request. It never blocks and
// never performs I/O — it consults only the configuration snapshot handed to
// it at construction, per the base spec's contract.
package router

import (
	"strings"

	"github.com/shingate/gateway/internal/providers"
)

// Resolved is the router's output: the concrete provider and model to
// dispatch to.
type Resolved struct {
	Provider string
	Model    string
}

// Intent flags recognized on an inbound request, in the priority order the
// base spec fixes (first match wins).
const (
	IntentBackground  = "background"
	IntentLongContext = "longContext"
	IntentReasoning   = "reasoning"
	IntentWebSearch   = "webSearch"
	IntentImage       = "image"
	IntentSubagent    = "subagent"
)

var intentOrder = []string{
	IntentBackground, IntentLongContext, IntentReasoning,
	IntentWebSearch, IntentImage, IntentSubagent,
}

// Request carries everything the router needs: the client-supplied model
// identifier, any recognized intent flags, and an estimated prompt token
// count (useful for a custom hook, e.g. routing to a long-context model once
// the estimate crosses a threshold).
type Request struct {
	LogicalModel     string
	Intents          map[string]bool
	PromptTokenCount int
}

// Hook is a custom routing function consulted after intent mapping and
// before the default model. A non-empty Resolved.Provider wins.
type Hook func(req Request) Resolved

// IntentMap configures the provider+model used for each recognized intent.
type IntentMap map[string]Resolved

// Config is the immutable routing configuration consulted by Resolve.
type Config struct {
	// Intents maps an intent flag to the provider+model to use for it.
	Intents IntentMap
	// DefaultModel is used when no rule above matches.
	DefaultModel Resolved
	// Hook, if set, is consulted after intent mapping.
	Hook Hook
	// Aliases overrides providers.ModelAliases for plain model-name lookups
	// (rule 4 fallback, consulted only when DefaultModel is unset).
	// A nil map uses providers.ModelAliases.
	Aliases map[string]string
}

// Router resolves a Request into a Resolved provider+model using the base
// spec's four ordered rules:
//
//  1. explicit "provider,model" in LogicalModel,
//  2. a recognized intent flag's configured mapping,
//  3. a custom routing hook,
//  4. the default model (falling back through the model alias table).
type Router struct {
	cfg Config
}

// New creates a Router bound to an immutable config snapshot.
func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve implements the selection rules. It is pure and allocation-light;
// no I/O, no blocking.
func (r *Router) Resolve(req Request) Resolved {
	// Rule 1: explicit "provider,model" form.
	if provider, model, ok := splitExplicit(req.LogicalModel); ok {
		return Resolved{Provider: provider, Model: model}
	}

	// Rule 2: recognized intent flag, checked in fixed priority order so two
	// simultaneously-set flags resolve deterministically.
	for _, intent := range intentOrder {
		if req.Intents[intent] {
			if res, ok := r.cfg.Intents[intent]; ok {
				return res
			}
		}
	}

	// Rule 3: custom hook.
	if r.cfg.Hook != nil {
		if res := r.cfg.Hook(req); res.Provider != "" {
			return res
		}
	}

	// Rule 4: default model, or alias-table resolution of the bare model name.
	if r.cfg.DefaultModel.Provider != "" {
		return r.cfg.DefaultModel
	}
	return Resolved{Provider: r.resolveAlias(req.LogicalModel), Model: req.LogicalModel}
}

func (r *Router) resolveAlias(model string) string {
	aliases := r.cfg.Aliases
	if aliases == nil {
		aliases = providers.ModelAliases
	}
	if name, ok := aliases[model]; ok {
		return name
	}
	return "openai"
}

// splitExplicit parses the "provider,model" comma form. Whitespace around
// either half is trimmed; both halves must be non-empty.
func splitExplicit(logicalModel string) (provider, model string, ok bool) {
	idx := strings.IndexByte(logicalModel, ',')
	if idx < 0 {
		return "", "", false
	}
	p := strings.TrimSpace(logicalModel[:idx])
	m := strings.TrimSpace(logicalModel[idx+1:])
	if p == "" || m == "" {
		return "", "", false
	}
	return p, m, true
}

// ResolveEmbedding mirrors Resolve for the embeddings endpoint, which has no
// intent flags — only explicit provider,model and the embedding alias table.
func ResolveEmbedding(model string, aliases map[string]string) Resolved {
	if provider, m, ok := splitExplicit(model); ok {
		return Resolved{Provider: provider, Model: m}
	}
	if aliases == nil {
		aliases = providers.EmbeddingModelAliases
	}
	if name, ok := aliases[model]; ok {
		return Resolved{Provider: name, Model: model}
	}
	if name, ok := providers.ModelAliases[model]; ok {
		return Resolved{Provider: name, Model: model}
	}
	return Resolved{Provider: "openai", Model: model}
}
