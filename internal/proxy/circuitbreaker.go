package proxy

import (
	"time"

	"github.com/shingate/gateway/internal/breaker"
	"github.com/shingate/gateway/internal/providers"
)

// cbState represents the operational state of a circuit breaker, mirrored
// from breaker.State so callers outside this package don't need to import
// internal/breaker directly.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; a bounded number of requests are allowed to
//	             test the provider.
type cbState int

const (
	cbClosed   cbState = cbState(breaker.Closed)
	cbOpen     cbState = cbState(breaker.Open)
	cbHalfOpen cbState = cbState(breaker.HalfOpen)
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults defined in providers/provider.go, preserving the
// original gateway's tuning surface even though the engine underneath now
// also supports a rolling failure-ratio rule and multiple half-open probes.
type CBConfig struct {
	// ErrorThreshold is the number of consecutive failures that trips the
	// breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is kept from the original tuning surface but is not passed
	// to the breaker engine; the failure-ratio rule's window is sized by
	// WindowSize, not by time.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// probe request. Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration

	// FailureRatioThreshold trips the breaker when the rolling failure ratio
	// meets or exceeds this value, in addition to the consecutive-failure rule. Zero
	// disables the ratio rule, matching the original provider-level breaker.
	FailureRatioThreshold float64

	// WindowSize is the number of most recent outcomes the ratio rule
	// considers. Default: providers.CBErrorThreshold * 4.
	WindowSize int

	// HalfOpenProbeCount is how many concurrent probes are allowed while
	// half-open. Default: 1, matching the original single-probe behavior.
	HalfOpenProbeCount int

	// MaxOpenDuration caps the exponential backoff applied across repeated
	// half-open failures. Default: 10x HalfOpenTimeout.
	MaxOpenDuration time.Duration
}

func (c CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

func (c CBConfig) windowSize() int {
	if c.WindowSize > 0 {
		return c.WindowSize
	}
	return c.errorThreshold() * 4
}

func (c CBConfig) maxOpenDuration() time.Duration {
	if c.MaxOpenDuration > 0 {
		return c.MaxOpenDuration
	}
	return c.halfOpenTimeout() * 10
}

func (c CBConfig) toBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:      c.errorThreshold(),
		FailureRatioThreshold: c.FailureRatioThreshold,
		WindowSize:            c.windowSize(),
		OpenDuration:          c.halfOpenTimeout(),
		MaxOpenDuration:       c.maxOpenDuration(),
		HalfOpenProbeCount:    c.HalfOpenProbeCount,
	}
}

// CircuitBreaker manages independent circuit breakers for each LLM provider,
// and, where the caller supplies a model name, for each (provider, model)
// pair within it. It is a thin, API-compatible facade over
// internal/breaker.Registry — the provider-only methods address the
// registry under the empty-model key, which is seeded up front for every
// provider in providers.DefaultFallbackOrder so metrics gauges have a value
// before any traffic arrives.
type CircuitBreaker struct {
	reg *breaker.Registry
	cfg CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings for every
// provider in providers.DefaultFallbackOrder.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		reg: breaker.New(cfg.toBreakerConfig()),
		cfg: cfg,
	}
	keys := make([]breaker.Key, 0, len(providers.DefaultFallbackOrder))
	for _, name := range providers.DefaultFallbackOrder {
		keys = append(keys, breaker.Key{Provider: name})
	}
	cb.reg.Seed(keys...)
	return cb
}

// Allow reports whether the named provider should receive its next request,
// tracked at the provider level (no specific model). See AllowModel for the
// per-model variant used on the hot request path.
func (cb *CircuitBreaker) Allow(provider string) bool {
	return cb.reg.Allow(breaker.Key{Provider: provider})
}

// AllowModel reports whether a request for (provider, model) should be
// dispatched now.
func (cb *CircuitBreaker) AllowModel(provider, model string) bool {
	return cb.reg.Allow(breaker.Key{Provider: provider, Model: model})
}

// RecordSuccess marks a successful response for provider at the provider
// level. See RecordSuccessModel for the per-model variant.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.reg.RecordSuccess(breaker.Key{Provider: provider})
}

// RecordSuccessModel marks a successful response for (provider, model).
func (cb *CircuitBreaker) RecordSuccessModel(provider, model string) {
	cb.reg.RecordSuccess(breaker.Key{Provider: provider, Model: model})
}

// RecordFailure reports a failed request for provider at the provider level.
// See RecordFailureModel for the per-model variant.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.reg.RecordFailure(breaker.Key{Provider: provider})
}

// RecordFailureModel reports a failed request for (provider, model). The
// breaker trips when either the consecutive-failure count or (if configured)
// the rolling failure ratio crosses its threshold.
func (cb *CircuitBreaker) RecordFailureModel(provider, model string) {
	cb.reg.RecordFailure(breaker.Key{Provider: provider, Model: model})
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	return cbState(cb.reg.State(breaker.Key{Provider: provider}))
}

// StateModel returns the current cbState for (provider, model).
func (cb *CircuitBreaker) StateModel(provider, model string) cbState {
	return cbState(cb.reg.State(breaker.Key{Provider: provider, Model: model}))
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	return breaker.State(cb.State(provider)).String()
}

// StateLabelModel is the (provider, model) counterpart of StateLabel.
func (cb *CircuitBreaker) StateLabelModel(provider, model string) string {
	return breaker.State(cb.StateModel(provider, model)).String()
}

// Snapshots exposes every breaker tracked so far, for the circuit breaker
// management endpoint.
func (cb *CircuitBreaker) Snapshots() []breaker.Snapshot {
	return cb.reg.Snapshots()
}
