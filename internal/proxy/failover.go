package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shingate/gateway/internal/connpool"
	"github.com/shingate/gateway/internal/keypool"
	"github.com/shingate/gateway/internal/providers"
	"github.com/shingate/gateway/internal/ratelimit"
	"github.com/shingate/gateway/internal/sequencer"
)

// errRateLimited is returned when a candidate is skipped because the hybrid
// scoped rate limiter denied it. It never reaches the caller directly — it
// is only ever lastErr when every candidate is exhausted.
var errRateLimited = errors.New("proxy: rate limit exceeded")

// errCircuitOpen is the lastErr recorded when every remaining candidate was
// skipped because its circuit breaker is open.
var errCircuitOpen = errors.New("proxy: circuit breaker open")

// failoverEvent records one failover attempt for observability.
type failoverEvent struct {
	From      string
	To        string
	Reason    string
	LatencyMs int64
}

// requestWithFailover tries the primary provider and, on retryable errors,
// walks through providers.DefaultFallbackOrder until one succeeds or
// g.maxRetries is exhausted.
//
// It skips providers whose circuit breaker is in the Open state.
// Returns the successful response, the name of the provider that served it,
// and nil — or nil, "", and an error if every candidate fails.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	primary string,
	route string,
) (*providers.ProxyResponse, string, error) {

	candidates := buildCandidateList(primary)

	var lastErr error

	prevProvider := ""
	prevReason := ""
	havePrevFailure := false
	attempts := 0

	for _, name := range candidates {
		if attempts >= g.maxRetries {
			break
		}

		prov, ok := g.providers[name]
		if !ok {
			continue // provider not configured, skip
		}

		// Skip providers whose circuit breaker is open, at the (provider,
		// model) granularity so one hot model tripping doesn't starve the
		// rest of a provider's catalog.
		if g.cb != nil && !g.cb.AllowModel(name, req.Model) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
				slog.String("model", req.Model),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabelModel(name, req.Model))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.StateModel(name, req.Model)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			lastErr = errCircuitOpen
			prevProvider, prevReason, havePrevFailure = name, "circuit_open", true
			continue
		}

		// We are switching to a different provider after a failure.
		if havePrevFailure && prevProvider != "" && prevProvider != name {
			if g.metrics != nil {
				g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
			}
		}

		// Sequential-mode admission ("shin mode"): at most one in-flight
		// request per provider while sequential mode is enabled for it.
		var slot *sequencer.Slot
		if g.sequencer != nil {
			s, err := g.sequencer.Enter(ctx, name, sequencer.Priority(req.Priority))
			if err != nil {
				reason := "queue_full"
				if errors.Is(err, sequencer.ErrQueueTimeout) {
					reason = "queue_timeout"
				}
				if g.metrics != nil {
					g.metrics.RecordError(name, reason)
					g.metrics.ObserveUpstreamAttempt(name, route, reason, 0)
				}
				g.log.WarnContext(ctx, "sequencer_rejected",
					slog.String("request_id", req.RequestID),
					slog.String("provider", name),
					slog.String("reason", reason),
				)
				lastErr = err
				prevProvider, prevReason, havePrevFailure = name, reason, true
				continue
			}
			slot = s
		}

		// API-key lease for this candidate's pool, if configured.
		var lease *keypool.Lease
		if pool, ok := g.keyPools[name]; ok {
			l, err := pool.Lease()
			if err != nil {
				if slot != nil {
					g.sequencer.Exit(slot)
				}
				if g.metrics != nil {
					g.metrics.RecordError(name, "no_key_available")
					g.metrics.ObserveUpstreamAttempt(name, route, "no_key_available", 0)
				}
				g.log.WarnContext(ctx, "no_key_available",
					slog.String("request_id", req.RequestID),
					slog.String("provider", name),
				)
				lastErr = err
				prevProvider, prevReason, havePrevFailure = name, "no_key_available", true
				continue
			}
			lease = l
		}

		// Per-origin connection-pool admission and session affinity.
		var conn *connpool.Connection
		if g.connPool != nil {
			origin := providers.OriginFor(name, "")
			c, err := g.connPool.Acquire(ctx, origin, req.SessionID)
			if err != nil {
				if lease != nil {
					g.keyPools[name].Release(lease, keypool.Failure)
				}
				if slot != nil {
					g.sequencer.Exit(slot)
				}
				if g.metrics != nil {
					g.metrics.RecordError(name, "pool_exhausted")
					g.metrics.ObserveUpstreamAttempt(name, route, "pool_exhausted", 0)
				}
				g.log.WarnContext(ctx, "connpool_exhausted",
					slog.String("request_id", req.RequestID),
					slog.String("provider", name),
					slog.String("origin", origin),
				)
				lastErr = err
				prevProvider, prevReason, havePrevFailure = name, "pool_exhausted", true
				continue
			}
			conn = c
		}

		// Hybrid scoped rate limiter — global, per-provider, and per-session
		// buckets all AND together; a scope absent from the limiter's
		// configuration is simply skipped.
		if g.hybridLimiter != nil {
			keys := ratelimit.Keys{ratelimit.ScopeGlobal: "global", ratelimit.ScopeProvider: name}
			if req.SessionID != "" {
				keys[ratelimit.ScopeSession] = req.SessionID
			}
			if lease != nil {
				keys[ratelimit.ScopeKey] = lease.Key.ID
			}
			if d := g.hybridLimiter.Allow(ctx, keys, 1); !d.OK {
				releaseCandidate(g, name, lease, conn, slot, keypool.Failure, connpool.Failure)
				if g.metrics != nil {
					g.metrics.RecordRateLimit("blocked")
					g.metrics.ObserveUpstreamAttempt(name, route, "rate_limited", 0)
				}
				lastErr = errRateLimited
				prevProvider, prevReason, havePrevFailure = name, "rate_limited", true
				continue
			}
			if g.metrics != nil {
				g.metrics.RecordRateLimit("allowed")
			}
		}

		start := time.Now()
		resp, err := prov.Request(ctx, req)
		dur := time.Since(start)
		latencyMs := dur.Milliseconds()
		attempts++

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			}
			// ── Success ───────────────────────────────────────────────────────
			releaseCandidate(g, name, lease, conn, slot, keypool.Success, connpool.Success)
			if g.cb != nil {
				g.cb.RecordSuccessModel(name, req.Model)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.StateModel(name, req.Model)))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", latencyMs),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, name, nil
		}

		// ── Failure ───────────────────────────────────────────────────────────
		releaseCandidate(g, name, lease, conn, slot, keyOutcomeFor(err), connpool.Failure)
		if g.cb != nil {
			g.cb.RecordFailureModel(name, req.Model)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.StateModel(name, req.Model)))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name
		prevReason = reason
		havePrevFailure = true

		// Non-retryable errors (4xx) abort failover immediately — further
		// providers are unlikely to return a different result for the same
		// request parameters.
		if !isRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", fmt.Errorf("failover: all providers failed after %d attempt(s): %w", attempts, lastErr)
}

// releaseCandidate returns the key lease, connection, and sequencer slot
// acquired for one failover candidate, in the reverse order they were
// acquired. Any of the three may be nil when that subsystem isn't wired.
func releaseCandidate(
	g *Gateway,
	name string,
	lease *keypool.Lease,
	conn *connpool.Connection,
	slot *sequencer.Slot,
	keyOutcome keypool.Outcome,
	connOutcome connpool.Outcome,
) {
	if g.connPool != nil && conn != nil {
		g.connPool.Release(conn, connOutcome)
	}
	if pool, ok := g.keyPools[name]; ok && lease != nil {
		pool.Release(lease, keyOutcome)
	}
	if g.sequencer != nil && slot != nil {
		g.sequencer.Exit(slot)
	}
}

// keyOutcomeFor classifies a provider error into the key-pool outcome that
// should drive its cooldown/disable decision: auth errors disable a key
// immediately, 429s trigger a moderate cooldown, everything else is a
// generic failure.
func keyOutcomeFor(err error) keypool.Outcome {
	var sc providers.StatusCoder
	if !errors.As(err, &sc) {
		return keypool.Failure
	}
	switch status := sc.HTTPStatus(); {
	case status == 401 || status == 403:
		return keypool.AuthFailure
	case status == 429:
		return keypool.RateLimited
	default:
		return keypool.Failure
	}
}

// buildCandidateList returns an ordered slice starting with primary, followed
// by the remaining providers in DefaultFallbackOrder (deduped).
func buildCandidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// isRetryable returns true for errors that should trigger provider failover.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (timeout, different provider may be faster)
//   - 4xx provider errors → NOT retryable (bad request / auth — won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true // unknown errors are treated as retryable
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
