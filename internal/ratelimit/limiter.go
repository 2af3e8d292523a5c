// limiter.go generalizes RPMLimiter's Redis sliding-window primitive into the
// full hybrid rate limiter the base spec calls for (C7): a token bucket
// composed with a sliding window, evaluated per scope, with scopes combined
// by logical AND. The token-bucket half is golang.org/x/time/rate — pulled
// in from the wider pack the same way its warming/throttling paths use it.
// The sliding-window half is an in-memory per-bucket list of timestamps;
// it does not use RPMLimiter's Redis script, so its counts are local to
// this process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope identifies the dimension a bucket is keyed along.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeProvider Scope = "provider"
	ScopeKey      Scope = "key"
	ScopeSession  Scope = "session"
)

// BucketConfig configures one scoped bucket.
type BucketConfig struct {
	Scope               Scope
	Capacity            float64
	RefillRatePerSecond float64
	// WindowSeconds/MaxRequestsInWindow configure the optional sliding-window
	// counter composed with the token bucket. WindowSeconds == 0 disables the
	// sliding-window check for this bucket (token bucket alone governs it).
	WindowSeconds        int
	MaxRequestsInWindow  int
}

// Decision is the result of an Allow call.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

// scopedBucket pairs a token bucket with an optional in-memory sliding
// window counter for one (scope, key) pair.
type scopedBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	cfg     BucketConfig

	windowEvents []time.Time // timestamps within the last WindowSeconds
}

func newScopedBucket(cfg BucketConfig) *scopedBucket {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	refill := cfg.RefillRatePerSecond
	if refill <= 0 {
		refill = capacity
	}
	return &scopedBucket{
		limiter: rate.NewLimiter(rate.Limit(refill), int(capacity)),
		cfg:     cfg,
	}
}

func (b *scopedBucket) allow(now time.Time, cost int) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sliding window check first: if it would deny, compute retryAfter from
	// the oldest in-window event without touching the token bucket's state.
	if b.cfg.WindowSeconds > 0 && b.cfg.MaxRequestsInWindow > 0 {
		cutoff := now.Add(-time.Duration(b.cfg.WindowSeconds) * time.Second)
		kept := b.windowEvents[:0]
		for _, t := range b.windowEvents {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.windowEvents = kept

		if len(b.windowEvents) >= b.cfg.MaxRequestsInWindow {
			oldest := b.windowEvents[0]
			retryAfter := oldest.Add(time.Duration(b.cfg.WindowSeconds) * time.Second).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return Decision{OK: false, RetryAfter: retryAfter}
		}
	}

	reservation := b.limiter.ReserveN(now, cost)
	if !reservation.OK() {
		return Decision{OK: false, RetryAfter: 0}
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.Cancel()
		if delay < 0 {
			delay = 0
		}
		return Decision{OK: false, RetryAfter: delay}
	}

	if b.cfg.WindowSeconds > 0 && b.cfg.MaxRequestsInWindow > 0 {
		b.windowEvents = append(b.windowEvents, now)
	}
	return Decision{OK: true}
}

// Limiter composes multiple scoped buckets. Every applicable scope must
// admit (logical AND); the overall retryAfter is the maximum across denying
// scopes.
type Limiter struct {
	mu      sync.Mutex
	configs map[Scope]BucketConfig
	buckets map[string]*scopedBucket
	now     func() time.Time
}

// New creates a Limiter. configs supplies the default bucket shape for each
// scope that should be enforced; a scope absent from configs is not checked.
func New(configs map[Scope]BucketConfig) *Limiter {
	return &Limiter{
		configs: configs,
		buckets: make(map[string]*scopedBucket),
		now:     time.Now,
	}
}

func (l *Limiter) bucketFor(scope Scope, key string) (*scopedBucket, bool) {
	cfg, ok := l.configs[scope]
	if !ok {
		return nil, false
	}
	cacheKey := string(scope) + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[cacheKey]
	if !ok {
		b = newScopedBucket(cfg)
		l.buckets[cacheKey] = b
	}
	return b, true
}

// Keys identifies the per-scope key for one Allow call, e.g.
// {ScopeProvider: "openai", ScopeSession: "sess-123"}.
type Keys map[Scope]string

// Allow evaluates every configured scope present in keys, requiring all to
// admit. cost defaults to 1 when ≤ 0.
func (l *Limiter) Allow(ctx context.Context, keys Keys, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := l.now()

	var maxRetry time.Duration
	denied := false

	// Always check global even if not present in keys.
	scopesToCheck := make([]Scope, 0, len(keys)+1)
	scopesToCheck = append(scopesToCheck, ScopeGlobal)
	for scope := range keys {
		if scope != ScopeGlobal {
			scopesToCheck = append(scopesToCheck, scope)
		}
	}

	for _, scope := range scopesToCheck {
		key := keys[scope]
		b, ok := l.bucketFor(scope, key)
		if !ok {
			continue
		}
		d := b.allow(now, cost)
		if !d.OK {
			denied = true
			if d.RetryAfter > maxRetry {
				maxRetry = d.RetryAfter
			}
		}
	}

	if denied {
		if maxRetry < 0 {
			maxRetry = 0
		}
		return Decision{OK: false, RetryAfter: maxRetry}
	}
	return Decision{OK: true}
}

// WithClock overrides the time source (test helper).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// GlobalKeys is a convenience constructor for a single-scope global check.
func GlobalKeys() Keys { return Keys{ScopeGlobal: "global"} }

// String renders keys for logging/metrics labels.
func (k Keys) String() string {
	return fmt.Sprintf("%v", map[Scope]string(k))
}
