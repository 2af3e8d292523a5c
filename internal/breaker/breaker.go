// Package breaker implements the per (provider, model) circuit breaker
// registry: a three-state machine (closed/open/half-open) guarding upstream
// dispatch. It generalizes the gateway's original single-provider breaker to
// key on the full ProviderModel tuple and to support a rolling failure-ratio
// threshold alongside the consecutive-failure count, with a configurable
// number of concurrent half-open probes.
package breaker

import (
	"sync"
	"time"
)

// State is the operational state of one breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state the way it is reported through metrics and the
// management API.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds the tuning thresholds for one breaker. Zero values fall back
// to the package defaults.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold int
	// FailureRatioThreshold trips the breaker when the failure ratio over the
	// last WindowSize outcomes meets or exceeds this value, once WindowSize
	// outcomes have been recorded (0 disables the ratio rule).
	FailureRatioThreshold float64
	// WindowSize is the number of most recent outcomes considered for the
	// rolling ratio rule.
	WindowSize int
	// OpenDuration is the base cooldown before a half-open probe is allowed.
	// It doubles (capped at MaxOpenDuration) every time a half-open probe
	// fails, and resets to the configured value on a successful close.
	OpenDuration time.Duration
	// MaxOpenDuration caps the exponential backoff of OpenDuration.
	MaxOpenDuration time.Duration
	// HalfOpenProbeCount is how many concurrent probes are allowed while
	// half-open.
	HalfOpenProbeCount int
}

const (
	defaultFailureThreshold = 5
	defaultWindowSize       = 20
	defaultOpenDuration     = 30 * time.Second
	defaultMaxOpenDuration  = 5 * time.Minute
	defaultHalfOpenProbes   = 1
)

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return defaultFailureThreshold
}

func (c Config) windowSize() int {
	if c.WindowSize > 0 {
		return c.WindowSize
	}
	return defaultWindowSize
}

func (c Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return defaultOpenDuration
}

func (c Config) maxOpenDuration() time.Duration {
	if c.MaxOpenDuration > 0 {
		return c.MaxOpenDuration
	}
	return defaultMaxOpenDuration
}

func (c Config) halfOpenProbeCount() int {
	if c.HalfOpenProbeCount > 0 {
		return c.HalfOpenProbeCount
	}
	return defaultHalfOpenProbes
}

// Key identifies one breaker: a (provider, model) pair. An empty Model
// breaks at the provider level only, which is how the registry is seeded
// before any per-model traffic has been observed.
type Key struct {
	Provider string
	Model    string
}

// Snapshot is a consistent, read-only view of one breaker's state, returned
// by Registry.Snapshot for metrics and management endpoints.
type Snapshot struct {
	Key                 Key
	State               State
	ConsecutiveFailures int
	RollingErrorRate    float64
	OpenedAt            time.Time
	NextProbeAt         time.Time
}

type entry struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	outcomes            []bool // ring of recent outcomes, true = success
	outcomeHead         int
	outcomeFilled       int

	openedAt        time.Time
	nextProbeAt     time.Time
	currentOpenSpan time.Duration
	probesInFlight  int
}

func newEntry(cfg Config) *entry {
	return &entry{
		state:    Closed,
		outcomes: make([]bool, cfg.windowSize()),
	}
}

func (e *entry) recordOutcome(success bool) {
	e.outcomes[e.outcomeHead] = success
	e.outcomeHead = (e.outcomeHead + 1) % len(e.outcomes)
	if e.outcomeFilled < len(e.outcomes) {
		e.outcomeFilled++
	}
}

func (e *entry) rollingErrorRate() float64 {
	if e.outcomeFilled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < e.outcomeFilled; i++ {
		if !e.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(e.outcomeFilled)
}

// Registry manages independent breakers for every (provider, model) pair
// seen so far. New keys are created lazily on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[Key]*entry
	cfg      Config
	now      func() time.Time
}

// New creates a Registry with the given thresholds, using time.Now as its
// clock; tests may inject a fake clock with WithClock.
func New(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[Key]*entry),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source (test helper).
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) get(key Key) *entry {
	r.mu.RLock()
	e, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.breakers[key]; ok {
		return e
	}
	e = newEntry(r.cfg)
	r.breakers[key] = e
	return e
}

// Allow reports whether a request to key should be dispatched now. It
// performs the open→half-open transition as a side effect when nextProbeAt
// has elapsed.
func (r *Registry) Allow(key Key) bool {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now()

	switch e.state {
	case Closed:
		return true
	case Open:
		if now.Before(e.nextProbeAt) {
			return false
		}
		e.state = HalfOpen
		e.probesInFlight = 1
		return true
	case HalfOpen:
		if e.probesInFlight >= r.cfg.halfOpenProbeCount() {
			return false
		}
		e.probesInFlight++
		return true
	}
	return true
}

// RecordSuccess reports a successful dispatch to key.
func (r *Registry) RecordSuccess(key Key) {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordOutcome(true)

	switch e.state {
	case HalfOpen:
		if e.probesInFlight > 0 {
			e.probesInFlight--
		}
		// All outstanding probes must succeed before closing; since the
		// registry only ever grants halfOpenProbeCount probes and each
		// success decrements the in-flight counter, reaching zero in-flight
		// with no intervening failure means every granted probe succeeded.
		if e.probesInFlight == 0 {
			e.state = Closed
			e.consecutiveFailures = 0
			e.currentOpenSpan = 0
		}
	default:
		e.state = Closed
		e.consecutiveFailures = 0
		e.currentOpenSpan = 0
	}
}

// RecordFailure reports a failed dispatch to key, tripping the breaker when
// thresholds are crossed.
func (r *Registry) RecordFailure(key Key) {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordOutcome(false)
	e.consecutiveFailures++

	now := r.now()

	switch e.state {
	case HalfOpen:
		e.trip(r.cfg, now)
	case Closed:
		ratio := e.rollingErrorRate()
		if e.consecutiveFailures >= r.cfg.failureThreshold() ||
			(r.cfg.FailureRatioThreshold > 0 && e.outcomeFilled >= r.cfg.windowSize() && ratio >= r.cfg.FailureRatioThreshold) {
			e.trip(r.cfg, now)
		}
	}
}

// trip opens the breaker, doubling the previous open span (capped) to
// implement exponential backoff across repeated half-open failures.
func (e *entry) trip(cfg Config, now time.Time) {
	if e.currentOpenSpan == 0 {
		e.currentOpenSpan = cfg.openDuration()
	} else {
		e.currentOpenSpan *= 2
		if max := cfg.maxOpenDuration(); e.currentOpenSpan > max {
			e.currentOpenSpan = max
		}
	}
	e.state = Open
	e.openedAt = now
	e.nextProbeAt = now.Add(e.currentOpenSpan)
	e.probesInFlight = 0
}

// State returns the current state for key.
func (r *Registry) State(key Key) State {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a consistent view of key's breaker.
func (r *Registry) Snapshot(key Key) Snapshot {
	e := r.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Key:                 key,
		State:               e.state,
		ConsecutiveFailures: e.consecutiveFailures,
		RollingErrorRate:    e.rollingErrorRate(),
		OpenedAt:            e.openedAt,
		NextProbeAt:         e.nextProbeAt,
	}
}

// Snapshots returns a snapshot of every breaker created so far, for the
// management API and metrics export.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.Snapshot(k))
	}
	return out
}

// Seed pre-creates breakers for the given keys so metrics gauges have a
// value before any traffic arrives, matching the teacher's startup texture.
func (r *Registry) Seed(keys ...Key) {
	for _, k := range keys {
		r.get(k)
	}
}
