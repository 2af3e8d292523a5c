// Package connpool implements the per-origin HTTP connection pool: shared
// keep-alive transports with configurable dial/TLS/idle limits, connection
// reuse accounting, and session affinity. It is grounded on the gateway
// pack's shared-transport pattern (one *http.Transport per upstream origin,
// wrapped with a metrics-recording RoundTripper) and adds the session
// affinity and active/idle/reuse-rate bookkeeping the base pattern lacks.
package connpool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Acquire when an origin is at its
// concurrency limit and waitTimeout elapses before a slot frees up.
var ErrPoolExhausted = errors.New("connpool: pool exhausted")

// Config tunes one origin's pool. Zero values fall back to DefaultConfig.
type Config struct {
	MaxPerOrigin          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// WaitTimeout bounds how long Acquire blocks when an origin is at
	// MaxPerOrigin before returning ErrPoolExhausted.
	WaitTimeout time.Duration

	// MaxRequestsPerConnection forces a connection closed (instead of
	// recycled to idle) once it has served this many requests. 0 disables
	// the limit.
	MaxRequestsPerConnection int
	// MaxLifetime forces a connection closed once it has been open this
	// long, regardless of use. 0 disables the limit.
	MaxLifetime time.Duration

	// AffinityIdle is how long a session-to-connection binding survives
	// without activity before it is evicted (the connection itself is not
	// closed, only the affinity binding).
	AffinityIdle time.Duration
	// MaxAffineSessions bounds how many session bindings one origin may
	// hold; the oldest binding is evicted (LRU) once exceeded.
	MaxAffineSessions int

	// FreeSocketTimeout is given a default but is otherwise not used by the
	// pool: the background sweeper only drops expired affinity bindings and
	// closes no sockets; idle sockets are closed by the transport's
	// IdleConnTimeout.
	FreeSocketTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPerOrigin:             64,
		MaxIdleConnsPerHost:      32,
		IdleConnTimeout:          90 * time.Second,
		DialTimeout:              10 * time.Second,
		KeepAlive:                30 * time.Second,
		TLSHandshakeTimeout:      10 * time.Second,
		ResponseHeaderTimeout:    0,
		WaitTimeout:              5 * time.Second,
		MaxRequestsPerConnection: 0,
		MaxLifetime:              0,
		AffinityIdle:             2 * time.Minute,
		MaxAffineSessions:        1,
		FreeSocketTimeout:        2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerOrigin <= 0 {
		c.MaxPerOrigin = d.MaxPerOrigin
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = d.IdleConnTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = d.TLSHandshakeTimeout
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.AffinityIdle <= 0 {
		c.AffinityIdle = d.AffinityIdle
	}
	if c.MaxAffineSessions <= 0 {
		c.MaxAffineSessions = d.MaxAffineSessions
	}
	if c.FreeSocketTimeout <= 0 {
		c.FreeSocketTimeout = d.FreeSocketTimeout
	}
	return c
}

// Connection is a borrowed handle over a pooled keep-alive client.
type Connection struct {
	Origin         string
	CreatedAt      time.Time
	LastUsed       time.Time
	RequestsServed int
	SessionID      string

	client *http.Client
}

// Client returns the *http.Client this connection should use to make its
// single in-flight request. It is shared across connections to the same
// origin (the pooling happens inside http.Transport, same as stdlib idiom);
// Connection here tracks the logical lease, not a 1:1 socket.
func (c *Connection) Client() *http.Client { return c.client }

// Outcome describes how a dispatch using a leased connection concluded.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

type originState struct {
	mu sync.Mutex

	transport *http.Transport
	client    *http.Client

	active int
	idle   int

	createdTotal int64
	reuseTotal   int64

	waiters []chan struct{}

	affinity     map[string]*affineBinding
	affinityLRU  []string // session IDs, oldest-first
}

type affineBinding struct {
	conn     *Connection
	lastUsed time.Time
}

// Pool manages one set of origin states, shared across all providers.
type Pool struct {
	mu      sync.RWMutex
	origins map[string]*originState
	cfg     Config
	now     func() time.Time

	stopSweep chan struct{}
	swept     sync.Once
}

// New creates a Pool. Call Close on shutdown to stop the idle sweeper and
// release transports.
func New(cfg Config) *Pool {
	p := &Pool{
		origins:   make(map[string]*originState),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

func (p *Pool) originFor(origin string) *originState {
	p.mu.RLock()
	os, ok := p.origins[origin]
	p.mu.RUnlock()
	if ok {
		return os
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if os, ok = p.origins[origin]; ok {
		return os
	}

	transport := p.buildTransport()
	os = &originState{
		transport: transport,
		affinity:  make(map[string]*affineBinding),
	}
	os.client = &http.Client{Transport: &reuseTrackingRoundTripper{inner: transport, origin: os}}
	p.origins[origin] = os
	return os
}

func (p *Pool) buildTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: p.cfg.KeepAlive}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   p.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       p.cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   p.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.cfg.ResponseHeaderTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Acquire returns a Connection for origin, honoring session affinity and the
// per-origin concurrency limit. It blocks (bounded by cfg.WaitTimeout or the
// caller's context) when the origin is saturated.
func (p *Pool) Acquire(ctx context.Context, origin, sessionID string) (*Connection, error) {
	os := p.originFor(origin)

	for {
		os.mu.Lock()

		// The per-origin cap gates both paths equally: an affinity hit still
		// consumes a slot (Release will give it back), so it must not bypass
		// MaxPerOrigin just because the connection happens to be bound.
		if os.active < p.cfg.MaxPerOrigin {
			var bound *Connection
			if sessionID != "" {
				if b, ok := os.affinity[sessionID]; ok {
					b.lastUsed = p.now()
					os.touchAffinityLRU(sessionID)
					bound = b.conn
				}
			}

			os.active++
			if os.idle > 0 {
				os.idle--
				os.reuseTotal++
			} else if bound == nil {
				os.createdTotal++
			}
			os.mu.Unlock()

			if bound != nil {
				return bound, nil
			}

			conn := &Connection{
				Origin:    origin,
				CreatedAt: p.now(),
				LastUsed:  p.now(),
				SessionID: sessionID,
				client:    os.client,
			}
			if sessionID != "" {
				p.bindAffinity(os, sessionID, conn)
			}
			return conn, nil
		}

		wait := make(chan struct{})
		os.waiters = append(os.waiters, wait)
		os.mu.Unlock()

		timer := time.NewTimer(p.cfg.WaitTimeout)
		select {
		case <-wait:
			timer.Stop()
			continue
		case <-timer.C:
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) bindAffinity(os *originState, sessionID string, conn *Connection) {
	os.mu.Lock()
	defer os.mu.Unlock()
	os.affinity[sessionID] = &affineBinding{conn: conn, lastUsed: p.now()}
	os.touchAffinityLRU(sessionID)
	for len(os.affinityLRU) > p.cfg.MaxAffineSessions {
		oldest := os.affinityLRU[0]
		os.affinityLRU = os.affinityLRU[1:]
		delete(os.affinity, oldest)
	}
}

func (os *originState) touchAffinityLRU(sessionID string) {
	os.removeAffinityLRU(sessionID)
	os.affinityLRU = append(os.affinityLRU, sessionID)
}

// removeAffinityLRU splices sessionID out of the LRU order without
// re-inserting it. Callers hold os.mu.
func (os *originState) removeAffinityLRU(sessionID string) {
	for i, s := range os.affinityLRU {
		if s == sessionID {
			os.affinityLRU = append(os.affinityLRU[:i], os.affinityLRU[i+1:]...)
			return
		}
	}
}

// Release returns conn to the origin's idle pool, or closes it out if it has
// exceeded its request/lifetime budget or the dispatch failed.
func (p *Pool) Release(conn *Connection, outcome Outcome) {
	if conn == nil {
		return
	}
	os := p.originFor(conn.Origin)
	conn.RequestsServed++
	conn.LastUsed = p.now()

	closeIt := outcome == Failure ||
		(p.cfg.MaxRequestsPerConnection > 0 && conn.RequestsServed >= p.cfg.MaxRequestsPerConnection) ||
		(p.cfg.MaxLifetime > 0 && p.now().Sub(conn.CreatedAt) >= p.cfg.MaxLifetime)

	os.mu.Lock()
	if os.active > 0 {
		os.active--
	}
	if !closeIt {
		os.idle++
	} else if conn.SessionID != "" {
		delete(os.affinity, conn.SessionID)
	}
	var wake chan struct{}
	if len(os.waiters) > 0 {
		wake = os.waiters[0]
		os.waiters = os.waiters[1:]
	}
	os.mu.Unlock()

	if wake != nil {
		close(wake)
	}
}

// Stats is a point-in-time snapshot of one origin's pool utilization.
type Stats struct {
	Origin       string
	Active       int
	Idle         int
	CreatedTotal int64
	ReuseTotal   int64
	ReuseRate    float64
}

// Stats returns the current counters for origin (zero value if unseen).
func (p *Pool) Stats(origin string) Stats {
	os := p.originFor(origin)
	os.mu.Lock()
	defer os.mu.Unlock()
	return statsFromOrigin(origin, os)
}

func statsFromOrigin(origin string, os *originState) Stats {
	total := os.reuseTotal + os.createdTotal
	rate := 0.0
	if total > 0 {
		rate = float64(os.reuseTotal) / float64(total)
	}
	return Stats{
		Origin:       origin,
		Active:       os.active,
		Idle:         os.idle,
		CreatedTotal: os.createdTotal,
		ReuseTotal:   os.reuseTotal,
		ReuseRate:    rate,
	}
}

// AllStats returns a snapshot for every origin seen so far.
func (p *Pool) AllStats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.origins))
	for origin, os := range p.origins {
		os.mu.Lock()
		out = append(out, statsFromOrigin(origin, os))
		os.mu.Unlock()
	}
	return out
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepIdleAffinity()
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Pool) sweepIdleAffinity() {
	p.mu.RLock()
	origins := make([]*originState, 0, len(p.origins))
	for _, os := range p.origins {
		origins = append(origins, os)
	}
	p.mu.RUnlock()

	now := p.now()
	for _, os := range origins {
		os.mu.Lock()
		for sid, b := range os.affinity {
			if now.Sub(b.lastUsed) > p.cfg.AffinityIdle {
				delete(os.affinity, sid)
				os.removeAffinityLRU(sid)
			}
		}
		os.mu.Unlock()
	}
}

// Close stops the background sweeper and closes idle connections on every
// origin's transport.
func (p *Pool) Close() {
	p.swept.Do(func() { close(p.stopSweep) })
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, os := range p.origins {
		os.transport.CloseIdleConnections()
	}
}

// reuseTrackingRoundTripper is a thin pass-through. Reuse accounting happens
// in Acquire/Release against the logical idle-connection ledger; this type
// exists so each origin gets its own *http.Client without sharing transports
// across origins.
type reuseTrackingRoundTripper struct {
	inner  http.RoundTripper
	origin *originState
}

func (rt *reuseTrackingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.inner.RoundTrip(req)
}
