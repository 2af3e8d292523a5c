// Package sequencer implements the per-provider sequential-processing queue
// ("shin mode" in the gateway's own terminology, after the fair-scheduling
// configuration shape it is grounded on: a weighted, bounded-depth queue
// with a queue-wide timeout). At most one request per provider may be in
// the processing state while sequential mode is enabled for that provider.
package sequencer

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrQueueTimeout is returned by Enter when the caller's deadline elapses
// before it reaches the head of the line and the processing slot is free.
var ErrQueueTimeout = errors.New("sequencer: queue timeout")

// ErrQueueFull is returned by Enter when the provider's queue is already at
// maxDepth.
var ErrQueueFull = errors.New("sequencer: queue full")

// Priority tiers, highest first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

// ParsePriority maps a client-facing string to a tier, defaulting to Normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return Critical
	case "high":
		return High
	case "low":
		return Low
	default:
		return Normal
	}
}

// Config tunes one provider's queue.
type Config struct {
	MaxDepth int
}

func (c Config) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return 1000
}

type waiter struct {
	priority Priority
	ready    chan struct{}
	done     bool
}

type providerQueue struct {
	mu         sync.Mutex
	sequential bool
	processing bool
	tiers      [Low + 1]*list.List // FIFO per priority tier
	depth      int
	cfg        Config
}

func newProviderQueue(cfg Config) *providerQueue {
	pq := &providerQueue{sequential: true, cfg: cfg}
	for i := range pq.tiers {
		pq.tiers[i] = list.New()
	}
	return pq
}

// Slot represents an admitted, in-flight processing turn. Exit must be
// called exactly once to release it.
type Slot struct {
	provider string
	w        *waiter
}

// Registry manages one providerQueue per provider name.
type Registry struct {
	mu    sync.Mutex
	queue map[string]*providerQueue
	cfg   Config
}

// New creates a Registry. Providers default to sequential=true (the base
// spec's "shin mode") until SetMode is called to switch them.
func New(cfg Config) *Registry {
	return &Registry{queue: make(map[string]*providerQueue), cfg: cfg}
}

func (r *Registry) get(provider string) *providerQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	pq, ok := r.queue[provider]
	if !ok {
		pq = newProviderQueue(r.cfg)
		r.queue[provider] = pq
	}
	return pq
}

// SetMode toggles sequential mode for a provider. Switching to concurrent
// immediately drains all current waiters (admitting them without the
// single-flight constraint); switching to sequential only affects requests
// enqueued from that point on — it does not interrupt anything already
// admitted.
func (r *Registry) SetMode(provider string, sequential bool) {
	pq := r.get(provider)
	pq.mu.Lock()
	defer pq.mu.Unlock()

	wasSequential := pq.sequential
	pq.sequential = sequential

	if wasSequential && !sequential {
		pq.drainLocked()
	}
}

// IsSequential reports whether sequential mode is currently active for
// provider.
func (r *Registry) IsSequential(provider string) bool {
	pq := r.get(provider)
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.sequential
}

func (pq *providerQueue) drainLocked() {
	for tier := range pq.tiers {
		l := pq.tiers[tier]
		for e := l.Front(); e != nil; {
			next := e.Next()
			w := e.Value.(*waiter)
			l.Remove(e)
			pq.depth--
			if !w.done {
				w.done = true
				close(w.ready)
			}
			e = next
		}
	}
}

// Enter parks the caller until it is admitted to process for provider, or
// ctx is done, or it is the head of an empty, non-sequential queue (fast
// path: immediate admission). Admission order is strict priority, FIFO
// within a tier; an in-flight processing request is never preempted.
func (r *Registry) Enter(ctx context.Context, provider string, priority Priority) (*Slot, error) {
	pq := r.get(provider)

	pq.mu.Lock()
	if !pq.sequential {
		pq.mu.Unlock()
		return &Slot{provider: provider}, nil // concurrent mode: no gating
	}

	if pq.depth >= pq.cfg.maxDepth() {
		pq.mu.Unlock()
		return nil, ErrQueueFull
	}

	w := &waiter{priority: priority, ready: make(chan struct{})}
	elem := pq.tiers[priority].PushBack(w)
	pq.depth++
	pq.tryAdmitLocked()
	pq.mu.Unlock()

	select {
	case <-w.ready:
		return &Slot{provider: provider, w: w}, nil
	case <-ctx.Done():
		pq.mu.Lock()
		if !w.done {
			pq.tiers[priority].Remove(elem)
			pq.depth--
			w.done = true
		} else {
			// Already admitted concurrently with cancellation; release the
			// slot we'd otherwise leak.
			pq.mu.Unlock()
			r.Exit(&Slot{provider: provider, w: w})
			return nil, ErrQueueTimeout
		}
		pq.mu.Unlock()
		return nil, ErrQueueTimeout
	}
}

// tryAdmitLocked admits the head-of-line waiter if the processing slot is
// free. Caller must hold pq.mu.
func (pq *providerQueue) tryAdmitLocked() {
	if pq.processing {
		return
	}
	for tier := range pq.tiers {
		l := pq.tiers[tier]
		if e := l.Front(); e != nil {
			w := e.Value.(*waiter)
			l.Remove(e)
			pq.depth--
			pq.processing = true
			if !w.done {
				w.done = true
				close(w.ready)
			}
			return
		}
	}
}

// Exit releases the processing slot held by Slot and wakes the next waiter.
func (r *Registry) Exit(s *Slot) {
	if s == nil || s.w == nil {
		return // concurrent-mode pass-through slot: nothing to release
	}
	pq := r.get(s.provider)
	pq.mu.Lock()
	pq.processing = false
	pq.tryAdmitLocked()
	pq.mu.Unlock()
}

// Depth reports the current queue depth for provider (waiters only, not
// counting the one in-flight processing slot).
func (r *Registry) Depth(provider string) int {
	pq := r.get(provider)
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.depth
}
