// pubsub.go implements the update-event broadcast the supplemented metrics
// streaming endpoint (SPEC_FULL.md §3, /api/metrics/stream) consumes: every
// Aggregator.Observe fans out a snapshot to subscribed SSE connections.
package metrics

import "sync"

// Broadcaster fans out Snapshots to any number of subscribers. A slow or
// absent subscriber never blocks Publish — each subscriber has its own
// bounded channel and a publish to a full channel is dropped for that
// subscriber only.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Snapshot
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Snapshot)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done (e.g. when the SSE
// connection closes).
func (b *Broadcaster) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Snapshot, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

// Publish delivers snap to every current subscriber, dropping it for any
// subscriber whose channel is full rather than blocking the caller.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
