// store.go composes the in-memory L1 (container/list LRU, bounded by entry
// count and byte size) with the Redis-backed L2 (ExactCache) into the single
// Store the gateway's cache layer (C8) presents, promoting L2 hits into L1
// and coalescing concurrent lookups for the same key through
// golang.org/x/sync/singleflight so a cache stampede on a popular prompt
// produces one computation, not N. LRU eviction and TTL expiry are handled
// inside Store itself (evictIfNeededLocked, getL1); the coalescing contract is
// the same shape as cache-manager/singleflight.go's RequestCoalescer,
// wired to the real library instead of a hand-rolled one.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is one L1 slot.
type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of store activity.
type Stats struct {
	Hits        int64
	Misses      int64
	Entries     int
	Bytes       int64
	HitRate     float64
}

// Limits bounds L1 size.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
	// TTLJitter adds up to this much random slack to each entry's TTL so
	// many entries written together don't all expire in the same instant.
	TTLJitter time.Duration
}

// Store layers an L1 in-memory LRU in front of an optional L2 (Redis).
// L2 may be nil, in which case Store behaves as an L1-only cache.
type Store struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	limits   Limits
	curBytes int64

	l2 Cache

	hits, misses int64

	flight singleflight.Group

	jitter func(time.Duration) time.Duration
}

// NewStore creates a layered Store. l2 may be nil for L1-only operation.
func NewStore(limits Limits, l2 Cache) *Store {
	if limits.MaxEntries <= 0 {
		limits.MaxEntries = 10000
	}
	return &Store{
		ll:     list.New(),
		items:  make(map[string]*list.Element),
		limits: limits,
		l2:     l2,
		jitter: defaultJitter,
	}
}

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(max))
}

// Get checks L1, then L2, promoting an L2 hit into L1.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := s.getL1(key); ok {
		s.recordHit()
		return v, true
	}

	if s.l2 != nil {
		if v, ok := s.l2.Get(ctx, key); ok {
			// Promote into L1 for the entry's actual remaining lifetime, not a
			// fixed window — otherwise a short-TTL entry would keep serving
			// stale data from L1 long after L2 (and the caller's intent) has
			// let it expire. Fall back to an hour only when L2 can't report a
			// TTL (e.g. the key has no expiry).
			ttl := time.Hour
			if remaining, ok := s.l2.TTL(ctx, key); ok {
				ttl = remaining
			}
			s.setL1(key, v, s.ttlWithJitter(ttl))
			s.recordHit()
			return v, true
		}
	}

	s.recordMiss()
	return nil, false
}

// GetOrCompute coalesces concurrent misses for the same key: only one
// caller actually runs compute, and every caller waiting on the same key
// receives its result.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() ([]byte, error)) ([]byte, error) {
	if v, ok := s.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		if v, ok := s.Get(ctx, key); ok {
			return v, nil
		}
		result, err := compute()
		if err != nil {
			return nil, err
		}
		if setErr := s.Set(ctx, key, result, ttl); setErr != nil {
			return result, setErr
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set writes to both L1 and L2 (when present).
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.setL1(key, value, s.ttlWithJitter(ttl))
	if s.l2 != nil {
		return s.l2.Set(ctx, key, value, ttl)
	}
	return nil
}

// Delete removes key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.removeElementLocked(el)
	}
	s.mu.Unlock()

	if s.l2 != nil {
		return s.l2.Delete(ctx, key)
	}
	return nil
}

// InvalidatePrefix removes every L1 key with the given prefix; used for
// coarse invalidation (e.g. "workspace:ws-123:" after a config change).
// L2 entries age out by TTL — Redis has no efficient prefix scan here.
func (s *Store) InvalidatePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, el := range s.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			s.removeElementLocked(el)
			removed++
		}
	}
	return removed
}

// Flush empties L1 entirely.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.items = make(map[string]*list.Element)
	s.curBytes = 0
}

// Stats returns a snapshot of hit/miss/size counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries := s.ll.Len()
	bytes := s.curBytes
	s.mu.Unlock()

	hits := s.hits
	misses := s.misses
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, Entries: entries, Bytes: bytes, HitRate: rate}
}

func (s *Store) ttlWithJitter(ttl time.Duration) time.Duration {
	if s.limits.TTLJitter <= 0 {
		return ttl
	}
	return ttl + s.jitter(s.limits.TTLJitter)
}

func (s *Store) getL1(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		s.removeElementLocked(el)
		return nil, false
	}
	s.ll.MoveToFront(el)
	return e.value, true
}

func (s *Store) setL1(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = time.Hour
	}
	if el, ok := s.items[key]; ok {
		old := el.Value.(*entry)
		s.curBytes -= int64(len(old.data()))
		el.Value = &entry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
		s.curBytes += int64(len(value))
		s.ll.MoveToFront(el)
		s.evictIfNeededLocked()
		return
	}

	el := s.ll.PushFront(&entry{key: key, value: value, expiresAt: time.Now().Add(ttl)})
	s.items[key] = el
	s.curBytes += int64(len(value))
	s.evictIfNeededLocked()
}

func (e *entry) data() []byte { return e.value }

func (s *Store) evictIfNeededLocked() {
	for s.ll.Len() > s.limits.MaxEntries || (s.limits.MaxBytes > 0 && s.curBytes > s.limits.MaxBytes) {
		oldest := s.ll.Back()
		if oldest == nil {
			return
		}
		s.removeElementLocked(oldest)
	}
}

func (s *Store) removeElementLocked(el *list.Element) {
	e := el.Value.(*entry)
	s.curBytes -= int64(len(e.value))
	delete(s.items, e.key)
	s.ll.Remove(el)
}

func (s *Store) recordHit()  { s.mu.Lock(); s.hits++; s.mu.Unlock() }
func (s *Store) recordMiss() { s.mu.Lock(); s.misses++; s.mu.Unlock() }
