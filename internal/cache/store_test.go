package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreL1GetSetRoundTrip(t *testing.T) {
	s := NewStore(Limits{MaxEntries: 10}, nil)
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := s.Get(ctx, "a")
	if !ok || string(v) != "v1" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}
}

func TestStoreEvictsOldestBeyondMaxEntries(t *testing.T) {
	s := NewStore(Limits{MaxEntries: 2}, nil)
	ctx := context.Background()

	s.Set(ctx, "a", []byte("1"), time.Minute)
	s.Set(ctx, "b", []byte("2"), time.Minute)
	s.Set(ctx, "c", []byte("3"), time.Minute)

	if _, ok := s.Get(ctx, "a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := s.Get(ctx, "c"); !ok {
		t.Fatal("expected newest entry retained")
	}
}

// fakeL2 is a minimal Cache for testing L2 promotion.
type fakeL2 struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int64
}

func newFakeL2() *fakeL2 { return &fakeL2{data: make(map[string][]byte)} }

func (f *fakeL2) Get(_ context.Context, key string) ([]byte, bool) {
	atomic.AddInt64(&f.gets, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}
func (f *fakeL2) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}
func (f *fakeL2) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}
func (f *fakeL2) TTL(_ context.Context, key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return 0, false
	}
	return time.Minute, true
}

func TestStorePromotesL2HitIntoL1(t *testing.T) {
	l2 := newFakeL2()
	l2.Set(context.Background(), "k", []byte("from-l2"), time.Minute)

	s := NewStore(Limits{MaxEntries: 10}, l2)
	ctx := context.Background()

	v, ok := s.Get(ctx, "k")
	if !ok || string(v) != "from-l2" {
		t.Fatalf("expected L2 hit, got %q %v", v, ok)
	}
	if atomic.LoadInt64(&l2.gets) != 1 {
		t.Fatalf("expected exactly one L2 get, got %d", l2.gets)
	}

	// Second read should hit L1 without touching L2 again.
	s.Get(ctx, "k")
	if atomic.LoadInt64(&l2.gets) != 1 {
		t.Fatalf("expected L1 promotion to avoid a second L2 get, got %d gets", l2.gets)
	}
}

// fakeL2ShortTTL reports a short, fixed remaining TTL for every key, so a
// promoted L1 entry must expire on that schedule rather than the 1-hour
// fallback.
type fakeL2ShortTTL struct {
	fakeL2
	ttl time.Duration
}

func (f *fakeL2ShortTTL) TTL(_ context.Context, key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return 0, false
	}
	return f.ttl, true
}

func TestStorePromotionHonorsL2TTLNotFixedHour(t *testing.T) {
	l2 := &fakeL2ShortTTL{fakeL2: fakeL2{data: make(map[string][]byte)}, ttl: 20 * time.Millisecond}
	l2.Set(context.Background(), "k", []byte("from-l2"), 20*time.Millisecond)

	s := NewStore(Limits{MaxEntries: 10}, l2)
	ctx := context.Background()

	if _, ok := s.Get(ctx, "k"); !ok {
		t.Fatal("expected initial L2 hit")
	}

	time.Sleep(40 * time.Millisecond)

	// The promoted L1 copy must have expired along with L2's TTL instead of
	// surviving for an hour, so this falls through to L2 again (a miss there
	// too, since Redis/the fake would have expired it by now).
	if _, ok := s.getL1("k"); ok {
		t.Fatal("expected L1 promotion to respect the entry's real TTL, not a fixed 1-hour window")
	}
}

func TestGetOrComputeCoalescesConcurrentMisses(t *testing.T) {
	s := NewStore(Limits{MaxEntries: 10}, nil)
	ctx := context.Background()

	var calls int64
	compute := func() ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.GetOrCompute(ctx, "shared", time.Minute, compute)
			if err != nil || string(v) != "computed" {
				t.Errorf("unexpected result: %v %v", v, err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected exactly one compute call, got %d", calls)
	}
}

func TestGetOrComputePropagatesError(t *testing.T) {
	s := NewStore(Limits{MaxEntries: 10}, nil)
	wantErr := errors.New("boom")

	_, err := s.GetOrCompute(context.Background(), "k", time.Minute, func() ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected propagated error, got %v", err)
	}
}

func TestInvalidatePrefixRemovesMatchingKeysOnly(t *testing.T) {
	s := NewStore(Limits{MaxEntries: 10}, nil)
	ctx := context.Background()
	s.Set(ctx, "ws-1:a", []byte("1"), time.Minute)
	s.Set(ctx, "ws-1:b", []byte("2"), time.Minute)
	s.Set(ctx, "ws-2:a", []byte("3"), time.Minute)

	n := s.InvalidatePrefix("ws-1:")
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, ok := s.Get(ctx, "ws-2:a"); !ok {
		t.Fatal("expected unrelated prefix to survive")
	}
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	s := NewStore(Limits{MaxEntries: 10}, nil)
	ctx := context.Background()
	s.Set(ctx, "a", []byte("1"), time.Minute)

	s.Get(ctx, "a")
	s.Get(ctx, "missing")

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
