package keypool

import (
	"testing"
	"time"
)

func newKeys(ids ...string) []*Key {
	keys := make([]*Key, len(ids))
	for i, id := range ids {
		keys[i] = &Key{ID: id, Provider: "anthropic", MaxConcurrent: 5}
	}
	return keys
}

func TestRoundRobinFairness(t *testing.T) {
	pool := New(RoundRobin, CooldownPolicy{}, newKeys("k1", "k2"))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		lease, err := pool.Lease()
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		seen[lease.Key.ID]++
		pool.Release(lease, Success)
	}
	if seen["k1"] != 2 || seen["k2"] != 2 {
		t.Fatalf("expected even rotation, got %+v", seen)
	}
}

func TestKeyFailoverOnAuthFailure(t *testing.T) {
	pool := New(RoundRobin, CooldownPolicy{}, newKeys("k1", "k2"))

	lease1, _ := pool.Lease() // k1
	pool.Release(lease1, AuthFailure)

	for i := 0; i < 3; i++ {
		lease, err := pool.Lease()
		if err != nil {
			t.Fatalf("expected k2 to keep serving, got error: %v", err)
		}
		if lease.Key.ID != "k2" {
			t.Fatalf("expected k2 after k1 disabled, got %s", lease.Key.ID)
		}
		pool.Release(lease, Success)
	}
}

func TestNoKeyAvailableWhenAllCooling(t *testing.T) {
	pool := New(RoundRobin, CooldownPolicy{ConsecutiveToCool: 1}, newKeys("k1"))
	lease, _ := pool.Lease()
	pool.Release(lease, Failure)

	_, err := pool.Lease()
	if err != ErrNoKeyAvailable {
		t.Fatalf("expected ErrNoKeyAvailable, got %v", err)
	}
}

func TestPriorityStrategyPrefersLowestPriorityValue(t *testing.T) {
	keys := newKeys("low", "high")
	keys[0].Priority = 10
	keys[1].Priority = 1
	pool := New(Priority, CooldownPolicy{}, keys)

	lease, err := pool.Lease()
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if lease.Key.ID != "high" {
		t.Fatalf("expected highest-priority (lowest value) key, got %s", lease.Key.ID)
	}
}

func TestMaxConcurrentEnforced(t *testing.T) {
	keys := newKeys("k1")
	keys[0].MaxConcurrent = 1
	pool := New(RoundRobin, CooldownPolicy{}, keys)

	lease1, err := pool.Lease()
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	_, err = pool.Lease()
	if err != ErrNoKeyAvailable {
		t.Fatalf("expected no key available at cap, got %v", err)
	}
	pool.Release(lease1, Success)

	if _, err := pool.Lease(); err != nil {
		t.Fatalf("expected lease to succeed after release: %v", err)
	}
}

func TestReaperPromotesExpiredCooldown(t *testing.T) {
	pool := New(RoundRobin, CooldownPolicy{ConsecutiveToCool: 1, BaseBackoff: time.Millisecond}, newKeys("k1"))
	lease, _ := pool.Lease()
	pool.Release(lease, Failure)

	reaper := NewReaper(pool, 5*time.Millisecond)
	defer reaper.Close()

	time.Sleep(50 * time.Millisecond)
	if _, err := pool.Lease(); err != nil {
		t.Fatalf("expected reaper to have promoted key back to healthy: %v", err)
	}
}
