package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestGetSetRoundTrip(t *testing.T) {
	c := New()
	if !c.Set("jobs", []string{"deploy", "release"}, time.Minute) {
		t.Fatal("set rejected")
	}
	v, ok := c.Get("jobs")
	if !ok {
		t.Fatal("expected hit")
	}
	jobs, ok := v.([]string)
	if !ok || len(jobs) != 2 {
		t.Fatalf("unexpected value %v", v)
	}
	if _, ok := c.Get("absent"); ok {
		t.Fatal("expected miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("status", "ok", time.Second)
	if _, ok := c.Get("status"); !ok {
		t.Fatal("expected hit before expiry")
	}
	clock.Advance(1100 * time.Millisecond)
	if _, ok := c.Get("status"); ok {
		t.Fatal("expected miss after expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed, len=%d", c.Len())
	}
}

func TestNegativeTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	c.Set("pinned", 1, -1)
	clock.Advance(24 * time.Hour)
	if _, ok := c.Get("pinned"); !ok {
		t.Fatal("expected entry without expiry to survive")
	}
}

func TestLRUEviction(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithMaxItems(2))
	c.Set("a", 1, time.Hour)
	clock.Advance(time.Second)
	c.Set("b", 2, time.Hour)
	clock.Advance(time.Second)
	// Touch "a" so "b" becomes least recently used.
	c.Get("a")
	clock.Advance(time.Second)
	c.Set("c", 3, time.Hour)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected LRU entry b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected recently used entry a to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected new entry c to be present")
	}
}

func TestExpiredEvictedBeforeLRU(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithMaxItems(2))
	c.Set("short", 1, time.Second)
	clock.Advance(time.Second)
	c.Set("long", 2, time.Hour)
	clock.Advance(2 * time.Second)
	c.Set("new", 3, time.Hour)

	if _, ok := c.Get("long"); !ok {
		t.Fatal("unexpired entry evicted ahead of expired one")
	}
	if _, ok := c.Get("short"); ok {
		t.Fatal("expected expired entry to be gone")
	}
}

func TestByteBudget(t *testing.T) {
	c := New(WithMaxBytes(64))
	big := make([]int, 100)
	if c.Set("big", big, time.Minute) {
		t.Fatal("expected oversized value to be rejected")
	}
	if !c.Set("small", "x", time.Minute) {
		t.Fatal("expected small value to be accepted")
	}
	stats := c.Stats()
	if stats.Bytes > 64 {
		t.Fatalf("byte budget exceeded: %d", stats.Bytes)
	}
}

func TestOverwriteReplacesSize(t *testing.T) {
	c := New()
	c.Set("k", "aaaaaaaaaa", time.Minute)
	first := c.Stats().Bytes
	c.Set("k", "b", time.Minute)
	second := c.Stats().Bytes
	if c.Len() != 1 {
		t.Fatalf("expected single entry, got %d", c.Len())
	}
	if second >= first {
		t.Fatalf("expected accounting to shrink on overwrite: %d -> %d", first, second)
	}
}

func TestJanitorPurgesExpired(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now), WithJanitorInterval(10*time.Millisecond))
	c.Set("gone", 1, time.Second)
	clock.Advance(2 * time.Second)

	c.Start(t.Context())
	defer c.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Fatal("janitor did not purge expired entry")
	}
}

func TestStatsCounters(t *testing.T) {
	c := New()
	c.Set("k", 1, time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("missing")
	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestCapacityNeverExceededProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bounds hold after arbitrary sets", prop.ForAll(
		func(keys []uint8, maxItems uint8) bool {
			limit := int(maxItems%8) + 1
			c := New(WithMaxItems(limit), WithMaxBytes(1<<20))
			for i, k := range keys {
				c.Set(fmt.Sprintf("key-%d", k%32), i, time.Minute)
				if c.Len() > limit {
					return false
				}
				if c.Stats().Bytes > 1<<20 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
