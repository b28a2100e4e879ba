package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

func TestLRUCacheGetSet(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, err := c.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("got %q, want value1", val)
	}

	// Miss returns nil, nil.
	val, err = c.Get(ctx, "missing")
	if err != nil || val != nil {
		t.Errorf("miss = (%v, %v), want (nil, nil)", val, err)
	}
}

func TestLRUCacheExpiry(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "key1", []byte("value1"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	val, err := c.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if val != nil {
		t.Errorf("expired entry still present: %q", val)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		if err := c.Set(ctx, key, []byte(key), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	size, capacity := c.Stats()
	if size != 3 || capacity != 3 {
		t.Errorf("stats = (%d, %d), want (3, 3)", size, capacity)
	}

	// Oldest entries are gone.
	for i := 0; i < 2; i++ {
		val, _ := c.Get(ctx, fmt.Sprintf("key%d", i))
		if val != nil {
			t.Errorf("key%d survived eviction", i)
		}
	}
	for i := 2; i < 5; i++ {
		val, _ := c.Get(ctx, fmt.Sprintf("key%d", i))
		if val == nil {
			t.Errorf("key%d evicted too early", i)
		}
	}
}

func TestLRUCacheDelete(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("value1"), time.Minute)
	if err := c.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	val, _ := c.Get(ctx, "key1")
	if val != nil {
		t.Errorf("deleted entry still present")
	}
}

func TestTimelineRoundTrip(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	jun := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	tc := &domain.TimelineCache{
		VisaTypeID: "vt-1",
		Windows: []domain.CachedWindow{
			{VersionID: "v-1", VersionNumber: 2, EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EffectiveTo: &jun},
			{VersionID: "v-2", VersionNumber: 2, EffectiveFrom: jun},
		},
		CachedAt: time.Now().UTC(),
	}
	if err := c.SetTimeline(ctx, "vt-1", tc, time.Minute); err != nil {
		t.Fatalf("SetTimeline: %v", err)
	}

	got, err := c.GetTimeline(ctx, "vt-1")
	if err != nil {
		t.Fatalf("GetTimeline: %v", err)
	}
	if got == nil || len(got.Windows) != 2 {
		t.Fatalf("got %+v", got)
	}

	if id := got.ActiveVersionID(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)); id != "v-1" {
		t.Errorf("active in March = %q, want v-1", id)
	}
	if id := got.ActiveVersionID(time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)); id != "v-2" {
		t.Errorf("active in September = %q, want v-2", id)
	}
	if id := got.ActiveVersionID(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)); id != "" {
		t.Errorf("pre-history active = %q, want empty", id)
	}

	if err := c.InvalidateTimeline(ctx, "vt-1"); err != nil {
		t.Fatalf("InvalidateTimeline: %v", err)
	}
	got, err = c.GetTimeline(ctx, "vt-1")
	if err != nil || got != nil {
		t.Errorf("invalidated timeline = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("New(memory): %v", err)
	}
	if _, ok := c.(*LRUCache); !ok {
		t.Errorf("New(memory) = %T, want *LRUCache", c)
	}

	if _, err := New(domain.CacheConfig{Type: "bogus"}); err == nil {
		t.Error("unknown cache type accepted")
	}
}
