package cache

import (
	"testing"
	"time"
)

func TestTTL_GetSet(t *testing.T) {
	c, err := NewTTL[string, float64](4, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("p"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Set("p", 0.42)
	if v, ok := c.Get("p"); !ok || v != 0.42 {
		t.Fatalf("got %v %v, want 0.42 true", v, ok)
	}
}

func TestTTL_Expiry(t *testing.T) {
	c, err := NewTTL[string, int](4, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("k", 1)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry should hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry should miss")
	}
}

func TestTTL_EvictsLRU(t *testing.T) {
	c, err := NewTTL[int, int](2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.Set(1, 1)
	c.Set(2, 2)
	c.Get(1) // refresh 1
	c.Set(3, 3)

	if _, ok := c.Get(2); ok {
		t.Fatal("least recently used entry should have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Fatal("recently used entry should survive")
	}
}

func TestTTL_PurgeAndStats(t *testing.T) {
	c, err := NewTTL[string, int](4, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.Set("a", 1)
	c.Get("a")
	c.Get("b")
	c.Purge()
	if c.Len() != 0 {
		t.Fatal("purge should empty the cache")
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 {
		t.Fatalf("stats %+v, want 1 hit, 1 miss", s)
	}
}
