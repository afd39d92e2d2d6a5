package cache

import "testing"

func TestLRUGetPut(t *testing.T) {
	c := New[int, string](2)

	if _, ok := c.Get(1); ok {
		t.Error("expected miss on empty cache")
	}

	c.Put(1, "one")
	v, ok := c.Get(1)
	if !ok || v != "one" {
		t.Errorf("Get(1) = %q, %v", v, ok)
	}

	stats := c.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New[int, string](2)
	c.Put(1, "one")
	c.Put(2, "two")
	c.Put(3, "three") // evicts 1, the least recently used

	if _, ok := c.Get(1); ok {
		t.Error("expected 1 to be evicted")
	}
	if _, ok := c.Get(2); !ok {
		t.Error("expected 2 to remain")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("expected 3 to remain")
	}
}

func TestLRURemoveAndClear(t *testing.T) {
	c := New[string, int](4)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Remove("a")
	if _, ok := c.Peek("a"); ok {
		t.Error("expected a to be removed")
	}

	c.Clear()
	stats := c.GetStats()
	if stats.Len != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("expected cleared cache with reset stats, got %+v", stats)
	}
}

func TestLRUHitRate(t *testing.T) {
	c := New[int, int](4)
	c.Put(1, 100)
	c.Get(1) // hit
	c.Get(2) // miss
	c.Get(1) // hit

	stats := c.GetStats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	want := 2.0 / 3.0
	if stats.HitRate != want {
		t.Errorf("HitRate = %v, want %v", stats.HitRate, want)
	}
}
