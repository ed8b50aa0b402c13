package cache

import "testing"

func TestGetReturnsZeroValueForMissingKey(t *testing.T) {
	c := NewCache[string, int](1, 4)
	got := c.Get([]string{"missing"})
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected a zero value for a missing key, got %v", got)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := NewCache[string, int](1, 4)
	c.Set([]KeyValuePair[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}})

	got := c.Get([]string{"a", "b"})
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected {1, 2}, got %v", got)
	}
	if c.Count() != 2 {
		t.Fatalf("expected count 2, got %d", c.Count())
	}
}

func TestEvictDropsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[string, int](1, 3)
	c.Set([]KeyValuePair[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}})

	// Touch "a" so "b" becomes the least recently used entry.
	c.Get([]string{"a"})
	c.Set([]KeyValuePair[string, int]{{Key: "c", Value: 3}})

	got := c.Get([]string{"b"})
	if got[0] != 0 {
		t.Fatalf("expected \"b\" to have been evicted, got %v", got[0])
	}
	if got := c.Get([]string{"a"}); got[0] != 1 {
		t.Fatalf("expected \"a\" to survive eviction, got %v", got[0])
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := NewCache[string, int](1, 4)
	c.Set([]KeyValuePair[string, int]{{Key: "a", Value: 1}})
	c.Delete([]string{"a"})

	if c.Count() != 0 {
		t.Fatalf("expected count 0 after delete, got %d", c.Count())
	}
}

func TestClearResetsCache(t *testing.T) {
	c := NewCache[string, int](1, 4)
	c.Set([]KeyValuePair[string, int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}})
	c.Clear()

	if c.Count() != 0 {
		t.Fatalf("expected count 0 after clear, got %d", c.Count())
	}
}
