package iotransport

import "testing"

func TestRouterIsStableAcrossRepeatedLookups(t *testing.T) {
	r := NewRouter([]string{"a:1", "b:1", "c:1"})
	handle := []byte("file-A")

	first := r.Lookup(handle, 3)
	for i := 0; i < 10; i++ {
		if got := r.Lookup(handle, 3); got != first {
			t.Fatalf("expected a stable route for the same key, got %q then %q", first, got)
		}
	}
}

func TestRouterDistributesAcrossServers(t *testing.T) {
	r := NewRouter([]string{"a:1", "b:1", "c:1"})

	seen := map[string]bool{}
	for page := int64(0); page < 200; page++ {
		seen[r.Lookup([]byte("file-B"), page)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected pages to spread across more than one server, got %v", seen)
	}
}

func TestRouterOnlyReshufflesAffectedKeysOnAdd(t *testing.T) {
	before := NewRouter([]string{"a:1", "b:1", "c:1"})
	handle := []byte("file-C")

	routes := make(map[int64]string, 100)
	for page := int64(0); page < 100; page++ {
		routes[page] = before.Lookup(handle, page)
	}

	before.Add("d:1")

	changed := 0
	for page, server := range routes {
		if before.Lookup(handle, page) != server {
			changed++
		}
	}
	if changed == 0 {
		t.Fatalf("expected adding a server to move at least some keys")
	}
	if changed == len(routes) {
		t.Fatalf("expected adding a server to leave most keys in place, rendezvous hashing moved all of them")
	}
}
