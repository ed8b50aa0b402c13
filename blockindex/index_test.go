package blockindex

import (
	"bytes"
	"context"
	"testing"

	"github.com/mnv104/capfs-sub002/config"
	"github.com/mnv104/capfs-sub002/framepool"
)

func fnvHash(b []byte) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func newTestIndex(t *testing.T) (*Index, *framepool.Pool) {
	t.Helper()
	cfg := config.Default()
	cfg.BCount = 8
	cfg.BSize = 64
	pool := framepool.New(cfg)
	idx := New(7, fnvHash, bytes.Equal, pool)
	return idx, pool
}

func TestLookupMissThenHit(t *testing.T) {
	idx, pool := newTestIndex(t)
	ctx := context.Background()
	handle := []byte("file-A")

	newFrame := pool.Allocate(ctx)
	f, hit := idx.Lookup(ctx, handle, 3, newFrame)
	if hit {
		t.Fatalf("expected a miss on first lookup")
	}
	if f != newFrame {
		t.Fatalf("expected the preallocated frame to be inserted")
	}

	f2, hit2 := idx.Lookup(ctx, handle, 3, nil)
	if !hit2 {
		t.Fatalf("expected a hit on second lookup")
	}
	if f2.ID != f.ID {
		t.Fatalf("expected the same frame back, got id %d want %d", f2.ID, f.ID)
	}
	if f2.FixCount() != 2 {
		t.Fatalf("expected fix count 2 (one per lookup), got %d", f2.FixCount())
	}
}

func TestContainsReflectsLiveness(t *testing.T) {
	idx, pool := newTestIndex(t)
	ctx := context.Background()
	handle := []byte("file-B")

	if idx.Contains(handle, 0) {
		t.Fatalf("should not contain an unknown key")
	}

	newFrame := pool.Allocate(ctx)
	idx.Lookup(ctx, handle, 0, newFrame)
	if !idx.Contains(handle, 0) {
		t.Fatalf("expected the key to be present after insertion")
	}
}

func TestRemoveAbortsOnKeyMismatch(t *testing.T) {
	idx, pool := newTestIndex(t)
	ctx := context.Background()
	handle := []byte("file-C")

	newFrame := pool.Allocate(ctx)
	f, _ := idx.Lookup(ctx, handle, 0, newFrame)

	// Re-home the frame to a different key without going through Remove, simulating a race
	// where the frame was reused between the caller dropping its lock and calling Remove.
	f.Lock()
	f.Key = framepool.Key{Handle: []byte("file-D"), Page: 9}
	f.Unlock()

	if idx.Remove(handle, 0, f) {
		t.Fatalf("expected Remove to abort because the frame's key no longer matches")
	}
}

func TestRemoveSucceedsAndUnlinks(t *testing.T) {
	idx, pool := newTestIndex(t)
	ctx := context.Background()
	handle := []byte("file-E")

	newFrame := pool.Allocate(ctx)
	f, _ := idx.Lookup(ctx, handle, 1, newFrame)

	if !idx.Remove(handle, 1, f) {
		t.Fatalf("expected Remove to succeed")
	}
	if idx.Contains(handle, 1) {
		t.Fatalf("expected key to be gone after Remove")
	}
}
