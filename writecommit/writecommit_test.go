package writecommit

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"syscall"
	"testing"

	capfs "github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/fileindex"
	"github.com/mnv104/capfs-sub002/hashcache"
)

func fnvHash(b []byte) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func newTestCache() hashcache.Cache {
	files := fileindex.New(5, fnvHash)
	return hashcache.NewSimpleCache(files, func(context.Context, []byte, int, int) ([]byte, error) {
		return nil, errors.New("no manager configured in this test")
	})
}

func TestWriteCommitSucceedsOnFirstTry(t *testing.T) {
	cache := newTestCache()
	var seen *Args
	client := &Client{
		Cache:      cache,
		ChunkSize:  8,
		MaxRetries: 3,
		RPC: func(_ context.Context, args *Args) (*Reply, error) {
			seen = args
			return &Reply{Status: StatusOK}, nil
		},
	}

	handle := []byte("file-A")
	data := []byte("12345678") // exactly one chunk, aligned

	res, err := client.WriteCommit(context.Background(), handle, 0, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", res.Attempts)
	}
	want := sha1.Sum(data)
	if seen == nil || len(seen.NewHashes) != 1 || seen.NewHashes[0] != ChunkHash(want) {
		t.Fatalf("expected the RPC to carry the sha1 of the written bytes")
	}
	for _, known := range seen.OldKnown {
		if known {
			t.Fatalf("expected old hashes to be unknown on a cold cache")
		}
	}

	// The commit must have landed the new hash back in the cache for later reads.
	buf := make([]byte, hashcache.HashSize)
	if _, err := cache.Get(context.Background(), handle, 0, 1, buf); err != nil {
		t.Fatalf("unexpected error reading back committed hash: %v", err)
	}
	if !bytes.Equal(buf, want[:]) {
		t.Fatalf("expected cached hash to match the committed hash")
	}
}

func TestWriteCommitRetriesOnStaleThenSucceeds(t *testing.T) {
	cache := newTestCache()
	attempt := 0
	staleHash := ChunkHash{0xAA}

	client := &Client{
		Cache:      cache,
		ChunkSize:  8,
		MaxRetries: 3,
		RPC: func(_ context.Context, args *Args) (*Reply, error) {
			attempt++
			if attempt == 1 {
				return &Reply{Status: StatusStale, CurrentHashes: []ChunkHash{staleHash}}, nil
			}
			if !bytes.Equal(args.OldHashes[0][:], staleHash[:]) || !args.OldKnown[0] {
				t.Fatalf("expected the retried attempt to snapshot the reconciled hash")
			}
			return &Reply{Status: StatusOK}, nil
		},
	}

	res, err := client.WriteCommit(context.Background(), []byte("file-B"), 0, []byte("abcdefgh"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", res.Attempts)
	}
}

func TestWriteCommitSurfacesEAGAINWhenRetriesExhausted(t *testing.T) {
	cache := newTestCache()
	calls := 0
	client := &Client{
		Cache:      cache,
		ChunkSize:  8,
		MaxRetries: 2,
		RPC: func(_ context.Context, _ *Args) (*Reply, error) {
			calls++
			return &Reply{Status: StatusStale, CurrentHashes: []ChunkHash{{0xBB}}}, nil
		},
	}

	_, err := client.WriteCommit(context.Background(), []byte("file-C"), 0, []byte("abcdefgh"))
	if err == nil {
		t.Fatalf("expected an error once retries are exhausted")
	}
	var capfsErr capfs.Error
	if !errors.As(err, &capfsErr) || capfsErr.Code != capfs.ErrProtocolConflict {
		t.Fatalf("expected a protocol-conflict error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly MaxRetries attempts, got %d", calls)
	}
}

func TestWriteCommitForceSkipsOldHashSnapshot(t *testing.T) {
	cache := newTestCache()
	var seen *Args
	client := &Client{
		Cache:     cache,
		ChunkSize: 8,
		RPC: func(_ context.Context, args *Args) (*Reply, error) {
			seen = args
			return &Reply{Status: StatusOK}, nil
		},
	}

	_, err := client.WriteCommit(context.Background(), []byte("file-D"), 0, []byte("abcdefgh"), WithForce())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seen.Force {
		t.Fatalf("expected Force to be threaded through to the RPC args")
	}
}

func TestWriteCommitBoundaryWindow(t *testing.T) {
	cache := newTestCache()
	calls := 0
	client := &Client{
		Cache:     cache,
		ChunkSize: 8,
		MaxBytes:  16, // two chunks' worth of addressable window
		RPC: func(_ context.Context, _ *Args) (*Reply, error) {
			calls++
			return &Reply{Status: StatusOK}, nil
		},
	}

	// A write ending exactly at the window boundary succeeds.
	if _, err := client.WriteCommit(context.Background(), []byte("file-G"), 8, []byte("abcdefgh")); err != nil {
		t.Fatalf("unexpected error for a write ending exactly at the boundary: %v", err)
	}

	// One byte past the boundary fails with EINVAL before any RPC happens.
	callsBefore := calls
	_, err := client.WriteCommit(context.Background(), []byte("file-G"), 9, []byte("abcdefgh"))
	if !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("expected EINVAL for a write one byte past the boundary, got %v", err)
	}
	if calls != callsBefore {
		t.Fatalf("expected no RPC for an out-of-window write")
	}
}

func TestWriteCommitZeroByteWriteIssuesNoRPC(t *testing.T) {
	cache := newTestCache()
	client := &Client{
		Cache:     cache,
		ChunkSize: 8,
		RPC: func(_ context.Context, _ *Args) (*Reply, error) {
			t.Fatalf("a zero-byte write must not reach the manager")
			return nil, nil
		},
	}

	res, err := client.WriteCommit(context.Background(), []byte("file-H"), 24, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 0 || len(res.NewHashes) != 0 {
		t.Fatalf("expected an empty result for a zero-byte write, got %+v", res)
	}
}

func TestWriteCommitUnalignedWriteRequiresDataFetch(t *testing.T) {
	cache := newTestCache()
	client := &Client{
		Cache:     cache,
		ChunkSize: 8,
		RPC: func(_ context.Context, _ *Args) (*Reply, error) {
			return &Reply{Status: StatusOK}, nil
		},
	}

	_, err := client.WriteCommit(context.Background(), []byte("file-E"), 2, []byte("ab"))
	if err == nil {
		t.Fatalf("expected an error for an unaligned write with no DataFetch configured")
	}
}

func TestWriteCommitUnalignedWritePadsEdgesViaDataFetch(t *testing.T) {
	cache := newTestCache()
	existing := []byte("XXXXXXXX")
	var seen *Args
	client := &Client{
		Cache:     cache,
		ChunkSize: 8,
		DataFetch: func(_ context.Context, _ []byte, begin, size int) ([]byte, error) {
			if begin != 0 || size != 8 {
				t.Fatalf("expected a single-chunk read-modify-write fetch, got begin=%d size=%d", begin, size)
			}
			return existing, nil
		},
		RPC: func(_ context.Context, args *Args) (*Reply, error) {
			seen = args
			return &Reply{Status: StatusOK}, nil
		},
	}

	_, err := client.WriteCommit(context.Background(), []byte("file-F"), 2, []byte("ab"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := sha1.Sum([]byte("XXabXXXX"))
	if seen.NewHashes[0] != ChunkHash(want) {
		t.Fatalf("expected the hash of the read-modify-write merged chunk")
	}
}
