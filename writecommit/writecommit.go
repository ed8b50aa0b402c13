// Package writecommit implements the write-commit protocol that turns a local byte-range
// write into a compare-and-swap RPC against the metadata manager. A write is never staged and
// flushed later by this package; it commits synchronously, hashing the affected chunks locally
// and letting the manager decide whether the client's view of those chunks' old hashes is still
// current before accepting the new ones.
package writecommit

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	capfs "github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/hashcache"
)

// ChunkHash is a 20-byte content hash, the unit the manager's recipe is keyed by.
type ChunkHash [20]byte

// Status is the manager's verdict on a wcommit attempt.
type Status int

const (
	// StatusOK means old_hashes matched (or force bypassed the compare) and new_hashes is now
	// the authoritative recipe for the committed range.
	StatusOK Status = iota
	// StatusStale means the manager's recipe no longer matches old_hashes; CurrentHashes carries
	// what it actually is.
	StatusStale
)

// Args is the wire shape of a single wcommit call.
// OldHashes and OldKnown are parallel slices: OldKnown[i] is false where the client had no
// cached hash for that chunk ("unknown" marker), in which case OldHashes[i] is meaningless and
// the manager must treat the comparison for that chunk as automatically stale-safe (it cannot
// assume the client's unknown chunk matches).
type Args struct {
	Handle                []byte
	BeginChunk            int
	WriteSize             int
	OldHashes             []ChunkHash
	OldKnown              []bool
	NewHashes             []ChunkHash
	Force                 bool
	DesireHCacheCoherence bool
	CallbackID            string
}

// Reply is a wcommit response ("returns (status, current_hashes)").
type Reply struct {
	Status        Status
	CurrentHashes []ChunkHash
}

// RPCFunc issues one wcommit call to the manager. Callers supply the actual transport (typically
// manager.Client.Wcommit); this package only drives the protocol around it.
type RPCFunc func(ctx context.Context, args *Args) (*Reply, error)

// Result is returned to the caller on a successful commit.
type Result struct {
	BeginChunk int
	NewHashes  []ChunkHash
	Attempts   int
}

// errStale marks a conflict worth retrying; it never escapes WriteCommit directly.
var errStale = errors.New("writecommit: stale old_hashes")

// Client drives the write-commit protocol for one mount. It wraps the hash cache (for the old-
// hash snapshot and post-commit reconciliation) and an RPCFunc (the actual manager call).
type Client struct {
	Cache      hashcache.Cache
	RPC        RPCFunc
	ChunkSize  int
	MaxRetries int
	// MaxBytes bounds the addressable write window, ordinarily the cache's BCOUNT*BSIZE byte
	// capacity. A write ending exactly at MaxBytes succeeds; one byte past it fails with EINVAL
	// before any hashing or RPC happens. Zero disables the bound.
	MaxBytes int64
	// DataFetch reads size bytes of existing chunk data starting at the byte offset of chunk
	// begin, for read-modify-write padding at either edge of an unaligned write. Required only
	// for writes that don't land on chunk boundaries at both ends; a nil DataFetch is fine for
	// chunk-aligned callers.
	DataFetch func(ctx context.Context, handle []byte, begin int, size int) ([]byte, error)
}

type options struct {
	force                 bool
	desireHCacheCoherence bool
	callbackID            string
}

// Option configures a single WriteCommit call.
type Option func(*options)

// WithForce bypasses the manager's old-hash compare step, for callers that already know they
// are the sole writer and want to skip the snapshot cost. A per-call option rather than a
// mount-wide mode, since the same client may hold both exclusive and shared files open at once.
func WithForce() Option { return func(o *options) { o.force = true } }

// WithHCacheCoherence asks the manager to fan out UPDATE callbacks to other registered clients
// for the committed range.
func WithHCacheCoherence() Option { return func(o *options) { o.desireHCacheCoherence = true } }

// WithCallbackID attaches the caller's registered callback id, so the manager knows not to echo
// an UPDATE back to the writer itself.
func WithCallbackID(id string) Option { return func(o *options) { o.callbackID = id } }

// WriteCommit hashes the len(data) bytes being written at file offset offset and commits them,
// retrying internally on a stale compare up to MaxRetries attempts before surfacing EAGAIN.
// It computes the covering chunk range itself (see alignToChunks) before hashing and committing.
func (c *Client) WriteCommit(ctx context.Context, handle []byte, offset int64, data []byte, opts ...Option) (*Result, error) {
	if c.ChunkSize <= 0 {
		return nil, fmt.Errorf("writecommit: ChunkSize must be positive")
	}
	if offset < 0 {
		return nil, fmt.Errorf("writecommit: negative offset %d: %w", offset, syscall.EINVAL)
	}
	if c.MaxBytes > 0 && offset+int64(len(data)) > c.MaxBytes {
		return nil, fmt.Errorf("writecommit: write [%d,%d) exceeds the %d-byte window: %w",
			offset, offset+int64(len(data)), c.MaxBytes, syscall.EINVAL)
	}
	if len(data) == 0 {
		// A zero-byte write commits nothing and must not round-trip to the manager.
		return &Result{BeginChunk: int(offset / int64(c.ChunkSize))}, nil
	}
	cfg := options{}
	for _, o := range opts {
		o(&cfg)
	}

	beginChunk, aligned, err := c.alignToChunks(ctx, handle, offset, data)
	if err != nil {
		return nil, err
	}
	nchunks := len(aligned) / c.ChunkSize
	newHashes := make([]ChunkHash, nchunks)
	for i := 0; i < nchunks; i++ {
		newHashes[i] = sha1.Sum(aligned[i*c.ChunkSize : (i+1)*c.ChunkSize])
	}

	maxAttempts := c.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempts := 0
	backoffPolicy := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(time.Nanosecond))
	retryErr := retry.Do(ctx, backoffPolicy, func(ctx context.Context) error {
		attempts++

		var oldHashes []ChunkHash
		var oldKnown []bool
		if !cfg.force {
			oldHashes, oldKnown = c.snapshotOldHashes(handle, beginChunk, nchunks)
		} else {
			oldHashes = make([]ChunkHash, nchunks)
			oldKnown = make([]bool, nchunks)
		}

		reply, err := c.RPC(ctx, &Args{
			Handle:                handle,
			BeginChunk:            beginChunk,
			WriteSize:             len(data),
			OldHashes:             oldHashes,
			OldKnown:              oldKnown,
			NewHashes:             newHashes,
			Force:                 cfg.force,
			DesireHCacheCoherence: cfg.desireHCacheCoherence,
			CallbackID:            cfg.callbackID,
		})
		if err != nil {
			return err
		}
		if reply.Status == StatusStale {
			c.reconcile(handle, beginChunk, reply.CurrentHashes)
			return retry.RetryableError(errStale)
		}
		return nil
	})

	if retryErr != nil {
		if errors.Is(retryErr, errStale) {
			return nil, capfs.Error{
				Code:     capfs.ErrProtocolConflict,
				Err:      fmt.Errorf("writecommit: %d attempts exhausted against a moving recipe", attempts),
				UserData: handle,
			}
		}
		return nil, capfs.Error{Code: capfs.ErrRPCTransport, Err: retryErr, UserData: handle}
	}

	if err := c.Cache.Put(ctx, handle, beginChunk, nchunks, flattenHashes(newHashes)); err != nil {
		return nil, err
	}

	return &Result{BeginChunk: beginChunk, NewHashes: newHashes, Attempts: attempts}, nil
}

// snapshotOldHashes reads the hash cache's current view of [beginChunk, beginChunk+nchunks)
// without fetching anything.
func (c *Client) snapshotOldHashes(handle []byte, beginChunk, nchunks int) ([]ChunkHash, []bool) {
	raw, known := c.Cache.Peek(handle, beginChunk, nchunks)
	out := make([]ChunkHash, nchunks)
	for i := 0; i < nchunks; i++ {
		if known[i] {
			copy(out[i][:], raw[i*hashcache.HashSize:(i+1)*hashcache.HashSize])
		}
	}
	return out, known
}

// reconcile folds the manager's authoritative hashes for a stale range back into the local cache,
// so the next read sees the manager's authoritative view instead of a stale local one.
func (c *Client) reconcile(handle []byte, beginChunk int, current []ChunkHash) {
	if len(current) == 0 {
		return
	}
	c.Cache.Put(context.Background(), handle, beginChunk, len(current), flattenHashes(current))
}

// alignToChunks computes the chunk range covering [offset, offset+len(data)) and, when either
// edge doesn't land on a chunk boundary, pads the aligned buffer with the chunk's existing bytes
// via DataFetch before data is copied in. Writes smaller than a chunk still commit a whole
// chunk's worth of hash, so an edge chunk always needs its unmodified bytes merged in first.
func (c *Client) alignToChunks(ctx context.Context, handle []byte, offset int64, data []byte) (int, []byte, error) {
	cs := int64(c.ChunkSize)
	beginChunk := int(offset / cs)
	end := offset + int64(len(data))
	endChunk := int((end + cs - 1) / cs)
	if endChunk == beginChunk {
		endChunk = beginChunk + 1
	}
	alignedStart := int64(beginChunk) * cs
	alignedEnd := int64(endChunk) * cs

	aligned := make([]byte, alignedEnd-alignedStart)
	needsEdge := offset != alignedStart || end != alignedEnd
	if needsEdge {
		if c.DataFetch == nil {
			return 0, nil, fmt.Errorf("writecommit: write [%d,%d) is not chunk-aligned and no DataFetch was configured for read-modify-write", offset, end)
		}
		existing, err := c.DataFetch(ctx, handle, beginChunk, int(alignedEnd-alignedStart))
		if err != nil {
			return 0, nil, fmt.Errorf("writecommit: edge-chunk read failed: %w", err)
		}
		copy(aligned, existing)
	}
	copy(aligned[offset-alignedStart:], data)
	return beginChunk, aligned, nil
}

func flattenHashes(hashes []ChunkHash) []byte {
	out := make([]byte, len(hashes)*hashcache.HashSize)
	for i, h := range hashes {
		copy(out[i*hashcache.HashSize:(i+1)*hashcache.HashSize], h[:])
	}
	return out
}
