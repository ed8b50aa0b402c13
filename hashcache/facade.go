// Package hashcache implements the façade over the block-hash-recipe cache that the
// write-commit protocol and the callback service both sit on top of. Two backends
// share one interface: complex mode reuses the generic block cache
// treating a hash as a 20-byte chunk; simple mode bypasses it with a per-file doubling array.
package hashcache

import (
	"context"
	"sync/atomic"

	"github.com/mnv104/capfs-sub002/blockindex"
	"github.com/mnv104/capfs-sub002/config"
	"github.com/mnv104/capfs-sub002/fileindex"
	"github.com/mnv104/capfs-sub002/framepool"
)

// HashSize is the width of one chunk's content hash (treated as a 20-byte
// buffer — sized for SHA-1; the manager's wire format is the authority on the actual digest).
const HashSize = 20

// Mode selects which backend a mount uses.
type Mode int

const (
	// Complex mode reuses the generic block cache: each chunk's hash lives in its own pooled
	// frame, subject to the generic GCLOCK eviction and writeback paths. Suited to a working set
	// small relative to the total file set.
	Complex Mode = iota
	// Simple bypasses the block cache: each file record owns its own doubling hash array.
	// Eviction is whole-file.
	Simple
)

// FetchFunc is called for chunks missing from the cache; in production it RPCs the manager's
// gethashes method (see manager.Client.HashFetcher). On success it returns HashSize bytes per
// fetched chunk, up to nchunks*HashSize. A shorter reply is legal — a single gethashes answer
// carries at most a wire-capped number of hashes — and means only the returned prefix was
// fetched; the cache stores that prefix and reports the shortfall to the reader as a
// fetch short-return.
type FetchFunc func(ctx context.Context, handle []byte, beginChunk, nchunks int) ([]byte, error)

// Stats reports point-in-time cache occupancy and cumulative hit/miss/fetch counters for the
// capfsctl debug endpoint and the CMGR_STATS shutdown dump. A Get that needed the FetchFunc
// counts one miss and however many fetch round trips it issued; a Get fully served from cache
// counts one hit.
type Stats struct {
	Mode        Mode
	FilesCached int
	ChunksValid int
	Hits        uint64
	Misses      uint64
	Fetches     uint64
	Puts        uint64
}

// counters is the shared accounting both backends embed; fields are atomics so Get/Put paths
// never serialize on a stats mutex.
type counters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	fetches atomic.Uint64
	puts    atomic.Uint64
}

func (c *counters) snapshot(s *Stats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Fetches = c.fetches.Load()
	s.Puts = c.puts.Load()
}

// Cache is the common surface both backends implement.
type Cache interface {
	// Get reads nchunks chunk-hashes starting at beginChunk into buffer (which must be at least
	// nchunks*HashSize bytes), fetching any missing chunks via the configured FetchFunc. Returns
	// the number of bytes filled.
	Get(ctx context.Context, handle []byte, beginChunk, nchunks int, buffer []byte) (int, error)
	// Put writes nchunks chunk-hashes from buffer into the cache, marking them valid.
	Put(ctx context.Context, handle []byte, beginChunk, nchunks int, buffer []byte) error
	// Clear invalidates every cached chunk for handle.
	Clear(handle []byte) error
	// ClearRange invalidates [beginChunk, beginChunk+nchunks) for handle.
	ClearRange(handle []byte, beginChunk, nchunks int) error
	// InvalidateAll clears the entire cache, used after a manager reregistration.
	InvalidateAll()
	// Peek returns whatever is currently cached for [beginChunk, beginChunk+nchunks) without
	// fetching anything missing; valid[i] reports whether hashes[i*HashSize:(i+1)*HashSize] holds
	// a cached value. Used by the write-commit protocol to snapshot old hashes — a miss there
	// yields an "unknown" marker rather than a round trip to the manager.
	Peek(handle []byte, beginChunk, nchunks int) (hashes []byte, valid []bool)
	// Stats reports cache occupancy.
	Stats() Stats
}

// New builds a Cache in the requested mode from one Config, owning its backing structures: a
// file index in either mode, plus a dedicated frame pool and block index in complex mode so a
// hash-hot workload never competes with a data cache for frames. hash and cmp are the
// caller-supplied handle trait shared with the indexes; fetch resolves misses (typically the
// manager's gethashes RPC). Callers that want to share indexes with other subsystems use
// NewSimpleCache/NewComplexCache directly.
func New(mode Mode, cfg config.Config, hash blockindex.HashFunc, cmp blockindex.CompareFunc, fetch FetchFunc) Cache {
	files := fileindex.New(cfg.FileTableSize, hash)
	if mode == Simple {
		return NewSimpleCache(files, fetch)
	}
	// Complex mode frames hold one hash each, so the pool's frame size is the hash width, not
	// the data-page BSize.
	cfg.BSize = HashSize
	pool := framepool.New(cfg)
	blocks := blockindex.New(cfg.BlockTableSize, hash, cmp, pool)
	return NewComplexCache(pool, blocks, files, fetch)
}
