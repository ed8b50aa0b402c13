// Package capfs implements the client-side caching and consistency engine of CAPFS, a
// cluster filesystem in which every file is striped into fixed-size chunks named by their
// SHA-1 content hash. A client holds no authoritative state: it caches a recipe (an ordered
// array of chunk hashes) per file, mediates every write through a compare-and-swap RPC against
// a metadata manager, and accepts REVOKE/UPDATE callbacks from the manager to keep that cache
// coherent with concurrent writers elsewhere in the cluster.
//
// The engine is organized bottom-up:
//
//   - framepool holds the fixed-size buffer pool that backs every cached page.
//   - blockindex and fileindex are the concurrent maps that locate a page's frame and a file's
//     frame list.
//   - harvester runs the GCLOCK background sweep that ages, writes back, and frees frames.
//   - validregion tracks per-frame dirty/valid byte ranges for write coalescing.
//   - iotransport batches fetch/writeback RPCs over caller-supplied callbacks.
//   - hashcache is the façade client code actually calls to read or stage chunk hashes.
//   - writecommit drives the write-commit protocol: propose old/new hashes, retry on conflict.
//   - callback is the local RPC server the manager calls back into on REVOKE/UPDATE.
//   - manager is the typed RPC client to the metadata manager.
//
// None of these packages touch the POSIX shim, the I/O-server wire protocol, or directory
// metadata — those are external collaborators that sit above and below this engine.
package capfs

// Environment variables recognized by the core engine. See config.NewFromEnv for defaults.
const (
	EnvBlockSize          = "CMGR_BSIZE"
	EnvBlockCount         = "CMGR_BCOUNT"
	EnvBlockTableSize     = "CMGR_BTSIZE"
	EnvFileTableSize      = "CMGR_BFTSIZE"
	EnvChunkSize          = "CMGR_CHUNK_SIZE"
	EnvDebug              = "CMGR_DEBUG"
	EnvLockDebug          = "CMGR_LOCK_DEBUG"
	EnvOutput             = "CMGR_OUTPUT"
	EnvStats              = "CMGR_STATS"
	EnvMountTableOverride = "CAPFSTAB_ENV"
	EnvDirectIO           = "CMGR_DIRECTIO"
)
