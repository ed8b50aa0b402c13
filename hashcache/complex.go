package hashcache

import (
	"context"
	"fmt"

	capfs "github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/blockindex"
	"github.com/mnv104/capfs-sub002/fileindex"
	"github.com/mnv104/capfs-sub002/framepool"
	"github.com/mnv104/capfs-sub002/iotransport"
)

// ComplexCache implements the hash cache's complex mode: each chunk hash is an ordinary 20-byte
// frame in a dedicated block cache, subject to the same GCLOCK eviction a data-page cache would
// use. It runs over whatever framepool.Pool/blockindex.Index/fileindex.Index it is given; New
// builds dedicated ones, so a hash-hot workload cannot evict a data-hot one or vice versa,
// while a caller of NewComplexCache may pass shared instances.
type ComplexCache struct {
	pool   *framepool.Pool
	blocks *blockindex.Index
	files  *fileindex.Index
	plumb  *iotransport.Plumbing
	stats  counters
}

// NewComplexCache wires fetch (typically an RPC to the manager's gethashes) into the generic
// fetch/commit plumbing, adapting its buffer-filling contract to FetchFunc's whole-slice
// return. A short reply from fetch is not an error: the returned prefix fills the leading
// frames and the suffix frames complete with zero bytes, so Plumbing.Fetch marks the prefix
// Uptodate and leaves the suffix empty.
func NewComplexCache(pool *framepool.Pool, blocks *blockindex.Index, files *fileindex.Index, fetch FetchFunc) *ComplexCache {
	c := &ComplexCache{pool: pool, blocks: blocks, files: files}
	c.plumb = &iotransport.Plumbing{
		FetchBegin: func(ctx context.Context, handle []byte, pages []int64, buffers [][]byte) (any, error) {
			c.stats.fetches.Add(1)
			data, err := fetch(ctx, handle, int(pages[0]), len(pages))
			if err != nil {
				return nil, err
			}
			if len(data) > len(pages)*HashSize || len(data)%HashSize != 0 {
				return nil, fmt.Errorf("hashcache: fetch returned %d bytes for %d chunks", len(data), len(pages))
			}
			got := len(data) / HashSize
			for i := 0; i < got; i++ {
				copy(buffers[i], data[i*HashSize:(i+1)*HashSize])
			}
			results := make([]int, len(pages))
			for i := range results {
				if i < got {
					results[i] = HashSize
				}
			}
			return results, nil
		},
		FetchComplete: func(_ context.Context, token any) ([]int, error) {
			return token.([]int), nil
		},
	}
	return c
}

// acquire returns the frame for (handle, chunk), fixed, allocating and linking it on miss.
func (c *ComplexCache) acquire(ctx context.Context, handle []byte, chunk int64) *framepool.Frame {
	newFrame := c.pool.Allocate(ctx)
	f, hit := c.blocks.Lookup(ctx, handle, chunk, newFrame)
	if hit {
		c.pool.Release(newFrame)
		return f
	}

	rec := c.files.Get(handle)
	rec.Lock()
	f.Lock()
	f.FileRecordID = rec.ID
	f.Unlock()
	rec.AddFrame(f.ID)
	rec.Unlock()
	c.files.Put(rec)
	return f
}

func (c *ComplexCache) Get(ctx context.Context, handle []byte, beginChunk, nchunks int, buffer []byte) (int, error) {
	if nchunks <= 0 {
		return 0, nil
	}
	if len(buffer) < nchunks*HashSize {
		return 0, fmt.Errorf("hashcache: buffer too small for %d chunks", nchunks)
	}

	// Acquire every frame before locking any of them: acquire briefly takes chain/file-record
	// locks above frame_lock in the global order, so no frame lock may be held while it runs.
	frames := make([]*framepool.Frame, nchunks)
	for i := 0; i < nchunks; i++ {
		frames[i] = c.acquire(ctx, handle, int64(beginChunk+i))
	}
	for _, f := range frames {
		f.Lock()
	}
	defer func() {
		for _, f := range frames {
			f.Unlock()
			f.Unfix()
		}
	}()

	// Local-read short-circuit: a frame already holding a locally written chunk
	// answers without a fetch; one that doesn't cover the full chunk is dropped back to
	// not-Uptodate so the fetch below refetches it instead of serving a partial value. It is
	// written back first only when the plumbing has a WriteBegin, which NewComplexCache does not set.
	for _, f := range frames {
		flags := f.GetFlags()
		if !flags.Has(framepool.FlagUptodate) || !flags.Has(framepool.FlagDirty) {
			continue
		}
		if iotransport.CanSatisfyLocally(f, 0, HashSize) {
			continue
		}
		if c.plumb.WriteBegin != nil {
			if err := c.plumb.Writeback(ctx, handle, []*framepool.Frame{f}, int64(len(f.Buf))); err != nil {
				return 0, err
			}
		}
		f.ClearFlags(framepool.FlagUptodate)
	}

	missing := false
	for _, f := range frames {
		if !f.GetFlags().Has(framepool.FlagUptodate) {
			missing = true
			break
		}
	}
	if missing {
		c.stats.misses.Add(1)
	} else {
		c.stats.hits.Add(1)
	}

	if err := c.plumb.Fetch(ctx, handle, frames); err != nil {
		return 0, err
	}

	filled := 0
	for _, f := range frames {
		if f.Err != nil {
			return filled * HashSize, f.Err
		}
		if !f.GetFlags().Has(framepool.FlagUptodate) {
			break
		}
		copy(buffer[filled*HashSize:(filled+1)*HashSize], f.Buf[:HashSize])
		filled++
	}
	if filled < nchunks {
		// The fetch answered short: the prefix is cached and returned, the suffix frames stay
		// empty for the caller's re-issue.
		return filled * HashSize, capfs.Error{
			Code:     capfs.ErrFetchShortReturn,
			Err:      fmt.Errorf("hashcache: fetched %d of %d chunks", filled, nchunks),
			UserData: append([]byte(nil), handle...),
		}
	}
	return nchunks * HashSize, nil
}

func (c *ComplexCache) Put(ctx context.Context, handle []byte, beginChunk, nchunks int, buffer []byte) error {
	if nchunks <= 0 {
		return nil
	}
	if len(buffer) < nchunks*HashSize {
		return fmt.Errorf("hashcache: buffer too small for %d chunks", nchunks)
	}
	c.stats.puts.Add(1)

	for i := 0; i < nchunks; i++ {
		f := c.acquire(ctx, handle, int64(beginChunk+i))
		f.Lock()
		copy(f.Buf[:HashSize], buffer[i*HashSize:(i+1)*HashSize])
		f.SetFlags(framepool.FlagUptodate)
		f.Valid.Add(0, HashSize)
		f.Unlock()
		f.Unfix()
	}
	return nil
}

// Clear drops every cached chunk for handle from the block index, releasing their frames. It
// walks the file record's tracked frame list rather than an unbounded chunk range.
func (c *ComplexCache) Clear(handle []byte) error {
	rec := c.files.Get(handle)
	defer c.files.Put(rec)
	ids := rec.Frames()

	for _, id := range ids {
		f := c.pool.Frame(id)
		f.Lock()
		key := f.Key
		f.Unlock()
		if string(key.Handle) != string(handle) {
			continue
		}
		if c.blocks.Remove(key.Handle, key.Page, f) {
			rec.Lock()
			rec.RemoveFrame(f.ID)
			rec.Unlock()
			c.pool.Release(f)
		}
	}
	return nil
}

// ClearRange drops [beginChunk, beginChunk+nchunks) for handle. Chunks not currently cached are
// silently skipped.
func (c *ComplexCache) ClearRange(handle []byte, beginChunk, nchunks int) error {
	rec := c.files.Get(handle)
	defer c.files.Put(rec)

	for i := 0; i < nchunks; i++ {
		chunk := int64(beginChunk + i)
		f, hit := c.blocks.Find(handle, chunk)
		if !hit {
			continue
		}
		f.Lock()
		f.Unfix() // drop the fix Find just took; we only needed to locate the frame
		f.Unlock()
		if c.blocks.Remove(handle, chunk, f) {
			rec.Lock()
			rec.RemoveFrame(f.ID)
			rec.Unlock()
			c.pool.Release(f)
		}
	}
	return nil
}

// InvalidateAll releases every frame in the pool back to Free, clearing the whole complex-mode
// cache in one pass.
func (c *ComplexCache) InvalidateAll() {
	c.pool.ForEach(func(f *framepool.Frame) {
		f.Lock()
		free := f.GetFlags().Has(framepool.FlagFree)
		key := f.Key
		f.Unlock()
		if free {
			return
		}
		if c.blocks.Remove(key.Handle, key.Page, f) {
			c.pool.Release(f)
		}
	})
}

// Peek reports whatever is currently cached for [beginChunk, beginChunk+nchunks) without
// inserting or fetching anything for a chunk that misses.
func (c *ComplexCache) Peek(handle []byte, beginChunk, nchunks int) ([]byte, []bool) {
	hashes := make([]byte, nchunks*HashSize)
	valid := make([]bool, nchunks)
	for i := 0; i < nchunks; i++ {
		f, hit := c.blocks.Find(handle, int64(beginChunk+i))
		if !hit {
			continue
		}
		f.Lock()
		if f.GetFlags().Has(framepool.FlagUptodate) {
			copy(hashes[i*HashSize:(i+1)*HashSize], f.Buf[:HashSize])
			valid[i] = true
		}
		f.Unlock()
		f.Unfix()
	}
	return hashes, valid
}

func (c *ComplexCache) Stats() Stats {
	ps := c.pool.Stats()
	s := Stats{Mode: Complex, ChunksValid: ps.Mapped}
	c.stats.snapshot(&s)
	c.files.ForEach(func(*fileindex.Record) { s.FilesCached++ })
	return s
}
