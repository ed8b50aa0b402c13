package hashcache

import (
	"context"
	"fmt"

	capfs "github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/fileindex"
)

// SimpleCache implements the hash cache's simple mode: each file record owns its own doubling
// array of (valid, hash) pairs, with no participation in the generic block cache. Eviction is
// whole-file: ClearRange only clears valid bits, Clear frees the array outright.
type SimpleCache struct {
	files *fileindex.Index
	fetch FetchFunc
	stats counters
}

// NewSimpleCache builds a SimpleCache over files, fetching misses via fetch.
func NewSimpleCache(files *fileindex.Index, fetch FetchFunc) *SimpleCache {
	return &SimpleCache{files: files, fetch: fetch}
}

func (c *SimpleCache) Get(ctx context.Context, handle []byte, beginChunk, nchunks int, buffer []byte) (int, error) {
	if nchunks <= 0 {
		return 0, nil
	}
	if len(buffer) < nchunks*HashSize {
		return 0, fmt.Errorf("hashcache: buffer too small for %d chunks", nchunks)
	}

	rec := c.files.Get(handle)
	defer c.files.Put(rec)

	rec.Lock()
	rec.EnsureChunks(beginChunk + nchunks - 1)
	missing := false
	for i := 0; i < nchunks; i++ {
		if !rec.Chunks[beginChunk+i].Valid {
			missing = true
			break
		}
	}
	rec.Unlock()

	if missing {
		c.stats.misses.Add(1)
		c.stats.fetches.Add(1)
		// Simple mode has no per-chunk frame granularity to fetch a minimal gap (the
		// transition-counting machinery belongs to the block-cache path); it refetches the whole
		// requested range in one call. The reply may still come back short of the request — only
		// the returned prefix becomes valid.
		data, err := c.fetch(ctx, handle, beginChunk, nchunks)
		if err != nil {
			return 0, err
		}
		if len(data) > nchunks*HashSize || len(data)%HashSize != 0 {
			return 0, fmt.Errorf("hashcache: fetch returned %d bytes, want at most %d", len(data), nchunks*HashSize)
		}
		got := len(data) / HashSize
		rec.Lock()
		rec.EnsureChunks(beginChunk + nchunks - 1)
		for i := 0; i < got; i++ {
			ch := &rec.Chunks[beginChunk+i]
			copy(ch.Sum[:], data[i*HashSize:(i+1)*HashSize])
			ch.Valid = true
		}
		if got > 0 {
			// Pinning keeps the record (and its chunk array) alive across the refcount dropping
			// to zero between calls; simple mode has no frame list to hold the record in the
			// index.
			rec.Pinned = true
		}
		rec.Unlock()
	} else {
		c.stats.hits.Add(1)
	}

	rec.Lock()
	filled := 0
	for i := 0; i < nchunks; i++ {
		if !rec.Chunks[beginChunk+i].Valid {
			break
		}
		copy(buffer[filled*HashSize:(filled+1)*HashSize], rec.Chunks[beginChunk+i].Sum[:])
		filled++
	}
	rec.Unlock()

	if filled < nchunks {
		return filled * HashSize, capfs.Error{
			Code:     capfs.ErrFetchShortReturn,
			Err:      fmt.Errorf("hashcache: fetched %d of %d chunks", filled, nchunks),
			UserData: append([]byte(nil), handle...),
		}
	}
	return nchunks * HashSize, nil
}

func (c *SimpleCache) Put(ctx context.Context, handle []byte, beginChunk, nchunks int, buffer []byte) error {
	if nchunks <= 0 {
		return nil
	}
	if len(buffer) < nchunks*HashSize {
		return fmt.Errorf("hashcache: buffer too small for %d chunks", nchunks)
	}
	c.stats.puts.Add(1)

	rec := c.files.Get(handle)
	defer c.files.Put(rec)

	rec.Lock()
	defer rec.Unlock()
	rec.EnsureChunks(beginChunk + nchunks - 1)
	for i := 0; i < nchunks; i++ {
		ch := &rec.Chunks[beginChunk+i]
		copy(ch.Sum[:], buffer[i*HashSize:(i+1)*HashSize])
		ch.Valid = true
	}
	rec.Pinned = true
	return nil
}

// Clear frees the whole-file chunk array outright.
func (c *SimpleCache) Clear(handle []byte) error {
	rec := c.files.Get(handle)
	defer c.files.Put(rec)

	rec.Lock()
	rec.Chunks = nil
	rec.Pinned = false
	rec.Unlock()
	return nil
}

// ClearRange marks [beginChunk, beginChunk+nchunks) invalid without shrinking the array.
func (c *SimpleCache) ClearRange(handle []byte, beginChunk, nchunks int) error {
	rec := c.files.Get(handle)
	defer c.files.Put(rec)

	rec.Lock()
	defer rec.Unlock()
	for i := beginChunk; i < beginChunk+nchunks && i < len(rec.Chunks); i++ {
		rec.Chunks[i].Valid = false
	}
	return nil
}

// InvalidateAll frees every tracked file's chunk array, used after a manager reregistration
// when nothing the client cached can be trusted.
func (c *SimpleCache) InvalidateAll() {
	c.files.ForEach(func(r *fileindex.Record) {
		r.Lock()
		r.Chunks = nil
		r.Pinned = false
		r.Unlock()
		c.files.Reap(r)
	})
}

// Peek reports whatever is currently cached for [beginChunk, beginChunk+nchunks) without
// triggering a fetch for anything missing.
func (c *SimpleCache) Peek(handle []byte, beginChunk, nchunks int) ([]byte, []bool) {
	rec := c.files.Get(handle)
	defer c.files.Put(rec)

	hashes := make([]byte, nchunks*HashSize)
	valid := make([]bool, nchunks)

	rec.Lock()
	defer rec.Unlock()
	for i := 0; i < nchunks; i++ {
		idx := beginChunk + i
		if idx >= len(rec.Chunks) || !rec.Chunks[idx].Valid {
			continue
		}
		copy(hashes[i*HashSize:(i+1)*HashSize], rec.Chunks[idx].Sum[:])
		valid[i] = true
	}
	return hashes, valid
}

func (c *SimpleCache) Stats() Stats {
	s := Stats{Mode: Simple}
	c.stats.snapshot(&s)
	c.files.ForEach(func(r *fileindex.Record) {
		r.Lock()
		if r.Chunks != nil {
			s.FilesCached++
			for _, ch := range r.Chunks {
				if ch.Valid {
					s.ChunksValid++
				}
			}
		}
		r.Unlock()
	})
	return s
}
