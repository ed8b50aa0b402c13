// Package blockindex implements the concurrent map from (handle, page) to frame. It is a
// fixed array of hash chains, each with its own reader/writer lock; a frame referenced from a
// chain is locked independently of the chain lock.
package blockindex

import (
	"context"
	"sync"

	"github.com/mnv104/capfs-sub002/framepool"
)

// HashFunc hashes an opaque handle to a uint64, combined with the page number to select a
// chain. CompareFunc decides handle equality. Both are caller-supplied — handles are opaque
// byte blobs to the index.
type HashFunc func(handle []byte) uint64
type CompareFunc func(a, b []byte) bool

type entry struct {
	frameID int
	next    *entry
}

type chain struct {
	mu   sync.RWMutex
	head *entry
}

// Index is the fixed array of hash chains.
type Index struct {
	buckets []chain
	hash    HashFunc
	cmp     CompareFunc
	pool    *framepool.Pool
}

// New builds an Index with the given bucket count over pool's frames.
func New(buckets int, hash HashFunc, cmp CompareFunc, pool *framepool.Pool) *Index {
	return &Index{
		buckets: make([]chain, buckets),
		hash:    hash,
		cmp:     cmp,
		pool:    pool,
	}
}

func (idx *Index) bucketFor(handle []byte, page int64) *chain {
	h := idx.hash(handle) ^ (uint64(page) * 0x9E3779B97F4A7C15)
	return &idx.buckets[h%uint64(len(idx.buckets))]
}

func (idx *Index) keyEquals(f *framepool.Frame, handle []byte, page int64) bool {
	return f.Key.Page == page && idx.cmp(f.Key.Handle, handle)
}

// Lookup implements the upgrade-on-miss protocol: it first scans the chain under a read lock,
// locking and fixing a matching frame; only on a miss does it upgrade to the chain's write
// lock, re-search, and insert newFrame (pre-allocated by the caller before acquiring the chain,
// to avoid allocating under the chain lock) if still missing. Returns the frame fixed for the
// caller, and true if it was a pre-existing hit.
func (idx *Index) Lookup(ctx context.Context, handle []byte, page int64, newFrame *framepool.Frame) (*framepool.Frame, bool) {
	c := idx.bucketFor(handle, page)

	c.mu.RLock()
	for e := c.head; e != nil; e = e.next {
		f := idx.pool.Frame(e.frameID)
		f.Lock()
		if !idx.keyEquals(f, handle, page) {
			f.Unlock()
			continue
		}
		if f.GetFlags().Has(framepool.FlagInvalid) {
			f.Unlock()
			continue
		}
		f.Fix()
		f.Unlock()
		c.mu.RUnlock()
		return f, true
	}
	c.mu.RUnlock()

	c.mu.Lock()
	for e := c.head; e != nil; e = e.next {
		f := idx.pool.Frame(e.frameID)
		f.Lock()
		if idx.keyEquals(f, handle, page) && !f.GetFlags().Has(framepool.FlagInvalid) {
			f.Fix()
			f.Unlock()
			c.mu.Unlock()
			return f, true
		}
		f.Unlock()
	}

	// Still missing: insert the caller's preallocated frame.
	newFrame.Lock()
	newFrame.Key = framepool.Key{Handle: append([]byte(nil), handle...), Page: page}
	newFrame.ClearFlags(framepool.FlagFree | framepool.FlagInvalid)
	newFrame.Fix()
	newFrame.Unlock()

	c.head = &entry{frameID: newFrame.ID, next: c.head}
	c.mu.Unlock()

	return newFrame, false
}

// Find looks up (handle, page) without ever inserting: on a hit it returns the frame, fixed; on
// a miss it returns (nil, false). Used by callers (hash-cache invalidation, stats) that want to
// act on an existing entry only and have no preallocated frame to offer Lookup.
func (idx *Index) Find(handle []byte, page int64) (*framepool.Frame, bool) {
	c := idx.bucketFor(handle, page)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for e := c.head; e != nil; e = e.next {
		f := idx.pool.Frame(e.frameID)
		f.Lock()
		if idx.keyEquals(f, handle, page) && !f.GetFlags().Has(framepool.FlagInvalid) {
			f.Fix()
			f.Unlock()
			return f, true
		}
		f.Unlock()
	}
	return nil, false
}

// Remove implements the deletion-ordering protocol: the caller must have already dropped f's
// lock before calling Remove. Remove acquires the chain write-lock, then try-locks f; if the
// try fails or f's key no longer matches (the frame has been re-homed since), the deletion
// aborts and Remove returns false.
func (idx *Index) Remove(handle []byte, page int64, f *framepool.Frame) bool {
	c := idx.bucketFor(handle, page)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !f.TryLock() {
		return false
	}
	defer f.Unlock()

	if !idx.keyEquals(f, handle, page) {
		return false
	}

	var prev *entry
	for e := c.head; e != nil; e = e.next {
		if e.frameID == f.ID {
			if prev == nil {
				c.head = e.next
			} else {
				prev.next = e.next
			}
			return true
		}
		prev = e
	}
	return false
}

// Contains reports whether handle/page currently resolves to a live (non-Free, non-Invalid)
// frame. A frame belongs in the index exactly when it is neither Free nor Invalid.
func (idx *Index) Contains(handle []byte, page int64) bool {
	c := idx.bucketFor(handle, page)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for e := c.head; e != nil; e = e.next {
		f := idx.pool.Frame(e.frameID)
		f.Lock()
		ok := idx.keyEquals(f, handle, page) && !f.GetFlags().Has(framepool.FlagInvalid) && !f.GetFlags().Has(framepool.FlagFree)
		f.Unlock()
		if ok {
			return true
		}
	}
	return false
}
