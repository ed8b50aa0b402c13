package fileindex

import (
	"bytes"
	"sync"
	"sync/atomic"
)

type entry struct {
	record *Record
	next   *entry
}

type chain struct {
	mu   sync.RWMutex
	head *entry
}

// Index is the handle-keyed analogue of blockindex.Index: a fixed array of hash
// chains, each guarding a linked list of Records. chain.mu is the "chain_lock" ranked above
// file_record_lock in the global lock order.
type Index struct {
	buckets []chain
	hash    func(handle []byte) uint64

	nextID int64
	byID   sync.Map // int64 -> *Record
}

// New builds an Index with the given bucket count.
func New(buckets int, hash func(handle []byte) uint64) *Index {
	return &Index{
		buckets: make([]chain, buckets),
		hash:    hash,
	}
}

// ByID resolves a record by the ID stamped on frames as FileRecordID, letting the harvester
// find a frame's owning record without retracing the handle-keyed chains: frames hold an
// int, not a pointer, back to their record, avoiding a reference cycle.
func (idx *Index) ByID(id int64) (*Record, bool) {
	v, ok := idx.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Record), true
}

func (idx *Index) bucketFor(handle []byte) *chain {
	return &idx.buckets[idx.hash(handle)%uint64(len(idx.buckets))]
}

// find returns the entry matching handle (if any) and the entry immediately before it.
func find(c *chain, handle []byte) (prev *entry, match *entry) {
	for e := c.head; e != nil; e = e.next {
		if bytes.Equal(e.record.Handle, handle) {
			return prev, e
		}
		prev = e
	}
	return nil, nil
}

// Get returns the file record for handle with its refcount incremented. The record is returned
// unlocked; callers take its lock themselves. It allocates and links a fresh record on miss.
func (idx *Index) Get(handle []byte) *Record {
	c := idx.bucketFor(handle)

	c.mu.RLock()
	if _, e := find(c, handle); e != nil {
		r := e.record
		r.Lock()
		r.Ref()
		r.Unlock()
		c.mu.RUnlock()
		return r
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if _, e := find(c, handle); e != nil {
		r := e.record
		r.Lock()
		r.Ref()
		r.Unlock()
		c.mu.Unlock()
		return r
	}
	r := newRecord(handle)
	r.ID = atomic.AddInt64(&idx.nextID, 1)
	r.Lock()
	r.Ref()
	r.Unlock()
	c.head = &entry{record: r, next: c.head}
	idx.byID.Store(r.ID, r)
	c.mu.Unlock()
	return r
}

// Put decrements r's refcount and, if the record becomes removable (unreferenced,
// frameless, error-free, unpinned), unlinks it from the index. The double-checked
// drop-reacquire-recheck dance guards against a race window: a
// concurrent Get could have re-referenced the record between our dropping file_record_lock and
// acquiring chain_lock.
func (idx *Index) Put(r *Record) {
	r.Lock()
	r.Unref()
	candidate := r.removable()
	r.Unlock()

	if candidate {
		idx.Reap(r)
	}
}

// Reap unlinks r from the index if it is currently removable, without touching its refcount.
// The harvester calls this after draining a record's frame list, mirroring the drop-lock /
// acquire-chain-lock / recheck dance Put uses for the same race.
func (idx *Index) Reap(r *Record) {
	c := idx.bucketFor(r.Handle)

	c.mu.Lock()
	r.Lock()
	if r.removable() {
		prev, match := find(c, r.Handle)
		if match != nil && match.record == r {
			if prev == nil {
				c.head = match.next
			} else {
				prev.next = match.next
			}
			idx.byID.Delete(r.ID)
		}
	}
	r.Unlock()
	c.mu.Unlock()
}

// Contains reports whether handle currently resolves to a linked record, irrespective of
// refcount — used by tests and by stats reporting.
func (idx *Index) Contains(handle []byte) bool {
	c := idx.bucketFor(handle)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, match := find(c, handle)
	return match != nil
}

// ForEach visits every currently-linked record, in unspecified order, without holding any chain
// lock across fn. Used by simple-mode hash-cache invalidation
// and by stats reporting, neither of which is on a hot path.
func (idx *Index) ForEach(fn func(r *Record)) {
	for i := range idx.buckets {
		c := &idx.buckets[i]
		c.mu.RLock()
		records := make([]*Record, 0)
		for e := c.head; e != nil; e = e.next {
			records = append(records, e.record)
		}
		c.mu.RUnlock()
		for _, r := range records {
			fn(r)
		}
	}
}
