// Package framepool implements the fixed-size preallocated buffer pool that backs every
// cached page in the block cache manager. Frames are created once at pool init and never
// destroyed; they transition among {Free, Mapped-Invalid, Mapped-Uptodate-Clean,
// Mapped-Uptodate-Dirty}.
package framepool

import (
	"sync"
	"sync/atomic"

	"github.com/mnv104/capfs-sub002/validregion"
)

// frameMagic marks a live Frame; a magic mismatch is treated as a fatal invariant
// violation, so Frame never exposes a way to construct one outside the pool's arena.
const frameMagic = 0xCA0F5

// Flags is the frame's independent-bits flags word.
type Flags uint32

const (
	FlagDirty Flags = 1 << iota
	FlagFree
	FlagInvalid
	FlagUptodate
	FlagInFileList
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Key is the (handle, page) pair a frame currently backs. Handle is stored as an opaque byte
// blob — equality and hashing are caller-supplied (see blockindex.HashFunc/CompareFunc), not
// baked into Key itself.
type Key struct {
	Handle []byte
	Page   int64
}

// Frame is one slot in the client-side buffer pool. FileRecordID is an integer id into the file
// index rather than a pointer: frames reference file records, file records own the frame list,
// and storing ids instead of pointers avoids the cycle while keeping frame membership a
// first-class list operation.
type Frame struct {
	magic int

	// ID is this frame's stable index into the pool's arena.
	ID int

	mu sync.Mutex

	Buf []byte

	fix   int32 // atomic: active users (fix-count)
	ref   int32 // atomic: GCLOCK reference count
	flags Flags

	Key          Key
	FileRecordID int64 // -1 when not attached to a file record

	// Err latches an asynchronous writeback failure until the owning file record's
	// next explicit close/fsync observes and clears it.
	Err error

	Valid validregion.Set
}

// Lock acquires the frame's lock. Per the global lock order, chain_lock >
// file_record_lock > frame_lock > pool_mutex: callers must already hold any chain or file
// record lock they need before calling Lock.
func (f *Frame) Lock() { f.mu.Lock() }

// Unlock releases the frame's lock.
func (f *Frame) Unlock() { f.mu.Unlock() }

// TryLock attempts to acquire the frame's lock without blocking, used by the harvester's
// try_lock step and by the block index's deletion-ordering protocol.
func (f *Frame) TryLock() bool { return f.mu.TryLock() }

// Fix increments the fix-count (active users), pinning the frame against harvester reclaim.
func (f *Frame) Fix() { atomic.AddInt32(&f.fix, 1) }

// Unfix decrements the fix-count. Panics if it would go negative.
func (f *Frame) Unfix() {
	if atomic.AddInt32(&f.fix, -1) < 0 {
		panic("capfs: frame fix-count went negative")
	}
}

// FixCount returns the current fix-count.
func (f *Frame) FixCount() int32 { return atomic.LoadInt32(&f.fix) }

// Ref returns the current GCLOCK reference count.
func (f *Frame) Ref() int32 { return atomic.LoadInt32(&f.ref) }

// BumpRef increments the GCLOCK reference count by delta, saturating rather than overflowing.
func (f *Frame) BumpRef(delta int32) {
	for {
		old := atomic.LoadInt32(&f.ref)
		next := old + delta
		if next < old { // overflow
			next = 1<<31 - 1
		}
		if atomic.CompareAndSwapInt32(&f.ref, old, next) {
			return
		}
	}
}

// DecayRef subtracts age from the GCLOCK reference count, floored at zero, and returns the new
// value. Must be called with the frame lock held.
func (f *Frame) DecayRef(age int32) int32 {
	v := atomic.LoadInt32(&f.ref) - age
	if v < 0 {
		v = 0
	}
	atomic.StoreInt32(&f.ref, v)
	return v
}

// GetFlags returns the frame's flags word. Must be called with the frame lock held for a
// consistent read relative to other flag mutations.
func (f *Frame) GetFlags() Flags { return f.flags }

// SetFlags ORs bits into the flags word. Must be called with the frame lock held.
func (f *Frame) SetFlags(bits Flags) { f.flags |= bits }

// ClearFlags ANDs bits out of the flags word. Must be called with the frame lock held.
func (f *Frame) ClearFlags(bits Flags) { f.flags &^= bits }

// checkMagic panics (fatal) if the frame's magic has been corrupted.
func (f *Frame) checkMagic() {
	if f.magic != frameMagic {
		panic("capfs: frame magic mismatch, memory corruption or use of a stale Frame")
	}
}

// resetLocked restores a frame to its Free state. Caller must hold f.mu.
func (f *Frame) resetLocked() {
	f.checkMagic()
	for i := range f.Buf {
		f.Buf[i] = 0
	}
	f.Key = Key{}
	f.FileRecordID = -1
	f.Err = nil
	f.Valid.Clear()
	atomic.StoreInt32(&f.fix, 0)
	atomic.StoreInt32(&f.ref, 0)
	f.flags = FlagFree | FlagInvalid
}
