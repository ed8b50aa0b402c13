package framepool

import (
	"context"
	"sync"

	"github.com/ncw/directio"

	"github.com/mnv104/capfs-sub002/config"
)

// Pool is the fixed-size preallocated buffer pool. The pool mutex protects only the free-list
// length, the free-list head, and the two condvars — never frame-level state.
type Pool struct {
	cfg config.Config

	frames []Frame

	mu       sync.Mutex
	freeHead []int // stack of free frame IDs; cheaper than a linked list given a fixed arena
	notEmpty *sync.Cond
	needed   *sync.Cond // signalled when free count drops below LowWater
}

// New preallocates cfg.BCount frames of cfg.BSize bytes in one contiguous arena. When
// cfg.DirectIO is set, the arena is allocated via directio.AlignedBlock so frame buffers are
// page-aligned for O_DIRECT-style transfers to the I/O servers.
func New(cfg config.Config) *Pool {
	p := &Pool{
		cfg:      cfg,
		frames:   make([]Frame, cfg.BCount),
		freeHead: make([]int, 0, cfg.BCount),
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.needed = sync.NewCond(&p.mu)

	arenaSize := cfg.BCount * cfg.BSize
	var arena []byte
	if cfg.DirectIO {
		arena = directio.AlignedBlock(arenaSize)
	} else {
		arena = make([]byte, arenaSize)
	}

	for i := 0; i < cfg.BCount; i++ {
		f := &p.frames[i]
		f.magic = frameMagic
		f.ID = i
		f.Buf = arena[i*cfg.BSize : (i+1)*cfg.BSize : (i+1)*cfg.BSize]
		f.FileRecordID = -1
		f.flags = FlagFree | FlagInvalid
		p.freeHead = append(p.freeHead, i)
	}
	return p
}

// Frame returns the frame with the given stable id, for callers (block index, harvester) that
// already hold or are establishing a reference to it.
func (p *Pool) Frame(id int) *Frame {
	return &p.frames[id]
}

// Len returns the total number of frames in the pool.
func (p *Pool) Len() int { return len(p.frames) }

// lowWaterMark and highWaterMark convert the configured fractions to frame counts.
func (p *Pool) lowWaterMark() int  { return int(float64(len(p.frames)) * p.cfg.LowWater) }
func (p *Pool) highWaterMark() int { return int(float64(len(p.frames)) * p.cfg.HighWater) }

// Allocate takes a frame from the free list, blocking if empty while signalling the harvester.
// The returned frame is Free/Invalid and must be populated by the caller before it is inserted
// into the block index.
func (p *Pool) Allocate(ctx context.Context) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.freeHead) == 0 {
		p.needed.Signal()
		if ctx.Err() != nil {
			return nil
		}
		p.notEmpty.Wait()
	}

	id := p.freeHead[len(p.freeHead)-1]
	p.freeHead = p.freeHead[:len(p.freeHead)-1]

	if len(p.freeHead) < p.lowWaterMark() {
		p.needed.Signal()
	}
	return &p.frames[id]
}

// Release resets the frame's state, zeroes its buffer, and appends it to the free list, waking
// one waiter. Caller must not hold f's lock.
func (p *Pool) Release(f *Frame) {
	f.Lock()
	f.resetLocked()
	f.Unlock()

	p.mu.Lock()
	p.freeHead = append(p.freeHead, f.ID)
	p.mu.Unlock()
	p.notEmpty.Signal()
}

// WaitUntilNeeded blocks the harvester while the free count is at or above HighWater, waking
// when Allocate signals "needed" or ctx is canceled. Returns false if ctx was canceled first.
func (p *Pool) WaitUntilNeeded(ctx context.Context) bool {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.needed.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.freeHead) >= p.highWaterMark() {
		if ctx.Err() != nil {
			return false
		}
		p.needed.Wait()
	}
	return ctx.Err() == nil
}

// Stats reports free/mapped/dirty frame counts for the capfsctl debug endpoint and the
// CMGR_STATS shutdown dump.
type Stats struct {
	Free   int
	Mapped int
	Dirty  int
	Total  int
}

// Stats computes a point-in-time snapshot. It is O(BCount) and intended for diagnostics only,
// not the hot path.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	free := len(p.freeHead)
	p.mu.Unlock()

	s := Stats{Free: free, Total: len(p.frames)}
	for i := range p.frames {
		f := &p.frames[i]
		f.Lock()
		if !f.flags.Has(FlagFree) {
			s.Mapped++
			if f.flags.Has(FlagDirty) {
				s.Dirty++
			}
		}
		f.Unlock()
	}
	return s
}

// FreeCount returns the pool's free-list length under the pool mutex, matching the
// invariant "pool's free-list length = count of frames with Free = true".
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeHead)
}

// ForEach iterates every frame in id order, for global writeback passes and diagnostics. fn is
// called without any lock held; it must acquire f's lock itself if it needs a consistent view.
func (p *Pool) ForEach(fn func(f *Frame)) {
	for i := range p.frames {
		fn(&p.frames[i])
	}
}
