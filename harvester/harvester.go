// Package harvester implements the single background clock-hand sweep that reclaims frames
// under memory pressure and trickles dirty pages back to the server.
package harvester

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/sethvargo/go-retry"

	"github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/blockindex"
	"github.com/mnv104/capfs-sub002/config"
	"github.com/mnv104/capfs-sub002/fileindex"
	"github.com/mnv104/capfs-sub002/framepool"
	"github.com/mnv104/capfs-sub002/internal/backoff"
)

// WritebackFunc flushes a dirty frame's valid regions to the server. It must not block
// indefinitely; the harvester calls it with the frame unlocked.
type WritebackFunc func(ctx context.Context, f *framepool.Frame) error

// Harvester is the single clock-hand task.
type Harvester struct {
	pool   *framepool.Pool
	blocks *blockindex.Index
	files  *fileindex.Index
	cfg    config.Config

	writeback WritebackFunc

	hand    int
	handPos atomic.Int32 // mirrors hand for lock-free reads from Status
	running atomic.Bool
	wake    chan struct{}
}

// Status reports point-in-time harvester state for the capfsctl debug endpoint.
type Status struct {
	Running bool
	Hand    int
}

// Status returns whether Run is currently looping and the clock hand's last-observed position.
// Hand is read from the atomic mirror rather than the plain field, since the sweep goroutine
// mutates the plain field without synchronization.
func (h *Harvester) Status() Status {
	return Status{Running: h.running.Load(), Hand: int(h.handPos.Load())}
}

// New builds a Harvester over pool, with blocks/files as the indices it evicts victims from.
func New(pool *framepool.Pool, blocks *blockindex.Index, files *fileindex.Index, cfg config.Config, writeback WritebackFunc) *Harvester {
	return &Harvester{
		pool:      pool,
		blocks:    blocks,
		files:     files,
		cfg:       cfg,
		writeback: writeback,
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the harvester out of its high-water wait. framepool.Pool.Allocate signals the
// condvar Pool.WaitUntilNeeded blocks on; Wake additionally lets external callers, e.g. a
// shutdown path wanting an immediate final sweep, break the wait without allocating.
func (h *Harvester) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled, sweeping the frame pool. On cancellation it performs one
// final pass writing back every dirty frame it can lock before returning.
func (h *Harvester) Run(ctx context.Context) error {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		if ctx.Err() != nil {
			h.drainOnShutdown(context.Background())
			return ctx.Err()
		}

		select {
		case <-h.wake:
			// Forced sweep: skip the high-water wait.
		default:
			if !h.pool.WaitUntilNeeded(ctx) {
				h.drainOnShutdown(context.Background())
				return ctx.Err()
			}
		}

		h.sweep(ctx)
	}
}

// sweep performs one clock pass, reclaiming and writing back frames until the free count is
// back at its high-water mark or a batch of actions have been taken. A pass that skips every frame
// in the pool without making progress is an unrecoverable deadlock and aborts the process via
// capfs.Fatalf rather than returning; sweep otherwise never fails.
func (h *Harvester) sweep(ctx context.Context) {
	total := h.pool.Len()
	batchSize := int(float64(total) * h.cfg.BatchRatio)
	if batchSize < 1 {
		batchSize = 1
	}

	actions := 0
	skippedInARow := 0

	for actions < batchSize {
		if ctx.Err() != nil {
			return
		}

		f := h.pool.Frame(h.hand)
		h.hand = (h.hand + 1) % total
		h.handPos.Store(int32(h.hand))

		if !f.TryLock() {
			if h.fullRevolutionSkipped(&skippedInARow, total, actions) {
				return
			}
			continue
		}

		if f.FixCount() > 0 || f.GetFlags().Has(framepool.FlagFree) {
			f.Unlock()
			if h.fullRevolutionSkipped(&skippedInARow, total, actions) {
				return
			}
			continue
		}
		skippedInARow = 0

		if !f.GetFlags().Has(framepool.FlagInvalid) && f.DecayRef(h.cfg.GCLOCKAge) > 0 {
			dirty := f.GetFlags().Has(framepool.FlagDirty)
			f.Unlock()
			if dirty {
				h.trickle(ctx, f)
			}
			actions++
			continue
		}

		h.evict(ctx, f)
		actions++

		if h.pool.FreeCount() >= int(float64(total)*h.cfg.HighWater) {
			break
		}
	}
}

// fullRevolutionSkipped bumps the skip counter and decides what a whole revolution of skips
// means: with zero actions this sweep, every frame is fixed or busy and no retry will help —
// the pool is deadlocked, which is fatal. With prior progress it just means there is nothing
// further to reclaim right now, so the sweep ends.
func (h *Harvester) fullRevolutionSkipped(skippedInARow *int, total, actions int) bool {
	*skippedInARow++
	if *skippedInARow < total {
		return false
	}
	if actions == 0 {
		capfs.Fatalf("harvester: every frame skipped in one sweep, pool deadlocked")
	}
	return true
}

// latchOnRecord mirrors a writeback failure onto the owning file record, where the next
// explicit close or fsync finds it. The per-frame latch alone is not enough: a harvested
// frame's Err dies with the frame when it is released back to the pool, and a record with a
// pending error stays linked in the file index until the error is surfaced.
func (h *Harvester) latchOnRecord(recordID int64, err error) {
	if recordID < 0 {
		return
	}
	rec, ok := h.files.ByID(recordID)
	if !ok {
		return
	}
	rec.Lock()
	if rec.Err == nil {
		rec.Err = err
	}
	rec.Unlock()
}

// trickle writes back a still-referenced dirty frame without evicting it. A transient failure
// (network hiccup to the server) is retried with Fibonacci backoff before the error is latched
// on the frame and its owning file record; a permanent failure (bad handle, disk full) latches
// immediately.
func (h *Harvester) trickle(ctx context.Context, f *framepool.Frame) {
	if h.writeback == nil {
		return
	}
	err := backoff.RetryTransient(ctx, func(ctx context.Context) error {
		werr := h.writeback(ctx, f)
		if werr != nil && backoff.ShouldRetry(werr) {
			return retry.RetryableError(werr)
		}
		return werr
	}, nil)
	if err != nil {
		f.Lock()
		f.Err = err
		recordID := f.FileRecordID
		f.Unlock()
		h.latchOnRecord(recordID, err)
		slog.Warn("harvester: trickle writeback failed", "frame", f.ID, "error", err)
		return
	}
	f.Lock()
	f.ClearFlags(framepool.FlagDirty)
	f.Unlock()
}

// evict removes one victim frame: remember the key, drop the frame lock, take the chain
// write-lock via blockindex.Remove's try-lock-and-revalidate protocol, write back if dirty, pull
// the frame out of its owning file record's list, and return it to the pool.
func (h *Harvester) evict(ctx context.Context, f *framepool.Frame) {
	key := f.Key
	recordID := f.FileRecordID
	dirty := f.GetFlags().Has(framepool.FlagDirty)
	f.Unlock()

	if !h.blocks.Remove(key.Handle, key.Page, f) {
		// Key changed underneath us between unlock and Remove: abort this victim.
		return
	}

	if dirty && h.writeback != nil {
		err := backoff.RetryTransient(ctx, func(ctx context.Context) error {
			werr := h.writeback(ctx, f)
			if werr != nil && backoff.ShouldRetry(werr) {
				return retry.RetryableError(werr)
			}
			return werr
		}, nil)
		if err != nil {
			slog.Warn("harvester: eviction writeback failed", "frame", f.ID, "error", err)
			f.Lock()
			f.Err = err
			f.Unlock()
			h.latchOnRecord(recordID, err)
		}
	}

	if recordID >= 0 {
		if rec, ok := h.files.ByID(recordID); ok {
			rec.Lock()
			rec.RemoveFrame(f.ID)
			rec.Unlock()
			h.files.Reap(rec)
		}
	}

	h.pool.Release(f)
}

// drainOnShutdown writes back every still-dirty frame once on the way out.
func (h *Harvester) drainOnShutdown(ctx context.Context) {
	if h.writeback == nil {
		return
	}
	h.pool.ForEach(func(f *framepool.Frame) {
		f.Lock()
		dirty := f.GetFlags().Has(framepool.FlagDirty) && !f.GetFlags().Has(framepool.FlagFree)
		f.Unlock()
		if !dirty {
			return
		}
		if err := h.writeback(ctx, f); err != nil {
			slog.Error("harvester: shutdown writeback failed", "frame", f.ID, "error", err)
			f.Lock()
			f.Err = err
			recordID := f.FileRecordID
			f.Unlock()
			h.latchOnRecord(recordID, err)
			return
		}
		f.Lock()
		f.ClearFlags(framepool.FlagDirty)
		f.Unlock()
	})
}
