// Package iotransport implements the fetch/commit I/O plumbing that turns a batch of locked
// frames into RPC sub-requests against caller-supplied begin/complete callbacks.
// Concrete transports (S3, the manager's own wire protocol, ...) plug in by implementing
// FetchBeginFunc/FetchCompleteFunc/WriteBeginFunc/WriteCompleteFunc; see s3fetch.go for one.
package iotransport

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mnv104/capfs-sub002/framepool"
)

// FetchBeginFunc issues a readpage_begin RPC for the given handle/pages, filling buffers[i]
// (aligned with pages[i]) in place as the transport would when scattering an I/O reply directly
// into caller-supplied memory, and returns an opaque token that FetchCompleteFunc waits on.
type FetchBeginFunc func(ctx context.Context, handle []byte, pages []int64, buffers [][]byte) (token any, err error)

// FetchCompleteFunc waits for a readpage_begin token and returns, per sub-request, the number of
// bytes completed or a negative errno.
type FetchCompleteFunc func(ctx context.Context, token any) ([]int, error)

// WriteBeginFunc issues a writepage_begin RPC for the flattened (offsets, sizes, buffers) triple.
type WriteBeginFunc func(ctx context.Context, handle []byte, offsets, sizes []int64, buffers [][]byte) (token any, err error)

// WriteCompleteFunc waits for a writepage_begin token, mirroring FetchCompleteFunc's return shape.
type WriteCompleteFunc func(ctx context.Context, token any) ([]int, error)

// Plumbing wires a pair of begin/complete callbacks into the fetch/writeback protocol.
type Plumbing struct {
	FetchBegin    FetchBeginFunc
	FetchComplete FetchCompleteFunc
	WriteBegin    WriteBeginFunc
	WriteComplete WriteCompleteFunc

	// sf coalesces concurrent fetches that would otherwise issue identical readpage RPCs for
	// the same handle/page range — e.g. two readers racing to warm the same cold pages.
	sf singleflight.Group
}

// classify partitions frames into Uptodate and Missing and counts the number of monotonic
// transitions between the two classes: at most one transition means the missing pages form a
// single contiguous run and can be fetched alone; more than one means scattered gaps, which are
// simpler to refetch wholesale than to scatter/gather over disjoint RPCs.
func classify(frames []*framepool.Frame) (transitions int, missingAny bool) {
	if len(frames) == 0 {
		return 0, false
	}
	prevMissing := !frames[0].GetFlags().Has(framepool.FlagUptodate)
	missingAny = prevMissing
	for _, f := range frames[1:] {
		missing := !f.GetFlags().Has(framepool.FlagUptodate)
		missingAny = missingAny || missing
		if missing != prevMissing {
			transitions++
		}
		prevMissing = missing
	}
	return transitions, missingAny
}

// sfKey builds a singleflight key identifying a fetch batch by handle and the page range it
// covers; concurrent fetches for the exact same batch collapse into one RPC round trip.
func sfKey(handle []byte, frames []*framepool.Frame) string {
	if len(frames) == 0 {
		return string(handle)
	}
	return fmt.Sprintf("%s:%d:%d", handle, frames[0].Key.Page, frames[len(frames)-1].Key.Page)
}

// Fetch runs the fetch path over a batch of locked, contiguous frames. If at most
// one Uptodate/Missing transition exists, only the missing frames are fetched; otherwise every
// frame in the batch is refetched. Each completed sub-request marks its frame Uptodate and
// records (0, bytesReturned) as the valid region; a negative return latches that frame's Err.
// Callers must hold every frame's lock across this call and release it only afterward.
func (p *Plumbing) Fetch(ctx context.Context, handle []byte, frames []*framepool.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	transitions, missingAny := classify(frames)
	if !missingAny {
		return nil
	}

	var toFetch []*framepool.Frame
	if transitions <= 1 {
		for _, f := range frames {
			if !f.GetFlags().Has(framepool.FlagUptodate) {
				toFetch = append(toFetch, f)
			}
		}
	} else {
		toFetch = frames
	}

	pages := make([]int64, len(toFetch))
	buffers := make([][]byte, len(toFetch))
	for i, f := range toFetch {
		pages[i] = f.Key.Page
		buffers[i] = f.Buf
	}

	key := sfKey(handle, toFetch)
	v, err, _ := p.sf.Do(key, func() (any, error) {
		token, err := p.FetchBegin(ctx, handle, pages, buffers)
		if err != nil {
			return nil, err
		}
		return p.FetchComplete(ctx, token)
	})
	if err != nil {
		return err
	}
	results := v.([]int)
	if len(results) != len(toFetch) {
		return fmt.Errorf("iotransport: fetch completion returned %d results for %d frames", len(results), len(toFetch))
	}

	for i, f := range toFetch {
		n := results[i]
		if n < 0 {
			f.Err = fmt.Errorf("iotransport: fetch failed with errno %d", -n)
			continue
		}
		if n == 0 {
			// Short-return suffix: the server answered fewer sub-requests than asked. The
			// frame stays not-Uptodate so a later fetch retries it.
			continue
		}
		f.SetFlags(framepool.FlagUptodate)
		f.Valid.Add(0, n)
	}
	return nil
}

// CanSatisfyLocally implements the local-read short-circuit: a dirty, uptodate frame
// whose valid regions already cover [start, start+size) answers the read without a fetch.
func CanSatisfyLocally(f *framepool.Frame, start, size int) bool {
	flags := f.GetFlags()
	if !flags.Has(framepool.FlagUptodate) || !flags.Has(framepool.FlagDirty) {
		return false
	}
	return f.Valid.CoversRange(start, size)
}

// flatten walks f's valid regions and appends one (offset, size, buffer-slice) triple per
// region, in absolute page-plus-region-start terms.
func flatten(f *framepool.Frame, pageSize int64) (offsets []int64, sizes []int64, buffers [][]byte) {
	for _, r := range f.Valid.Regions() {
		offsets = append(offsets, f.Key.Page*pageSize+int64(r.Start))
		sizes = append(sizes, int64(r.Size))
		buffers = append(buffers, f.Buf[r.Start:r.Start+r.Size])
	}
	return offsets, sizes, buffers
}

// Writeback runs the writeback path: it flattens every Dirty frame's valid regions
// into one writepage_begin/writepage_complete round trip per frame, fanning the round trips out
// concurrently via an errgroup, and clears Dirty on frames whose writeback fully succeeds.
// Callers must hold every frame's lock across this call.
func (p *Plumbing) Writeback(ctx context.Context, handle []byte, frames []*framepool.Frame, pageSize int64) error {
	var g errgroup.Group
	for _, f := range frames {
		f := f
		if !f.GetFlags().Has(framepool.FlagDirty) {
			continue
		}
		g.Go(func() error {
			offsets, sizes, buffers := flatten(f, pageSize)
			if len(offsets) == 0 {
				return nil
			}
			token, err := p.WriteBegin(ctx, handle, offsets, sizes, buffers)
			if err != nil {
				return err
			}
			results, err := p.WriteComplete(ctx, token)
			if err != nil {
				return err
			}
			for _, n := range results {
				if n < 0 {
					f.Err = fmt.Errorf("iotransport: writeback failed with errno %d", -n)
					return f.Err
				}
			}
			f.ClearFlags(framepool.FlagDirty)
			return nil
		})
	}
	return g.Wait()
}
