package iotransport

import (
	"context"
	"testing"

	"github.com/mnv104/capfs-sub002/config"
	"github.com/mnv104/capfs-sub002/framepool"
)

func newTestFrames(t *testing.T, n int, pageSize int) []*framepool.Frame {
	t.Helper()
	cfg := config.Default()
	cfg.BCount = n
	cfg.BSize = pageSize
	pool := framepool.New(cfg)
	frames := make([]*framepool.Frame, n)
	for i := 0; i < n; i++ {
		f := pool.Allocate(context.Background())
		f.Lock()
		f.ClearFlags(framepool.FlagFree | framepool.FlagInvalid)
		f.Key = framepool.Key{Handle: []byte("h"), Page: int64(i)}
		f.Unlock()
		frames[i] = f
	}
	return frames
}

func TestFetchOnlyMissingWhenSingleTransition(t *testing.T) {
	frames := newTestFrames(t, 3, 16)
	frames[0].SetFlags(framepool.FlagUptodate)

	var requestedPages []int64
	p := &Plumbing{
		FetchBegin: func(_ context.Context, _ []byte, pages []int64, _ [][]byte) (any, error) {
			requestedPages = append([]int64(nil), pages...)
			return nil, nil
		},
		FetchComplete: func(_ context.Context, _ any) ([]int, error) {
			return []int{16, 16}, nil
		},
	}

	if err := p.Fetch(context.Background(), []byte("h"), frames); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requestedPages) != 2 {
		t.Fatalf("expected only the 2 missing frames fetched, got %d", len(requestedPages))
	}
	for _, f := range frames[1:] {
		if !f.GetFlags().Has(framepool.FlagUptodate) {
			t.Fatalf("expected frame to be marked uptodate after fetch")
		}
	}
}

func TestFetchAllWhenMultipleTransitions(t *testing.T) {
	frames := newTestFrames(t, 4, 16)
	frames[0].SetFlags(framepool.FlagUptodate)
	frames[2].SetFlags(framepool.FlagUptodate)

	var requestedPages []int64
	p := &Plumbing{
		FetchBegin: func(_ context.Context, _ []byte, pages []int64, _ [][]byte) (any, error) {
			requestedPages = append([]int64(nil), pages...)
			return nil, nil
		},
		FetchComplete: func(_ context.Context, _ any) ([]int, error) {
			return []int{16, 16, 16, 16}, nil
		},
	}

	if err := p.Fetch(context.Background(), []byte("h"), frames); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requestedPages) != 4 {
		t.Fatalf("expected all 4 frames refetched on a scattered pattern, got %d", len(requestedPages))
	}
}

func TestFetchMarksPartialCompletionPrefixOnly(t *testing.T) {
	frames := newTestFrames(t, 1, 16)

	p := &Plumbing{
		FetchBegin: func(_ context.Context, _ []byte, _ []int64, _ [][]byte) (any, error) { return nil, nil },
		FetchComplete: func(_ context.Context, _ any) ([]int, error) {
			return []int{6}, nil
		},
	}

	if err := p.Fetch(context.Background(), []byte("h"), frames); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frames[0].Valid.CoversRange(0, 6) {
		t.Fatalf("expected the completed prefix to be a valid region")
	}
	if frames[0].Valid.CoversRange(0, 16) {
		t.Fatalf("expected the uncompleted suffix to stay outside any valid region")
	}
}

func TestFetchLeavesZeroCompletionFramesEmpty(t *testing.T) {
	frames := newTestFrames(t, 2, 16)

	p := &Plumbing{
		FetchBegin: func(_ context.Context, _ []byte, _ []int64, _ [][]byte) (any, error) { return nil, nil },
		FetchComplete: func(_ context.Context, _ any) ([]int, error) {
			return []int{16, 0}, nil // the server answered the first sub-request only
		},
	}

	if err := p.Fetch(context.Background(), []byte("h"), frames); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frames[0].GetFlags().Has(framepool.FlagUptodate) {
		t.Fatalf("expected the completed frame to be marked uptodate")
	}
	if frames[1].GetFlags().Has(framepool.FlagUptodate) || frames[1].Valid.Len() != 0 {
		t.Fatalf("expected the unanswered frame to stay empty for a later refetch")
	}
}

func TestCanSatisfyLocallyRequiresDirtyUptodateAndCoverage(t *testing.T) {
	frames := newTestFrames(t, 1, 16)
	f := frames[0]

	if CanSatisfyLocally(f, 0, 8) {
		t.Fatalf("a clean frame with no data should never satisfy locally")
	}

	f.SetFlags(framepool.FlagUptodate | framepool.FlagDirty)
	f.Valid.Add(0, 8)

	if !CanSatisfyLocally(f, 0, 8) {
		t.Fatalf("expected a dirty, uptodate, covering frame to satisfy locally")
	}
	if CanSatisfyLocally(f, 0, 16) {
		t.Fatalf("expected a request exceeding the valid region to miss")
	}
}

func TestWritebackClearsDirtyOnSuccess(t *testing.T) {
	frames := newTestFrames(t, 1, 16)
	f := frames[0]
	f.SetFlags(framepool.FlagDirty)
	f.Valid.Add(0, 10)

	p := &Plumbing{
		WriteBegin: func(_ context.Context, _ []byte, offsets, sizes []int64, buffers [][]byte) (any, error) {
			if len(offsets) != 1 || sizes[0] != 10 {
				t.Fatalf("expected one flattened region of size 10, got offsets=%v sizes=%v", offsets, sizes)
			}
			return nil, nil
		},
		WriteComplete: func(_ context.Context, _ any) ([]int, error) {
			return []int{10}, nil
		},
	}

	if err := p.Writeback(context.Background(), []byte("h"), frames, 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.GetFlags().Has(framepool.FlagDirty) {
		t.Fatalf("expected Dirty to clear after a successful writeback")
	}
}

