// Package validregion implements the sorted, coalesced set of (offset, length) valid/dirty
// spans tracked per frame: a single slice of {start, size} pairs. It drives writeback batching
// and cache-satisfies-read checks.
package validregion

import "sort"

// Region is a half-open byte span [Start, Start+Size) within a frame's buffer.
type Region struct {
	Start int
	Size  int
}

// End returns the exclusive end offset of the region.
func (r Region) End() int {
	return r.Start + r.Size
}

// Set is a sorted, mutually-disjoint sequence of regions over [0, bufferSize).
type Set struct {
	regions []Region
}

// Regions returns the current minimum-cardinality representation, in sorted order. The
// returned slice must not be mutated by the caller.
func (s *Set) Regions() []Region {
	return s.regions
}

// Len reports the number of disjoint regions currently tracked.
func (s *Set) Len() int {
	return len(s.regions)
}

// Clear empties the set (used when a frame is released back to the pool).
func (s *Set) Clear() {
	s.regions = s.regions[:0]
}

// touches reports whether span [start, start+size) touches or overlaps region r, where
// "touches" includes byte-adjacency ("contiguity counts as touching", detected by
// extending each closed-open interval by one byte at each end).
func touches(start, size int, r Region) bool {
	spanEnd := start + size
	return start <= r.End() && spanEnd >= r.Start
}

// Add mutates the set to cover [start, start+size), merging with every region it touches
// (including adjacency) and preserving sort order, Given n regions and a new
// span overlapping indices [i..j], the result replaces those regions with a single region
// [min(starts), max(ends)); regions outside [i..j] are unchanged. If the span touches none, it
// is inserted in sorted position.
func (s *Set) Add(start, size int) {
	if size <= 0 {
		return
	}

	newStart, newEnd := start, start+size
	firstTouched := -1
	lastTouched := -1

	for i, r := range s.regions {
		if touches(start, size, r) {
			if firstTouched == -1 {
				firstTouched = i
			}
			lastTouched = i
			if r.Start < newStart {
				newStart = r.Start
			}
			if r.End() > newEnd {
				newEnd = r.End()
			}
		}
	}

	merged := Region{Start: newStart, Size: newEnd - newStart}

	if firstTouched == -1 {
		// No overlap/adjacency: insert in sorted position.
		idx := sort.Search(len(s.regions), func(i int) bool {
			return s.regions[i].Start > start
		})
		s.regions = append(s.regions, Region{})
		copy(s.regions[idx+1:], s.regions[idx:])
		s.regions[idx] = merged
		return
	}

	// Replace [firstTouched..lastTouched] with the single merged region.
	tail := append([]Region{}, s.regions[lastTouched+1:]...)
	s.regions = append(s.regions[:firstTouched], merged)
	s.regions = append(s.regions, tail...)
}

// CoversRange reports whether every byte in [start, start+size) lies inside a single region of
// the set. Deliberately "inside any one matching region", not a stitched union across multiple
// regions: the local-read short-circuit only trusts a span one contiguous dirty write produced.
func (s *Set) CoversRange(start, size int) bool {
	if size <= 0 {
		return true
	}
	end := start + size
	for _, r := range s.regions {
		if r.Start <= start && end <= r.End() {
			return true
		}
	}
	return false
}

// Overlaps reports whether [start, start+size) intersects any region without requiring full
// containment, unlike CoversRange.
func (s *Set) Overlaps(start, size int) bool {
	if size <= 0 {
		return false
	}
	end := start + size
	for _, r := range s.regions {
		if start < r.End() && end > r.Start {
			return true
		}
	}
	return false
}
