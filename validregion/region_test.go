package validregion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAddMerging runs Add through the coalescing cases the tracker's correctness rests on:
// adjacency, overlap, disjoint-sorted-insertion, and idempotence.
func TestAddMerging(t *testing.T) {
	cases := []struct {
		name  string
		spans [][2]int
		want  []Region
	}{
		{
			name:  "adjacent spans coalesce",
			spans: [][2]int{{10, 5}, {15, 5}},
			want:  []Region{{Start: 10, Size: 10}},
		},
		{
			name:  "overlapping spans coalesce",
			spans: [][2]int{{0, 10}, {5, 10}},
			want:  []Region{{Start: 0, Size: 15}},
		},
		{
			name:  "disjoint spans insert in sorted order",
			spans: [][2]int{{100, 10}, {0, 10}, {50, 10}},
			want:  []Region{{Start: 0, Size: 10}, {Start: 50, Size: 10}, {Start: 100, Size: 10}},
		},
		{
			name:  "repeating the same span is idempotent",
			spans: [][2]int{{10, 20}, {10, 20}},
			want:  []Region{{Start: 10, Size: 20}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var s Set
			for _, span := range tc.spans {
				s.Add(span[0], span[1])
			}
			require.Equal(t, tc.want, s.Regions())
		})
	}
}

func TestAddZeroSizeMutatesNothing(t *testing.T) {
	var s Set
	s.Add(0, 0)
	require.Zero(t, s.Len())
}

func TestAddBridgesMultipleExistingRegions(t *testing.T) {
	var s Set
	s.Add(0, 5)
	s.Add(20, 5)
	s.Add(40, 5)
	// Spans the whole thing, should merge all three into one.
	s.Add(0, 45)

	require.Equal(t, []Region{{Start: 0, Size: 45}}, s.Regions())
}

func TestCoversRangeRequiresSingleRegion(t *testing.T) {
	var s Set
	s.Add(0, 10)
	s.Add(20, 10)

	require.False(t, s.CoversRange(5, 10), "range [5,15) spans the gap between regions, should not be covered")
	require.True(t, s.CoversRange(0, 10), "range [0,10) should be covered by the first region")
	require.True(t, s.CoversRange(22, 3), "range [22,25) should be covered by the second region")
}

func TestCoversRangeZeroSize(t *testing.T) {
	var s Set
	require.True(t, s.CoversRange(5, 0), "zero-size range should always be covered")
}

func TestOverlapsDetectsPartialIntersection(t *testing.T) {
	var s Set
	s.Add(10, 10)
	require.True(t, s.Overlaps(15, 10), "expected overlap")
	require.False(t, s.Overlaps(20, 5), "did not expect overlap: [20,25) is adjacent to, not inside, [10,20)")
}
