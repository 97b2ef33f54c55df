package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(branchID, start, end int64) Segment {
	return Segment{BranchID: branchID, Start: start, End: end}
}

func sampleRefs() []Ref {
	return []Ref{
		NewRef(0, "MAIN", []Segment{seg(0, 0, 40)}),
		NewRef(1, "MAIN/a", []Segment{seg(0, 0, 10), seg(1, 10, 30)}),
		NewRef(2, "MAIN/a/b", []Segment{seg(0, 0, 10), seg(1, 10, 20), seg(2, 20, 20)}),
		NewRef(3, "MAIN/c", []Segment{seg(3, 25, 50), seg(0, 0, 25), seg(1, 0, 30)}),
	}
}

func TestRefLaws(t *testing.T) {
	refs := sampleRefs()
	for _, a := range refs {
		assert.True(t, a.Difference(a).IsEmpty(), "%s \\ itself", a)
		assert.True(t, a.Intersection(a).Equal(a), "%s ∩ itself", a)
		assert.True(t, a.RestrictTo(MaxTimestamp).Equal(a), "%s restricted to max", a)
		for _, b := range refs {
			assert.True(t, a.Difference(b).Intersection(b).IsEmpty(), "(%s \\ %s) ∩ %s", a, b, b)
		}
	}
}

func TestRefDifference(t *testing.T) {
	main := NewRef(0, "MAIN", []Segment{seg(0, 0, 40)})
	child := NewRef(1, "MAIN/a", []Segment{seg(0, 0, 10), seg(1, 10, 30)})

	diff := child.Difference(main)
	assert.Equal(t, []Segment{seg(1, 10, 30)}, diff.Segments)
	assert.Equal(t, int64(1), diff.BranchID)

	diff = main.Difference(child)
	assert.Equal(t, []Segment{seg(0, 10, 40)}, diff.Segments)

	behind := NewRef(0, "MAIN", []Segment{seg(0, 0, 5)})
	assert.True(t, behind.Difference(child).IsEmpty())
}

func TestRefDifferenceWithForeignSegment(t *testing.T) {
	// MAIN after merging branch 1 at 30 carries a folded segment for branch 1.
	main := NewRef(0, "MAIN", []Segment{seg(0, 0, 40), seg(1, 0, 30)})
	child := NewRef(1, "MAIN/a", []Segment{seg(0, 0, 10), seg(1, 10, 35)})

	assert.Equal(t, []Segment{seg(1, 30, 35)}, child.Difference(main).Segments)
	assert.Equal(t, []Segment{seg(0, 10, 40)}, main.Difference(child).Segments)
}

// tailDifference walks both refs in lock-step and keeps the whole rest of a
// from the first branch id they do not share.
func tailDifference(a, b Ref) []Segment {
	out := []Segment{}
	for i, s := range a.Segments {
		if i >= len(b.Segments) || s.BranchID != b.Segments[i].BranchID {
			for _, rest := range a.Segments[i:] {
				if !rest.IsEmpty() {
					out = append(out, rest)
				}
			}
			break
		}
		if d, ok := s.Difference(b.Segments[i]); ok && !d.IsEmpty() {
			out = append(out, d)
		}
	}
	return out
}

func TestRefDifferenceOnLineages(t *testing.T) {
	lineages := []Ref{
		NewRef(0, "MAIN", []Segment{seg(0, 0, 60)}),
		NewRef(1, "MAIN/a", []Segment{seg(0, 0, 10), seg(1, 10, 30)}),
		NewRef(2, "MAIN/a/b", []Segment{seg(0, 0, 10), seg(1, 10, 20), seg(2, 20, 25)}),
		NewRef(3, "MAIN/c", []Segment{seg(0, 0, 15), seg(3, 15, 50)}),
		NewRef(4, "MAIN/c/d", []Segment{seg(0, 0, 15), seg(3, 15, 40), seg(4, 40, 40)}),
		NewRef(5, "MAIN/a/e", []Segment{seg(0, 0, 10), seg(1, 10, 28), seg(5, 28, 45)}),
	}
	for _, a := range lineages {
		for _, b := range lineages {
			assert.Equal(t, tailDifference(a, b), a.Difference(b).NonEmpty(), "%s \\ %s", a, b)
		}
	}

	// refs with folded merge segments keep matching past a branch the other side lacks
	merged := NewRef(0, "MAIN", []Segment{seg(0, 0, 40), seg(2, 0, 25)})
	b := lineages[2]
	assert.Equal(t, []Segment{seg(0, 10, 40)}, merged.Difference(b).Segments)
	assert.Equal(t, []Segment{seg(0, 10, 40), seg(2, 0, 25)}, tailDifference(merged, b))
}

func TestRefIntersection(t *testing.T) {
	a := NewRef(1, "MAIN/a", []Segment{seg(0, 0, 10), seg(1, 10, 30)})
	b := NewRef(2, "MAIN/b", []Segment{seg(0, 0, 20), seg(2, 20, 25)})
	assert.Equal(t, []Segment{seg(0, 0, 10)}, a.Intersection(b).Segments)
}

func TestRefRestrictTo(t *testing.T) {
	child := NewRef(2, "MAIN/a/b", []Segment{seg(0, 0, 10), seg(1, 10, 20), seg(2, 20, 30)})
	restricted := child.RestrictTo(15)
	assert.Equal(t, []Segment{seg(0, 0, 10), seg(1, 10, 15)}, restricted.Segments)
}

func TestRefLastAndHistory(t *testing.T) {
	child := NewRef(2, "MAIN/a/b", []Segment{seg(0, 0, 10), seg(1, 10, 20), seg(2, 20, 30)})
	assert.Equal(t, []Segment{seg(2, 20, 30)}, child.LastRef().Segments)
	assert.Equal(t, []Segment{seg(0, 0, 10), seg(1, 10, 20)}, child.HistoryRef().Segments)
	assert.Equal(t, int64(20), child.Base())
	assert.Equal(t, int64(30), child.Head())
}

func TestRefVisible(t *testing.T) {
	child := NewRef(1, "MAIN/a", []Segment{seg(0, 0, 10), seg(1, 10, 30)})

	assert.True(t, child.Visible(BranchPoint{0, 5}, nil))
	assert.True(t, child.Visible(BranchPoint{0, 10}, nil), "end is inclusive")
	assert.False(t, child.Visible(BranchPoint{0, 11}, nil), "created on MAIN after fork")
	assert.False(t, child.Visible(BranchPoint{0, 5}, []BranchPoint{{1, 20}}), "revised on the child")
	assert.True(t, child.Visible(BranchPoint{0, 5}, []BranchPoint{{0, 20}}), "revised on MAIN after fork")
	assert.False(t, child.Visible(BranchPoint{1, 10}, nil), "start is exclusive")
}

func TestBranchRefFoldsMergeSources(t *testing.T) {
	main := &Branch{
		ID:       0,
		Path:     MainBranchPath,
		Segments: []Segment{seg(0, 0, 50)},
		MergeSources: []MergeSource{
			{Timestamp: 40, Sources: []BranchPoint{{1, 30}}},
			{Timestamp: 45, Sources: []BranchPoint{{2, 44}}, Squash: true},
		},
	}
	ref := main.Ref()
	require.Len(t, ref.Segments, 2)
	assert.Equal(t, seg(1, 0, 30), ref.Segments[1])

	child := &Branch{
		ID:           1,
		Path:         "MAIN/a",
		Segments:     []Segment{seg(0, 0, 10), seg(1, 10, 30)},
		MergeSources: []MergeSource{{Timestamp: 30, Sources: []BranchPoint{{0, 25}}}},
	}
	ref = child.Ref()
	assert.Equal(t, []Segment{seg(0, 0, 25), seg(1, 10, 30)}, ref.Segments)
	assert.Equal(t, int64(10), child.Base())
	assert.Equal(t, int64(30), child.Head())

	p, ok := main.LatestMergeSource(2, false)
	assert.False(t, ok)
	p, ok = main.LatestMergeSource(2, true)
	require.True(t, ok)
	assert.Equal(t, int64(44), p.Timestamp)
}
