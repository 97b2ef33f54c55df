package models

import (
	"slices"
	"strings"
)

// Ref is the resolved, queryable view of a branch: one segment per branch whose
// commits are visible from it, ordered by branch id. Refs are values and are
// never persisted.
type Ref struct {
	BranchID int64
	Path     string
	Segments []Segment
}

// NewRef builds a ref from an unordered segment list.
func NewRef(branchID int64, path string, segments []Segment) Ref {
	sorted := slices.Clone(segments)
	slices.SortStableFunc(sorted, func(a, b Segment) int {
		switch {
		case a.BranchID < b.BranchID:
			return -1
		case a.BranchID > b.BranchID:
			return 1
		}
		return 0
	})
	return Ref{BranchID: branchID, Path: path, Segments: sorted}
}

func (r Ref) with(segments []Segment) Ref {
	return Ref{BranchID: r.BranchID, Path: r.Path, Segments: segments}
}

// Difference returns the parts of r that are not visible through other.
// Segments of branches other does not know about are kept whole. For plain
// lineages this is the same as keeping all of r from the first branch the two
// refs do not share; folded merge segments may share branches past that point.
func (r Ref) Difference(other Ref) Ref {
	var out []Segment
	i, j := 0, 0
	for i < len(r.Segments) {
		a := r.Segments[i]
		if j >= len(other.Segments) || a.BranchID < other.Segments[j].BranchID {
			if !a.IsEmpty() {
				out = append(out, a)
			}
			i++
			continue
		}
		b := other.Segments[j]
		if a.BranchID > b.BranchID {
			j++
			continue
		}
		if diff, ok := a.Difference(b); ok && !diff.IsEmpty() {
			out = append(out, diff)
		}
		i++
		j++
	}
	return r.with(out)
}

// Intersection returns the segments visible through both refs.
func (r Ref) Intersection(other Ref) Ref {
	var out []Segment
	i, j := 0, 0
	for i < len(r.Segments) && j < len(other.Segments) {
		a, b := r.Segments[i], other.Segments[j]
		switch {
		case a.BranchID < b.BranchID:
			i++
		case a.BranchID > b.BranchID:
			j++
		default:
			if in, ok := a.Intersection(b); ok {
				out = append(out, in)
			}
			i++
			j++
		}
	}
	return r.with(out)
}

// RestrictTo drops segments starting at or after ts and clamps the rest to end at ts.
func (r Ref) RestrictTo(ts int64) Ref {
	var out []Segment
	for _, s := range r.Segments {
		if s.Start >= ts {
			continue
		}
		s.End = min(s.End, ts)
		out = append(out, s)
	}
	return r.with(out)
}

// LastRef keeps only the branch's own segment.
func (r Ref) LastRef() Ref {
	if s, ok := r.Segment(r.BranchID); ok {
		return r.with([]Segment{s})
	}
	return r.with(nil)
}

// HistoryRef keeps every segment except the branch's own.
func (r Ref) HistoryRef() Ref {
	out := make([]Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		if s.BranchID != r.BranchID {
			out = append(out, s)
		}
	}
	return r.with(out)
}

// IsEmpty reports whether no timestamp is visible through the ref.
func (r Ref) IsEmpty() bool {
	for _, s := range r.Segments {
		if !s.IsEmpty() {
			return false
		}
	}
	return true
}

// NonEmpty returns the segments that contain at least one timestamp.
func (r Ref) NonEmpty() []Segment {
	out := make([]Segment, 0, len(r.Segments))
	for _, s := range r.Segments {
		if !s.IsEmpty() {
			out = append(out, s)
		}
	}
	return out
}

// Segment returns the segment recorded for branchID.
func (r Ref) Segment(branchID int64) (Segment, bool) {
	for _, s := range r.Segments {
		if s.BranchID == branchID {
			return s, true
		}
	}
	return Segment{}, false
}

// Base returns the start of the ref's own segment.
func (r Ref) Base() int64 {
	s, _ := r.Segment(r.BranchID)
	return s.Start
}

// Head returns the end of the ref's own segment.
func (r Ref) Head() int64 {
	s, _ := r.Segment(r.BranchID)
	return s.End
}

// Contains reports whether p is visible through any segment.
func (r Ref) Contains(p BranchPoint) bool {
	for _, s := range r.Segments {
		if s.ContainsPoint(p) {
			return true
		}
	}
	return false
}

// Visible reports whether a revision created at created and superseded at the
// given points can be seen through the ref.
func (r Ref) Visible(created BranchPoint, revised []BranchPoint) bool {
	if !r.Contains(created) {
		return false
	}
	for _, p := range revised {
		if r.Contains(p) {
			return false
		}
	}
	return true
}

// Equal compares refs by branch id, path and segments.
func (r Ref) Equal(other Ref) bool {
	return r.BranchID == other.BranchID && r.Path == other.Path && slices.Equal(r.Segments, other.Segments)
}

func (r Ref) String() string {
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		parts = append(parts, s.String())
	}
	return r.Path + "[" + strings.Join(parts, " ") + "]"
}
