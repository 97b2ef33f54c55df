package models

import (
	"fmt"
	"math"
)

const (
	// MainBranchID is the id of the root branch.
	MainBranchID int64 = 0
	// MainBranchPath is the reserved path of the root branch.
	MainBranchPath = "MAIN"
	// BranchSeparator joins a parent path and a child name.
	BranchSeparator = "/"

	// MinTimestamp is the epoch sentinel.
	MinTimestamp int64 = 0
	// MaxTimestamp is the "infinite future" sentinel.
	MaxTimestamp int64 = math.MaxInt64
)

// BranchPoint identifies a moment on a single branch.
type BranchPoint struct {
	BranchID  int64 `json:"branch_id"`
	Timestamp int64 `json:"timestamp"`
}

// Compare orders points by branch id, then by timestamp.
func (p BranchPoint) Compare(other BranchPoint) int {
	switch {
	case p.BranchID < other.BranchID:
		return -1
	case p.BranchID > other.BranchID:
		return 1
	case p.Timestamp < other.Timestamp:
		return -1
	case p.Timestamp > other.Timestamp:
		return 1
	}
	return 0
}

func (p BranchPoint) String() string {
	return fmt.Sprintf("%d@%d", p.BranchID, p.Timestamp)
}

// Segment is the interval (Start, End] of a single branch's timeline.
// End is the timestamp of the last commit that is visible through the segment.
// A segment with Start >= End contains no commits.
type Segment struct {
	BranchID int64 `json:"branch_id"`
	Start    int64 `json:"start"`
	End      int64 `json:"end"`
}

// IsEmpty reports whether the segment contains no timestamps.
func (s Segment) IsEmpty() bool {
	return s.Start >= s.End
}

// Contains reports whether ts falls inside the segment.
func (s Segment) Contains(ts int64) bool {
	return ts > s.Start && ts <= s.End
}

// ContainsPoint reports whether p lies on this segment's branch inside the segment.
func (s Segment) ContainsPoint(p BranchPoint) bool {
	return p.BranchID == s.BranchID && s.Contains(p.Timestamp)
}

// StartPoint returns the start boundary as a branch point.
func (s Segment) StartPoint() BranchPoint {
	return BranchPoint{BranchID: s.BranchID, Timestamp: s.Start}
}

// EndPoint returns the end boundary as a branch point.
func (s Segment) EndPoint() BranchPoint {
	return BranchPoint{BranchID: s.BranchID, Timestamp: s.End}
}

// Difference returns the part of s that lies after other. Both segments must be
// on the same branch. The second result is false when other covers all of s.
func (s Segment) Difference(other Segment) (Segment, bool) {
	if s.BranchID != other.BranchID {
		return s, true
	}
	if s.End <= other.End {
		return Segment{}, false
	}
	return Segment{BranchID: s.BranchID, Start: max(s.Start, other.End), End: s.End}, true
}

// Intersection returns the overlap of two segments on the same branch.
// Touching empty segments intersect in an empty segment.
func (s Segment) Intersection(other Segment) (Segment, bool) {
	if s.BranchID != other.BranchID {
		return Segment{}, false
	}
	start := max(s.Start, other.Start)
	end := min(s.End, other.End)
	if start > end {
		return Segment{}, false
	}
	return Segment{BranchID: s.BranchID, Start: start, End: end}, true
}

func (s Segment) String() string {
	return fmt.Sprintf("%d(%d,%d]", s.BranchID, s.Start, s.End)
}
