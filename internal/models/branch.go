package models

import (
	"slices"
	"strings"
)

// BranchDocType is the document type under which branches are stored.
const BranchDocType = "branch"

// BranchState describes how one branch relates to another.
type BranchState int

const (
	BranchStateUpToDate BranchState = iota
	BranchStateForward
	BranchStateBehind
	BranchStateDiverged
)

func (s BranchState) String() string {
	switch s {
	case BranchStateUpToDate:
		return "UP_TO_DATE"
	case BranchStateForward:
		return "FORWARD"
	case BranchStateBehind:
		return "BEHIND"
	case BranchStateDiverged:
		return "DIVERGED"
	}
	return "UNKNOWN"
}

// MergeSource records the points that became visible on a branch through one merge.
type MergeSource struct {
	Timestamp int64         `json:"timestamp"`
	Sources   []BranchPoint `json:"sources"`
	Squash    bool          `json:"squash"`
}

// Branch is a named lineage of revisions.
type Branch struct {
	ID           int64             `json:"id"`
	Path         string            `json:"path"`
	ParentPath   string            `json:"parent_path"`
	Name         string            `json:"name"`
	Deleted      bool              `json:"deleted"`
	Segments     []Segment         `json:"segments"`
	MergeSources []MergeSource     `json:"merge_sources,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DocType implements the storage document contract.
func (b *Branch) DocType() string { return BranchDocType }

// BranchPath joins a parent path and a child name.
func BranchPath(parentPath, name string) string {
	return parentPath + BranchSeparator + name
}

// ParentOf returns the parent path of path, or "" for the root.
func ParentOf(path string) string {
	idx := strings.LastIndex(path, BranchSeparator)
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// IsMain reports whether the branch is the root branch.
func (b *Branch) IsMain() bool {
	return b.ID == MainBranchID
}

func (b *Branch) ownSegment() Segment {
	for _, s := range b.Segments {
		if s.BranchID == b.ID {
			return s
		}
	}
	return Segment{BranchID: b.ID}
}

// Base returns the timestamp the branch was created (or last reopened) at.
func (b *Branch) Base() int64 { return b.ownSegment().Start }

// Head returns the timestamp of the branch's latest commit.
func (b *Branch) Head() int64 { return b.ownSegment().End }

// IsEmpty reports whether the branch has no commits of its own.
func (b *Branch) IsEmpty() bool { return b.Base() == b.Head() }

// Ref resolves the branch into its visible segments. Points recorded by
// non-squash merges extend the segment of their branch, or add one if the
// branch is not part of this lineage.
func (b *Branch) Ref() Ref {
	segments := slices.Clone(b.Segments)
	for _, ms := range b.MergeSources {
		if ms.Squash {
			continue
		}
		for _, p := range ms.Sources {
			idx := slices.IndexFunc(segments, func(s Segment) bool { return s.BranchID == p.BranchID })
			if idx < 0 {
				segments = append(segments, Segment{BranchID: p.BranchID, Start: MinTimestamp, End: p.Timestamp})
				continue
			}
			if p.Timestamp > segments[idx].End {
				segments[idx].End = p.Timestamp
			}
		}
	}
	return NewRef(b.ID, b.Path, segments)
}

// LatestMergeSource returns the most recent point of branchID merged into this
// branch. Squash merges are only considered when includeSquash is set.
func (b *Branch) LatestMergeSource(branchID int64, includeSquash bool) (BranchPoint, bool) {
	var (
		latest BranchPoint
		found  bool
	)
	for _, ms := range b.MergeSources {
		if ms.Squash && !includeSquash {
			continue
		}
		for _, p := range ms.Sources {
			if p.BranchID == branchID && (!found || p.Timestamp > latest.Timestamp) {
				latest, found = p, true
			}
		}
	}
	return latest, found
}

// LatestMergeTimestamp returns the timestamp of the most recent merge into this branch.
func (b *Branch) LatestMergeTimestamp() (int64, bool) {
	var (
		latest int64
		found  bool
	)
	for _, ms := range b.MergeSources {
		if !found || ms.Timestamp > latest {
			latest, found = ms.Timestamp, true
		}
	}
	return latest, found
}

// Clone returns a deep copy.
func (b *Branch) Clone() *Branch {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Segments = slices.Clone(b.Segments)
	cp.MergeSources = make([]MergeSource, len(b.MergeSources))
	for i, ms := range b.MergeSources {
		ms.Sources = slices.Clone(ms.Sources)
		cp.MergeSources[i] = ms
	}
	if b.Metadata != nil {
		cp.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
