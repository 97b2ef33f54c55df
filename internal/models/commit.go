package models

// CommitDocType is the document type under which commits are stored.
const CommitDocType = "commit"

// ChangeKind classifies a staged or committed change.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeChanged
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "ADD"
	case ChangeChanged:
		return "CHANGE"
	case ChangeRemoved:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// CommitDetail is one grouped entry of a commit. Property details carry
// Property, From and To with the ids of every changed object in Objects.
// Hierarchical details carry the container ids in Objects and, at the same
// index, the component ids added, changed or removed under that container.
type CommitDetail struct {
	Op            ChangeKind `json:"op"`
	Property      string     `json:"prop,omitempty"`
	From          string     `json:"from,omitempty"`
	To            string     `json:"to,omitempty"`
	ObjectType    string     `json:"object_type"`
	ComponentType string     `json:"component_type,omitempty"`
	Objects       []string   `json:"objects"`
	Components    [][]string `json:"components,omitempty"`
}

// IsPropertyChange reports whether the detail describes a property change.
func (d CommitDetail) IsPropertyChange() bool {
	return d.Property != ""
}

// Commit is the append-only record of one staged transaction.
type Commit struct {
	ID          string         `json:"id"`
	GroupID     string         `json:"group_id,omitempty"`
	Branch      string         `json:"branch"`
	BranchID    int64          `json:"branch_id"`
	Author      string         `json:"author"`
	Comment     string         `json:"comment"`
	Timestamp   int64          `json:"timestamp"`
	MergeSource *BranchPoint   `json:"merge_source,omitempty"`
	SquashMerge bool           `json:"squash_merge"`
	FastForward bool           `json:"fast_forward"`
	Details     []CommitDetail `json:"details,omitempty"`
}

// DocType implements the storage document contract.
func (c *Commit) DocType() string { return CommitDocType }

// IsMerge reports whether the commit recorded a merge.
func (c *Commit) IsMerge() bool {
	return c.MergeSource != nil
}
