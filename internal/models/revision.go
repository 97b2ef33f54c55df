package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RootID marks the synthetic root object of a document type.
const RootID = "-1"

// Document is anything stored in the index under a type name.
type Document interface {
	DocType() string
}

// ObjectID identifies a logical document by type and id.
type ObjectID struct {
	Type string
	ID   string
}

// NewObjectID builds an object id.
func NewObjectID(docType, id string) ObjectID {
	return ObjectID{Type: docType, ID: id}
}

// RootOf returns the synthetic root object of a type.
func RootOf(docType string) ObjectID {
	return ObjectID{Type: docType, ID: RootID}
}

// IsRoot reports whether the id denotes a synthetic type root.
func (o ObjectID) IsRoot() bool {
	return o.ID == RootID
}

func (o ObjectID) String() string {
	return o.Type + "/" + o.ID
}

// ParseObjectID parses the "type/id" form.
func ParseObjectID(raw string) (ObjectID, error) {
	docType, id, ok := strings.Cut(raw, "/")
	if !ok || docType == "" || id == "" {
		return ObjectID{}, fmt.Errorf("invalid object id %q", raw)
	}
	return ObjectID{Type: docType, ID: id}, nil
}

func (o ObjectID) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *ObjectID) UnmarshalText(text []byte) error {
	parsed, err := ParseObjectID(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// RevisionBase carries the versioning fields shared by every revision.
// Embed it in a document struct to satisfy most of the Revision contract.
type RevisionBase struct {
	Key     string        `json:"_key,omitempty"`
	ID      string        `json:"id"`
	Created BranchPoint   `json:"created"`
	Revised []BranchPoint `json:"revised,omitempty"`
}

// RevisionID returns the logical id.
func (r *RevisionBase) RevisionID() string { return r.ID }

// Revisioned exposes the versioning fields.
func (r *RevisionBase) Revisioned() *RevisionBase { return r }

// Revision is one immutable value of a logical document.
type Revision interface {
	Document
	RevisionID() string
	Revisioned() *RevisionBase
	// ContainerID returns the object this revision belongs to, RootOf(type) for top level documents.
	ContainerID() ObjectID
	// TrackedProperties returns the encoded values of the fields that take part in diffs.
	TrackedProperties() map[string]string
	// WithUpdates returns a copy with the given property values applied.
	WithUpdates(updates []PropertyDiff) (Revision, error)
}

// ObjectIDOf returns the object id of a revision.
func ObjectIDOf(rev Revision) ObjectID {
	return NewObjectID(rev.DocType(), rev.RevisionID())
}

// PropertyDiff is a change of one tracked property between two encoded values.
type PropertyDiff struct {
	Property string `json:"property"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// EncodeProperty turns a field value into its tracked form. Strings are kept
// raw, everything else (including lists) is JSON encoded as one value.
func EncodeProperty(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode property: %w", err)
	}
	return string(raw), nil
}

// MustEncodeProperty is EncodeProperty for values that cannot fail to encode.
func MustEncodeProperty(v any) string {
	s, err := EncodeProperty(v)
	if err != nil {
		panic(err)
	}
	return s
}

// DecodeProperty parses an encoded value into target.
func DecodeProperty(raw string, target any) error {
	if s, ok := target.(*string); ok {
		*s = raw
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("decode property %q: %w", raw, err)
	}
	return nil
}

// DiffRevisions compares the tracked properties of two revisions, ordered by property name.
func DiffRevisions(from, to Revision) []PropertyDiff {
	before := from.TrackedProperties()
	after := to.TrackedProperties()
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	var diffs []PropertyDiff
	for k := range keys {
		if before[k] != after[k] {
			diffs = append(diffs, PropertyDiff{Property: k, From: before[k], To: after[k]})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Property < diffs[j].Property })
	return diffs
}
