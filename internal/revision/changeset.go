package revision

import (
	"sort"

	"github.com/niczy/revbranch/internal/models"
)

type idSet map[string]map[string]struct{}

func (s idSet) put(id models.ObjectID) {
	ids := s[id.Type]
	if ids == nil {
		ids = make(map[string]struct{})
		s[id.Type] = ids
	}
	ids[id.ID] = struct{}{}
}

func (s idSet) has(id models.ObjectID) bool {
	_, ok := s[id.Type][id.ID]
	return ok
}

func (s idSet) remove(id models.ObjectID) {
	ids := s[id.Type]
	delete(ids, id.ID)
	if len(ids) == 0 {
		delete(s, id.Type)
	}
}

func (s idSet) types() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s idSet) ids(docType string) []string {
	out := make([]string, 0, len(s[docType]))
	for id := range s[docType] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChangeSet groups the folded details of one side of a merge by type.
type ChangeSet struct {
	added      idSet
	changed    idSet
	removed    idSet
	containers map[models.ObjectID]models.ObjectID
}

// NewChangeSet indexes the details of a comparison.
func NewChangeSet(details []CompareDetail) *ChangeSet {
	cs := &ChangeSet{
		added:      make(idSet),
		changed:    make(idSet),
		removed:    make(idSet),
		containers: make(map[models.ObjectID]models.ObjectID),
	}
	for _, d := range details {
		if d.IsPropertyChange() {
			cs.changed.put(d.Object)
			continue
		}
		switch d.Op {
		case models.ChangeAdded:
			cs.added.put(d.Component)
			cs.setContainer(d)
		case models.ChangeChanged:
			cs.changed.put(d.Component)
			cs.setContainer(d)
		case models.ChangeRemoved:
			cs.removed.put(d.Component)
		}
	}
	return cs
}

func (cs *ChangeSet) setContainer(d CompareDetail) {
	if !d.Object.IsRoot() {
		cs.containers[d.Component] = d.Object
	}
}

// AddedTypes returns the types with added objects.
func (cs *ChangeSet) AddedTypes() []string { return cs.added.types() }

// AddedIDs returns the sorted ids of added objects of docType.
func (cs *ChangeSet) AddedIDs(docType string) []string { return cs.added.ids(docType) }

func (cs *ChangeSet) ChangedTypes() []string { return cs.changed.types() }

func (cs *ChangeSet) ChangedIDs(docType string) []string { return cs.changed.ids(docType) }

func (cs *ChangeSet) RemovedTypes() []string { return cs.removed.types() }

func (cs *ChangeSet) RemovedIDs(docType string) []string { return cs.removed.ids(docType) }

// IsAdded reports whether id was added on this side.
func (cs *ChangeSet) IsAdded(id models.ObjectID) bool { return cs.added.has(id) }

// IsChanged reports whether id was changed on this side.
func (cs *ChangeSet) IsChanged(id models.ObjectID) bool { return cs.changed.has(id) }

// IsRemoved reports whether id was removed on this side.
func (cs *ChangeSet) IsRemoved(id models.ObjectID) bool { return cs.removed.has(id) }

// ContainerOf returns the non-root container of an added or changed object.
func (cs *ChangeSet) ContainerOf(id models.ObjectID) (models.ObjectID, bool) {
	c, ok := cs.containers[id]
	return c, ok
}

// RemoveChanged drops id from the changed objects.
func (cs *ChangeSet) RemoveChanged(id models.ObjectID) {
	cs.changed.remove(id)
}

// IsEmpty reports whether the side has no changes.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.added) == 0 && len(cs.changed) == 0 && len(cs.removed) == 0
}
