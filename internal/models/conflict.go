package models

import (
	"fmt"
	"slices"
	"strings"
)

// Conflict is a concurrent change detected while merging two branches.
// The set of implementations is closed; switch on the concrete type.
type Conflict interface {
	Object() ObjectID
	Message() string
	isConflict()
}

// AddedInSourceAndTarget reports the same id created on both sides.
type AddedInSourceAndTarget struct {
	ObjectID ObjectID
	// Properties lists tracked properties whose values differ, if known.
	Properties []string
}

// AddedInSourceAndDetachedInTarget reports an object added on the source
// whose container was removed on the target.
type AddedInSourceAndDetachedInTarget struct {
	ObjectID  ObjectID
	Container ObjectID
	Feature   string
}

// AddedInTargetAndDetachedInSource reports an object added on the target
// whose container was removed on the source.
type AddedInTargetAndDetachedInSource struct {
	Container ObjectID
	ObjectID  ObjectID
	Feature   string
}

// ChangedInSourceAndTarget reports a property changed on both sides to different values.
type ChangedInSourceAndTarget struct {
	ObjectID ObjectID
	Source   PropertyDiff
	Target   PropertyDiff
}

func (c AddedInSourceAndTarget) Object() ObjectID           { return c.ObjectID }
func (c AddedInSourceAndDetachedInTarget) Object() ObjectID { return c.ObjectID }
func (c AddedInTargetAndDetachedInSource) Object() ObjectID { return c.Container }
func (c ChangedInSourceAndTarget) Object() ObjectID         { return c.ObjectID }

func (AddedInSourceAndTarget) isConflict()           {}
func (AddedInSourceAndDetachedInTarget) isConflict() {}
func (AddedInTargetAndDetachedInSource) isConflict() {}
func (ChangedInSourceAndTarget) isConflict()         {}

func (c AddedInSourceAndTarget) Message() string {
	if len(c.Properties) == 0 {
		return fmt.Sprintf("'%s' has been added on both source and target.", c.ObjectID)
	}
	return fmt.Sprintf("'%s' has been added on both source and target with different values for [%s].",
		c.ObjectID, strings.Join(c.Properties, ", "))
}

func (c AddedInSourceAndDetachedInTarget) Message() string {
	return fmt.Sprintf("'%s' has been added on source but its %s '%s' has been removed on target.",
		c.ObjectID, c.Feature, c.Container)
}

func (c AddedInTargetAndDetachedInSource) Message() string {
	return fmt.Sprintf("'%s' has been added on target but its %s '%s' has been removed on source.",
		c.ObjectID, c.Feature, c.Container)
}

func (c ChangedInSourceAndTarget) Message() string {
	return fmt.Sprintf("'%s' property '%s' has been changed on source from '%s' to '%s' and on target from '%s' to '%s'.",
		c.ObjectID, c.Source.Property, c.Source.From, c.Source.To, c.Target.From, c.Target.To)
}

// ConflictEqual compares conflicts by variant, object and payload.
func ConflictEqual(a, b Conflict) bool {
	switch x := a.(type) {
	case AddedInSourceAndTarget:
		y, ok := b.(AddedInSourceAndTarget)
		return ok && x.ObjectID == y.ObjectID && slices.Equal(x.Properties, y.Properties)
	case AddedInSourceAndDetachedInTarget:
		y, ok := b.(AddedInSourceAndDetachedInTarget)
		return ok && x == y
	case AddedInTargetAndDetachedInSource:
		y, ok := b.(AddedInTargetAndDetachedInSource)
		return ok && x == y
	case ChangedInSourceAndTarget:
		y, ok := b.(ChangedInSourceAndTarget)
		return ok && x == y
	}
	return false
}
