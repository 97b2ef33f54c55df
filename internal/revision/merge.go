package revision

import (
	"context"
	"slices"
	"sort"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
)

// Merge stages the changes visible on fromRef but not on toRef, the ref of
// the staging area's branch. Conflicting changes reject the whole merge with
// a BranchMergeConflictError and leave the staging area empty. The merge is
// written by the next Commit.
func (s *StagingArea) Merge(ctx context.Context, fromRef, toRef models.Ref, squash bool, processor ConflictProcessor, exclude ...string) error {
	if s.merging {
		return apierr.NewBadRequest("A merge is already in progress on '%s'.", s.branchPath)
	}
	if processor == nil {
		processor = DefaultConflictProcessor{}
	}

	var sources []models.BranchPoint
	for _, seg := range fromRef.Difference(toRef).NonEmpty() {
		if seg.BranchID != toRef.BranchID {
			sources = append(sources, seg.EndPoint())
		}
	}
	slices.SortFunc(sources, models.BranchPoint.Compare)
	s.merging = true
	s.squash = squash
	s.mergeFrom = fromRef
	s.mergeSources = sources

	// keyed documents are not branch scoped, only revisions take part
	types := s.r.Types()
	if len(types) == 0 {
		s.fastForward = true
		return nil
	}
	opts := CompareOptions{Types: types, Exclude: exclude}
	fromChanges, err := s.r.Compare(ctx, toRef, fromRef, opts)
	if err != nil {
		s.reset()
		return err
	}
	if fromChanges.IsEmpty() {
		s.logger.Debug("fast-forward merge", "from", fromRef.Path)
		s.fastForward = true
		return nil
	}
	toChanges, err := s.r.Compare(ctx, fromRef, toRef, opts)
	if err != nil {
		s.reset()
		return err
	}
	if toChanges.IsEmpty() && !squash {
		s.logger.Debug("fast-forward merge", "from", fromRef.Path)
		s.fastForward = true
		return nil
	}

	plan, err := s.reconcile(ctx, fromChanges, toChanges, processor)
	if err != nil {
		s.reset()
		return err
	}
	if err := s.apply(ctx, plan, fromRef, toRef, squash); err != nil {
		s.reset()
		return err
	}
	return nil
}

type mergePlan struct {
	from    *ChangeSet
	to      *ChangeSet
	updates map[models.ObjectID][]models.PropertyDiff
}

func propertyChanges(c *Compare) map[models.ObjectID][]models.PropertyDiff {
	out := make(map[models.ObjectID][]models.PropertyDiff)
	for _, d := range c.Details {
		if d.IsPropertyChange() {
			out[d.Object] = append(out[d.Object], models.PropertyDiff{Property: d.Property, From: d.From, To: d.To})
		}
	}
	return out
}

// reconcile detects conflicts between both sides and collects the property
// updates to apply on the target.
func (s *StagingArea) reconcile(ctx context.Context, fromChanges, toChanges *Compare, processor ConflictProcessor) (*mergePlan, error) {
	plan := &mergePlan{
		from:    NewChangeSet(fromChanges.Details),
		to:      NewChangeSet(toChanges.Details),
		updates: make(map[models.ObjectID][]models.PropertyDiff),
	}
	from, to := plan.from, plan.to
	var conflicts []models.Conflict

	addedTypes := append(from.AddedTypes(), to.AddedTypes()...)
	sort.Strings(addedTypes)
	for _, t := range slices.Compact(addedTypes) {
		for _, id := range from.AddedIDs(t) {
			oid := models.NewObjectID(t, id)
			if to.IsAdded(oid) {
				conflicts = append(conflicts, models.AddedInSourceAndTarget{ObjectID: oid})
			}
		}
		for _, id := range from.AddedIDs(t) {
			oid := models.NewObjectID(t, id)
			if container, ok := from.ContainerOf(oid); ok && to.IsRemoved(container) {
				conflicts = append(conflicts, models.AddedInSourceAndDetachedInTarget{ObjectID: oid, Container: container, Feature: container.Type})
			}
		}
		for _, id := range to.AddedIDs(t) {
			oid := models.NewObjectID(t, id)
			if container, ok := to.ContainerOf(oid); ok && from.IsRemoved(container) {
				conflicts = append(conflicts, models.AddedInTargetAndDetachedInSource{Container: container, ObjectID: oid, Feature: container.Type})
			}
		}
	}

	sourceProps := propertyChanges(fromChanges)
	targetProps := propertyChanges(toChanges)
	for _, t := range from.ChangedTypes() {
		for _, id := range from.ChangedIDs(t) {
			oid := models.NewObjectID(t, id)
			if to.IsRemoved(oid) {
				if c := processor.HandleChangedInSourceDetachedInTarget(oid, sourceProps[oid]); c != nil {
					conflicts = append(conflicts, c)
				}
				s.reviseOnMergeSource.put(oid)
				from.RemoveChanged(oid)
				continue
			}
			if !to.IsChanged(oid) {
				continue
			}
			changes := sourceProps[oid]
			if len(changes) == 0 {
				continue
			}
			targets := make(map[string]models.PropertyDiff, len(targetProps[oid]))
			for _, d := range targetProps[oid] {
				targets[d.Property] = d
			}
			for _, source := range changes {
				target, ok := targets[source.Property]
				if !ok || source.To == target.To {
					plan.updates[oid] = append(plan.updates[oid], source)
					continue
				}
				resolved := processor.HandleChangedInSourceAndTarget(id, source, target)
				if resolved == nil {
					conflicts = append(conflicts, models.ChangedInSourceAndTarget{
						ObjectID: oid,
						Source:   processor.FormatDiff(source),
						Target:   processor.FormatDiff(target),
					})
					continue
				}
				plan.updates[oid] = append(plan.updates[oid], *resolved)
			}
			from.RemoveChanged(oid)
		}
	}

	more, err := processor.CheckConflicts(ctx, s, from, to)
	if err != nil {
		return nil, err
	}
	conflicts = append(conflicts, more...)
	conflicts, err = processor.FilterConflicts(ctx, s, conflicts)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		s.logger.Info("merge rejected", "from", s.mergeFrom.Path, "conflicts", len(conflicts))
		return nil, &apierr.BranchMergeConflictError{Conflicts: conflicts}
	}
	return plan, nil
}

// apply stages the reconciled merge: property updates on the target values,
// the source content for squash merges, and every source side removal.
func (s *StagingArea) apply(ctx context.Context, plan *mergePlan, fromRef, toRef models.Ref, squash bool) error {
	target := s.r.ReadRef(toRef)
	source := s.r.ReadRef(fromRef)

	updatesByType := make(idSet)
	for oid := range plan.updates {
		updatesByType.put(oid)
	}
	for _, t := range updatesByType.types() {
		revs, err := target.GetMany(ctx, t, updatesByType.ids(t))
		if err != nil {
			return err
		}
		for _, rev := range revs {
			oid := models.ObjectIDOf(rev)
			updated, err := rev.WithUpdates(plan.updates[oid])
			if err != nil {
				return apierr.NewIndexError("apply property updates", err)
			}
			if err := s.StageChange(rev, updated); err != nil {
				return err
			}
			s.reviseOnMergeSource.put(oid)
		}
	}

	if squash {
		for _, t := range plan.from.AddedTypes() {
			if err := s.stageFromSource(ctx, source, target, t, plan.from.AddedIDs(t)); err != nil {
				return err
			}
		}
		for _, t := range plan.from.ChangedTypes() {
			if err := s.stageFromSource(ctx, source, target, t, plan.from.ChangedIDs(t)); err != nil {
				return err
			}
		}
	}

	for _, t := range plan.from.RemovedTypes() {
		revs, err := target.GetMany(ctx, t, plan.from.RemovedIDs(t))
		if err != nil {
			return err
		}
		for _, rev := range revs {
			if err := s.StageRemove(rev); err != nil {
				return err
			}
		}
	}
	return nil
}

// stageFromSource copies the source values of ids, as changes where the
// target already has a value and as new objects otherwise.
func (s *StagingArea) stageFromSource(ctx context.Context, source, target *Searcher, docType string, ids []string) error {
	updated, err := source.GetMany(ctx, docType, ids)
	if err != nil {
		return err
	}
	current, err := target.GetMany(ctx, docType, ids)
	if err != nil {
		return err
	}
	old := make(map[string]models.Revision, len(current))
	for _, rev := range current {
		old[rev.RevisionID()] = rev
	}
	for _, rev := range updated {
		if prev, ok := old[rev.RevisionID()]; ok {
			err = s.StageChange(prev, rev)
		} else {
			err = s.StageNew(rev)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
