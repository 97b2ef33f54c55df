package revision

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"github.com/google/uuid"
	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
)

// StagedKind tells what a commit will do with a staged object.
type StagedKind int

const (
	StagedNew StagedKind = iota
	StagedChanged
	StagedRemoved
)

func (k StagedKind) String() string {
	switch k {
	case StagedNew:
		return "NEW"
	case StagedChanged:
		return "CHANGED"
	case StagedRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// StagedObject is one pending change. Object holds the new value for new and
// changed objects and the removed value otherwise. Old is the value a change
// started from.
type StagedObject struct {
	Kind   StagedKind
	Key    models.ObjectID
	Object models.Document
	Old    models.Document
	Commit bool
}

type stageOptions struct {
	commit bool
}

// StageOption tunes a single staging call.
type StageOption func(*stageOptions)

// WithoutCommit keeps the object visible to hooks and merge logic but out of
// the index and the commit details.
func WithoutCommit() StageOption {
	return func(o *stageOptions) { o.commit = false }
}

func applyStageOptions(opts []StageOption) stageOptions {
	o := stageOptions{commit: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RevisionDiff is the tracked property diff of a changed revision.
type RevisionDiff struct {
	Old   models.Revision
	New   models.Revision
	Diffs []models.PropertyDiff
}

// HasProperty reports whether property changed.
func (d RevisionDiff) HasProperty(property string) bool {
	for _, diff := range d.Diffs {
		if diff.Property == property {
			return true
		}
	}
	return false
}

// CommitRequest describes the commit to create. A zero Timestamp asks the
// index for the current timestamp.
type CommitRequest struct {
	GroupID   string
	Timestamp int64
	Author    string
	Comment   string
}

// StagingArea accumulates the changes of one transaction on a branch. It is
// not safe for concurrent use.
type StagingArea struct {
	r          *RevisionIndex
	branchPath string
	logger     *slog.Logger

	staged map[models.ObjectID]*StagedObject

	merging             bool
	squash              bool
	fastForward         bool
	mergeFrom           models.Ref
	mergeSources        []models.BranchPoint
	reviseOnMergeSource idSet
}

func newStagingArea(r *RevisionIndex, branchPath string) *StagingArea {
	s := &StagingArea{
		r:          r,
		branchPath: branchPath,
		logger:     r.logger.With("branch", branchPath),
	}
	s.reset()
	return s
}

func (s *StagingArea) reset() {
	s.staged = make(map[models.ObjectID]*StagedObject)
	s.merging = false
	s.squash = false
	s.fastForward = false
	s.mergeFrom = models.Ref{}
	s.mergeSources = nil
	s.reviseOnMergeSource = make(idSet)
}

// BranchPath returns the branch the staging area commits to.
func (s *StagingArea) BranchPath() string { return s.branchPath }

// Index returns the revision index the staging area belongs to.
func (s *StagingArea) Index() *RevisionIndex { return s.r }

// IsEmpty reports whether nothing is staged.
func (s *StagingArea) IsEmpty() bool { return len(s.staged) == 0 }

// Read returns a searcher over the current head of the staging area's branch.
func (s *StagingArea) Read(ctx context.Context) (*Searcher, error) {
	return s.r.Read(ctx, s.branchPath)
}

// StageNew stages doc for creation. A new value for an object staged as
// removed turns into a change.
func (s *StagingArea) StageNew(doc models.Document, opts ...StageOption) error {
	key, err := objectIDOf(doc)
	if err != nil {
		return err
	}
	o := applyStageOptions(opts)
	if prev, ok := s.staged[key]; ok && prev.Kind == StagedRemoved {
		s.staged[key] = &StagedObject{Kind: StagedChanged, Key: key, Object: doc, Old: prev.Object, Commit: o.commit}
		return nil
	}
	s.staged[key] = &StagedObject{Kind: StagedNew, Key: key, Object: doc, Commit: o.commit}
	return nil
}

// StageChange stages changed as the new value of old. Revisions must keep
// their id; old may be nil for keyed documents.
func (s *StagingArea) StageChange(old, changed models.Document, opts ...StageOption) error {
	key, err := objectIDOf(changed)
	if err != nil {
		return err
	}
	if _, ok := changed.(models.Revision); ok {
		if old == nil {
			return apierr.NewBadRequest("Missing previous value of '%s'.", key)
		}
		oldKey, err := objectIDOf(old)
		if err != nil {
			return err
		}
		if oldKey != key {
			return apierr.NewBadRequest("Cannot stage '%s' as a change of '%s'.", key, oldKey)
		}
	}
	o := applyStageOptions(opts)
	if prev, ok := s.staged[key]; ok {
		switch prev.Kind {
		case StagedNew:
			s.staged[key] = &StagedObject{Kind: StagedNew, Key: key, Object: changed, Commit: o.commit}
			return nil
		case StagedChanged:
			old = prev.Old
		}
	}
	s.staged[key] = &StagedObject{Kind: StagedChanged, Key: key, Object: changed, Old: old, Commit: o.commit}
	return nil
}

// StageRemove stages doc for removal. Removing an object staged as new
// unstages it; removing a changed object removes its original value.
func (s *StagingArea) StageRemove(doc models.Document, opts ...StageOption) error {
	key, err := objectIDOf(doc)
	if err != nil {
		return err
	}
	o := applyStageOptions(opts)
	if prev, ok := s.staged[key]; ok {
		switch prev.Kind {
		case StagedNew:
			delete(s.staged, key)
			return nil
		case StagedChanged:
			if prev.Old != nil {
				doc = prev.Old
			}
		}
	}
	s.staged[key] = &StagedObject{Kind: StagedRemoved, Key: key, Object: doc, Commit: o.commit}
	return nil
}

func (s *StagingArea) is(id models.ObjectID, kind StagedKind) bool {
	o, ok := s.staged[id]
	return ok && o.Kind == kind
}

func (s *StagingArea) IsNew(id models.ObjectID) bool { return s.is(id, StagedNew) }

func (s *StagingArea) IsChanged(id models.ObjectID) bool { return s.is(id, StagedChanged) }

func (s *StagingArea) IsRemoved(id models.ObjectID) bool { return s.is(id, StagedRemoved) }

// Staged returns the staged object of id.
func (s *StagingArea) Staged(id models.ObjectID) (*StagedObject, bool) {
	o, ok := s.staged[id]
	return o, ok
}

// objects returns the staged objects of kind in key order, optionally limited to types.
func (s *StagingArea) objects(kind StagedKind, types []string) []*StagedObject {
	var out []*StagedObject
	for _, o := range s.staged {
		if o.Kind != kind {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, o.Key.Type) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func documents(objects []*StagedObject) []models.Document {
	out := make([]models.Document, len(objects))
	for i, o := range objects {
		out[i] = o.Object
	}
	return out
}

func (s *StagingArea) NewObjects(types ...string) []models.Document {
	return documents(s.objects(StagedNew, types))
}

func (s *StagingArea) ChangedObjects(types ...string) []models.Document {
	return documents(s.objects(StagedChanged, types))
}

func (s *StagingArea) RemovedObjects(types ...string) []models.Document {
	return documents(s.objects(StagedRemoved, types))
}

// ChangedRevisions returns the diffs of every changed revision.
func (s *StagingArea) ChangedRevisions(types ...string) []RevisionDiff {
	var out []RevisionDiff
	for _, o := range s.objects(StagedChanged, types) {
		if d, ok := revisionDiff(o); ok {
			out = append(out, d)
		}
	}
	return out
}

// ChangedRevisionsWithProperties returns the diffs of changed revisions of
// docType touching at least one of properties.
func (s *StagingArea) ChangedRevisionsWithProperties(docType string, properties ...string) []RevisionDiff {
	var out []RevisionDiff
	for _, d := range s.ChangedRevisions(docType) {
		for _, p := range properties {
			if d.HasProperty(p) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func revisionDiff(o *StagedObject) (RevisionDiff, bool) {
	newRev, ok := o.Object.(models.Revision)
	if !ok {
		return RevisionDiff{}, false
	}
	oldRev, ok := o.Old.(models.Revision)
	if !ok {
		return RevisionDiff{}, false
	}
	return RevisionDiff{Old: oldRev, New: newRev, Diffs: models.DiffRevisions(oldRev, newRev)}, true
}

// Commit writes every staged change and advances the branch head. It
// returns nil without writing when nothing is staged and no merge is in
// progress. Hook failures are reported as index errors; a failing post
// commit hook still returns the written commit.
func (s *StagingArea) Commit(ctx context.Context, req CommitRequest) (*models.Commit, error) {
	if s.IsEmpty() && !s.merging {
		return nil, nil
	}
	pre, post := s.r.hooks()
	for _, h := range pre {
		if err := h(ctx, s); err != nil {
			return nil, apierr.NewIndexError("pre-commit hook", err)
		}
	}

	branch, err := s.r.branching.get(ctx, s.branchPath)
	if err != nil {
		return nil, err
	}
	if branch.Deleted {
		return nil, apierr.NewBadRequest("Branch '%s' has been deleted.", s.branchPath)
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = s.r.CurrentTimestamp()
	} else if ts <= branch.Head() {
		return nil, apierr.NewBadRequest("Commit timestamp %d must be after the head of '%s' (%d).", ts, s.branchPath, branch.Head())
	}
	point := models.BranchPoint{BranchID: branch.ID, Timestamp: ts}

	var source *models.MergeSource
	if s.merging && len(s.mergeSources) > 0 {
		source = &models.MergeSource{Timestamp: ts, Sources: slices.Clone(s.mergeSources), Squash: s.squash}
	}
	next := branch.Clone()
	applyHead(next, ts, source)
	postRef := next.Ref()

	commit := &models.Commit{
		ID:          uuid.NewString(),
		GroupID:     req.GroupID,
		Branch:      branch.Path,
		BranchID:    branch.ID,
		Author:      req.Author,
		Comment:     req.Comment,
		Timestamp:   ts,
		SquashMerge: s.merging && s.squash,
		FastForward: s.merging && s.fastForward,
	}
	if n := len(s.mergeSources); s.merging && n > 0 {
		last := s.mergeSources[n-1]
		commit.MergeSource = &last
	}
	if !s.merging || s.squash {
		commit.Details = s.details()
		s.checkWatermark(commit)
	}

	err = s.r.index.Write(ctx, func(w storage.Writer) error {
		if err := s.writeChanges(w, postRef, point); err != nil {
			return err
		}
		raw, err := encodeDocument(commit)
		if err != nil {
			return err
		}
		w.Put(models.CommitDocType, commit.ID, raw)
		return w.Commit(ctx)
	})
	if err != nil {
		return nil, apierr.WrapIndex("commit", err)
	}
	err = s.r.index.Write(ctx, func(w storage.Writer) error {
		advanceHead(w, branch, ts, source)
		return nil
	})
	if err != nil {
		return nil, apierr.WrapIndex("advance branch head", err)
	}
	s.logger.Debug("committed", "commit", commit.ID, "timestamp", ts, "details", len(commit.Details), "merge", commit.IsMerge())

	s.reset()
	s.r.branching.fire(branch.Path)
	for _, h := range post {
		if err := h(ctx, commit); err != nil {
			return commit, apierr.NewIndexError("post-commit hook", err)
		}
	}
	return commit, nil
}

// writeChanges records the staged changes on w: superseded values are
// revised first, then removals, new values and changed values follow.
func (s *StagingArea) writeChanges(w storage.Writer, postRef models.Ref, point models.BranchPoint) error {
	rw := &revisionWriter{w: w, point: point}

	removed := s.committed(StagedRemoved)
	added := s.committed(StagedNew)
	changed := s.committed(StagedChanged)

	revise := make(idSet)
	for _, o := range append(slices.Clone(removed), changed...) {
		if _, ok := o.Object.(models.Revision); ok {
			revise.put(o.Key)
		}
	}
	for _, t := range revise.types() {
		rw.revise(t, revise.ids(t), postRef, point)
	}

	if s.merging {
		onSource := make(idSet)
		for t, ids := range s.reviseOnMergeSource {
			for id := range ids {
				onSource.put(models.NewObjectID(t, id))
			}
		}
		if s.squash {
			for _, group := range [][]*StagedObject{removed, added, changed} {
				for _, o := range group {
					if _, ok := o.Object.(models.Revision); ok {
						onSource.put(o.Key)
					}
				}
			}
		}
		for _, t := range onSource.types() {
			rw.revise(t, onSource.ids(t), s.mergeFrom, point)
		}
	}

	plain := make(idSet)
	for _, o := range removed {
		if _, ok := o.Object.(models.Revision); !ok {
			plain.put(o.Key)
		}
	}
	for _, t := range plain.types() {
		w.Remove(t, plain.ids(t)...)
	}

	for _, group := range [][]*StagedObject{added, changed} {
		for _, o := range group {
			switch doc := o.Object.(type) {
			case models.Revision:
				if err := rw.put(doc); err != nil {
					return err
				}
			case KeyedDocument:
				if err := rw.putDocument(doc); err != nil {
					return err
				}
			default:
				return apierr.NewBadRequest("Document of type '%s' has no id.", doc.DocType())
			}
		}
	}
	return nil
}

func (s *StagingArea) committed(kind StagedKind) []*StagedObject {
	var out []*StagedObject
	for _, o := range s.objects(kind, nil) {
		if o.Commit {
			out = append(out, o)
		}
	}
	return out
}

type propertyKey struct {
	property, from, to, objectType string
}

type hierarchyKey struct {
	op                           models.ChangeKind
	containerType, componentType string
}

// details groups the committed changes into commit details: property
// changes first, then hierarchical adds, changes and removes.
func (s *StagingArea) details() []models.CommitDetail {
	properties := make(map[propertyKey][]string)
	hierarchy := make(map[hierarchyKey]map[string][]string)

	register := func(op models.ChangeKind, o *StagedObject) {
		container := containerOf(o.Object)
		key := hierarchyKey{op: op, containerType: container.Type, componentType: o.Key.Type}
		byContainer := hierarchy[key]
		if byContainer == nil {
			byContainer = make(map[string][]string)
			hierarchy[key] = byContainer
		}
		byContainer[container.ID] = append(byContainer[container.ID], o.Key.ID)
	}

	for _, o := range s.committed(StagedNew) {
		register(models.ChangeAdded, o)
	}
	for _, o := range s.committed(StagedChanged) {
		register(models.ChangeChanged, o)
		d, ok := revisionDiff(o)
		if !ok {
			continue
		}
		for _, diff := range d.Diffs {
			key := propertyKey{property: diff.Property, from: diff.From, to: diff.To, objectType: o.Key.Type}
			properties[key] = append(properties[key], o.Key.ID)
		}
	}
	for _, o := range s.committed(StagedRemoved) {
		register(models.ChangeRemoved, o)
	}

	var out []models.CommitDetail
	propertyKeys := make([]propertyKey, 0, len(properties))
	for k := range properties {
		propertyKeys = append(propertyKeys, k)
	}
	sort.Slice(propertyKeys, func(i, j int) bool {
		a, b := propertyKeys[i], propertyKeys[j]
		if a.property != b.property {
			return a.property < b.property
		}
		if a.objectType != b.objectType {
			return a.objectType < b.objectType
		}
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})
	for _, k := range propertyKeys {
		ids := properties[k]
		sort.Strings(ids)
		out = append(out, models.CommitDetail{
			Op:         models.ChangeChanged,
			Property:   k.property,
			From:       k.from,
			To:         k.to,
			ObjectType: k.objectType,
			Objects:    ids,
		})
	}

	hierarchyKeys := make([]hierarchyKey, 0, len(hierarchy))
	for k := range hierarchy {
		hierarchyKeys = append(hierarchyKeys, k)
	}
	sort.Slice(hierarchyKeys, func(i, j int) bool {
		a, b := hierarchyKeys[i], hierarchyKeys[j]
		if a.op != b.op {
			return a.op < b.op
		}
		if a.containerType != b.containerType {
			return a.containerType < b.containerType
		}
		return a.componentType < b.componentType
	})
	for _, k := range hierarchyKeys {
		byContainer := hierarchy[k]
		containers := make([]string, 0, len(byContainer))
		for c := range byContainer {
			containers = append(containers, c)
		}
		sort.Strings(containers)
		components := make([][]string, len(containers))
		for i, c := range containers {
			ids := byContainer[c]
			sort.Strings(ids)
			components[i] = ids
		}
		out = append(out, models.CommitDetail{
			Op:            k.op,
			ObjectType:    k.containerType,
			ComponentType: k.componentType,
			Objects:       containers,
			Components:    components,
		})
	}
	return out
}

func (s *StagingArea) checkWatermark(commit *models.Commit) {
	n := len(commit.Details)
	switch {
	case n > s.r.watermarkHigh:
		s.logger.Warn("commit exceeds high watermark", "watermark", s.r.watermarkHigh, "details", n, "author", commit.Author)
	case n > s.r.watermarkLow:
		s.logger.Warn("commit exceeds low watermark", "watermark", s.r.watermarkLow, "details", n, "author", commit.Author)
	}
}
