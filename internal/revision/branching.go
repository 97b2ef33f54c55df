package revision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
)

var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// BranchChangeListener is notified with the path of every created, reopened,
// deleted or committed branch.
type BranchChangeListener func(path string)

// Branching manages the branch documents of a revision index.
type Branching struct {
	r      *RevisionIndex
	locks  *LockManager
	logger *slog.Logger
	nextID atomic.Int64

	listenersMu sync.RWMutex
	listeners   map[uint64]BranchChangeListener
	listenerSeq uint64
}

func newBranching(r *RevisionIndex, locks *LockManager) *Branching {
	return &Branching{
		r:         r,
		locks:     locks,
		logger:    r.logger.With("component", "branching"),
		listeners: make(map[uint64]BranchChangeListener),
	}
}

type seedable interface {
	Seed(ts int64)
}

func (b *Branching) init(ctx context.Context) error {
	_, err := b.get(ctx, models.MainBranchPath)
	switch {
	case err == nil:
	case apierr.IsNotFound(err):
		root := &models.Branch{
			ID:       models.MainBranchID,
			Path:     models.MainBranchPath,
			Name:     models.MainBranchPath,
			Segments: []models.Segment{{BranchID: models.MainBranchID}},
		}
		if err := b.put(ctx, root); err != nil {
			return err
		}
		b.logger.Info("bootstrapped main branch")
	default:
		return err
	}

	var (
		maxID   int64
		maxHead int64
	)
	err = b.r.index.Scroll(ctx, storage.Query{Type: models.BranchDocType}, b.r.scrollSize, func(hits []storage.Hit) error {
		for _, h := range hits {
			branch, err := decodeBranch(h.Source)
			if err != nil {
				return err
			}
			maxID = max(maxID, branch.ID)
			for _, s := range branch.Segments {
				maxHead = max(maxHead, s.End)
			}
		}
		return nil
	})
	if err != nil {
		return apierr.WrapIndex("load branches", err)
	}
	b.nextID.Store(maxID + 1)
	if s, ok := b.r.timestamps.(seedable); ok {
		s.Seed(maxHead)
	}
	return nil
}

func decodeBranch(source []byte) (*models.Branch, error) {
	var branch models.Branch
	if err := json.Unmarshal(source, &branch); err != nil {
		return nil, apierr.NewIndexError("decode branch", err)
	}
	return &branch, nil
}

func (b *Branching) get(ctx context.Context, path string) (*models.Branch, error) {
	raw, err := b.r.index.Get(ctx, models.BranchDocType, path)
	if errors.Is(err, storage.ErrDocumentNotFound) {
		return nil, apierr.NewNotFound("Branch", path)
	}
	if err != nil {
		return nil, apierr.WrapIndex("get branch", err)
	}
	return decodeBranch(raw)
}

func (b *Branching) put(ctx context.Context, branch *models.Branch) error {
	raw, err := encodeDocument(branch)
	if err != nil {
		return err
	}
	err = b.r.index.Write(ctx, func(w storage.Writer) error {
		w.Put(models.BranchDocType, branch.Path, raw)
		return nil
	})
	return apierr.WrapIndex("put branch", err)
}

// GetBranch returns the branch stored at path, deleted or not.
func (b *Branching) GetBranch(ctx context.Context, path string) (*models.Branch, error) {
	return b.get(ctx, path)
}

// GetBranchByID returns the branch currently holding id.
func (b *Branching) GetBranchByID(ctx context.Context, id int64) (*models.Branch, error) {
	hits, err := b.r.index.Search(ctx, storage.Query{
		Type:  models.BranchDocType,
		Where: storage.Exact{Field: "id", Value: id},
		Limit: 1,
	})
	if err != nil {
		return nil, apierr.WrapIndex("get branch", err)
	}
	if len(hits.Hits) == 0 {
		return nil, apierr.NewNotFound("Branch", models.BranchPoint{BranchID: id}.String())
	}
	return decodeBranch(hits.Hits[0].Source)
}

// Exists reports whether a live branch is stored at path.
func (b *Branching) Exists(ctx context.Context, path string) (bool, error) {
	branch, err := b.get(ctx, path)
	if apierr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !branch.Deleted, nil
}

// Search returns every branch matching where, ordered by path.
func (b *Branching) Search(ctx context.Context, where storage.Expression) ([]*models.Branch, error) {
	var out []*models.Branch
	err := b.r.index.Scroll(ctx, storage.Query{Type: models.BranchDocType, Where: where}, b.r.scrollSize, func(hits []storage.Hit) error {
		for _, h := range hits {
			branch, err := decodeBranch(h.Source)
			if err != nil {
				return err
			}
			out = append(out, branch)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.WrapIndex("search branches", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Children returns every branch below path, including transitive and deleted ones.
func (b *Branching) Children(ctx context.Context, path string) ([]*models.Branch, error) {
	return b.Search(ctx, storage.Prefix{Field: "path", Prefix: path + models.BranchSeparator})
}

// CreateBranch opens name below parentPath and returns the new path. When a
// concurrent caller creates the same branch first, its path is returned.
func (b *Branching) CreateBranch(ctx context.Context, parentPath, name string, metadata map[string]string) (string, error) {
	parent, err := b.checkParent(ctx, parentPath, name)
	if err != nil {
		return "", err
	}
	path := models.BranchPath(parentPath, name)
	if ok, err := b.Exists(ctx, path); err != nil {
		return "", err
	} else if ok {
		return "", apierr.NewAlreadyExists("Branch", path)
	}

	var created string
	err = b.locks.locked(ctx, parentPath, func() error {
		existing, err := b.get(ctx, path)
		if err != nil && !apierr.IsNotFound(err) {
			return err
		}
		if existing != nil && !existing.Deleted {
			created = existing.Path
			return nil
		}
		branch, err := b.open(ctx, parent, name, metadata)
		if err != nil {
			return err
		}
		created = branch.Path
		return nil
	})
	if err != nil {
		return "", err
	}
	return created, nil
}

// Reopen recreates name below parentPath on the parent's current head,
// replacing whatever branch was stored at that path.
func (b *Branching) Reopen(ctx context.Context, parentPath, name string, metadata map[string]string) (*models.Branch, error) {
	parent, err := b.checkParent(ctx, parentPath, name)
	if err != nil {
		return nil, err
	}
	var branch *models.Branch
	err = b.locks.locked(ctx, parentPath, func() error {
		branch, err = b.open(ctx, parent, name, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

func (b *Branching) checkParent(ctx context.Context, parentPath, name string) (*models.Branch, error) {
	if !branchNamePattern.MatchString(name) {
		return nil, apierr.NewBadRequest("'%s' is either too long (max 50 characters) or it contains invalid characters (only 'A-Z', 'a-z', '0-9', '_' and '-' characters are allowed).", name)
	}
	parent, err := b.get(ctx, parentPath)
	if apierr.IsNotFound(err) {
		return nil, apierr.NewBadRequest("Parent branch '%s' does not exist.", parentPath)
	}
	if err != nil {
		return nil, err
	}
	if parent.Deleted {
		return nil, apierr.NewBadRequest("Cannot create '%s' child branch under deleted '%s' parent.", name, parentPath)
	}
	return parent, nil
}

// open writes a fresh branch document: the parent's visible segments plus an
// empty own segment at the current timestamp.
func (b *Branching) open(ctx context.Context, parent *models.Branch, name string, metadata map[string]string) (*models.Branch, error) {
	id := b.nextID.Add(1) - 1
	ts := b.r.CurrentTimestamp()
	segments := append(parent.Ref().Segments, models.Segment{BranchID: id, Start: ts, End: ts})
	branch := &models.Branch{
		ID:         id,
		Path:       models.BranchPath(parent.Path, name),
		ParentPath: parent.Path,
		Name:       name,
		Segments:   segments,
		Metadata:   metadata,
	}
	if err := b.put(ctx, branch); err != nil {
		return nil, err
	}
	b.logger.Info("opened branch", "branch", branch.Path, "id", id, "base", ts)
	b.fire(branch.Path)
	return branch, nil
}

// Delete flags the branch at path and every branch below it as deleted.
func (b *Branching) Delete(ctx context.Context, path string) error {
	if path == models.MainBranchPath {
		return apierr.NewBadRequest("%s cannot be deleted.", models.MainBranchPath)
	}
	if _, err := b.get(ctx, path); err != nil {
		return err
	}
	var affected []string
	err := b.locks.locked(ctx, path, func() error {
		children, err := b.Children(ctx, path)
		if err != nil {
			return err
		}
		err = b.r.index.Write(ctx, func(w storage.Writer) error {
			w.BulkUpdate(storage.BulkUpdate{
				Type: models.BranchDocType,
				Where: storage.Bool{Should: []storage.Expression{
					storage.Exact{Field: "path", Value: path},
					storage.Prefix{Field: "path", Prefix: path + models.BranchSeparator},
				}},
				Update: updateBranch(func(branch *models.Branch) { branch.Deleted = true }),
			})
			return nil
		})
		if err != nil {
			return apierr.WrapIndex("delete branch", err)
		}
		for _, c := range children {
			affected = append(affected, c.Path)
		}
		affected = append(affected, path)
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("deleted branch", "branch", path, "descendants", len(affected)-1)
	for _, p := range affected {
		b.fire(p)
	}
	return nil
}

// UpdateMetadata replaces the metadata of the branch at path.
func (b *Branching) UpdateMetadata(ctx context.Context, path string, metadata map[string]string) error {
	if _, err := b.get(ctx, path); err != nil {
		return err
	}
	err := b.r.index.Write(ctx, func(w storage.Writer) error {
		w.BulkUpdate(storage.BulkUpdate{
			Type:   models.BranchDocType,
			Where:  storage.Exact{Field: "path", Value: path},
			Update: updateBranch(func(branch *models.Branch) { branch.Metadata = metadata }),
		})
		return nil
	})
	if err != nil {
		return apierr.WrapIndex("update branch metadata", err)
	}
	b.fire(path)
	return nil
}

func updateBranch(fn func(*models.Branch)) func([]byte) ([]byte, error) {
	return func(source []byte) ([]byte, error) {
		branch, err := decodeBranch(source)
		if err != nil {
			return nil, err
		}
		fn(branch)
		return json.Marshal(branch)
	}
}

// advanceHead records a commit at ts on the branch: the own segment is
// extended to ts and the merge source, if any, is appended. The update only
// applies while the stored branch still carries the same id.
func advanceHead(w storage.Writer, branch *models.Branch, ts int64, source *models.MergeSource) {
	w.BulkUpdate(storage.BulkUpdate{
		Type: models.BranchDocType,
		Where: storage.Bool{Must: []storage.Expression{
			storage.Exact{Field: "path", Value: branch.Path},
			storage.Exact{Field: "id", Value: branch.ID},
		}},
		Update: updateBranch(func(stored *models.Branch) { applyHead(stored, ts, source) }),
	})
}

func applyHead(branch *models.Branch, ts int64, source *models.MergeSource) {
	for i, s := range branch.Segments {
		if s.BranchID == branch.ID && ts > s.End {
			branch.Segments[i].End = ts
		}
	}
	if source != nil {
		branch.MergeSources = append(branch.MergeSources, *source)
	}
}

// AddChangeListener registers fn and returns a function removing it.
func (b *Branching) AddChangeListener(fn BranchChangeListener) func() {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listenerSeq++
	id := b.listenerSeq
	b.listeners[id] = fn
	return func() {
		b.listenersMu.Lock()
		defer b.listenersMu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Branching) fire(path string) {
	b.listenersMu.RLock()
	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]BranchChangeListener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.listeners[id])
	}
	b.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(path)
	}
}

// State compares the branch at path with comparePath, or with its parent when
// comparePath is empty. MAIN is always up to date with itself.
func (b *Branching) State(ctx context.Context, path, comparePath string) (models.BranchState, error) {
	left, err := b.get(ctx, path)
	if err != nil {
		return 0, err
	}
	if comparePath == "" {
		if left.IsMain() {
			return models.BranchStateUpToDate, nil
		}
		comparePath = left.ParentPath
	}
	right, err := b.get(ctx, comparePath)
	if err != nil {
		return 0, err
	}
	return b.BranchState(ctx, left, right)
}

// BranchState classifies left relative to right. A side counts as changed
// when its diff against the other side moved past the latest merge between
// them; a one-sided change is only reported when the side has commits other
// than merges that brought back nothing but the other branch's own work.
func (b *Branching) BranchState(ctx context.Context, left, right *models.Branch) (models.BranchState, error) {
	leftDiff := left.Ref().Difference(right.Ref())
	rightDiff := right.Ref().Difference(left.Ref())
	leftBase, leftHead := span(left, leftDiff)
	rightBase, rightHead := span(right, rightDiff)

	if p, ok := left.LatestMergeSource(right.ID, true); ok && p.Timestamp > rightBase {
		rightBase = p.Timestamp
	}
	if p, ok := right.LatestMergeSource(left.ID, true); ok {
		leftBase = max(leftBase, p.Timestamp)
		leftHead = max(leftHead, p.Timestamp)
	}

	leftChanged := leftHead > leftBase
	rightChanged := rightHead > rightBase
	switch {
	case leftChanged && rightChanged:
		return models.BranchStateDiverged, nil
	case leftChanged:
		changed, err := b.hasChanges(ctx, left, leftDiff, leftBase, leftHead, right.ID)
		if err != nil || !changed {
			return models.BranchStateUpToDate, err
		}
		return models.BranchStateForward, nil
	case rightChanged:
		changed, err := b.hasChanges(ctx, right, rightDiff, rightBase, rightHead, left.ID)
		if err != nil || !changed {
			return models.BranchStateUpToDate, err
		}
		return models.BranchStateBehind, nil
	}
	return models.BranchStateUpToDate, nil
}

// span returns the earliest start and latest end of the non-empty segments
// in diff. An empty diff means the other side already sees all of branch, so
// the branch's own head bounds both ends.
func span(branch *models.Branch, diff models.Ref) (int64, int64) {
	segments := diff.NonEmpty()
	if len(segments) == 0 {
		return branch.Head(), branch.Head()
	}
	base, head := segments[0].Start, segments[0].End
	for _, s := range segments[1:] {
		base = min(base, s.Start)
		head = max(head, s.End)
	}
	return base, head
}

// hasChanges reports whether branch or the lineage in diff holds a commit in
// (from, to] other than a plain merge from mergeBranch. Such a merge still
// counts when mergeBranch had itself merged branch without fast-forwarding
// before the merged point, since it then carries work neither side had.
func (b *Branching) hasChanges(ctx context.Context, branch *models.Branch, diff models.Ref, from, to, mergeBranch int64) (bool, error) {
	ids := []any{branch.ID}
	for _, s := range diff.NonEmpty() {
		if s.BranchID != branch.ID {
			ids = append(ids, s.BranchID)
		}
	}
	inRange := []storage.Expression{
		storage.AnyOf{Field: "branch_id", Values: ids},
		storage.LongRange{Field: "timestamp", From: from, To: to, IncludeTo: true},
	}
	mergedFrom := storage.Bool{Must: []storage.Expression{
		storage.Exact{Field: "merge_source.branch_id", Value: mergeBranch},
		storage.Exact{Field: "squash_merge", Value: false},
	}}
	hits, err := b.r.index.Search(ctx, storage.Query{
		Type:  models.CommitDocType,
		Where: storage.Bool{Must: inRange, MustNot: []storage.Expression{mergedFrom}},
		Limit: 0,
	})
	if err != nil {
		return false, apierr.WrapIndex("search commits", err)
	}
	if hits.Total > 0 {
		return true, nil
	}

	merges, err := b.r.index.Search(ctx, storage.Query{
		Type:  models.CommitDocType,
		Where: storage.Bool{Must: append(inRange, mergedFrom)},
		Limit: storage.NoLimit,
	})
	if err != nil {
		return false, apierr.WrapIndex("search commits", err)
	}
	var upTo int64
	for _, hit := range merges.Hits {
		var commit models.Commit
		if err := json.Unmarshal(hit.Source, &commit); err != nil {
			return false, apierr.NewIndexError("decode commit", err)
		}
		if commit.MergeSource != nil {
			upTo = max(upTo, commit.MergeSource.Timestamp)
		}
	}
	if upTo <= from {
		return false, nil
	}
	roundTrips, err := b.r.index.Search(ctx, storage.Query{
		Type: models.CommitDocType,
		Where: storage.Bool{Must: []storage.Expression{
			storage.Exact{Field: "branch_id", Value: mergeBranch},
			storage.Exact{Field: "merge_source.branch_id", Value: branch.ID},
			storage.Exact{Field: "squash_merge", Value: false},
			storage.Exact{Field: "fast_forward", Value: false},
			storage.LongRange{Field: "timestamp", From: from, To: upTo, IncludeTo: true},
		}},
		Limit: 0,
	})
	if err != nil {
		return false, apierr.WrapIndex("search commits", err)
	}
	return roundTrips.Total > 0, nil
}

// PrepareMerge starts configuring a merge of fromPath into toPath.
func (b *Branching) PrepareMerge(fromPath, toPath string) *MergeOperation {
	return &MergeOperation{
		branching: b,
		fromPath:  fromPath,
		toPath:    toPath,
		processor: DefaultConflictProcessor{},
	}
}

func (b *Branching) doMerge(ctx context.Context, op *MergeOperation) (*models.Commit, error) {
	if op.fromPath == op.toPath {
		return nil, apierr.NewBadRequest("Can't merge branch '%s' onto itself.", op.toPath)
	}
	from, err := b.get(ctx, op.fromPath)
	if err != nil {
		return nil, err
	}
	to, err := b.get(ctx, op.toPath)
	if err != nil {
		return nil, err
	}
	state, err := b.BranchState(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if state == models.BranchStateUpToDate || state == models.BranchStateBehind {
		b.logger.Debug("nothing to merge", "from", from.Path, "to", to.Path, "state", state.String())
		return nil, nil
	}

	staging, err := b.r.PrepareCommit(ctx, to.Path)
	if err != nil {
		return nil, err
	}
	if err := staging.Merge(ctx, from.Ref(), to.Ref(), op.squash, op.processor, op.exclude...); err != nil {
		return nil, err
	}
	message := op.message
	if message == "" {
		message = "Merge " + from.Path + " into " + to.Path
	}
	return staging.Commit(ctx, CommitRequest{Author: op.author, Comment: message})
}
