// Package revision implements branching, staging, comparison and merging of
// revisioned documents on top of a flat document index.
package revision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
	"github.com/niczy/revbranch/internal/timestamp"
)

// Mapping registers a revision type so stored documents can be decoded.
type Mapping struct {
	Type string
	New  func() models.Revision
}

// MappingFor derives a mapping from a constructor.
func MappingFor(newFn func() models.Revision) Mapping {
	return Mapping{Type: newFn().DocType(), New: newFn}
}

// KeyedDocument is a plain, unversioned document stored under its own key.
type KeyedDocument interface {
	models.Document
	DocumentID() string
}

// PreCommitHook runs before a commit is written and may stage further changes.
type PreCommitHook func(ctx context.Context, staging *StagingArea) error

// PostCommitHook runs after a commit has been written.
type PostCommitHook func(ctx context.Context, commit *models.Commit) error

// Options tunes a RevisionIndex. Zero values fall back to defaults.
type Options struct {
	Logger              *slog.Logger
	Timestamps          timestamp.Provider
	Locks               *LockManager
	CommitWatermarkLow  int
	CommitWatermarkHigh int
	CompareLimit        int
	ScrollSize          int
}

// RevisionIndex ties the document index, the branch manager and the registered
// revision types together.
type RevisionIndex struct {
	index      storage.Index
	mappings   map[string]Mapping
	timestamps timestamp.Provider
	branching  *Branching
	logger     *slog.Logger

	watermarkLow  int
	watermarkHigh int
	compareLimit  int
	scrollSize    int

	hooksMu   sync.RWMutex
	preHooks  []PreCommitHook
	postHooks []PostCommitHook
}

// NewRevisionIndex wires a revision index. Call Init before use.
func NewRevisionIndex(index storage.Index, mappings []Mapping, opts Options) *RevisionIndex {
	r := &RevisionIndex{
		index:         index,
		mappings:      make(map[string]Mapping, len(mappings)),
		timestamps:    opts.Timestamps,
		logger:        opts.Logger,
		watermarkLow:  opts.CommitWatermarkLow,
		watermarkHigh: opts.CommitWatermarkHigh,
		compareLimit:  opts.CompareLimit,
		scrollSize:    opts.ScrollSize,
	}
	for _, m := range mappings {
		r.mappings[m.Type] = m
	}
	if r.timestamps == nil {
		r.timestamps = timestamp.NewMonotonic()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.watermarkLow <= 0 {
		r.watermarkLow = 10_000
	}
	if r.watermarkHigh < r.watermarkLow {
		r.watermarkHigh = max(100_000, r.watermarkLow)
	}
	if r.compareLimit <= 0 {
		r.compareLimit = 100
	}
	if r.scrollSize <= 0 {
		r.scrollSize = storage.DefaultMaxClauseCount
	}
	locks := opts.Locks
	if locks == nil {
		locks = NewLockManager(DefaultLockRegistrySize, DefaultLockIdleExpiry, DefaultLockTimeout)
	}
	r.branching = newBranching(r, locks)
	return r
}

// Init bootstraps the root branch and seeds the branch id counter.
func (r *RevisionIndex) Init(ctx context.Context) error {
	return r.branching.init(ctx)
}

// Branching returns the branch manager.
func (r *RevisionIndex) Branching() *Branching { return r.branching }

// Index returns the underlying document index.
func (r *RevisionIndex) Index() storage.Index { return r.index }

// CurrentTimestamp returns the next commit timestamp.
func (r *RevisionIndex) CurrentTimestamp() int64 { return r.timestamps.CurrentTimestamp() }

// RegisterPreCommitHook adds a hook run by every commit.
func (r *RevisionIndex) RegisterPreCommitHook(h PreCommitHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.preHooks = append(r.preHooks, h)
}

// RegisterPostCommitHook adds a hook run after every commit.
func (r *RevisionIndex) RegisterPostCommitHook(h PostCommitHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.postHooks = append(r.postHooks, h)
}

func (r *RevisionIndex) hooks() ([]PreCommitHook, []PostCommitHook) {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return append([]PreCommitHook(nil), r.preHooks...), append([]PostCommitHook(nil), r.postHooks...)
}

// Types returns the registered revision types in name order.
func (r *RevisionIndex) Types() []string {
	out := make([]string, 0, len(r.mappings))
	for t := range r.mappings {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *RevisionIndex) mapping(docType string) (Mapping, error) {
	m, ok := r.mappings[docType]
	if !ok {
		return Mapping{}, apierr.NewBadRequest("Unknown revision type '%s'.", docType)
	}
	return m, nil
}

func (r *RevisionIndex) decode(docType string, source []byte) (models.Revision, error) {
	m, err := r.mapping(docType)
	if err != nil {
		return nil, err
	}
	rev := m.New()
	if err := json.Unmarshal(source, rev); err != nil {
		return nil, apierr.NewIndexError("decode "+docType, err)
	}
	return rev, nil
}

// PrepareCommit opens a staging area on a live branch.
func (r *RevisionIndex) PrepareCommit(ctx context.Context, branchPath string) (*StagingArea, error) {
	branch, err := r.branching.GetBranch(ctx, branchPath)
	if err != nil {
		return nil, err
	}
	if branch.Deleted {
		return nil, apierr.NewBadRequest("Branch '%s' has been deleted.", branchPath)
	}
	return newStagingArea(r, branch.Path), nil
}

// Read resolves a branch path expression and returns a searcher over it.
func (r *RevisionIndex) Read(ctx context.Context, pathExpr string) (*Searcher, error) {
	ref, err := r.branching.ResolveRef(ctx, pathExpr)
	if err != nil {
		return nil, err
	}
	return r.ReadRef(ref), nil
}

// ReadRef returns a searcher over an already resolved ref.
func (r *RevisionIndex) ReadRef(ref models.Ref) *Searcher {
	return &Searcher{r: r, ref: ref}
}

// CompareBranches compares two branch path expressions: the result lists what
// is visible on comparePath but not on basePath.
func (r *RevisionIndex) CompareBranches(ctx context.Context, basePath, comparePath string, opts CompareOptions) (*Compare, error) {
	base, err := r.branching.ResolveRef(ctx, basePath)
	if err != nil {
		return nil, err
	}
	compare, err := r.branching.ResolveRef(ctx, comparePath)
	if err != nil {
		return nil, err
	}
	if opts.Limit == 0 {
		opts.Limit = r.compareLimit
	}
	return r.Compare(ctx, base, compare, opts)
}

func objectIDOf(doc models.Document) (models.ObjectID, error) {
	switch d := doc.(type) {
	case models.Revision:
		return models.ObjectIDOf(d), nil
	case KeyedDocument:
		return models.NewObjectID(d.DocType(), d.DocumentID()), nil
	}
	return models.ObjectID{}, apierr.NewBadRequest("Document of type '%s' has no id.", doc.DocType())
}

func containerOf(doc models.Document) models.ObjectID {
	if rev, ok := doc.(models.Revision); ok {
		return rev.ContainerID()
	}
	return models.RootOf(doc.DocType())
}

func encodeDocument(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apierr.NewIndexError("encode", fmt.Errorf("%T: %w", doc, err))
	}
	return raw, nil
}
