package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/revision"
	"github.com/niczy/revbranch/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	entryType   = "entry"
	commentType = "comment"
)

// entry is a top level document with a scalar and a list property.
type entry struct {
	models.RevisionBase
	Label string   `json:"label"`
	Tags  []string `json:"tags,omitempty"`
}

func newEntry(id, label string, tags ...string) *entry {
	return &entry{RevisionBase: models.RevisionBase{ID: id}, Label: label, Tags: tags}
}

func (e *entry) DocType() string { return entryType }

func (e *entry) ContainerID() models.ObjectID { return models.RootOf(entryType) }

func (e *entry) TrackedProperties() map[string]string {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]string{"label": e.Label, "tags": models.MustEncodeProperty(tags)}
}

func (e *entry) WithUpdates(updates []models.PropertyDiff) (models.Revision, error) {
	cp := *e
	cp.Tags = slices.Clone(e.Tags)
	for _, u := range updates {
		switch u.Property {
		case "label":
			cp.Label = u.To
		case "tags":
			var tags []string
			if err := models.DecodeProperty(u.To, &tags); err != nil {
				return nil, err
			}
			cp.Tags = tags
		default:
			return nil, fmt.Errorf("entry has no property %q", u.Property)
		}
	}
	return &cp, nil
}

func (e *entry) relabel(label string) *entry {
	cp := *e
	cp.Label = label
	return &cp
}

func (e *entry) tagged(tags ...string) *entry {
	cp := *e
	cp.Tags = tags
	return &cp
}

// comment lives under an entry.
type comment struct {
	models.RevisionBase
	EntryID string `json:"entry_id"`
	Text    string `json:"text"`
}

func (c *comment) DocType() string { return commentType }

func (c *comment) ContainerID() models.ObjectID { return models.NewObjectID(entryType, c.EntryID) }

func (c *comment) TrackedProperties() map[string]string { return map[string]string{"text": c.Text} }

func (c *comment) WithUpdates(updates []models.PropertyDiff) (models.Revision, error) {
	cp := *c
	for _, u := range updates {
		if u.Property != "text" {
			return nil, fmt.Errorf("comment has no property %q", u.Property)
		}
		cp.Text = u.To
	}
	return &cp, nil
}

var mappings = []revision.Mapping{
	revision.MappingFor(func() models.Revision { return &entry{} }),
	revision.MappingFor(func() models.Revision { return &comment{} }),
}

type backend struct {
	name string
	open func(t *testing.T) storage.Index
}

var backends = []backend{
	{
		name: "memory",
		open: func(*testing.T) storage.Index { return storage.NewInMemoryIndex() },
	},
	{
		name: "redis",
		open: func(t *testing.T) storage.Index {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return storage.NewRedisIndex(client, storage.NewInMemoryObjectStore(), "workflow")
		},
	},
	{
		name: "sqlite",
		open: func(t *testing.T) storage.Index {
			t.Helper()
			idx, err := storage.OpenSQLiteIndex(filepath.Join(t.TempDir(), "workflow.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = idx.Close() })
			return idx
		},
	},
}

// forEachBackend runs fn against a freshly bootstrapped revision index per backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, r *revision.RevisionIndex)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			r := revision.NewRevisionIndex(b.open(t), mappings, revision.Options{})
			require.NoError(t, r.Init(context.Background()))
			fn(t, r)
		})
	}
}

func branch(t *testing.T, r *revision.RevisionIndex, parent, name string) string {
	t.Helper()
	path, err := r.Branching().CreateBranch(context.Background(), parent, name, nil)
	require.NoError(t, err)
	return path
}

func commit(t *testing.T, r *revision.RevisionIndex, path string, fn func(s *revision.StagingArea) error) *models.Commit {
	t.Helper()
	ctx := context.Background()
	s, err := r.PrepareCommit(ctx, path)
	require.NoError(t, err)
	require.NoError(t, fn(s))
	c, err := s.Commit(ctx, revision.CommitRequest{Author: "workflow", Comment: "change " + path})
	require.NoError(t, err)
	return c
}

func getEntry(t *testing.T, r *revision.RevisionIndex, path, id string) *entry {
	t.Helper()
	searcher, err := r.Read(context.Background(), path)
	require.NoError(t, err)
	rev, err := searcher.Get(context.Background(), entryType, id)
	require.NoError(t, err)
	return rev.(*entry)
}

func entryIDs(t *testing.T, r *revision.RevisionIndex, path string) []string {
	t.Helper()
	searcher, err := r.Read(context.Background(), path)
	require.NoError(t, err)
	revs, _, err := searcher.Search(context.Background(), entryType, nil, storage.NoLimit)
	require.NoError(t, err)
	ids := make([]string, 0, len(revs))
	for _, rev := range revs {
		ids = append(ids, rev.RevisionID())
	}
	slices.Sort(ids)
	return ids
}

func state(t *testing.T, r *revision.RevisionIndex, left, right string) models.BranchState {
	t.Helper()
	s, err := r.Branching().State(context.Background(), left, right)
	require.NoError(t, err)
	return s
}

func head(t *testing.T, r *revision.RevisionIndex, path string) int64 {
	t.Helper()
	b, err := r.Branching().GetBranch(context.Background(), path)
	require.NoError(t, err)
	return b.Head()
}
