package revision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"testing"

	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
	"github.com/stretchr/testify/require"
)

const (
	conceptType     = "concept"
	descriptionType = "description"
	settingType     = "setting"
)

type concept struct {
	models.RevisionBase
	Term    string   `json:"term"`
	Status  string   `json:"status,omitempty"`
	Parents []string `json:"parents,omitempty"`
}

func newConcept(id, term string, parents ...string) *concept {
	return &concept{RevisionBase: models.RevisionBase{ID: id}, Term: term, Parents: parents}
}

func (c *concept) DocType() string { return conceptType }

func (c *concept) ContainerID() models.ObjectID { return models.RootOf(conceptType) }

func (c *concept) TrackedProperties() map[string]string {
	parents := c.Parents
	if parents == nil {
		parents = []string{}
	}
	return map[string]string{
		"term":    c.Term,
		"status":  c.Status,
		"parents": models.MustEncodeProperty(parents),
	}
}

func (c *concept) WithUpdates(updates []models.PropertyDiff) (models.Revision, error) {
	cp := *c
	cp.Parents = slices.Clone(c.Parents)
	for _, u := range updates {
		switch u.Property {
		case "term":
			cp.Term = u.To
		case "status":
			cp.Status = u.To
		case "parents":
			var parents []string
			if err := models.DecodeProperty(u.To, &parents); err != nil {
				return nil, err
			}
			cp.Parents = parents
		default:
			return nil, fmt.Errorf("concept has no property %q", u.Property)
		}
	}
	return &cp, nil
}

// withTerm returns a copy of c carrying term.
func (c *concept) withTerm(term string) *concept {
	cp := *c
	cp.Term = term
	return &cp
}

type description struct {
	models.RevisionBase
	ConceptID string `json:"concept_id"`
	Term      string `json:"term"`
}

func newDescription(id, conceptID, term string) *description {
	return &description{RevisionBase: models.RevisionBase{ID: id}, ConceptID: conceptID, Term: term}
}

func (d *description) DocType() string { return descriptionType }

func (d *description) ContainerID() models.ObjectID { return models.NewObjectID(conceptType, d.ConceptID) }

func (d *description) TrackedProperties() map[string]string {
	return map[string]string{"term": d.Term}
}

func (d *description) WithUpdates(updates []models.PropertyDiff) (models.Revision, error) {
	cp := *d
	for _, u := range updates {
		if u.Property != "term" {
			return nil, fmt.Errorf("description has no property %q", u.Property)
		}
		cp.Term = u.To
	}
	return &cp, nil
}

type setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *setting) DocType() string { return settingType }

func (s *setting) DocumentID() string { return s.Key }

var testMappings = []Mapping{
	MappingFor(func() models.Revision { return &concept{} }),
	MappingFor(func() models.Revision { return &description{} }),
}

func newTestIndex(t *testing.T, opts Options) *RevisionIndex {
	t.Helper()
	r := NewRevisionIndex(storage.NewInMemoryIndex(), testMappings, opts)
	require.NoError(t, r.Init(context.Background()))
	return r
}

// captureLogger returns a logger writing text records into the returned buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func createBranch(t *testing.T, r *RevisionIndex, parent, name string) string {
	t.Helper()
	path, err := r.Branching().CreateBranch(context.Background(), parent, name, nil)
	require.NoError(t, err)
	return path
}

// commitOn stages changes on path through fn and commits them.
func commitOn(t *testing.T, r *RevisionIndex, path string, fn func(s *StagingArea)) *models.Commit {
	t.Helper()
	ctx := context.Background()
	s, err := r.PrepareCommit(ctx, path)
	require.NoError(t, err)
	fn(s)
	commit, err := s.Commit(ctx, CommitRequest{Author: "test", Comment: "commit on " + path})
	require.NoError(t, err)
	return commit
}

func getConcept(t *testing.T, r *RevisionIndex, expr, id string) *concept {
	t.Helper()
	searcher, err := r.Read(context.Background(), expr)
	require.NoError(t, err)
	rev, err := searcher.Get(context.Background(), conceptType, id)
	require.NoError(t, err)
	return rev.(*concept)
}

func visibleIDs(t *testing.T, r *RevisionIndex, expr, docType string) []string {
	t.Helper()
	searcher, err := r.Read(context.Background(), expr)
	require.NoError(t, err)
	revs, _, err := searcher.Search(context.Background(), docType, nil, storage.NoLimit)
	require.NoError(t, err)
	ids := make([]string, 0, len(revs))
	for _, rev := range revs {
		ids = append(ids, rev.RevisionID())
	}
	slices.Sort(ids)
	return ids
}

func mustStage(t *testing.T, err error) {
	t.Helper()
	require.NoError(t, err)
}
