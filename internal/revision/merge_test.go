package revision

import (
	"context"
	"errors"
	"testing"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type preferSource struct {
	DefaultConflictProcessor
}

func (preferSource) HandleChangedInSourceAndTarget(_ string, source, _ models.PropertyDiff) *models.PropertyDiff {
	return &source
}

type rejectChanges struct {
	DefaultConflictProcessor
}

func (rejectChanges) HandleChangedInSourceAndTarget(string, models.PropertyDiff, models.PropertyDiff) *models.PropertyDiff {
	return nil
}

type failingCheck struct {
	DefaultConflictProcessor
	err error
}

func (p failingCheck) CheckConflicts(context.Context, *StagingArea, *ChangeSet, *ChangeSet) ([]models.Conflict, error) {
	return nil, p.err
}

func mainHead(t *testing.T, r *RevisionIndex) int64 {
	t.Helper()
	main, err := r.Branching().GetBranch(context.Background(), models.MainBranchPath)
	require.NoError(t, err)
	return main.Head()
}

func branchState(t *testing.T, r *RevisionIndex, left, right string) models.BranchState {
	t.Helper()
	state, err := r.Branching().State(context.Background(), left, right)
	require.NoError(t, err)
	return state
}

func TestMergeFastForward(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("m", "main"))) })
	a := createBranch(t, r, models.MainBranchPath, "a")
	commitOn(t, r, a, func(s *StagingArea) {
		m := getConcept(t, r, a, "m")
		mustStage(t, s.StageChange(m, m.withTerm("changed on a")))
		mustStage(t, s.StageNew(newConcept("1", "one")))
	})
	branch, err := r.Branching().GetBranch(ctx, a)
	require.NoError(t, err)

	commit, err := r.Branching().PrepareMerge(a, models.MainBranchPath).Author("alice").Merge(ctx)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "Merge MAIN/a into MAIN", commit.Comment)
	assert.Equal(t, "alice", commit.Author)
	assert.Equal(t, &models.BranchPoint{BranchID: branch.ID, Timestamp: branch.Head()}, commit.MergeSource)
	assert.False(t, commit.SquashMerge)
	assert.True(t, commit.FastForward)
	assert.Empty(t, commit.Details)

	assert.Equal(t, []string{"1", "m"}, visibleIDs(t, r, models.MainBranchPath, conceptType))
	assert.Equal(t, "changed on a", getConcept(t, r, models.MainBranchPath, "m").Term)

	main, err := r.Branching().GetBranch(ctx, models.MainBranchPath)
	require.NoError(t, err)
	require.Len(t, main.MergeSources, 1)
	assert.Equal(t, commit.Timestamp, main.MergeSources[0].Timestamp)

	assert.Equal(t, models.BranchStateUpToDate, branchState(t, r, a, models.MainBranchPath))
	assert.Equal(t, models.BranchStateUpToDate, branchState(t, r, models.MainBranchPath, a))

	again, err := r.Branching().PrepareMerge(a, models.MainBranchPath).Merge(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMergeNothingToMerge(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	a := createBranch(t, r, models.MainBranchPath, "a")
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("m", "main"))) })

	commit, err := r.Branching().PrepareMerge(a, models.MainBranchPath).Merge(ctx)
	require.NoError(t, err)
	assert.Nil(t, commit)

	_, err = r.Branching().PrepareMerge(a, a).Merge(ctx)
	assert.True(t, apierr.IsBadRequest(err))
	_, err = r.Branching().PrepareMerge("MAIN/missing", a).Merge(ctx)
	assert.True(t, apierr.IsNotFound(err))
}

func TestMergeSquash(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "a"))) })
	b := createBranch(t, r, models.MainBranchPath, "b")
	commitOn(t, r, b, func(s *StagingArea) {
		one := getConcept(t, r, b, "1")
		mustStage(t, s.StageChange(one, one.withTerm("from b")))
		mustStage(t, s.StageNew(newConcept("2", "two")))
	})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("3", "three"))) })
	require.Equal(t, models.BranchStateDiverged, branchState(t, r, b, models.MainBranchPath))

	commit, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Squash(true).Message("squash b").Merge(ctx)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.True(t, commit.SquashMerge)
	assert.False(t, commit.FastForward)
	assert.True(t, commit.IsMerge())
	assert.Equal(t, "squash b", commit.Comment)
	assert.Equal(t, []models.CommitDetail{
		{Op: models.ChangeChanged, Property: "term", From: "a", To: "from b", ObjectType: conceptType, Objects: []string{"1"}},
		{Op: models.ChangeAdded, ObjectType: conceptType, ComponentType: conceptType, Objects: []string{models.RootID}, Components: [][]string{{"2"}}},
		{Op: models.ChangeChanged, ObjectType: conceptType, ComponentType: conceptType, Objects: []string{models.RootID}, Components: [][]string{{"1"}}},
	}, commit.Details)

	assert.Equal(t, []string{"1", "2", "3"}, visibleIDs(t, r, models.MainBranchPath, conceptType))
	assert.Equal(t, "from b", getConcept(t, r, models.MainBranchPath, "1").Term)
	assert.Equal(t, []string{"1", "2"}, visibleIDs(t, r, b, conceptType))
	assert.Equal(t, "from b", getConcept(t, r, b, "1").Term)

	// squashed content is copied, the source lineage stays out of MAIN
	main, err := r.Branching().GetBranch(ctx, models.MainBranchPath)
	require.NoError(t, err)
	source, err := r.Branching().GetBranch(ctx, b)
	require.NoError(t, err)
	_, linked := main.Ref().Segment(source.ID)
	assert.False(t, linked)

	assert.Equal(t, models.BranchStateBehind, branchState(t, r, b, models.MainBranchPath))
	again, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Squash(true).Merge(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMergeSquashExclude(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	b := createBranch(t, r, models.MainBranchPath, "b")
	commitOn(t, r, b, func(s *StagingArea) {
		mustStage(t, s.StageNew(newConcept("1", "one")))
		mustStage(t, s.StageNew(newConcept("2", "two")))
	})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("3", "three"))) })

	_, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Squash(true).Exclude("2").Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, visibleIDs(t, r, models.MainBranchPath, conceptType))
}

func TestMergeConflicts(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		source func(t *testing.T, r *RevisionIndex, path string, s *StagingArea)
		target func(t *testing.T, r *RevisionIndex, path string, s *StagingArea)
		want   []models.Conflict
	}{
		{
			name: "added in both",
			source: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				mustStage(t, s.StageNew(newConcept("x", "source")))
			},
			target: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				mustStage(t, s.StageNew(newConcept("x", "target")))
			},
			want: []models.Conflict{models.AddedInSourceAndTarget{ObjectID: models.NewObjectID(conceptType, "x")}},
		},
		{
			name: "changed in both",
			source: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				one := getConcept(t, r, path, "1")
				mustStage(t, s.StageChange(one, one.withTerm("source")))
			},
			target: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				one := getConcept(t, r, path, "1")
				mustStage(t, s.StageChange(one, one.withTerm("target")))
			},
			want: []models.Conflict{models.ChangedInSourceAndTarget{
				ObjectID: models.NewObjectID(conceptType, "1"),
				Source:   models.PropertyDiff{Property: "term", From: "base", To: "source"},
				Target:   models.PropertyDiff{Property: "term", From: "base", To: "target"},
			}},
		},
		{
			name: "added in source, container removed in target",
			source: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				mustStage(t, s.StageNew(newDescription("d1", "1", "desc")))
			},
			target: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				mustStage(t, s.StageRemove(getConcept(t, r, path, "1")))
			},
			want: []models.Conflict{models.AddedInSourceAndDetachedInTarget{
				ObjectID:  models.NewObjectID(descriptionType, "d1"),
				Container: models.NewObjectID(conceptType, "1"),
				Feature:   conceptType,
			}},
		},
		{
			name: "added in target, container removed in source",
			source: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				mustStage(t, s.StageRemove(getConcept(t, r, path, "1")))
			},
			target: func(t *testing.T, r *RevisionIndex, path string, s *StagingArea) {
				mustStage(t, s.StageNew(newDescription("d1", "1", "desc")))
			},
			want: []models.Conflict{models.AddedInTargetAndDetachedInSource{
				Container: models.NewObjectID(conceptType, "1"),
				ObjectID:  models.NewObjectID(descriptionType, "d1"),
				Feature:   conceptType,
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestIndex(t, Options{})
			commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "base"))) })
			b := createBranch(t, r, models.MainBranchPath, "b")
			commitOn(t, r, b, func(s *StagingArea) { tt.source(t, r, b, s) })
			commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { tt.target(t, r, models.MainBranchPath, s) })
			head := mainHead(t, r)
			before := visibleIDs(t, r, models.MainBranchPath, conceptType)

			commit, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Merge(ctx)
			assert.Nil(t, commit)
			conflict, ok := apierr.AsConflict(err)
			require.True(t, ok, "expected merge conflict, got %v", err)
			assert.Equal(t, tt.want, conflict.Conflicts)

			assert.Equal(t, head, mainHead(t, r))
			assert.Equal(t, before, visibleIDs(t, r, models.MainBranchPath, conceptType))
			assert.Equal(t, models.BranchStateDiverged, branchState(t, r, b, models.MainBranchPath))
		})
	}
}

func TestMergeDisjointProperties(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "base"))) })
	b := createBranch(t, r, models.MainBranchPath, "b")
	commitOn(t, r, b, func(s *StagingArea) {
		one := getConcept(t, r, b, "1")
		mustStage(t, s.StageChange(one, one.withTerm("from b")))
	})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) {
		one := getConcept(t, r, models.MainBranchPath, "1")
		updated := *one
		updated.Status = "retired"
		mustStage(t, s.StageChange(one, &updated))
	})

	commit, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Merge(ctx)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.False(t, commit.SquashMerge)

	assert.Equal(t, []string{"1"}, visibleIDs(t, r, models.MainBranchPath, conceptType))
	merged := getConcept(t, r, models.MainBranchPath, "1")
	assert.Equal(t, "from b", merged.Term)
	assert.Equal(t, "retired", merged.Status)

	onSource := getConcept(t, r, b, "1")
	assert.Equal(t, "from b", onSource.Term)
	assert.Empty(t, onSource.Status)
}

func TestMergeResolvedByProcessor(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "base"))) })
	b := createBranch(t, r, models.MainBranchPath, "b")
	commitOn(t, r, b, func(s *StagingArea) {
		one := getConcept(t, r, b, "1")
		mustStage(t, s.StageChange(one, one.withTerm("source")))
	})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) {
		one := getConcept(t, r, models.MainBranchPath, "1")
		mustStage(t, s.StageChange(one, one.withTerm("target")))
	})

	_, err := r.Branching().PrepareMerge(b, models.MainBranchPath).ConflictProcessor(preferSource{}).Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, visibleIDs(t, r, models.MainBranchPath, conceptType))
	assert.Equal(t, "source", getConcept(t, r, models.MainBranchPath, "1").Term)
}

func TestMergeIdenticalChanges(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		processor ConflictProcessor
	}{
		{name: "default", processor: DefaultConflictProcessor{}},
		{name: "prefer source", processor: preferSource{}},
		{name: "reject every change", processor: rejectChanges{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestIndex(t, Options{})
			commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "base"))) })
			b := createBranch(t, r, models.MainBranchPath, "b")
			for _, path := range []string{b, models.MainBranchPath} {
				commitOn(t, r, path, func(s *StagingArea) {
					one := getConcept(t, r, path, "1")
					mustStage(t, s.StageChange(one, one.withTerm("same")))
				})
			}

			commit, err := r.Branching().PrepareMerge(b, models.MainBranchPath).ConflictProcessor(tt.processor).Merge(ctx)
			require.NoError(t, err)
			require.NotNil(t, commit)
			assert.Equal(t, "same", getConcept(t, r, models.MainBranchPath, "1").Term)
			assert.Equal(t, models.BranchStateBehind, branchState(t, r, b, models.MainBranchPath))
		})
	}
}

func TestMergeListUnion(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "t", "p0"))) })
	b := createBranch(t, r, models.MainBranchPath, "b")
	withParents := func(path string, parents ...string) func(s *StagingArea) {
		return func(s *StagingArea) {
			one := getConcept(t, r, path, "1")
			updated := *one
			updated.Parents = parents
			mustStage(t, s.StageChange(one, &updated))
		}
	}
	commitOn(t, r, b, withParents(b, "p0", "pb"))
	commitOn(t, r, models.MainBranchPath, withParents(models.MainBranchPath, "p0", "pm"))

	_, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "pm", "pb"}, getConcept(t, r, models.MainBranchPath, "1").Parents)
}

func TestMergeChangedInSourceRemovedInTarget(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "base"))) })
	b := createBranch(t, r, models.MainBranchPath, "b")
	commitOn(t, r, b, func(s *StagingArea) {
		one := getConcept(t, r, b, "1")
		mustStage(t, s.StageChange(one, one.withTerm("source")))
	})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) {
		mustStage(t, s.StageRemove(getConcept(t, r, models.MainBranchPath, "1")))
	})

	commit, err := r.Branching().PrepareMerge(b, models.MainBranchPath).Merge(ctx)
	require.NoError(t, err)
	require.NotNil(t, commit)

	assert.Empty(t, visibleIDs(t, r, models.MainBranchPath, conceptType))
	assert.Equal(t, "source", getConcept(t, r, b, "1").Term)
}

func TestMergeCheckConflictsError(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "base"))) })
	b := createBranch(t, r, models.MainBranchPath, "b")
	commitOn(t, r, b, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("2", "b"))) })
	commitOn(t, r, models.MainBranchPath, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("3", "main"))) })
	head := mainHead(t, r)

	boom := errors.New("lookup failed")
	_, err := r.Branching().PrepareMerge(b, models.MainBranchPath).ConflictProcessor(failingCheck{err: boom}).Merge(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, head, mainHead(t, r))
}

func TestStagingMergeTwice(t *testing.T) {
	ctx := context.Background()
	r := newTestIndex(t, Options{})
	a := createBranch(t, r, models.MainBranchPath, "a")
	commitOn(t, r, a, func(s *StagingArea) { mustStage(t, s.StageNew(newConcept("1", "one"))) })

	from, err := r.Branching().ResolveRef(ctx, a)
	require.NoError(t, err)
	to, err := r.Branching().ResolveRef(ctx, models.MainBranchPath)
	require.NoError(t, err)

	s, err := r.PrepareCommit(ctx, models.MainBranchPath)
	require.NoError(t, err)
	require.NoError(t, s.Merge(ctx, from, to, false, nil))
	err = s.Merge(ctx, from, to, false, nil)
	assert.True(t, apierr.IsBadRequest(err))

	// a fast-forward stages nothing but still commits the merge
	assert.True(t, s.IsEmpty())
	commit, err := s.Commit(ctx, CommitRequest{Author: "test"})
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.True(t, commit.IsMerge())
	assert.Equal(t, []string{"1"}, visibleIDs(t, r, models.MainBranchPath, conceptType))
}
