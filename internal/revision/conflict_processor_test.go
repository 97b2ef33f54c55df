package revision

import (
	"context"
	"testing"

	"github.com/niczy/revbranch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConflictProcessor(t *testing.T) {
	p := DefaultConflictProcessor{}
	diff := func(from, to string) models.PropertyDiff {
		return models.PropertyDiff{Property: "parents", From: from, To: to}
	}

	tests := []struct {
		name   string
		source models.PropertyDiff
		target models.PropertyDiff
		want   *models.PropertyDiff
	}{
		{
			name:   "same value",
			source: diff("a", "b"),
			target: diff("a", "b"),
			want:   &models.PropertyDiff{Property: "parents", From: "a", To: "b"},
		},
		{
			name:   "different scalars",
			source: diff("a", "b"),
			target: diff("a", "c"),
		},
		{
			name:   "both lists grew",
			source: diff(`["p0"]`, `["p0","pb"]`),
			target: diff(`["p0"]`, `["p0","pm"]`),
			want:   &models.PropertyDiff{Property: "parents", From: `["p0","pm"]`, To: `["p0","pm","pb"]`},
		},
		{
			name:   "duplicates collapse",
			source: diff(`[]`, `[1, {"a": 2}]`),
			target: diff(`[]`, `[{"a":2}]`),
			want:   &models.PropertyDiff{Property: "parents", From: `[{"a":2}]`, To: `[{"a":2},1]`},
		},
		{
			name:   "element removed on one side",
			source: diff(`["p0","p1"]`, `["p0"]`),
			target: diff(`["p0","p1"]`, `["p0","p1","p2"]`),
		},
		{
			name:   "different originals",
			source: diff(`["p0"]`, `["p0","pb"]`),
			target: diff(`["p1"]`, `["p1","pm"]`),
		},
		{
			name:   "not a list",
			source: diff(`{}`, `{"a":1}`),
			target: diff(`{}`, `{"b":1}`),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.HandleChangedInSourceAndTarget("1", tt.source, tt.target))
		})
	}
}

func TestDefaultConflictProcessorPassThrough(t *testing.T) {
	ctx := context.Background()
	p := DefaultConflictProcessor{}
	id := models.NewObjectID(conceptType, "1")

	assert.Nil(t, p.HandleChangedInSourceDetachedInTarget(id, nil))
	more, err := p.CheckConflicts(ctx, nil, NewChangeSet(nil), NewChangeSet(nil))
	require.NoError(t, err)
	assert.Empty(t, more)

	conflicts := []models.Conflict{models.AddedInSourceAndTarget{ObjectID: id}}
	filtered, err := p.FilterConflicts(ctx, nil, conflicts)
	require.NoError(t, err)
	assert.Equal(t, conflicts, filtered)

	d := models.PropertyDiff{Property: "term", From: "a", To: "b"}
	assert.Equal(t, d, p.FormatDiff(d))
}
