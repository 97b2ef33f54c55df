package revision

import (
	"context"

	"github.com/niczy/revbranch/internal/models"
)

// MergeOperation configures a merge between two branches. Create it with
// Branching.PrepareMerge.
type MergeOperation struct {
	branching *Branching
	fromPath  string
	toPath    string
	squash    bool
	exclude   []string
	author    string
	message   string
	processor ConflictProcessor
}

// Squash copies the source content into the target instead of linking the
// source history.
func (op *MergeOperation) Squash(squash bool) *MergeOperation {
	op.squash = squash
	return op
}

// Exclude skips the given object ids.
func (op *MergeOperation) Exclude(ids ...string) *MergeOperation {
	op.exclude = append(op.exclude, ids...)
	return op
}

func (op *MergeOperation) Author(author string) *MergeOperation {
	op.author = author
	return op
}

// Message overrides the default "Merge <from> into <to>" commit comment.
func (op *MergeOperation) Message(message string) *MergeOperation {
	op.message = message
	return op
}

func (op *MergeOperation) ConflictProcessor(processor ConflictProcessor) *MergeOperation {
	if processor != nil {
		op.processor = processor
	}
	return op
}

// Merge performs the merge. It returns a nil commit when the source has
// nothing the target does not already see.
func (op *MergeOperation) Merge(ctx context.Context) (*models.Commit, error) {
	return op.branching.doMerge(ctx, op)
}
