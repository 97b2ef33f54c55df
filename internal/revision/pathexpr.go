package revision

import (
	"context"
	"strconv"
	"strings"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
)

const (
	rangeSeparator = "..."
	baseSuffix     = "^"
	atSeparator    = "@"
)

// ResolveRef turns a branch path expression into a ref:
//
//	path        head of the branch
//	path^       the branch at its base or latest merge-in
//	path@ts     the branch as of ts
//	a...b       what is visible on b but not on a
func (b *Branching) ResolveRef(ctx context.Context, expr string) (models.Ref, error) {
	if left, right, ok := strings.Cut(expr, rangeSeparator); ok {
		if left == "" || right == "" {
			return models.Ref{}, apierr.NewBadRequest("Invalid branch range expression '%s'.", expr)
		}
		base, err := b.ResolveRef(ctx, left)
		if err != nil {
			return models.Ref{}, err
		}
		compare, err := b.ResolveRef(ctx, right)
		if err != nil {
			return models.Ref{}, err
		}
		return compare.Difference(base), nil
	}

	if path, ok := strings.CutSuffix(expr, baseSuffix); ok {
		if path == models.MainBranchPath {
			return models.Ref{}, apierr.NewBadRequest("Cannot get base of %s branch.", models.MainBranchPath)
		}
		branch, err := b.get(ctx, path)
		if err != nil {
			return models.Ref{}, err
		}
		base := branch.Base()
		if ts, ok := branch.LatestMergeTimestamp(); ok && ts > base {
			base = ts
		}
		return branch.Ref().RestrictTo(base), nil
	}

	if path, raw, ok := strings.Cut(expr, atSeparator); ok {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < 0 {
			return models.Ref{}, apierr.NewBadRequest("Invalid timestamp '%s' in branch expression '%s'.", raw, expr)
		}
		branch, err := b.get(ctx, path)
		if err != nil {
			return models.Ref{}, err
		}
		return branch.Ref().RestrictTo(ts), nil
	}

	branch, err := b.get(ctx, expr)
	if err != nil {
		return models.Ref{}, err
	}
	return branch.Ref(), nil
}
