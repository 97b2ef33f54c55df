package revision

import (
	"context"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
)

var matchNone storage.Expression = storage.Bool{MustNot: []storage.Expression{storage.MatchAll{}}}

func pointIn(segment models.Segment) storage.Expression {
	return storage.Bool{Must: []storage.Expression{
		storage.Exact{Field: "branch_id", Value: segment.BranchID},
		storage.LongRange{Field: "timestamp", From: segment.Start, To: segment.End, IncludeTo: true},
	}}
}

// refFilter selects revisions created inside one of the ref's segments and not
// revised inside any of them.
func refFilter(ref models.Ref) storage.Expression {
	segments := ref.NonEmpty()
	if len(segments) == 0 {
		return matchNone
	}
	created := make([]storage.Expression, 0, len(segments))
	revised := make([]storage.Expression, 0, len(segments))
	for _, s := range segments {
		created = append(created, storage.Nested{Path: "created", Where: pointIn(s)})
		revised = append(revised, pointIn(s))
	}
	return storage.Bool{
		Should:  created,
		MustNot: []storage.Expression{storage.Nested{Path: "revised", Where: storage.Bool{Should: revised}}},
	}
}

func withRef(ref models.Ref, where storage.Expression) storage.Expression {
	if where == nil {
		return refFilter(ref)
	}
	return storage.Bool{Must: []storage.Expression{refFilter(ref), where}}
}

func idsFilter(ids []string) storage.Expression {
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return storage.AnyOf{Field: "id", Values: values}
}

// Searcher reads the revisions visible through one ref.
type Searcher struct {
	r   *RevisionIndex
	ref models.Ref
}

// Ref returns the ref the searcher reads.
func (s *Searcher) Ref() models.Ref { return s.ref }

// Get returns the visible revision with the given logical id.
func (s *Searcher) Get(ctx context.Context, docType, id string) (models.Revision, error) {
	revs, _, err := s.Search(ctx, docType, storage.Exact{Field: "id", Value: id}, 1)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, apierr.NewNotFound(docType, id)
	}
	return revs[0], nil
}

// GetMany returns the visible revisions among ids, skipping missing ones.
func (s *Searcher) GetMany(ctx context.Context, docType string, ids []string) ([]models.Revision, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.Revision
	for start := 0; start < len(ids); start += s.r.scrollSize {
		page := ids[start:min(start+s.r.scrollSize, len(ids))]
		revs, _, err := s.Search(ctx, docType, idsFilter(page), storage.NoLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, revs...)
	}
	return out, nil
}

// Search returns up to limit visible revisions matching where, plus the total match count.
func (s *Searcher) Search(ctx context.Context, docType string, where storage.Expression, limit int) ([]models.Revision, int, error) {
	if _, err := s.r.mapping(docType); err != nil {
		return nil, 0, err
	}
	hits, err := s.r.index.Search(ctx, storage.Query{Type: docType, Where: withRef(s.ref, where), Limit: limit})
	if err != nil {
		return nil, 0, apierr.WrapIndex("search "+docType, err)
	}
	revs := make([]models.Revision, 0, len(hits.Hits))
	for _, h := range hits.Hits {
		rev, err := s.r.decode(docType, h.Source)
		if err != nil {
			return nil, 0, err
		}
		revs = append(revs, rev)
	}
	return revs, hits.Total, nil
}

// Scroll streams every visible revision matching where in batches.
func (s *Searcher) Scroll(ctx context.Context, docType string, where storage.Expression, fn func([]models.Revision) error) error {
	if _, err := s.r.mapping(docType); err != nil {
		return err
	}
	var callbackErr error
	err := s.r.index.Scroll(ctx, storage.Query{Type: docType, Where: withRef(s.ref, where)}, s.r.scrollSize, func(hits []storage.Hit) error {
		revs := make([]models.Revision, 0, len(hits))
		for _, h := range hits {
			rev, err := s.r.decode(docType, h.Source)
			if err != nil {
				callbackErr = err
				return err
			}
			revs = append(revs, rev)
		}
		callbackErr = fn(revs)
		return callbackErr
	})
	if callbackErr != nil {
		return callbackErr
	}
	return apierr.WrapIndex("scroll "+docType, err)
}
