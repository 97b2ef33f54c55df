package storage

import (
	"context"
	"errors"
	"sort"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrObjectNotFound   = errors.New("object not found")
	ErrConcurrentWrite  = errors.New("concurrent write")
)

// NoLimit returns every matching hit.
const NoLimit = -1

// DefaultMaxClauseCount bounds key-set lookups when no explicit size is configured.
const DefaultMaxClauseCount = 1024

// Query selects documents of one type. Limit 0 only counts matches.
type Query struct {
	Type  string
	Where Expression
	Limit int
}

// Hit is one stored document.
type Hit struct {
	ID     string
	Source []byte
}

// Hits is a search result ordered by document id.
type Hits struct {
	Total int
	Hits  []Hit
}

// BulkUpdate rewrites every document of Type matching Where.
type BulkUpdate struct {
	Type   string
	Where  Expression
	Update func(source []byte) ([]byte, error)
}

// Index is the document store the revision engine runs on. It only knows
// flat collections of typed JSON documents.
type Index interface {
	Get(ctx context.Context, docType, id string) ([]byte, error)
	// GetMany returns the documents that exist among ids, ordered by id.
	GetMany(ctx context.Context, docType string, ids []string) ([]Hit, error)
	Search(ctx context.Context, q Query) (*Hits, error)
	// Scroll streams matches in id order, batchSize hits at a time.
	Scroll(ctx context.Context, q Query, batchSize int, fn func([]Hit) error) error
	// Write runs fn with a writer. Operations still pending when fn returns nil are committed.
	Write(ctx context.Context, fn func(Writer) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Writer records write operations. Commit applies everything recorded so far
// as one atomic batch, in recording order.
type Writer interface {
	Put(docType, id string, source []byte)
	Remove(docType string, ids ...string)
	BulkUpdate(update BulkUpdate)
	Commit(ctx context.Context) error
}

type opKind int

const (
	opPut opKind = iota
	opRemove
	opUpdate
)

type op struct {
	kind    opKind
	docType string
	id      string
	source  []byte
	update  BulkUpdate
}

type batch struct {
	ops   []op
	apply func(ctx context.Context, ops []op) error
}

func (b *batch) Put(docType, id string, source []byte) {
	b.ops = append(b.ops, op{kind: opPut, docType: docType, id: id, source: source})
}

func (b *batch) Remove(docType string, ids ...string) {
	for _, id := range ids {
		b.ops = append(b.ops, op{kind: opRemove, docType: docType, id: id})
	}
}

func (b *batch) BulkUpdate(update BulkUpdate) {
	b.ops = append(b.ops, op{kind: opUpdate, docType: update.Type, update: update})
}

func (b *batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	ops := b.ops
	b.ops = nil
	return b.apply(ctx, ops)
}

func runWrite(ctx context.Context, apply func(context.Context, []op) error, fn func(Writer) error) error {
	b := &batch{apply: apply}
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(ctx)
}

// docSource reads the committed state a batch is applied on top of.
type docSource interface {
	// candidates returns at least every committed document of docType that
	// matches where.
	candidates(ctx context.Context, docType string, where Expression) (map[string][]byte, error)
}

// changeSet is the outcome of a batch: per type, id to new source, nil for removal.
type changeSet map[string]map[string][]byte

func (c changeSet) set(docType, id string, source []byte) {
	byID, ok := c[docType]
	if !ok {
		byID = make(map[string][]byte)
		c[docType] = byID
	}
	byID[id] = source
}

func (c changeSet) types() []string {
	out := make([]string, 0, len(c))
	for t := range c {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// resolve replays ops over src and returns the resulting changes. Bulk updates
// see the effect of every operation recorded before them.
func resolve(ctx context.Context, src docSource, ops []op) (changeSet, error) {
	changes := make(changeSet)
	for _, o := range ops {
		switch o.kind {
		case opPut:
			if o.docType == "" || o.id == "" {
				return nil, ErrInvalidInput
			}
			changes.set(o.docType, o.id, o.source)
		case opRemove:
			changes.set(o.docType, o.id, nil)
		case opUpdate:
			docs, err := src.candidates(ctx, o.docType, o.update.Where)
			if err != nil {
				return nil, err
			}
			for id, source := range changes[o.docType] {
				if source == nil {
					delete(docs, id)
				} else {
					docs[id] = source
				}
			}
			for _, id := range sortedKeys(docs) {
				ok, err := Matches(o.update.Where, docs[id])
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				updated, err := o.update.Update(docs[id])
				if err != nil {
					return nil, err
				}
				changes.set(o.docType, id, updated)
			}
		}
	}
	return changes, nil
}

// filterDocs applies a query to an unordered document set.
func filterDocs(docs map[string][]byte, q Query) (*Hits, error) {
	hits := &Hits{}
	for _, id := range sortedKeys(docs) {
		ok, err := Matches(q.Where, docs[id])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		hits.Total++
		if q.Limit == NoLimit || len(hits.Hits) < q.Limit {
			hits.Hits = append(hits.Hits, Hit{ID: id, Source: docs[id]})
		}
	}
	return hits, nil
}

func scrollHits(hits []Hit, batchSize int, fn func([]Hit) error) error {
	if batchSize <= 0 {
		batchSize = DefaultMaxClauseCount
	}
	for start := 0; start < len(hits); start += batchSize {
		end := min(start+batchSize, len(hits))
		if err := fn(hits[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultMaxClauseCount
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

func sortedKeys(docs map[string][]byte) []string {
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func ensureCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
