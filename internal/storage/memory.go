package storage

import (
	"context"
	"sync"
)

// InMemoryIndex implements Index with in-process maps. It is safe for concurrent use.
type InMemoryIndex struct {
	mu             sync.RWMutex
	docs           map[string]map[string][]byte // docType -> id -> source
	maxClauseCount int
}

// NewInMemoryIndex creates an empty in-memory index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{docs: make(map[string]map[string][]byte), maxClauseCount: DefaultMaxClauseCount}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get returns a copy of the stored document.
func (s *InMemoryIndex) Get(ctx context.Context, docType, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = ctx
	source, ok := s.docs[docType][id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return copyBytes(source), nil
}

// GetMany returns the existing documents among ids.
func (s *InMemoryIndex) GetMany(ctx context.Context, docType string, ids []string) ([]Hit, error) {
	ctx = ensureCtx(ctx)
	var hits []Hit
	for _, page := range chunk(dedupe(ids), s.maxClauseCount) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.RLock()
		for _, id := range page {
			if source, ok := s.docs[docType][id]; ok {
				hits = append(hits, Hit{ID: id, Source: copyBytes(source)})
			}
		}
		s.mu.RUnlock()
	}
	return hits, nil
}

func (s *InMemoryIndex) snapshot(docType string) map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.docs[docType]))
	for id, source := range s.docs[docType] {
		out[id] = copyBytes(source)
	}
	return out
}

// Search evaluates the query over every document of the type.
func (s *InMemoryIndex) Search(ctx context.Context, q Query) (*Hits, error) {
	if err := ensureCtx(ctx).Err(); err != nil {
		return nil, err
	}
	return filterDocs(s.snapshot(q.Type), q)
}

// Scroll streams every match in batches.
func (s *InMemoryIndex) Scroll(ctx context.Context, q Query, batchSize int, fn func([]Hit) error) error {
	q.Limit = NoLimit
	hits, err := s.Search(ctx, q)
	if err != nil {
		return err
	}
	return scrollHits(hits.Hits, batchSize, fn)
}

// Write applies the batch under the write lock.
func (s *InMemoryIndex) Write(ctx context.Context, fn func(Writer) error) error {
	return runWrite(ensureCtx(ctx), s.apply, fn)
}

func (s *InMemoryIndex) apply(ctx context.Context, ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes, err := resolve(ctx, memorySource{s}, ops)
	if err != nil {
		return err
	}
	for docType, byID := range changes {
		docs, ok := s.docs[docType]
		if !ok {
			docs = make(map[string][]byte)
			s.docs[docType] = docs
		}
		for id, source := range byID {
			if source == nil {
				delete(docs, id)
				continue
			}
			docs[id] = copyBytes(source)
		}
	}
	return nil
}

// memorySource reads committed state while the write lock is held.
type memorySource struct{ s *InMemoryIndex }

func (m memorySource) candidates(_ context.Context, docType string, _ Expression) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m.s.docs[docType]))
	for id, source := range m.s.docs[docType] {
		out[id] = source
	}
	return out, nil
}

// Ping always succeeds.
func (s *InMemoryIndex) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing.
func (s *InMemoryIndex) Close() error {
	return nil
}
