package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Option configures an index backend.
type Option func(*options)

type options struct {
	maxClauseCount int
	txRetries      int
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{maxClauseCount: DefaultMaxClauseCount, txRetries: 16, logger: slog.Default()}
}

// WithMaxClauseCount sets the page size of key-set lookups.
func WithMaxClauseCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxClauseCount = n
		}
	}
}

// WithTxRetries sets how often an optimistic Redis transaction is retried.
func WithTxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.txRetries = n
		}
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// RedisIndex implements Index with one Redis hash per document type, a Redis
// set per keyed field value, and a durable copy of every document in an
// object store.
type RedisIndex struct {
	rdb         redis.UniversalClient
	objectStore ObjectStore
	layout      objectLayout
	keyPrefix   string
	opts        options
}

// NewRedisIndex creates a Redis-backed index.
func NewRedisIndex(rdb redis.UniversalClient, objectStore ObjectStore, keyPrefix string, opts ...Option) *RedisIndex {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if keyPrefix == "" {
		keyPrefix = "revbranch"
	}
	return &RedisIndex{
		rdb:         rdb,
		objectStore: objectStore,
		layout:      objectLayout{prefix: keyPrefix},
		keyPrefix:   keyPrefix,
		opts:        o,
	}
}

func (s *RedisIndex) key(parts ...string) string {
	return s.keyPrefix + ":" + strings.Join(parts, ":")
}

func (s *RedisIndex) docKey(docType string) string {
	return s.key("doc", docType)
}

// fieldKey names the set of document ids whose field holds the encoded value.
func (s *RedisIndex) fieldKey(docType, field, value string) string {
	return s.key("field", docType, field, value)
}

// redisReader is served by both the client and a watched transaction.
type redisReader interface {
	HScan(ctx context.Context, key string, cursor uint64, match string, count int64) *redis.ScanCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func hscanAll(ctx context.Context, r redisReader, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	var cursor uint64
	for {
		kv, next, err := r.HScan(ctx, key, cursor, "", 500).Result()
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			out[kv[i]] = []byte(kv[i+1])
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// hmget loads the existing documents among ids.
func (s *RedisIndex) hmget(ctx context.Context, r redisReader, docType string, ids []string) (map[string][]byte, error) {
	docs := make(map[string][]byte, len(ids))
	for _, page := range chunk(ids, s.opts.maxClauseCount) {
		values, err := r.HMGet(ctx, s.docKey(docType), page...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			if raw, ok := v.(string); ok {
				docs[page[i]] = []byte(raw)
			}
		}
	}
	return docs, nil
}

// candidates resolves a keyed equality clause through the field sets and
// scans the whole hash otherwise.
func (s *RedisIndex) candidates(ctx context.Context, r redisReader, docType string, where Expression) (map[string][]byte, error) {
	field, values, ok := keyHint(where)
	if !ok {
		return hscanAll(ctx, r, s.docKey(docType))
	}
	var ids []string
	for _, v := range values {
		members, err := r.SMembers(ctx, s.fieldKey(docType, field, scalar(v))).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, members...)
	}
	return s.hmget(ctx, r, docType, dedupe(ids))
}

// reindex moves id between field sets when its keyed values change.
func (s *RedisIndex) reindex(ctx context.Context, pipe redis.Pipeliner, docType, id string, old, updated []byte) {
	before, after := keyedValues(old), keyedValues(updated)
	for field, values := range before {
		for _, v := range values {
			if !slices.Contains(after[field], v) {
				pipe.SRem(ctx, s.fieldKey(docType, field, v), id)
			}
		}
	}
	for field, values := range after {
		for _, v := range values {
			pipe.SAdd(ctx, s.fieldKey(docType, field, v), id)
		}
	}
}

// persist mirrors committed changes into the object store, one object per
// touched document.
func (s *RedisIndex) persist(ctx context.Context, changes changeSet) error {
	for _, docType := range changes.types() {
		for _, id := range sortedKeys(changes[docType]) {
			key := s.layout.key(docType, id)
			source := changes[docType][id]
			var err error
			if source == nil {
				err = s.objectStore.DeleteObject(ctx, key)
			} else {
				err = s.objectStore.PutObject(ctx, key, source)
			}
			if err != nil && !errors.Is(err, ErrObjectNotFound) {
				return fmt.Errorf("persist %s/%s: %w", docType, id, err)
			}
		}
	}
	return nil
}

// loadDurable reads the durable copy of every document of docType.
func (s *RedisIndex) loadDurable(ctx context.Context, docType string) (map[string][]byte, error) {
	keys, err := s.objectStore.ListObjects(ctx, s.layout.typePrefix(docType))
	if err != nil {
		return nil, err
	}
	docs := make(map[string][]byte, len(keys))
	for _, key := range keys {
		_, id, ok := s.layout.parse(key)
		if !ok {
			continue
		}
		source, err := s.objectStore.GetObject(ctx, key)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs[id] = source
	}
	return docs, nil
}

// RebuildIndexes reloads every hash and field set from the durable copy.
func (s *RedisIndex) RebuildIndexes(ctx context.Context) error {
	ctx = ensureCtx(ctx)
	keys, err := s.objectStore.ListObjects(ctx, s.layout.root())
	if err != nil {
		return err
	}
	var types []string
	for _, key := range keys {
		if docType, _, ok := s.layout.parse(key); ok && !slices.Contains(types, docType) {
			types = append(types, docType)
		}
	}
	for _, docType := range types {
		docs, err := s.loadDurable(ctx, docType)
		if err != nil {
			return err
		}
		stale, err := s.rdb.Keys(ctx, s.key("field", docType, "*")).Result()
		if err != nil {
			return err
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, append(stale, s.docKey(docType))...)
		for id, source := range docs {
			pipe.HSet(ctx, s.docKey(docType), id, source)
			s.reindex(ctx, pipe, docType, id, nil, source)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	s.opts.logger.Info("rebuilt redis collections from object store", "types", len(types), "documents", len(keys))
	return nil
}

// Get returns a document, restoring it from the durable copy when Redis lost it.
func (s *RedisIndex) Get(ctx context.Context, docType, id string) ([]byte, error) {
	ctx = ensureCtx(ctx)
	source, err := s.rdb.HGet(ctx, s.docKey(docType), id).Bytes()
	if err == nil {
		return source, nil
	}
	if err != redis.Nil {
		return nil, err
	}
	saved, err := s.objectStore.GetObject(ctx, s.layout.key(docType, id))
	if err != nil {
		return nil, ErrDocumentNotFound
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.docKey(docType), id, saved)
	s.reindex(ctx, pipe, docType, id, nil, saved)
	if _, err := pipe.Exec(ctx); err != nil {
		s.opts.logger.Warn("restoring document into redis failed", "type", docType, "id", id, "error", err)
	}
	return saved, nil
}

// GetMany loads documents page by page with HMGET.
func (s *RedisIndex) GetMany(ctx context.Context, docType string, ids []string) ([]Hit, error) {
	docs, err := s.hmget(ensureCtx(ctx), s.rdb, docType, dedupe(ids))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(docs))
	for _, id := range sortedKeys(docs) {
		hits = append(hits, Hit{ID: id, Source: docs[id]})
	}
	return hits, nil
}

// Search evaluates the query over the candidates of the type, falling back
// to the durable copy when Redis holds nothing for it.
func (s *RedisIndex) Search(ctx context.Context, q Query) (*Hits, error) {
	ctx = ensureCtx(ctx)
	n, err := s.rdb.Exists(ctx, s.docKey(q.Type)).Result()
	if err != nil {
		return nil, err
	}
	var docs map[string][]byte
	if n == 0 {
		docs, err = s.loadDurable(ctx, q.Type)
	} else {
		docs, err = s.candidates(ctx, s.rdb, q.Type, q.Where)
	}
	if err != nil {
		return nil, err
	}
	return filterDocs(docs, q)
}

// Scroll streams every match in batches.
func (s *RedisIndex) Scroll(ctx context.Context, q Query, batchSize int, fn func([]Hit) error) error {
	q.Limit = NoLimit
	hits, err := s.Search(ctx, q)
	if err != nil {
		return err
	}
	return scrollHits(hits.Hits, batchSize, fn)
}

// Write applies each batch inside a WATCH/MULTI transaction over the touched
// collections, retrying when another writer got in between.
func (s *RedisIndex) Write(ctx context.Context, fn func(Writer) error) error {
	return runWrite(ensureCtx(ctx), s.apply, fn)
}

func (s *RedisIndex) apply(ctx context.Context, ops []op) error {
	seen := make(map[string]struct{})
	var keys []string
	for _, o := range ops {
		if _, ok := seen[o.docType]; !ok {
			seen[o.docType] = struct{}{}
			keys = append(keys, s.docKey(o.docType))
		}
	}

	var changes changeSet
	txf := func(tx *redis.Tx) error {
		var err error
		changes, err = resolve(ctx, redisSource{s: s, tx: tx}, ops)
		if err != nil {
			return err
		}
		previous := make(map[string]map[string][]byte, len(changes))
		for docType, byID := range changes {
			if previous[docType], err = s.hmget(ctx, tx, docType, sortedKeys(byID)); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for docType, byID := range changes {
				key := s.docKey(docType)
				for id, source := range byID {
					if source == nil {
						pipe.HDel(ctx, key, id)
					} else {
						pipe.HSet(ctx, key, id, source)
					}
					s.reindex(ctx, pipe, docType, id, previous[docType][id], source)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.opts.txRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return s.persist(ctx, changes)
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.opts.logger.Warn("redis write conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return ErrConcurrentWrite
}

type redisSource struct {
	s  *RedisIndex
	tx *redis.Tx
}

func (r redisSource) candidates(ctx context.Context, docType string, where Expression) (map[string][]byte, error) {
	return r.s.candidates(ctx, r.tx, docType, where)
}

// Ping checks the Redis connection.
func (s *RedisIndex) Ping(ctx context.Context) error {
	return s.rdb.Ping(ensureCtx(ctx)).Err()
}

// Close closes the Redis client.
func (s *RedisIndex) Close() error {
	return s.rdb.Close()
}
