package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_type TEXT NOT NULL,
	id       TEXT NOT NULL,
	source   BLOB NOT NULL,
	PRIMARY KEY (doc_type, id)
)`

// fieldExpr extracts a keyed field, NULL for sources that are not JSON.
// Sources are stored as blobs, which the JSON functions would read as JSONB,
// hence the cast.
func fieldExpr(field string) string {
	return `(CASE WHEN json_valid(CAST(source AS TEXT)) THEN json_extract(CAST(source AS TEXT), '$.` + field + `') END)`
}

func fieldIndexes() []string {
	stmts := make([]string, 0, len(keyedFields))
	for _, field := range keyedFields {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS documents_`+field+` ON documents (doc_type, `+fieldExpr(field)+`)`)
	}
	return stmts
}

// SQLiteIndex implements Index on a single SQLite table of JSON documents.
type SQLiteIndex struct {
	db   *sql.DB
	opts options
}

// OpenSQLiteIndex opens (and creates if needed) the database at path.
func OpenSQLiteIndex(path string, opts ...Option) (*SQLiteIndex, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	stmts := append([]string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema}, fieldIndexes()...)
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLiteIndex{db: db, opts: o}, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readHits(rows *sql.Rows) ([]Hit, error) {
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Source); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func loadType(ctx context.Context, q queryer, docType string) (map[string][]byte, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, source FROM documents WHERE doc_type = ?`, docType)
	if err != nil {
		return nil, err
	}
	hits, err := readHits(rows)
	if err != nil {
		return nil, err
	}
	docs := make(map[string][]byte, len(hits))
	for _, h := range hits {
		docs[h.ID] = h.Source
	}
	return docs, nil
}

// sqlValue converts a query value to what json_extract yields for it.
func sqlValue(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	}
	return nil, false
}

// loadCandidates reads the documents of docType that can match where. A
// keyed equality clause becomes a WHERE on the field index, anything else
// reads the whole type.
func loadCandidates(ctx context.Context, q queryer, docType string, where Expression, pageSize int) (map[string][]byte, error) {
	field, values, ok := keyHint(where)
	if !ok {
		return loadType(ctx, q, docType)
	}
	args := make([]any, 0, len(values))
	for _, v := range values {
		arg, ok := sqlValue(v)
		if !ok {
			return loadType(ctx, q, docType)
		}
		args = append(args, arg)
	}
	docs := make(map[string][]byte)
	for _, page := range chunk(args, pageSize) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(page)), ",")
		rows, err := q.QueryContext(ctx,
			`SELECT id, source FROM documents WHERE doc_type = ? AND `+fieldExpr(field)+` IN (`+placeholders+`)`,
			append([]any{docType}, page...)...)
		if err != nil {
			return nil, err
		}
		hits, err := readHits(rows)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			docs[h.ID] = h.Source
		}
	}
	return docs, nil
}

// Get returns a single document.
func (s *SQLiteIndex) Get(ctx context.Context, docType, id string) ([]byte, error) {
	var source []byte
	err := s.db.QueryRowContext(ensureCtx(ctx), `SELECT source FROM documents WHERE doc_type = ? AND id = ?`, docType, id).Scan(&source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return source, err
}

// GetMany issues one IN query per page of ids.
func (s *SQLiteIndex) GetMany(ctx context.Context, docType string, ids []string) ([]Hit, error) {
	ctx = ensureCtx(ctx)
	var hits []Hit
	for _, page := range chunk(dedupe(ids), s.opts.maxClauseCount) {
		args := make([]any, 0, len(page)+1)
		args = append(args, docType)
		for _, id := range page {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(page)), ",")
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, source FROM documents WHERE doc_type = ? AND id IN (`+placeholders+`) ORDER BY id`, args...)
		if err != nil {
			return nil, err
		}
		pageHits, err := readHits(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, pageHits...)
	}
	return hits, nil
}

// Search evaluates the query over the candidate rows of the type.
func (s *SQLiteIndex) Search(ctx context.Context, q Query) (*Hits, error) {
	docs, err := loadCandidates(ensureCtx(ctx), s.db, q.Type, q.Where, s.opts.maxClauseCount)
	if err != nil {
		return nil, err
	}
	return filterDocs(docs, q)
}

// Scroll walks the table by id with keyset pagination, filtering each page.
func (s *SQLiteIndex) Scroll(ctx context.Context, q Query, batchSize int, fn func([]Hit) error) error {
	ctx = ensureCtx(ctx)
	if batchSize <= 0 {
		batchSize = s.opts.maxClauseCount
	}
	var (
		after   string
		pending []Hit
	)
	for {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, source FROM documents WHERE doc_type = ? AND id > ? ORDER BY id LIMIT ?`, q.Type, after, batchSize)
		if err != nil {
			return err
		}
		page, err := readHits(rows)
		if err != nil {
			return err
		}
		for _, h := range page {
			ok, err := Matches(q.Where, h.Source)
			if err != nil {
				return err
			}
			if ok {
				pending = append(pending, h)
			}
		}
		for len(pending) >= batchSize {
			if err := fn(pending[:batchSize]); err != nil {
				return err
			}
			pending = pending[batchSize:]
		}
		if len(page) < batchSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if len(pending) > 0 {
		return fn(pending)
	}
	return nil
}

// Write applies each batch inside one SQL transaction.
func (s *SQLiteIndex) Write(ctx context.Context, fn func(Writer) error) error {
	return runWrite(ensureCtx(ctx), s.apply, fn)
}

func (s *SQLiteIndex) apply(ctx context.Context, ops []op) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	changes, err := resolve(ctx, sqliteSource{tx: tx, pageSize: s.opts.maxClauseCount}, ops)
	if err != nil {
		return err
	}
	for _, docType := range changes.types() {
		for id, source := range changes[docType] {
			if source == nil {
				_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_type = ? AND id = ?`, docType, id)
			} else {
				_, err = tx.ExecContext(ctx,
					`INSERT INTO documents (doc_type, id, source) VALUES (?, ?, ?)
					 ON CONFLICT(doc_type, id) DO UPDATE SET source = excluded.source`, docType, id, source)
			}
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

type sqliteSource struct {
	tx       *sql.Tx
	pageSize int
}

func (s sqliteSource) candidates(ctx context.Context, docType string, where Expression) (map[string][]byte, error) {
	return loadCandidates(ctx, s.tx, docType, where, s.pageSize)
}

// Ping checks the database handle.
func (s *SQLiteIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ensureCtx(ctx))
}

// Close closes the database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
