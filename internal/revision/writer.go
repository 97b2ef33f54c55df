package revision

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
)

// revisionWriter records revision level operations on a storage batch.
type revisionWriter struct {
	w     storage.Writer
	point models.BranchPoint
}

// put stores rev as a new value created at the writer's point.
func (rw *revisionWriter) put(rev models.Revision) error {
	base := rev.Revisioned()
	base.Key = uuid.NewString()
	base.Created = rw.point
	base.Revised = nil
	raw, err := encodeDocument(rev)
	if err != nil {
		return err
	}
	rw.w.Put(rev.DocType(), base.Key, raw)
	return nil
}

// putDocument stores an unversioned document under its own key.
func (rw *revisionWriter) putDocument(doc KeyedDocument) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	rw.w.Put(doc.DocType(), doc.DocumentID(), raw)
	return nil
}

// revise marks every value of ids visible through ref as superseded at point.
func (rw *revisionWriter) revise(docType string, ids []string, ref models.Ref, point models.BranchPoint) {
	if len(ids) == 0 {
		return
	}
	rw.w.BulkUpdate(storage.BulkUpdate{
		Type:   docType,
		Where:  storage.Bool{Must: []storage.Expression{idsFilter(ids), refFilter(ref)}},
		Update: appendRevised(point),
	})
}

// appendRevised adds point to the revised list of a raw document, keeping
// every other field untouched.
func appendRevised(point models.BranchPoint) func([]byte) ([]byte, error) {
	return func(source []byte) ([]byte, error) {
		dec := json.NewDecoder(bytes.NewReader(source))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			return nil, apierr.NewIndexError("revise", err)
		}
		var revised []models.BranchPoint
		if raw, ok := doc["revised"]; ok && raw != nil {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return nil, apierr.NewIndexError("revise", err)
			}
			if err := json.Unmarshal(encoded, &revised); err != nil {
				return nil, apierr.NewIndexError("revise", err)
			}
		}
		for _, p := range revised {
			if p == point {
				return source, nil
			}
		}
		doc["revised"] = append(revised, point)
		return json.Marshal(doc)
	}
}
