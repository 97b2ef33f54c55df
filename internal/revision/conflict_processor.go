package revision

import (
	"context"
	"encoding/json"

	"github.com/niczy/revbranch/internal/models"
)

// ConflictProcessor decides how concurrent changes are reconciled during a merge.
type ConflictProcessor interface {
	// HandleChangedInSourceAndTarget returns the property update to apply on
	// the target, or nil to report a conflict.
	HandleChangedInSourceAndTarget(id string, source, target models.PropertyDiff) *models.PropertyDiff
	// HandleChangedInSourceDetachedInTarget returns a conflict to report, or
	// nil to drop the source changes of an object removed on the target.
	HandleChangedInSourceDetachedInTarget(id models.ObjectID, changes []models.PropertyDiff) models.Conflict
	// CheckConflicts reports domain specific conflicts once the generic checks ran.
	CheckConflicts(ctx context.Context, staging *StagingArea, from, to *ChangeSet) ([]models.Conflict, error)
	// FilterConflicts may drop conflicts before the merge is rejected.
	FilterConflicts(ctx context.Context, staging *StagingArea, conflicts []models.Conflict) ([]models.Conflict, error)
	// FormatDiff prepares a property diff for display in a conflict.
	FormatDiff(diff models.PropertyDiff) models.PropertyDiff
}

// DefaultConflictProcessor accepts identical values and merges JSON lists that
// only grew on both sides. Everything else is a conflict.
type DefaultConflictProcessor struct{}

var _ ConflictProcessor = DefaultConflictProcessor{}

func (DefaultConflictProcessor) HandleChangedInSourceAndTarget(_ string, source, target models.PropertyDiff) *models.PropertyDiff {
	if source.To == target.To {
		return &source
	}
	if union, ok := mergeAdditions(source, target); ok {
		return &models.PropertyDiff{Property: source.Property, From: target.To, To: union}
	}
	return nil
}

func (DefaultConflictProcessor) HandleChangedInSourceDetachedInTarget(models.ObjectID, []models.PropertyDiff) models.Conflict {
	return nil
}

func (DefaultConflictProcessor) CheckConflicts(context.Context, *StagingArea, *ChangeSet, *ChangeSet) ([]models.Conflict, error) {
	return nil, nil
}

func (DefaultConflictProcessor) FilterConflicts(_ context.Context, _ *StagingArea, conflicts []models.Conflict) ([]models.Conflict, error) {
	return conflicts, nil
}

func (DefaultConflictProcessor) FormatDiff(diff models.PropertyDiff) models.PropertyDiff {
	return diff
}

// mergeAdditions unions two JSON lists when neither side removed an element
// of the common original.
func mergeAdditions(source, target models.PropertyDiff) (string, bool) {
	original, ok := decodeList(source.From)
	if !ok || source.From != target.From {
		return "", false
	}
	ours, ok := decodeList(target.To)
	if !ok {
		return "", false
	}
	theirs, ok := decodeList(source.To)
	if !ok {
		return "", false
	}
	if !containsAll(ours, original) || !containsAll(theirs, original) {
		return "", false
	}
	merged := make([]json.RawMessage, 0, len(ours)+len(theirs))
	seen := make(map[string]struct{}, len(ours)+len(theirs))
	for _, list := range [][]json.RawMessage{ours, theirs} {
		for _, item := range list {
			key := string(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, item)
		}
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func decodeList(raw string) ([]json.RawMessage, bool) {
	if raw == "" {
		return nil, true
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false
	}
	for i, item := range items {
		compact, err := compactJSON(item)
		if err != nil {
			return nil, false
		}
		items[i] = compact
	}
	return items, true
}

func compactJSON(item json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(item, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func containsAll(list, subset []json.RawMessage) bool {
	have := make(map[string]struct{}, len(list))
	for _, item := range list {
		have[string(item)] = struct{}{}
	}
	for _, item := range subset {
		if _, ok := have[string(item)]; !ok {
			return false
		}
	}
	return true
}
