package revision

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/niczy/revbranch/internal/apierr"
	"github.com/niczy/revbranch/internal/models"
	"github.com/niczy/revbranch/internal/storage"
)

// CompareOptions narrows a comparison. Types and IDs select components (or
// changed objects for property changes); Exclude drops ids entirely.
type CompareOptions struct {
	Limit               int
	Types               []string
	IDs                 []string
	Exclude             []string
	PropertyChangesOnly bool
}

// CompareDetail is one folded change. Component changes name the container in
// Object and the added, changed or removed object in Component. Property
// changes name the changed object in Object.
type CompareDetail struct {
	Op        models.ChangeKind `json:"op"`
	Object    models.ObjectID   `json:"object"`
	Component models.ObjectID   `json:"component"`
	Property  string            `json:"property,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
}

// IsPropertyChange reports whether the detail is a property change.
func (d CompareDetail) IsPropertyChange() bool { return d.Property != "" }

// IsComponentChange reports whether the detail is a structural change.
func (d CompareDetail) IsComponentChange() bool { return d.Property == "" }

// Changed returns the object the detail is about.
func (d CompareDetail) Changed() models.ObjectID {
	if d.IsPropertyChange() {
		return d.Object
	}
	return d.Component
}

// Compare is the folded result of every commit visible on Compare but not on Base.
type Compare struct {
	Base         models.Ref
	Compare      models.Ref
	Details      []CompareDetail
	TotalAdded   int
	TotalChanged int
	TotalRemoved int
	Total        int
}

// IsEmpty reports whether nothing changed.
func (c *Compare) IsEmpty() bool { return c.Total == 0 }

// Compare replays the commits of compare that are not visible on base.
func (r *RevisionIndex) Compare(ctx context.Context, base, compare models.Ref, opts CompareOptions) (*Compare, error) {
	commits, err := r.commitsIn(ctx, compare.Difference(base))
	if err != nil {
		return nil, err
	}
	fold := newCompareFold(opts)
	for _, c := range commits {
		for _, d := range c.Details {
			fold.add(d)
		}
	}
	result := &Compare{Base: base, Compare: compare}
	details := fold.details()
	for _, d := range details {
		switch d.Op {
		case models.ChangeAdded:
			result.TotalAdded++
		case models.ChangeChanged:
			result.TotalChanged++
		case models.ChangeRemoved:
			result.TotalRemoved++
		}
	}
	result.Total = len(details)
	if opts.Limit > 0 && len(details) > opts.Limit {
		details = details[:opts.Limit]
	}
	result.Details = details
	return result, nil
}

// commitsIn returns the commits recorded inside the segments of ref, oldest first.
func (r *RevisionIndex) commitsIn(ctx context.Context, ref models.Ref) ([]*models.Commit, error) {
	segments := ref.NonEmpty()
	if len(segments) == 0 {
		return nil, nil
	}
	should := make([]storage.Expression, 0, len(segments))
	for _, s := range segments {
		should = append(should, pointIn(s))
	}
	var commits []*models.Commit
	err := r.index.Scroll(ctx, storage.Query{Type: models.CommitDocType, Where: storage.Bool{Should: should}}, r.scrollSize, func(hits []storage.Hit) error {
		for _, h := range hits {
			var c models.Commit
			if err := json.Unmarshal(h.Source, &c); err != nil {
				return apierr.NewIndexError("decode commit", err)
			}
			commits = append(commits, &c)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.WrapIndex("scroll commits", err)
	}
	sort.SliceStable(commits, func(i, j int) bool {
		if commits[i].Timestamp != commits[j].Timestamp {
			return commits[i].Timestamp < commits[j].Timestamp
		}
		return commits[i].BranchID < commits[j].BranchID
	})
	return commits, nil
}

type componentKey struct {
	container models.ObjectID
	component models.ObjectID
}

type compareFold struct {
	opts       CompareOptions
	types      map[string]struct{}
	ids        map[string]struct{}
	exclude    map[string]struct{}
	components map[componentKey]CompareDetail
	properties map[models.ObjectID]map[string]CompareDetail
	added      map[models.ObjectID]struct{}
}

func newCompareFold(opts CompareOptions) *compareFold {
	return &compareFold{
		opts:       opts,
		types:      toSet(opts.Types),
		ids:        toSet(opts.IDs),
		exclude:    toSet(opts.Exclude),
		components: make(map[componentKey]CompareDetail),
		properties: make(map[models.ObjectID]map[string]CompareDetail),
		added:      make(map[models.ObjectID]struct{}),
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func (f *compareFold) selected(id models.ObjectID) bool {
	if _, ok := f.exclude[id.ID]; ok {
		return false
	}
	if f.types != nil {
		if _, ok := f.types[id.Type]; !ok {
			return false
		}
	}
	if f.ids != nil {
		if _, ok := f.ids[id.ID]; !ok {
			return false
		}
	}
	return true
}

func (f *compareFold) add(d models.CommitDetail) {
	if d.IsPropertyChange() {
		for _, id := range d.Objects {
			f.addProperty(models.NewObjectID(d.ObjectType, id), d)
		}
		return
	}
	for i, container := range d.Objects {
		if i >= len(d.Components) {
			break
		}
		containerID := models.NewObjectID(d.ObjectType, container)
		for _, component := range d.Components[i] {
			f.addComponent(d.Op, containerID, models.NewObjectID(d.ComponentType, component))
		}
	}
}

func (f *compareFold) addComponent(op models.ChangeKind, container, component models.ObjectID) {
	switch op {
	case models.ChangeAdded:
		f.added[component] = struct{}{}
	case models.ChangeRemoved:
		delete(f.properties, component)
	}

	key := componentKey{container: container, component: component}
	prev, exists := f.components[key]
	next := op
	if exists {
		switch {
		case prev.Op == models.ChangeAdded && op == models.ChangeRemoved:
			delete(f.components, key)
			delete(f.added, component)
			return
		case prev.Op == models.ChangeAdded:
			next = models.ChangeAdded
		case prev.Op == models.ChangeRemoved && op == models.ChangeAdded:
			next = models.ChangeChanged
			delete(f.added, component)
		}
	} else if !f.selected(component) || f.opts.PropertyChangesOnly {
		return
	}
	f.components[key] = CompareDetail{Op: next, Object: container, Component: component}
}

func (f *compareFold) addProperty(object models.ObjectID, d models.CommitDetail) {
	if _, ok := f.added[object]; ok {
		return
	}
	if !f.selected(object) {
		return
	}
	props := f.properties[object]
	if props == nil {
		props = make(map[string]CompareDetail)
		f.properties[object] = props
	}
	prev, ok := props[d.Property]
	if !ok {
		props[d.Property] = CompareDetail{Op: models.ChangeChanged, Object: object, Property: d.Property, From: d.From, To: d.To}
		return
	}
	prev.To = d.To
	if prev.From == prev.To {
		delete(props, d.Property)
		return
	}
	props[d.Property] = prev
}

func (f *compareFold) details() []CompareDetail {
	out := make([]CompareDetail, 0, len(f.components))
	for _, d := range f.components {
		out = append(out, d)
	}
	for _, props := range f.properties {
		for _, d := range props {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Object != b.Object {
			return a.Object.String() < b.Object.String()
		}
		if a.Component != b.Component {
			return a.Component.String() < b.Component.String()
		}
		return a.Property < b.Property
	})
	return out
}
