package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Expression is a node of the boolean query tree. Fields are dotted paths into
// the JSON document; a path crossing an array matches if any element does.
type Expression interface {
	match(doc any) bool
}

// MatchAll matches every document.
type MatchAll struct{}

// Exact matches a field equal to Value.
type Exact struct {
	Field string
	Value any
}

// AnyOf matches a field equal to one of Values.
type AnyOf struct {
	Field  string
	Values []any
}

// Prefix matches a string field starting with Prefix.
type Prefix struct {
	Field  string
	Prefix string
}

// LongRange matches an integer field between From and To.
type LongRange struct {
	Field       string
	From, To    int64
	IncludeFrom bool
	IncludeTo   bool
}

// Nested matches when one element of the object array at Path satisfies Where
// on its own. Unlike plain dotted paths, all clauses see the same element.
type Nested struct {
	Path  string
	Where Expression
}

// Bool combines clauses: all Must, at least one Should when present, no MustNot.
type Bool struct {
	Must    []Expression
	Should  []Expression
	MustNot []Expression
}

// Matches evaluates where against a stored JSON document. A nil expression matches everything.
func Matches(where Expression, source []byte) (bool, error) {
	if where == nil {
		return true, nil
	}
	if _, ok := where.(MatchAll); ok {
		return true, nil
	}
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return where.match(doc), nil
}

func (MatchAll) match(any) bool { return true }

func (e Exact) match(doc any) bool {
	want := scalar(e.Value)
	return anyValue(lookup(doc, e.Field), func(v any) bool { return scalar(v) == want })
}

func (e AnyOf) match(doc any) bool {
	wanted := make(map[string]struct{}, len(e.Values))
	for _, v := range e.Values {
		wanted[scalar(v)] = struct{}{}
	}
	return anyValue(lookup(doc, e.Field), func(v any) bool {
		_, ok := wanted[scalar(v)]
		return ok
	})
}

func (e Prefix) match(doc any) bool {
	return anyValue(lookup(doc, e.Field), func(v any) bool {
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, e.Prefix)
	})
}

func (e LongRange) match(doc any) bool {
	return anyValue(lookup(doc, e.Field), func(v any) bool {
		n, ok := v.(json.Number)
		if !ok {
			return false
		}
		x, err := n.Int64()
		if err != nil {
			return false
		}
		lower := x > e.From || (e.IncludeFrom && x == e.From)
		upper := x < e.To || (e.IncludeTo && x == e.To)
		return lower && upper
	})
}

func (e Nested) match(doc any) bool {
	return anyValue(lookup(doc, e.Path), func(v any) bool {
		if e.Where == nil {
			return true
		}
		return e.Where.match(v)
	})
}

func (e Bool) match(doc any) bool {
	for _, m := range e.Must {
		if !m.match(doc) {
			return false
		}
	}
	for _, m := range e.MustNot {
		if m.match(doc) {
			return false
		}
	}
	if len(e.Should) == 0 {
		return true
	}
	for _, m := range e.Should {
		if m.match(doc) {
			return true
		}
	}
	return false
}

// lookup resolves a dotted path, flattening arrays on the way.
func lookup(doc any, path string) []any {
	current := []any{doc}
	if path == "" {
		return current
	}
	for _, part := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			for _, item := range flatten(node) {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if v, ok := obj[part]; ok && v != nil {
					next = append(next, v)
				}
			}
		}
		current = next
	}
	return current
}

func flatten(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func anyValue(values []any, pred func(any) bool) bool {
	for _, v := range values {
		for _, item := range flatten(v) {
			if pred(item) {
				return true
			}
		}
	}
	return false
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return "s:" + x
	case json.Number:
		return "n:" + x.String()
	case bool:
		return fmt.Sprintf("b:%t", x)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("n:%d", x)
	case float32, float64:
		return "n:" + fmt.Sprint(x)
	}
	return fmt.Sprintf("?:%v", v)
}

// keyedFields are the top level scalar fields backends can look documents up
// by without scanning the whole collection.
var keyedFields = []string{"id", "path", "branch_id"}

// keyHint finds an equality clause on a keyed field that every match of
// where satisfies. Backends narrow their candidates with it and still
// evaluate where in full.
func keyHint(where Expression) (string, []any, bool) {
	switch e := where.(type) {
	case Exact:
		if slices.Contains(keyedFields, e.Field) {
			return e.Field, []any{e.Value}, true
		}
	case AnyOf:
		if slices.Contains(keyedFields, e.Field) {
			return e.Field, e.Values, true
		}
	case Bool:
		for _, m := range e.Must {
			if field, values, ok := keyHint(m); ok {
				return field, values, true
			}
		}
	}
	return "", nil, false
}

// keyedValues returns the encoded values of the keyed fields of a document.
// Sources that are not JSON objects have none.
func keyedValues(source []byte) map[string][]string {
	if source == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil
	}
	out := make(map[string][]string)
	for _, field := range keyedFields {
		for _, v := range lookup(doc, field) {
			for _, item := range flatten(v) {
				out[field] = append(out[field], scalar(item))
			}
		}
	}
	return out
}
