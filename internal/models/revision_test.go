package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDText(t *testing.T) {
	id := NewObjectID("concept", "123")
	assert.Equal(t, "concept/123", id.String())
	assert.False(t, id.IsRoot())
	assert.True(t, RootOf("concept").IsRoot())

	raw, err := json.Marshal(map[ObjectID]int{id: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"concept/123":1}`, string(raw))

	var decoded map[ObjectID]int
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 1, decoded[id])

	_, err = ParseObjectID("no-separator")
	assert.Error(t, err)
}

func TestPropertyEncoding(t *testing.T) {
	s, err := EncodeProperty("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", s)

	s, err = EncodeProperty([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, s)

	var list []string
	require.NoError(t, DecodeProperty(s, &list))
	assert.Equal(t, []string{"a", "b"}, list)

	var str string
	require.NoError(t, DecodeProperty("raw value", &str))
	assert.Equal(t, "raw value", str)

	var n int
	assert.Error(t, DecodeProperty("{not json", &n))
}

func TestConflictEqual(t *testing.T) {
	obj := NewObjectID("concept", "1")
	a := ChangedInSourceAndTarget{
		ObjectID: obj,
		Source:   PropertyDiff{Property: "term", From: "a", To: "b"},
		Target:   PropertyDiff{Property: "term", From: "a", To: "c"},
	}
	b := a
	assert.True(t, ConflictEqual(a, b))
	b.Target.To = "d"
	assert.False(t, ConflictEqual(a, b))

	added := AddedInSourceAndTarget{ObjectID: obj, Properties: []string{"term"}}
	assert.True(t, ConflictEqual(added, AddedInSourceAndTarget{ObjectID: obj, Properties: []string{"term"}}))
	assert.False(t, ConflictEqual(added, AddedInSourceAndTarget{ObjectID: obj}))
	assert.False(t, ConflictEqual(added, a))
	assert.Contains(t, added.Message(), "concept/1")

	detached := AddedInTargetAndDetachedInSource{Container: NewObjectID("concept", "2"), ObjectID: obj, Feature: "concept"}
	assert.Equal(t, NewObjectID("concept", "2"), detached.Object())
}
