package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/tabular/memstore"
)

func newTestStore() *Store {
	repo := memstore.New(Schema(), PrimaryKey())
	return New(repo)
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "greeting", "hello"))

	var out string
	found, err := s.Get(ctx, "greeting", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", out)
}

func TestStore_PutGetStruct(t *testing.T) {
	type Widget struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}

	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "w1", Widget{Name: "bolt", Size: 4}))

	var out Widget
	found, err := s.Get(ctx, "w1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Widget{Name: "bolt", Size: 4}, out)
}

func TestStore_GetMissing(t *testing.T) {
	s := newTestStore()
	var out string
	found, err := s.Get(context.Background(), "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_DeleteAndSize(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.PutBulk(ctx, map[string]interface{}{
		"a": 1,
		"b": 2,
		"c": 3,
	}))

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.Delete(ctx, "b"))
	n, err = s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetObjectAsIDString_Stable(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "z"}
	b := map[string]interface{}{"y": "z", "x": 1}

	idA, err := GetObjectAsIDString(a)
	require.NoError(t, err)
	idB, err := GetObjectAsIDString(b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB, "key insertion order must not affect the fingerprint")
}
