package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bboltlib "go.etcd.io/bbolt"

	"eve.evalgo.org/schema"
)

func testSchema() (*schema.Schema, schema.PrimaryKey) {
	sch := &schema.Schema{
		Name: "widgets",
		Fields: []schema.Field{
			{Name: "id", Type: schema.String},
			{Name: "name", Type: schema.String},
		},
	}
	return sch, schema.PrimaryKey{"id"}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	sch, pk := testSchema()
	path := filepath.Join(t.TempDir(), "widgets.db")
	s, err := Open(path, sch, pk)
	require.NoError(t, err)
	t.Cleanup(func() { s.db.Close() })
	return s
}

func TestStore_GetMissingKeyReturnsNotFoundWithoutError(t *testing.T) {
	s := openTestStore(t)
	row, found, err := s.Get(context.Background(), []interface{}{"missing"})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, row)
}

func TestStore_PutThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put(context.Background(), schema.Row{"id": "a", "name": "widget a"}))

	row, found, err := s.Get(context.Background(), []interface{}{"a"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "widget a", row["name"])
}

func TestStore_GetPropagatesCorruptValueError(t *testing.T) {
	s := openTestStore(t)
	// Write a non-JSON value directly into the bucket, bypassing Put's
	// schema-validated path, to simulate on-disk corruption.
	require.NoError(t, s.db.Update(func(tx *bboltlib.Tx) error {
		b := tx.Bucket([]byte(s.bucket))
		return b.Put([]byte("bad"), []byte("not valid json"))
	}))

	_, found, err := s.Get(context.Background(), []interface{}{"bad"})
	assert.Error(t, err)
	assert.False(t, found)
}
