package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	sch := &schema.Schema{
		Name: "widgets",
		Fields: []schema.Field{
			{Name: "id", Type: schema.String},
			{Name: "size", Type: schema.Integer},
		},
	}
	s, err := Open("redis://"+mr.Addr(), sch, schema.PrimaryKey{"id"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestStore_PutGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, schema.Row{"id": "w1", "size": 10}))

	row, found, err := s.Get(ctx, []interface{}{"w1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 10, row["size"])
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, found, err := s.Get(context.Background(), []interface{}{"nope"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SearchAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutBulk(ctx, []schema.Row{
		{"id": "w1", "size": 10},
		{"id": "w2", "size": 20},
		{"id": "w3", "size": 20},
	}))

	big, err := s.Search(ctx, "size", 20, "=")
	require.NoError(t, err)
	assert.Len(t, big, 2)

	require.NoError(t, s.DeleteSearch(ctx, "size", 20, "="))

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_SubscribeToChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan tabular.Change, 4)
	unsub, err := s.SubscribeToChanges(ctx, func(c tabular.Change) {
		received <- c
	}, tabular.SubscribeOptions{})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Put(ctx, schema.Row{"id": "w1", "size": 5}))

	select {
	case c := <-received:
		assert.Equal(t, tabular.Insert, c.Kind)
		assert.EqualValues(t, "w1", c.New["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}
