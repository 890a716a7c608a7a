package outputcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/tabular/memstore"
)

func newTestCache() *Cache {
	repo := memstore.New(Schema(), PrimaryKey())
	return New(repo)
}

func TestCache_SaveAndGetOutput(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	input := map[string]interface{}{"a": 1.0, "b": "x"}
	output := map[string]interface{}{"result": 42.0}

	require.NoError(t, c.SaveOutput(ctx, "double", input, output))

	var got map[string]interface{}
	found, err := c.GetOutput(ctx, "double", input, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 42.0, got["result"])
}

func TestCache_GetOutputMissMissingType(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	input := map[string]interface{}{"a": 1.0}
	require.NoError(t, c.SaveOutput(ctx, "double", input, map[string]interface{}{"result": 2.0}))

	var got map[string]interface{}
	found, err := c.GetOutput(ctx, "triple", input, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_WithoutCompression(t *testing.T) {
	repo := memstore.New(Schema(), PrimaryKey())
	c := New(repo, WithCompression(false))
	ctx := context.Background()

	input := map[string]interface{}{"a": 1.0}
	require.NoError(t, c.SaveOutput(ctx, "t", input, "hello"))

	var got string
	found, err := c.GetOutput(ctx, "t", input, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", got)
}

func TestCache_ClearOlderThan(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.SaveOutput(ctx, "t", map[string]interface{}{"a": 1.0}, "v1"))

	n, err := c.repo.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, c.ClearOlderThan(ctx, time.Now().Add(time.Hour)))

	n, err = c.repo.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
