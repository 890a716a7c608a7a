//go:build integration

package couchstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"eve.evalgo.org/schema"
)

func setupCouchContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "adminpass",
		},
		WaitingFor: wait.ForListeningPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start CouchDB container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5984")
	require.NoError(t, err)

	url := fmt.Sprintf("http://%s:%s/", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return url, cleanup
}

func widgetSchema() (*schema.Schema, schema.PrimaryKey) {
	sch := &schema.Schema{
		Name: "couchstore_widgets",
		Fields: []schema.Field{
			{Name: "id", Type: schema.String},
			{Name: "color", Type: schema.String},
		},
	}
	return sch, schema.PrimaryKey{"id"}
}

func TestStore_PutGetDelete(t *testing.T) {
	url, cleanup := setupCouchContainer(t)
	defer cleanup()

	sch, pk := widgetSchema()
	ctx := context.Background()
	s, err := Open(ctx, url, "admin", "adminpass", sch, pk)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, schema.Row{"id": "w1", "color": "red"}))

	row, found, err := s.Get(ctx, []interface{}{"w1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "red", row["color"])

	// overwrite preserves the document via its tracked revision
	require.NoError(t, s.Put(ctx, schema.Row{"id": "w1", "color": "blue"}))
	row, _, err = s.Get(ctx, []interface{}{"w1"})
	require.NoError(t, err)
	assert.Equal(t, "blue", row["color"])

	require.NoError(t, s.DeleteByKey(ctx, []interface{}{"w1"}))
	_, found, err = s.Get(ctx, []interface{}{"w1"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SearchAndGetAll(t *testing.T) {
	url, cleanup := setupCouchContainer(t)
	defer cleanup()

	sch, pk := widgetSchema()
	ctx := context.Background()
	s, err := Open(ctx, url, "admin", "adminpass", sch, pk)
	require.NoError(t, err)

	require.NoError(t, s.PutBulk(ctx, []schema.Row{
		{"id": "w1", "color": "red"},
		{"id": "w2", "color": "blue"},
		{"id": "w3", "color": "red"},
	}))

	reds, err := s.Search(ctx, "color", "red", "=")
	require.NoError(t, err)
	assert.Len(t, reds, 2)

	all, err := s.GetAll(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
