package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/tabular/memstore"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	repo := memstore.New(Schema(), PrimaryKey())
	log := New(repo)
	require.NoError(t, log.SetupDatabase(context.Background()))
	return log
}

func TestLog_RecordAssignsIDAndTimestamp(t *testing.T) {
	log := newTestLog(t)

	err := log.Record(context.Background(), Event{RunID: "run-1", TaskID: "task-a", Kind: "start"})
	require.NoError(t, err)

	events, err := log.ByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.Equal(t, "task-a", events[0].TaskID)
	assert.Equal(t, "start", events[0].Kind)
}

func TestLog_ByRunFiltersToMatchingRun(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, Event{RunID: "run-1", Kind: "start"}))
	require.NoError(t, log.Record(ctx, Event{RunID: "run-2", Kind: "start"}))
	require.NoError(t, log.Record(ctx, Event{RunID: "run-1", Kind: "complete"}))

	events, err := log.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestLog_ByTaskAndByKind(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, Event{RunID: "run-1", TaskID: "task-a", Kind: "error", Data: map[string]interface{}{"message": "boom"}}))
	require.NoError(t, log.Record(ctx, Event{RunID: "run-1", TaskID: "task-b", Kind: "complete"}))

	byTask, err := log.ByTask(ctx, "task-a")
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, "boom", byTask[0].Data["message"])

	byKind, err := log.ByKind(ctx, "complete")
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "task-b", byKind[0].TaskID)
}

func TestLog_RecordPreservesExplicitIDAndTimestamp(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Event{ID: "fixed-id", RunID: "run-1", Kind: "start", CreatedAt: created}
	require.NoError(t, log.Record(ctx, e))

	events, err := log.ByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fixed-id", events[0].ID)
	assert.True(t, created.Equal(events[0].CreatedAt))
}
