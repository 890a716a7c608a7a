// Package audit implements the audit event log that supplements the
// in-process event bus, which stays synchronous and in-memory: this is a
// tabular-backed, queryable trail of a run's lifecycle events. Built on
// the same Event record shape semantic/runtime/event.go once had and the
// same CreateTables/workflow_events table/query pattern
// semantic/runtime/event_store.go once used, generalized from a
// Postgres-only EventStore onto any tabular.Repository so the same audit
// log works over memstore in tests and pgstore/couchstore/etc. in
// production.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/tabular"
)

// Event is one recorded occurrence: a task graph run starting, a task
// completing, erroring, or aborting.
type Event struct {
	ID        string
	RunID     string
	TaskID    string
	Kind      string
	Data      map[string]interface{}
	CreatedAt time.Time
}

// Schema is the tabular schema backing the audit log.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "audit_events",
		Fields: []schema.Field{
			{Name: "id", Type: schema.String},
			{Name: "runId", Type: schema.String},
			{Name: "taskId", Type: schema.String, Optional: true},
			{Name: "kind", Type: schema.String},
			{Name: "data", Type: schema.Any, Optional: true},
			{Name: "createdAt", Type: schema.Timestamp},
		},
	}
}

// PrimaryKey is the audit log's primary key.
func PrimaryKey() schema.PrimaryKey { return schema.PrimaryKey{"id"} }

// Log is the audit trail façade.
type Log struct {
	repo tabular.Repository
}

// New returns a Log backed by repo, which must use Schema()/PrimaryKey().
func New(repo tabular.Repository) *Log {
	return &Log{repo: repo}
}

func (l *Log) SetupDatabase(ctx context.Context) error {
	return l.repo.SetupDatabase(ctx)
}

// Record appends e, assigning ID/CreatedAt if unset.
func (l *Log) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return l.repo.Put(ctx, schema.Row{
		"id":        e.ID,
		"runId":     e.RunID,
		"taskId":    e.TaskID,
		"kind":      e.Kind,
		"data":      data,
		"createdAt": e.CreatedAt,
	})
}

// ByRun returns every event recorded for runID.
func (l *Log) ByRun(ctx context.Context, runID string) ([]Event, error) {
	rows, err := l.repo.Search(ctx, "runId", runID, tabular.Eq)
	if err != nil {
		return nil, err
	}
	return rowsToEvents(rows), nil
}

// ByTask returns every event recorded for taskID.
func (l *Log) ByTask(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := l.repo.Search(ctx, "taskId", taskID, tabular.Eq)
	if err != nil {
		return nil, err
	}
	return rowsToEvents(rows), nil
}

// ByKind returns every event of the given kind (start, complete, error, abort).
func (l *Log) ByKind(ctx context.Context, kind string) ([]Event, error) {
	rows, err := l.repo.Search(ctx, "kind", kind, tabular.Eq)
	if err != nil {
		return nil, err
	}
	return rowsToEvents(rows), nil
}

func rowsToEvents(rows []schema.Row) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e := Event{
			ID:    stringField(row, "id"),
			RunID: stringField(row, "runId"),
			Kind:  stringField(row, "kind"),
		}
		if v, ok := row["taskId"].(string); ok {
			e.TaskID = v
		}
		if v, ok := row["data"].(map[string]interface{}); ok {
			e.Data = v
		}
		if v, ok := row["createdAt"].(time.Time); ok {
			e.CreatedAt = v
		}
		events = append(events, e)
	}
	return events
}

func stringField(row schema.Row, field string) string {
	v, _ := row[field].(string)
	return v
}
