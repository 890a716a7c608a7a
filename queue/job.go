// Package queue implements the job queue: storage schema, rate limiter,
// scheduling server, and submission client. The split between server and
// client, and the {id, queue, status, ...} row shape, are built on the
// same worker.Pool/Queue split worker/pool.go once had and its Redis queue
// implementation (queue/redis), generalized off a single transport onto
// the tabular.Repository abstraction so any backend works.
package queue

import (
	"time"

	"eve.evalgo.org/schema"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusAborting   Status = "ABORTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// IsTerminal reports whether s is a status no further transition leaves.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Job is one row of the queue storage schema.
type Job struct {
	ID              string                 `json:"id"`
	Queue           string                 `json:"queue"`
	JobRunID        string                 `json:"jobRunId"`
	Input           map[string]interface{} `json:"input"`
	Output          map[string]interface{} `json:"output,omitempty"`
	Status          Status                 `json:"status"`
	CreatedAt       time.Time              `json:"createdAt"`
	RunAfter        time.Time              `json:"runAfter"`
	LastRanAt       *time.Time             `json:"lastRanAt,omitempty"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
	Progress        int                    `json:"progress"`
	ProgressMessage string                 `json:"progressMessage,omitempty"`
	ProgressDetails map[string]interface{} `json:"progressDetails,omitempty"`
	RunAttempts     int                    `json:"runAttempts"`
	MaxRetries      int                    `json:"maxRetries"`
	Error           string                 `json:"error,omitempty"`
	ErrorCode       string                 `json:"errorCode,omitempty"`
}

// Schema is the tabular schema backing queue storage.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "jobs",
		Fields: []schema.Field{
			{Name: "id", Type: schema.String},
			{Name: "queue", Type: schema.String},
			{Name: "jobRunId", Type: schema.String, Optional: true},
			{Name: "input", Type: schema.Object, Optional: true},
			{Name: "output", Type: schema.Object, Optional: true},
			{Name: "status", Type: schema.Enum, Values: []string{
				string(StatusPending), string(StatusProcessing), string(StatusAborting),
				string(StatusCompleted), string(StatusFailed), string(StatusSkipped),
			}},
			{Name: "createdAt", Type: schema.Timestamp},
			{Name: "runAfter", Type: schema.Timestamp},
			{Name: "lastRanAt", Type: schema.Timestamp, Optional: true},
			{Name: "completedAt", Type: schema.Timestamp, Optional: true},
			{Name: "progress", Type: schema.Integer, Optional: true},
			{Name: "progressMessage", Type: schema.String, Optional: true},
			{Name: "progressDetails", Type: schema.Object, Optional: true},
			{Name: "runAttempts", Type: schema.Integer, Optional: true},
			{Name: "maxRetries", Type: schema.Integer, Optional: true},
			{Name: "error", Type: schema.String, Optional: true},
			{Name: "errorCode", Type: schema.String, Optional: true},
		},
		AllowAdditional: false,
	}
}

// PrimaryKey is the primary-key field list for queue storage rows.
func PrimaryKey() schema.PrimaryKey { return schema.PrimaryKey{"id"} }

// ToRow serializes j into a tabular row.
func (j Job) ToRow() schema.Row {
	row := schema.Row{
		"id":          j.ID,
		"queue":       j.Queue,
		"status":      string(j.Status),
		"createdAt":   j.CreatedAt,
		"runAfter":    j.RunAfter,
		"runAttempts": j.RunAttempts,
		"maxRetries":  j.MaxRetries,
	}
	if j.JobRunID != "" {
		row["jobRunId"] = j.JobRunID
	}
	if j.Input != nil {
		row["input"] = j.Input
	}
	if j.Output != nil {
		row["output"] = j.Output
	}
	if j.LastRanAt != nil {
		row["lastRanAt"] = *j.LastRanAt
	}
	if j.CompletedAt != nil {
		row["completedAt"] = *j.CompletedAt
	}
	row["progress"] = j.Progress
	if j.ProgressMessage != "" {
		row["progressMessage"] = j.ProgressMessage
	}
	if j.ProgressDetails != nil {
		row["progressDetails"] = j.ProgressDetails
	}
	if j.Error != "" {
		row["error"] = j.Error
	}
	if j.ErrorCode != "" {
		row["errorCode"] = j.ErrorCode
	}
	return row
}

// JobFromRow deserializes a tabular row back into a Job.
func JobFromRow(row schema.Row) Job {
	j := Job{
		ID:     asString(row["id"]),
		Queue:  asString(row["queue"]),
		Status: Status(asString(row["status"])),
	}
	j.JobRunID = asString(row["jobRunId"])
	j.Input = asObject(row["input"])
	j.Output = asObject(row["output"])
	j.CreatedAt = asTime(row["createdAt"])
	j.RunAfter = asTime(row["runAfter"])
	if t := asTimePtr(row["lastRanAt"]); t != nil {
		j.LastRanAt = t
	}
	if t := asTimePtr(row["completedAt"]); t != nil {
		j.CompletedAt = t
	}
	j.Progress = asInt(row["progress"])
	j.ProgressMessage = asString(row["progressMessage"])
	j.ProgressDetails = asObject(row["progressDetails"])
	j.RunAttempts = asInt(row["runAttempts"])
	j.MaxRetries = asInt(row["maxRetries"])
	j.Error = asString(row["error"])
	j.ErrorCode = asString(row["errorCode"])
	return j
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asObject(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	if row, ok := v.(schema.Row); ok {
		return map[string]interface{}(row)
	}
	return nil
}

func asTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, _ := time.Parse(time.RFC3339Nano, t)
		return parsed
	default:
		return time.Time{}
	}
}

func asTimePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	t := asTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}
