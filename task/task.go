// Package task implements the task graph data model: Task, Dataflow, and
// the TaskGraph they live in. The cycle-detection and topological-sort
// algorithms are built on the same Kahn's-algorithm shape as
// graph.GetExecutionOrder and graph.checkCycleRecursive once used, now
// generalized from a fixed SemanticScheduledAction node type onto a
// generic Task.
package task

import (
	"eve.evalgo.org/schema"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborting   Status = "ABORTING"
	StatusSkipped    Status = "SKIPPED"
)

// IsTerminal reports whether s admits no further transition.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Config carries a task instance's non-data settings.
type Config struct {
	Name       string                 `json:"name,omitempty"`
	Provenance map[string]interface{} `json:"provenance,omitempty"`
	Extras     map[string]interface{} `json:"extras,omitempty"`
}

// Task is one instance of a registered task kind within a TaskGraph.
type Task struct {
	Type string
	ID   string

	Config Config

	InputSchema  *schema.Schema
	OutputSchema *schema.Schema

	RunInputData  map[string]interface{}
	RunOutputData map[string]interface{}

	Status Status

	// SubGraph, when non-nil, makes this a compound task: running it
	// invokes a nested runner over SubGraph.
	SubGraph *Graph

	Cacheable bool

	// ExecuteOn names the queue a registered task kind should dispatch to;
	// tasks without one run inline. It is a property of the
	// task's registered kind, carried per-instance so the runner need not
	// consult the registry at dispatch time.
	ExecuteOn string
}

// NewTask constructs a PENDING task of the given type and id, with empty
// run data maps ready to be populated by the runner.
func NewTask(taskType, id string) *Task {
	return &Task{
		Type:          taskType,
		ID:            id,
		Status:        StatusPending,
		RunInputData:  make(map[string]interface{}),
		RunOutputData: make(map[string]interface{}),
	}
}

// Dataflow is a directed edge carrying values between task ports.
type Dataflow struct {
	SourceTaskID     string
	SourceTaskPortID string
	TargetTaskID     string
	TargetTaskPortID string

	CachedValue interface{}
	Status      DataflowStatus
}

// DataflowStatus is a dataflow edge's runtime state.
type DataflowStatus string

const (
	DataflowPending   DataflowStatus = "PENDING"
	DataflowCompleted DataflowStatus = "COMPLETED"
	DataflowFailed    DataflowStatus = "FAILED"
)
