package workflow

import (
	"fmt"

	"eve.evalgo.org/task"
)

// Builder is the fluent graph-builder façade: callers assemble a task.Graph
// imperatively instead of through a JSON-LD definition. It mirrors the
// shape of ParseDefinition/Expand below but skips the wire format
// entirely.
type Builder struct {
	graph *task.Graph
	err   error
}

// NewBuilder starts a fluent build.
func NewBuilder() *Builder {
	return &Builder{graph: task.NewGraph()}
}

// Task adds t to the graph under construction. Errors are deferred to Build
// so calls can be chained without checking each one.
func (b *Builder) Task(t *task.Task) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.graph.AddTask(t); err != nil {
		b.err = fmt.Errorf("workflow builder: %w", err)
	}
	return b
}

// Connect wires a dataflow from an output port of sourceID to an input port
// of targetID.
func (b *Builder) Connect(sourceID, sourcePort, targetID, targetPort string) *Builder {
	if b.err != nil {
		return b
	}
	df := &task.Dataflow{
		SourceTaskID:     sourceID,
		SourceTaskPortID: sourcePort,
		TargetTaskID:     targetID,
		TargetTaskPortID: targetPort,
	}
	if err := b.graph.AddDataflow(df); err != nil {
		b.err = fmt.Errorf("workflow builder: connect %s.%s -> %s.%s: %w", sourceID, sourcePort, targetID, targetPort, err)
	}
	return b
}

// Build returns the assembled graph, or the first error encountered while
// chaining Task/Connect calls.
func (b *Builder) Build() (*task.Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.graph, nil
}
