package task

import (
	"fmt"

	"eve.evalgo.org/taskerr"
)

// Graph is a TaskGraph: a set of Tasks and Dataflows, exclusively
// owned by whatever holds it (a top-level run, or a compound Task's
// SubGraph). Insertion order is preserved for deterministic topological
// sort tie-breaking.
type Graph struct {
	tasks       map[string]*Task
	taskOrder   []string
	dataflows   []*Dataflow
}

// NewGraph returns an empty TaskGraph.
func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// AddTask inserts t, failing if its id is already present.
func (g *Graph) AddTask(t *Task) error {
	if t.ID == "" {
		return taskerr.NewTaskConfiguration("task must have a non-empty id")
	}
	if _, exists := g.tasks[t.ID]; exists {
		return taskerr.NewTaskConfiguration("task id %q already exists in graph", t.ID)
	}
	g.tasks[t.ID] = t
	g.taskOrder = append(g.taskOrder, t.ID)
	return nil
}

// RemoveTask removes the task with id and every dataflow touching it.
func (g *Graph) RemoveTask(id string) error {
	if _, exists := g.tasks[id]; !exists {
		return taskerr.NewTaskConfiguration("unknown task id %q", id)
	}
	delete(g.tasks, id)
	for i, existing := range g.taskOrder {
		if existing == id {
			g.taskOrder = append(g.taskOrder[:i], g.taskOrder[i+1:]...)
			break
		}
	}
	kept := g.dataflows[:0:0]
	for _, df := range g.dataflows {
		if df.SourceTaskID != id && df.TargetTaskID != id {
			kept = append(kept, df)
		}
	}
	g.dataflows = kept
	return nil
}

// GetTasks returns every task, in insertion order.
func (g *Graph) GetTasks() []*Task {
	out := make([]*Task, 0, len(g.taskOrder))
	for _, id := range g.taskOrder {
		out = append(out, g.tasks[id])
	}
	return out
}

// GetTask returns the task with the given id, if present.
func (g *Graph) GetTask(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// AddDataflow inserts a dataflow edge after validating that both endpoints
// exist, both ports exist on their respective task schemas, and the edge
// does not introduce a cycle.
func (g *Graph) AddDataflow(df *Dataflow) error {
	source, ok := g.tasks[df.SourceTaskID]
	if !ok {
		return taskerr.NewTaskConfiguration("dataflow references unknown source task %q", df.SourceTaskID)
	}
	target, ok := g.tasks[df.TargetTaskID]
	if !ok {
		return taskerr.NewTaskConfiguration("dataflow references unknown target task %q", df.TargetTaskID)
	}
	if source.OutputSchema != nil {
		if _, ok := source.OutputSchema.FieldByName(df.SourceTaskPortID); !ok {
			return taskerr.NewTaskConfiguration("task %q has no output port %q", source.ID, df.SourceTaskPortID)
		}
	}
	if target.InputSchema != nil {
		if _, ok := target.InputSchema.FieldByName(df.TargetTaskPortID); !ok {
			return taskerr.NewTaskConfiguration("task %q has no input port %q", target.ID, df.TargetTaskPortID)
		}
	}
	if df.Status == "" {
		df.Status = DataflowPending
	}

	g.dataflows = append(g.dataflows, df)
	if g.hasCycle() {
		g.dataflows = g.dataflows[:len(g.dataflows)-1]
		return taskerr.NewTaskConfiguration("adding dataflow %s:%s -> %s:%s would create a cycle",
			df.SourceTaskID, df.SourceTaskPortID, df.TargetTaskID, df.TargetTaskPortID)
	}
	return nil
}

// RemoveDataflow removes the first dataflow exactly matching df's endpoints.
func (g *Graph) RemoveDataflow(sourceTaskID, sourceTaskPortID, targetTaskID, targetTaskPortID string) error {
	for i, df := range g.dataflows {
		if df.SourceTaskID == sourceTaskID && df.SourceTaskPortID == sourceTaskPortID &&
			df.TargetTaskID == targetTaskID && df.TargetTaskPortID == targetTaskPortID {
			g.dataflows = append(g.dataflows[:i], g.dataflows[i+1:]...)
			return nil
		}
	}
	return taskerr.NewTaskConfiguration("no matching dataflow %s:%s -> %s:%s", sourceTaskID, sourceTaskPortID, targetTaskID, targetTaskPortID)
}

// GetDataflows returns every dataflow, in insertion order.
func (g *Graph) GetDataflows() []*Dataflow {
	out := make([]*Dataflow, len(g.dataflows))
	copy(out, g.dataflows)
	return out
}

// GetSourceDataflows returns the incoming edges targeting taskId.
func (g *Graph) GetSourceDataflows(taskID string) []*Dataflow {
	var out []*Dataflow
	for _, df := range g.dataflows {
		if df.TargetTaskID == taskID {
			out = append(out, df)
		}
	}
	return out
}

// GetTargetDataflows returns the outgoing edges sourced from taskId.
func (g *Graph) GetTargetDataflows(taskID string) []*Dataflow {
	var out []*Dataflow
	for _, df := range g.dataflows {
		if df.SourceTaskID == taskID {
			out = append(out, df)
		}
	}
	return out
}

// hasCycle runs a DFS cycle check over the current dataflow set, grounded
// on graph.checkCycleRecursive's visited/recursion-stack approach.
func (g *Graph) hasCycle() bool {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, df := range g.GetTargetDataflows(id) {
			if !visited[df.TargetTaskID] {
				if visit(df.TargetTaskID) {
					return true
				}
			} else if onStack[df.TargetTaskID] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, id := range g.taskOrder {
		if !visited[id] {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicallySortedNodes returns tasks in topological order, ties among
// simultaneously eligible tasks broken by insertion order, via Kahn's
// algorithm. Each round scans taskOrder for every currently-eligible task
// rather than using a plain FIFO queue, so ties always resolve to original
// insertion order regardless of which predecessor unblocked a task first.
func (g *Graph) TopologicallySortedNodes() ([]*Task, error) {
	inDegree := make(map[string]int, len(g.taskOrder))
	for _, id := range g.taskOrder {
		inDegree[id] = 0
	}
	for _, df := range g.dataflows {
		inDegree[df.TargetTaskID]++
	}

	done := make(map[string]bool, len(g.taskOrder))
	var result []*Task
	for len(result) < len(g.taskOrder) {
		var eligible []string
		for _, id := range g.taskOrder {
			if !done[id] && inDegree[id] == 0 {
				eligible = append(eligible, id)
			}
		}
		if len(eligible) == 0 {
			return nil, fmt.Errorf("task graph contains a cycle")
		}
		for _, id := range eligible {
			done[id] = true
			result = append(result, g.tasks[id])
			for _, df := range g.GetTargetDataflows(id) {
				inDegree[df.TargetTaskID]--
			}
		}
	}
	return result, nil
}
