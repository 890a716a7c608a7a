package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/schema"
)

func portSchema(name string) *schema.Schema {
	return &schema.Schema{Name: name, Fields: []schema.Field{{Name: "value", Type: schema.Number}}}
}

func TestGraph_AddTaskAndDataflow(t *testing.T) {
	g := NewGraph()
	a := NewTask("constant", "a")
	a.OutputSchema = portSchema("a-out")
	b := NewTask("double", "b")
	b.InputSchema = portSchema("b-in")

	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	require.NoError(t, g.AddDataflow(&Dataflow{SourceTaskID: "a", SourceTaskPortID: "value", TargetTaskID: "b", TargetTaskPortID: "value"}))

	assert.Len(t, g.GetTasks(), 2)
	assert.Len(t, g.GetDataflows(), 1)
	assert.Len(t, g.GetSourceDataflows("b"), 1)
	assert.Len(t, g.GetTargetDataflows("a"), 1)
}

func TestGraph_AddDataflowRejectsCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddTask(NewTask("t", "a")))
	require.NoError(t, g.AddTask(NewTask("t", "b")))
	require.NoError(t, g.AddDataflow(&Dataflow{SourceTaskID: "a", SourceTaskPortID: "out", TargetTaskID: "b", TargetTaskPortID: "in"}))

	err := g.AddDataflow(&Dataflow{SourceTaskID: "b", SourceTaskPortID: "out", TargetTaskID: "a", TargetTaskPortID: "in"})
	require.Error(t, err)
	assert.Len(t, g.GetDataflows(), 1, "the cycle-forming edge must not be retained")
}

func TestGraph_AddDataflowRejectsUnknownTask(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddTask(NewTask("t", "a")))
	err := g.AddDataflow(&Dataflow{SourceTaskID: "a", SourceTaskPortID: "out", TargetTaskID: "missing", TargetTaskPortID: "in"})
	require.Error(t, err)
}

func TestGraph_TopologicallySortedNodes(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddTask(NewTask("t", "c")))
	require.NoError(t, g.AddTask(NewTask("t", "a")))
	require.NoError(t, g.AddTask(NewTask("t", "b")))
	require.NoError(t, g.AddDataflow(&Dataflow{SourceTaskID: "a", SourceTaskPortID: "out", TargetTaskID: "c", TargetTaskPortID: "in"}))
	require.NoError(t, g.AddDataflow(&Dataflow{SourceTaskID: "b", SourceTaskPortID: "out", TargetTaskID: "c", TargetTaskPortID: "in"}))

	sorted, err := g.TopologicallySortedNodes()
	require.NoError(t, err)
	require.Len(t, sorted, 3)

	// a and b have no predecessors: insertion order puts c first in
	// taskOrder but c depends on both, so c must come last regardless.
	ids := []string{sorted[0].ID, sorted[1].ID, sorted[2].ID}
	assert.Equal(t, "c", ids[2])
}

func TestGraph_RemoveTaskDropsItsDataflows(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddTask(NewTask("t", "a")))
	require.NoError(t, g.AddTask(NewTask("t", "b")))
	require.NoError(t, g.AddDataflow(&Dataflow{SourceTaskID: "a", SourceTaskPortID: "out", TargetTaskID: "b", TargetTaskPortID: "in"}))

	require.NoError(t, g.RemoveTask("a"))
	assert.Len(t, g.GetTasks(), 1)
	assert.Empty(t, g.GetDataflows())
}

func TestGraph_ToJSONFromJSONRoundTrip(t *testing.T) {
	g := NewGraph()
	a := NewTask("constant", "a")
	a.RunInputData = map[string]interface{}{"value": 21.0}
	a.Config.Name = "the constant"
	a.Config.Provenance = map[string]interface{}{"replication": map[string]interface{}{"value": map[string]interface{}{"index": 0.0, "factor": 1.0}}}
	b := NewTask("double", "b")
	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	require.NoError(t, g.AddDataflow(&Dataflow{SourceTaskID: "a", SourceTaskPortID: "value", TargetTaskID: "b", TargetTaskPortID: "value"}))

	data, err := g.ToJSON()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "nodes")
	assert.Contains(t, wire, "edges")

	factories := map[string]TaskFactory{
		"constant": func(id string) (*Task, error) { return NewTask("constant", id), nil },
		"double":   func(id string) (*Task, error) { return NewTask("double", id), nil },
	}
	restored, err := FromJSON(data, factories)
	require.NoError(t, err)

	assert.Len(t, restored.GetTasks(), 2)
	assert.Len(t, restored.GetDataflows(), 1)
	restoredA, ok := restored.GetTask("a")
	require.True(t, ok)
	assert.Equal(t, 21.0, restoredA.RunInputData["value"])
	assert.Equal(t, "the constant", restoredA.Config.Name)
	assert.Equal(t, a.Config.Provenance, restoredA.Config.Provenance)
}

func TestGraph_FromJSONRejectsUnknownType(t *testing.T) {
	_, err := FromJSON([]byte(`{"nodes":[{"type":"nope","id":"a"}],"edges":[]}`), map[string]TaskFactory{})
	require.Error(t, err)
}

func TestGraph_FromJSONDoesNotOverrideRegisteredCacheableOrQueue(t *testing.T) {
	factories := map[string]TaskFactory{
		"fixed": func(id string) (*Task, error) {
			t := NewTask("fixed", id)
			t.Cacheable = true
			t.ExecuteOn = "widgets"
			return t, nil
		},
	}
	data := []byte(`{"nodes":[{"id":"a","type":"fixed"}],"edges":[]}`)
	g, err := FromJSON(data, factories)
	require.NoError(t, err)

	a, ok := g.GetTask("a")
	require.True(t, ok)
	assert.True(t, a.Cacheable)
	assert.Equal(t, "widgets", a.ExecuteOn)
}

func TestGraph_FromJSONPreservesUnknownNodeFields(t *testing.T) {
	factories := map[string]TaskFactory{
		"constant": func(id string) (*Task, error) { return NewTask("constant", id), nil },
	}
	data := []byte(`{"nodes":[{"id":"a","type":"constant","label":"from a host we don't know about"}],"edges":[]}`)
	g, err := FromJSON(data, factories)
	require.NoError(t, err)

	out, err := g.ToJSON()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &wire))
	nodes := wire["nodes"].([]interface{})
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]interface{})
	assert.Equal(t, "from a host we don't know about", node["label"])
}
