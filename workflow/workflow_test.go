package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/schema"
	"eve.evalgo.org/task"
)

func numberSchema(name string) *schema.Schema {
	return &schema.Schema{Name: name, Fields: []schema.Field{{Name: "value", Type: schema.Number}}}
}

func TestBuilder_TaskAndConnect(t *testing.T) {
	a := task.NewTask("constant", "a")
	a.OutputSchema = numberSchema("a-out")
	b := task.NewTask("double", "b")
	b.InputSchema = numberSchema("b-in")

	g, err := NewBuilder().
		Task(a).
		Task(b).
		Connect("a", "value", "b", "value").
		Build()
	require.NoError(t, err)

	flows := g.GetDataflows()
	require.Len(t, flows, 1)
	assert.Equal(t, "a", flows[0].SourceTaskID)
	assert.Equal(t, "b", flows[0].TargetTaskID)
}

func TestBuilder_BuildSurfacesFirstError(t *testing.T) {
	_, err := NewBuilder().
		Connect("missing-source", "out", "missing-target", "in").
		Build()
	require.Error(t, err)
}

func factories() map[string]task.TaskFactory {
	return map[string]task.TaskFactory{
		"constant": func(id string) (*task.Task, error) {
			tk := task.NewTask("constant", id)
			tk.OutputSchema = numberSchema(id + "-out")
			return tk, nil
		},
		"double": func(id string) (*task.Task, error) {
			tk := task.NewTask("double", id)
			tk.InputSchema = numberSchema(id + "-in")
			return tk, nil
		},
	}
}

func TestParseDefinitionAndExpand_ItemList(t *testing.T) {
	doc := []byte(`{
		"@type": "ItemList",
		"id": "wf-1",
		"steps": [
			{"taskType": "constant", "id": "a", "input": {"value": 21}},
			{"taskType": "double", "id": "b", "connections": [
				{"sourceTaskId": "a", "sourcePort": "value", "targetPort": "value"}
			]}
		]
	}`)

	def, err := ParseDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, "ItemList", def.Type)

	g, err := Expand(def, factories())
	require.NoError(t, err)
	assert.Len(t, g.GetTasks(), 2)
	assert.Len(t, g.GetDataflows(), 1)
}

func TestParseDefinitionAndExpand_ScheduledAction(t *testing.T) {
	doc := []byte(`{"@type": "ScheduledAction", "taskType": "constant", "id": "solo"}`)

	def, err := ParseDefinition(doc)
	require.NoError(t, err)
	require.Len(t, def.Steps, 1)

	g, err := Expand(def, factories())
	require.NoError(t, err)
	assert.Len(t, g.GetTasks(), 1)
}

func TestExpand_LoopReplicatesStepPerItem(t *testing.T) {
	doc := []byte(`{
		"@type": "ItemList",
		"id": "wf-loop",
		"steps": [
			{"taskType": "constant", "id": "item", "loop": {"items": [
				{"value": 1}, {"value": 2}, {"value": 3}
			]}}
		]
	}`)

	def, err := ParseDefinition(doc)
	require.NoError(t, err)

	g, err := Expand(def, factories())
	require.NoError(t, err)
	assert.Len(t, g.GetTasks(), 3)
}

func TestExpand_UnknownTaskTypeErrors(t *testing.T) {
	def := &Definition{Type: "ItemList", Steps: []StepSpec{{TaskType: "missing", ID: "x"}}}
	_, err := Expand(def, factories())
	require.Error(t, err)
}

func TestParseDefinition_NoStepsErrors(t *testing.T) {
	_, err := ParseDefinition([]byte(`{"@type": "ItemList", "steps": []}`))
	require.Error(t, err)
}
