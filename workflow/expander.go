package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"eve.evalgo.org/task"
)

// Expand converts a parsed Definition into an executable task.Graph,
// instantiating each step's task.Task through factories (the same
// map the task registry exposes via TaskRegistry.Factories). Built on the
// same ExpandToActions/mergeActionDependencies shape used elsewhere: loop
// steps replicate with instance-ID-prefixed identifiers exactly as action
// identifiers get prefixed with a generated workflow instance ID, only
// here the replication target is a task.Graph node instead of a flat
// SemanticScheduledAction list.
func Expand(def *Definition, factories map[string]task.TaskFactory) (*task.Graph, error) {
	instanceID := uuid.NewString()

	steps, err := expandLoops(def.Steps, instanceID)
	if err != nil {
		return nil, err
	}

	g := task.NewGraph()
	for _, step := range steps {
		factory, ok := factories[step.TaskType]
		if !ok {
			return nil, fmt.Errorf("no task factory registered for type %q (step %q)", step.TaskType, step.ID)
		}
		t, err := factory(step.ID)
		if err != nil {
			return nil, fmt.Errorf("construct step %q: %w", step.ID, err)
		}
		t.Config.Name = step.ID
		if step.Config != nil {
			t.Config.Extras = step.Config
		}
		for k, v := range step.Input {
			t.RunInputData[k] = v
		}
		t.ExecuteOn = step.ExecuteOn
		t.Cacheable = step.Cacheable

		if err := g.AddTask(t); err != nil {
			return nil, fmt.Errorf("add step %q: %w", step.ID, err)
		}
	}

	for _, step := range steps {
		for _, conn := range step.Connections {
			df := &task.Dataflow{
				SourceTaskID:     conn.SourceTaskID, // already prefixed by expandLoops
				SourceTaskPortID: conn.SourcePort,
				TargetTaskID:     step.ID,
				TargetTaskPortID: conn.TargetPort,
			}
			if err := g.AddDataflow(df); err != nil {
				return nil, fmt.Errorf("connect step %q: %w", step.ID, err)
			}
		}
	}

	return g, nil
}

// prefixIdentifier namespaces an identifier to one workflow instance so two
// concurrent expansions of the same Definition never collide inside a
// shared registry.
func prefixIdentifier(instanceID, identifier string) string {
	if identifier == "" {
		return ""
	}
	return fmt.Sprintf("%s--%s", instanceID, identifier)
}

// expandLoops replicates every step carrying a LoopSpec into one step per
// item, prefixing both the step's own ID and every connection's
// sourceTaskId with the workflow instance ID so replicated and
// non-replicated steps can be wired together unambiguously.
func expandLoops(steps []StepSpec, instanceID string) ([]StepSpec, error) {
	expanded := make([]StepSpec, 0, len(steps))

	for _, step := range steps {
		step.ID = prefixIdentifier(instanceID, step.ID)
		for i := range step.Connections {
			step.Connections[i].SourceTaskID = prefixIdentifier(instanceID, step.Connections[i].SourceTaskID)
		}

		if step.Loop == nil {
			expanded = append(expanded, step)
			continue
		}

		maxIter := step.Loop.MaxIterations
		if maxIter == 0 {
			maxIter = defaultMaxLoopIterations
		}
		if len(step.Loop.Items) > maxIter {
			return nil, fmt.Errorf("step %q loop exceeds max iterations limit (%d > %d)", step.ID, len(step.Loop.Items), maxIter)
		}

		for i, item := range step.Loop.Items {
			instance := step
			instance.ID = fmt.Sprintf("%s#%d", step.ID, i)
			instance.Loop = nil
			instance.Input = mergeInputs(step.Input, item)
			instance.Connections = append([]ConnectionSpec(nil), step.Connections...)
			expanded = append(expanded, instance)
		}
	}

	return expanded, nil
}

func mergeInputs(base, overlay map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
