package workflow

import (
	"encoding/json"
	"fmt"
)

// StepSpec describes one task node in a workflow definition. Built on the
// same WorkflowAction/SemanticScheduledAction JSON-LD shape used
// elsewhere, generalized from Schema.org action properties onto
// task.Graph's taskType/config/connections model.
type StepSpec struct {
	Type        string                 `json:"@type,omitempty"`
	TaskType    string                 `json:"taskType"`
	ID          string                 `json:"id"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Connections []ConnectionSpec       `json:"connections,omitempty"`
	ExecuteOn   string                 `json:"executeOn,omitempty"`
	Cacheable   bool                   `json:"cacheable,omitempty"`
	Loop        *LoopSpec              `json:"loop,omitempty"`
}

// ConnectionSpec wires one dataflow edge arriving at the owning step: from
// sourceTaskId's sourcePort to this step's targetPort.
type ConnectionSpec struct {
	SourceTaskID string `json:"sourceTaskId"`
	SourcePort   string `json:"sourcePort"`
	TargetPort   string `json:"targetPort"`
}

// LoopSpec expands a single step into one step instance per item, mirroring
// an ItemList/SemanticItemList loop's fan-out over a workflow definition,
// distinct from the runner's per-value array fan-out during execution.
type LoopSpec struct {
	Items         []map[string]interface{} `json:"items"`
	MaxIterations int                       `json:"maxIterations,omitempty"`
}

// Definition is a parsed workflow ready for Expand into a task.Graph.
type Definition struct {
	Type  string     `json:"@type"`
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Steps []StepSpec `json:"steps"`
}

const defaultMaxLoopIterations = 1000

// ParseDefinition parses a workflow definition document. The top-level
// "@type" selects how steps are interpreted, mirroring a dispatch over
// Schema.org ItemList/HowTo/ScheduledAction documents:
//   - "ItemList": steps are a flat list, loops expand in place.
//   - "HowTo": identical shape today; kept distinct for forward
//     compatibility with nested steps.
//   - "ScheduledAction": the document itself is a single step.
func ParseDefinition(data []byte) (*Definition, error) {
	var typeDetector struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &typeDetector); err != nil {
		return nil, fmt.Errorf("detect workflow definition type: %w", err)
	}

	switch typeDetector.Type {
	case "ItemList", "HowTo", "":
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse workflow definition: %w", err)
		}
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("workflow definition has no steps")
		}
		return &def, nil

	case "ScheduledAction":
		var step StepSpec
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("parse single-step workflow: %w", err)
		}
		return &Definition{Type: typeDetector.Type, ID: step.ID, Steps: []StepSpec{step}}, nil

	default:
		return nil, fmt.Errorf("unsupported workflow definition type: %s", typeDetector.Type)
	}
}
