package task

import (
	"encoding/json"
	"fmt"

	"eve.evalgo.org/taskerr"
)

// nodeJSONFields are the TaskJson keys this package understands. Anything
// else round-trips through nodeJSON.Extra unchanged.
var nodeJSONFields = map[string]bool{
	"id": true, "name": true, "type": true,
	"input": true, "provenance": true, "subgraph": true,
}

// nodeJSON is one task's wire representation: id, optional name, type,
// optional input override, optional provenance, and an optional nested
// subgraph for compound tasks. Fields outside this set are preserved
// verbatim in Extra so a round trip through ToJSON/FromJSON never drops
// data a different host attached to the node.
type nodeJSON struct {
	ID         string
	Name       string
	Type       string
	Input      map[string]interface{}
	Provenance map[string]interface{}
	SubGraph   *graphJSON
	Extra      map[string]interface{}
}

func (n nodeJSON) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(n.Extra)+6)
	for k, v := range n.Extra {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = n.Type
	if n.Name != "" {
		out["name"] = n.Name
	}
	if n.Input != nil {
		out["input"] = n.Input
	}
	if n.Provenance != nil {
		out["provenance"] = n.Provenance
	}
	if n.SubGraph != nil {
		out["subgraph"] = n.SubGraph
	}
	return json.Marshal(out)
}

func (n *nodeJSON) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &n.ID); err != nil {
			return fmt.Errorf("decode node id: %w", err)
		}
	}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &n.Name); err != nil {
			return fmt.Errorf("decode node %q name: %w", n.ID, err)
		}
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &n.Type); err != nil {
			return fmt.Errorf("decode node %q type: %w", n.ID, err)
		}
	}
	if v, ok := raw["input"]; ok {
		if err := json.Unmarshal(v, &n.Input); err != nil {
			return fmt.Errorf("decode node %q input: %w", n.ID, err)
		}
	}
	if v, ok := raw["provenance"]; ok {
		if err := json.Unmarshal(v, &n.Provenance); err != nil {
			return fmt.Errorf("decode node %q provenance: %w", n.ID, err)
		}
	}
	if v, ok := raw["subgraph"]; ok {
		n.SubGraph = &graphJSON{}
		if err := json.Unmarshal(v, n.SubGraph); err != nil {
			return fmt.Errorf("decode node %q subgraph: %w", n.ID, err)
		}
	}
	for k, v := range raw {
		if nodeJSONFields[k] {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("decode node %q field %q: %w", n.ID, k, err)
		}
		if n.Extra == nil {
			n.Extra = make(map[string]interface{})
		}
		n.Extra[k] = val
	}
	return nil
}

// edgeJSON is one dataflow's wire representation: source/target task id
// plus port id.
type edgeJSON struct {
	SourceTaskID     string `json:"sourceTaskId"`
	SourceTaskPortID string `json:"sourceTaskPortId"`
	TargetTaskID     string `json:"targetTaskId"`
	TargetTaskPortID string `json:"targetTaskPortId"`
}

type graphJSON struct {
	Nodes []nodeJSON `json:"nodes"`
	Edges []edgeJSON `json:"edges"`
}

// ToJSON serializes g to its wire representation.
func (g *Graph) ToJSON() ([]byte, error) {
	return json.Marshal(g.toGraphJSON())
}

func (g *Graph) toGraphJSON() graphJSON {
	gj := graphJSON{}
	for _, t := range g.GetTasks() {
		nj := nodeJSON{
			ID:         t.ID,
			Name:       t.Config.Name,
			Type:       t.Type,
			Input:      t.RunInputData,
			Provenance: t.Config.Provenance,
			Extra:      t.Config.Extras,
		}
		if t.SubGraph != nil {
			sub := t.SubGraph.toGraphJSON()
			nj.SubGraph = &sub
		}
		gj.Nodes = append(gj.Nodes, nj)
	}
	for _, df := range g.dataflows {
		gj.Edges = append(gj.Edges, edgeJSON{
			SourceTaskID:     df.SourceTaskID,
			SourceTaskPortID: df.SourceTaskPortID,
			TargetTaskID:     df.TargetTaskID,
			TargetTaskPortID: df.TargetTaskPortID,
		})
	}
	return gj
}

// TaskFactory constructs a new *Task for a registered type, before config
// or schemas are applied. Supplied by the task registry so FromJSON can
// instantiate the correct schemas per task kind. cacheable/executeOn are
// fixed properties of the registered kind the factory builds, not wire
// data: a loaded graph cannot override a kind's cache or queue routing.
type TaskFactory func(id string) (*Task, error)

// FromJSON deserializes a TaskGraph produced by ToJSON, using factories to
// construct each task by its registered type.
func FromJSON(data []byte, factories map[string]TaskFactory) (*Graph, error) {
	var gj graphJSON
	if err := json.Unmarshal(data, &gj); err != nil {
		return nil, fmt.Errorf("decode task graph: %w", err)
	}
	return fromGraphJSON(gj, factories)
}

func fromGraphJSON(gj graphJSON, factories map[string]TaskFactory) (*Graph, error) {
	g := NewGraph()
	for _, nj := range gj.Nodes {
		factory, ok := factories[nj.Type]
		if !ok {
			return nil, taskerr.NewTaskConfiguration("no registered task factory for type %q", nj.Type)
		}
		t, err := factory(nj.ID)
		if err != nil {
			return nil, fmt.Errorf("construct task %q of type %q: %w", nj.ID, nj.Type, err)
		}
		t.Type = nj.Type
		t.ID = nj.ID
		t.Config.Name = nj.Name
		t.Config.Provenance = nj.Provenance
		t.Config.Extras = nj.Extra
		if nj.Input != nil {
			t.RunInputData = nj.Input
		}
		if nj.SubGraph != nil {
			sub, err := fromGraphJSON(*nj.SubGraph, factories)
			if err != nil {
				return nil, fmt.Errorf("construct subgraph of task %q: %w", nj.ID, err)
			}
			t.SubGraph = sub
		}
		if err := g.AddTask(t); err != nil {
			return nil, err
		}
	}
	for _, ej := range gj.Edges {
		if err := g.AddDataflow(&Dataflow{
			SourceTaskID:     ej.SourceTaskID,
			SourceTaskPortID: ej.SourceTaskPortID,
			TargetTaskID:     ej.TargetTaskID,
			TargetTaskPortID: ej.TargetTaskPortID,
		}); err != nil {
			return nil, err
		}
	}
	return g, nil
}
