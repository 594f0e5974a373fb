package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow and an optional execution
// record. Node order follows the topological sort of the DAG.
func Build(def *schema.WorkflowDefinition, rec *schema.ExecutionRecord) (*DiagramModel, error) {
	dag, err := engine.ParseDAG(def.Nodes)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	nodes := make([]*Node, 0, len(dag.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		n := dag.Nodes[id]
		node := &Node{ID: string(id), Label: nodeLabel(n), Kind: NodeKindCall}
		if n.Condition != "" {
			node.Kind = NodeKindConditional
		}
		if rec != nil {
			if res, ok := rec.NodeResults[id]; ok {
				node.Status = &StatusOverlay{Status: string(res.Status), Attempts: res.Attempts, Error: res.Error}
			}
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFor(def, rec),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

// nodeLabel is "name" plus the HTTP method and URL on a second line.
func nodeLabel(n *schema.Node) string {
	method := n.Method
	if method == "" {
		method = "GET"
	}
	return n.Name + "\n" + strings.ToUpper(method) + " " + n.RequestURL
}

func titleFor(def *schema.WorkflowDefinition, rec *schema.ExecutionRecord) string {
	title := def.Name
	if def.Version > 0 {
		title = fmt.Sprintf("%s v%d", def.Name, def.Version)
	}
	if rec != nil {
		title += fmt.Sprintf(" (execution %s: %s)", rec.ExecutionID, rec.Status)
	}
	return title
}

// buildEdges connects roots to the virtual start, every dependency to its
// dependent, and leaves to the virtual end. Conditional edges carry "if".
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, id := range dag.Roots {
		edges = append(edges, Edge{From: startID, To: string(id), Label: condLabel(dag, id)})
	}
	for _, id := range dag.Sorted {
		for _, dep := range dag.Edges[id] {
			edges = append(edges, Edge{From: string(dep), To: string(id), Label: condLabel(dag, id)})
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: string(id), To: endID})
		}
	}
	return edges
}

func condLabel(dag *engine.DAG, id schema.NodeID) string {
	if dag.Nodes[id].Condition != "" {
		return "if"
	}
	return ""
}

func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{startID})
	for _, wave := range dag.Levels {
		ids := make([]string, len(wave))
		for i, id := range wave {
			ids[i] = string(id)
		}
		levels = append(levels, ids)
	}
	return append(levels, []string{endID})
}
