package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// validateDAG builds the dependency graph, reporting a cycle with its path.
// On success it warns about conditions and templates that read node outputs
// the node cannot see, since those resolve undefined at run time.
func (wv *WorkflowValidator) validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	dag, err := engine.ParseDAG(def.Nodes)
	if err != nil {
		path := "nodes"
		if id := nodeOf(err); id != "" {
			path = fmt.Sprintf("nodes[%s]", id)
		}
		code := schema.CodeOf(err)
		if code == "" {
			code = schema.ErrCodeValidation
		}
		result.AddError(path, code, messageOf(err))
		return result
	}

	nameToID := make(map[string]schema.NodeID, len(def.Nodes))
	for _, n := range def.Nodes {
		nameToID[n.Name] = n.ID
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Condition == "" {
			continue
		}
		e, err := wv.compiler.Compile(n.Condition)
		if err != nil {
			continue
		}
		ancestors := ancestorsOf(dag, n.ID)
		for _, v := range expressions.Vars(e) {
			root := v.Root()
			if root == "nodes" && len(v.Path) > 1 {
				root = v.Path[1].Key
			}
			ref, isNode := nameToID[root]
			if !isNode || ancestors[ref] {
				continue
			}
			result.AddWarning(fmt.Sprintf("nodes[%d].condition", i), schema.ErrCodeValidation,
				fmt.Sprintf("condition reads node %q which is not a dependency of node %s; it will be undefined", root, n.ID))
		}
	}
	return result
}

// ancestorsOf returns the transitive dependencies of id.
func ancestorsOf(dag *engine.DAG, id schema.NodeID) map[schema.NodeID]bool {
	out := make(map[schema.NodeID]bool)
	stack := append([]schema.NodeID(nil), dag.Edges[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[cur] {
			continue
		}
		out[cur] = true
		stack = append(stack, dag.Edges[cur]...)
	}
	return out
}

func nodeOf(err error) schema.NodeID {
	var ne *schema.NodeflowError
	if errors.As(err, &ne) {
		return ne.NodeID
	}
	return ""
}

func messageOf(err error) string {
	var ne *schema.NodeflowError
	if errors.As(err, &ne) {
		return ne.Message
	}
	return err.Error()
}
