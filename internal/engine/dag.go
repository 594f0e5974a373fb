package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// DAG is the in-memory dependency graph of one workflow version.
// Nodes live in an arena keyed by id; edges are id lists, never pointers.
type DAG struct {
	Nodes   map[schema.NodeID]*schema.Node    // node ID → definition
	Edges   map[schema.NodeID][]schema.NodeID // node ID → dependencies (dependsOn)
	Reverse map[schema.NodeID][]schema.NodeID // node ID → dependents
	Sorted  []schema.NodeID                   // topological order, id tie-break
	Roots   []schema.NodeID                   // nodes with no dependencies
	Levels  [][]schema.NodeID                 // waves; each depends only on earlier waves
}

// ParseDAG validates a node list and builds its DAG.
// It rejects empty or duplicate ids, dangling and duplicate dependencies,
// and cycles (reported with the ids on the cycle).
func ParseDAG(nodes []schema.Node) (*DAG, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	dag := &DAG{
		Nodes:   make(map[schema.NodeID]*schema.Node, len(nodes)),
		Edges:   make(map[schema.NodeID][]schema.NodeID, len(nodes)),
		Reverse: make(map[schema.NodeID][]schema.NodeID, len(nodes)),
	}

	// First pass: register nodes.
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, exists := dag.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID).WithNode(n.ID)
		}
		dag.Nodes[n.ID] = n
	}

	ids := sortedIDs(dag.Nodes)

	// Second pass: adjacency lists.
	for _, id := range ids {
		n := dag.Nodes[id]
		seen := make(map[schema.NodeID]bool, len(n.DependsOn))
		deps := make([]schema.NodeID, 0, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if _, exists := dag.Nodes[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s depends on non-existent node: %s", id, dep).
					WithNode(id).
					WithDetails(map[string]any{"node": id.String(), "missing": dep.String()})
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s depends on itself", id).
					WithNode(id).
					WithDetails(map[string]any{"cycle": []string{id.String(), id.String()}})
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has duplicate dependency: %s", id, dep).WithNode(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}
	for id := range dag.Reverse {
		sortIDs(dag.Reverse[id])
	}

	if cycle := findCycle(ids, dag.Edges); cycle != nil {
		path := make([]string, len(cycle))
		for i, id := range cycle {
			path[i] = id.String()
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "cycle detected: %s", strings.Join(path, " -> ")).
			WithDetails(map[string]any{"cycle": path})
	}

	dag.Sorted = kahn(ids, dag)
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// Node colors for cycle detection.
const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // fully explored
)

// findCycle runs a three-color DFS along dependency edges. A back-edge to a
// grey node closes a cycle; the returned path starts and ends on that node.
func findCycle(ids []schema.NodeID, edges map[schema.NodeID][]schema.NodeID) []schema.NodeID {
	color := make(map[schema.NodeID]int, len(ids))
	var stack []schema.NodeID

	var visit func(id schema.NodeID) []schema.NodeID
	visit = func(id schema.NodeID) []schema.NodeID {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range edges[id] {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				cycle := append([]schema.NodeID(nil), stack[start:]...)
				return append(cycle, dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// kahn produces a topological order. Ready nodes are taken in id order.
func kahn(ids []schema.NodeID, dag *DAG) []schema.NodeID {
	inDegree := make(map[schema.NodeID]int, len(ids))
	var queue []schema.NodeID
	for _, id := range ids {
		inDegree[id] = len(dag.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	dag.Roots = append([]schema.NodeID(nil), queue...)

	sorted := make([]schema.NodeID, 0, len(ids))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sortIDs(queue)
	}
	return sorted
}

// computeLevels groups nodes into waves by longest dependency depth.
func computeLevels(dag *DAG) [][]schema.NodeID {
	depth := make(map[schema.NodeID]int, len(dag.Nodes))
	maxLevel := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[id] {
			d = max(d, depth[dep]+1)
		}
		depth[id] = d
		maxLevel = max(maxLevel, d)
	}

	levels := make([][]schema.NodeID, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, lvl := range levels {
		sortIDs(lvl)
	}
	return levels
}

// Wave returns the index of the wave containing id, or -1.
func (d *DAG) Wave(id schema.NodeID) int {
	for i, lvl := range d.Levels {
		if slices.Contains(lvl, id) {
			return i
		}
	}
	return -1
}

// String renders the waves, e.g. "[1] -> [2 3] -> [4]". Used in debug logs.
func (d *DAG) String() string {
	parts := make([]string, len(d.Levels))
	for i, lvl := range d.Levels {
		ids := make([]string, len(lvl))
		for j, id := range lvl {
			ids[j] = id.String()
		}
		parts[i] = fmt.Sprintf("[%s]", strings.Join(ids, " "))
	}
	return strings.Join(parts, " -> ")
}

func sortedIDs[V any](m map[schema.NodeID]V) []schema.NodeID {
	ids := make([]schema.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []schema.NodeID) {
	slices.SortFunc(ids, schema.CompareNodeIDs)
}
