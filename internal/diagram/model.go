// Package diagram renders workflow DAGs as Mermaid flowcharts, optionally
// overlaid with the node statuses of one execution.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindCall        NodeKind = "call"
	NodeKindConditional NodeKind = "conditional"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is the intermediate representation rendered to Mermaid.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node, or the virtual start and end.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status   string // from schema.NodeStatus
	Attempts int
	Error    string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
