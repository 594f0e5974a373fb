package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier. Node ids
// may be numeric, which Mermaid accepts only with a letter prefix.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_", ":", "_")
	id = r.Replace(id)
	if id != "" && id[0] >= '0' && id[0] <= '9' {
		id = "n" + id
	}
	return id
}

// mermaidEscapeLabel escapes quotes and turns newlines into line breaks.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "\n", "<br/>")
	return r.Replace(s)
}

func mermaidStatusClass(status string) string {
	switch schema.NodeStatus(status) {
	case schema.NodeSuccess:
		return "success"
	case schema.NodeFailed:
		return "failed"
	case schema.NodeRunning:
		return "running"
	case schema.NodePending:
		return "pending"
	case schema.NodeCancelled:
		return "cancelled"
	case schema.NodeSkipped:
		return "skipped"
	default:
		return ""
	}
}
