package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func testWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:    "orders",
		Version: 2,
		Nodes: []schema.Node{
			{ID: "1", Name: "fetch", RequestURL: "https://api.example.com/orders"},
			{ID: "2", Name: "charge", Method: "post", RequestURL: "https://pay.example.com", DependsOn: []schema.NodeID{"1"}},
			{ID: "3", Name: "notify", RequestURL: "https://hooks.example.com", DependsOn: []schema.NodeID{"1"}, Condition: `fetch.total > 0`},
		},
	}
}

func TestBuild(t *testing.T) {
	model, err := Build(testWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "orders v2", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)
	assert.Equal(t, "1", model.Nodes[1].ID)
	assert.Equal(t, "charge\nPOST https://pay.example.com", model.Nodes[2].Label)
	assert.Equal(t, NodeKindConditional, model.Nodes[3].Kind)

	assert.Equal(t, []Edge{
		{From: startID, To: "1"},
		{From: "1", To: "2"},
		{From: "1", To: "3", Label: "if"},
		{From: "2", To: endID},
		{From: "3", To: endID},
	}, model.Edges)
	assert.Equal(t, [][]string{{startID}, {"1"}, {"2", "3"}, {endID}}, model.Levels)
}

func TestBuildRejectsCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "loop", Nodes: []schema.Node{
		{ID: "a", Name: "a", RequestURL: "https://x", DependsOn: []schema.NodeID{"b"}},
		{ID: "b", Name: "b", RequestURL: "https://x", DependsOn: []schema.NodeID{"a"}},
	}}
	_, err := Build(def, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))
}

func TestRenderMermaid(t *testing.T) {
	rec := &schema.ExecutionRecord{
		ExecutionID: "e1",
		Status:      schema.ExecutionFailed,
		NodeResults: map[schema.NodeID]*schema.NodeResult{
			"1": {NodeID: "1", Status: schema.NodeFailed, Attempts: 3, Error: "boom"},
			"2": {NodeID: "2", Status: schema.NodeSkipped},
		},
	}
	model, err := Build(testWorkflow(), rec)
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% orders v2 (execution e1: FAILED)")
	assert.Contains(t, out, `n1["fetch<br/>GET https://api.example.com/orders"]`)
	assert.Contains(t, out, `n3{{"notify<br/>GET https://hooks.example.com"}}`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "n1 -->|if| n3")
	assert.Contains(t, out, "class n1 failed")
	assert.Contains(t, out, "class n2 skipped")
	assert.NotContains(t, out, "class n3 ")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "fetch_orders", mermaidSafeID("fetch-orders"))
	assert.Equal(t, "n42", mermaidSafeID("42"))
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b c"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "say #quot;hi#quot;<br/>GET x", mermaidEscapeLabel("say \"hi\"\nGET x"))
}
