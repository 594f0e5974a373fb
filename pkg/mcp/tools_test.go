package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// --- Helpers ---

type harness struct {
	srv      *Server
	svc      *service.Service
	upstream string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/fail/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	})
	up := httptest.NewServer(mux)
	t.Cleanup(up.Close)

	svc, err := service.New(store.NewMemoryStore(), service.Options{PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &harness{srv: NewServer(svc, "test", nil), svc: svc, upstream: up.URL}
}

func (h *harness) node(id, path string, deps ...string) map[string]any {
	n := map[string]any{"id": id, "name": id, "method": "GET", "request_url": h.upstream + path}
	if len(deps) > 0 {
		n["dependsOn"] = deps
	}
	return n
}

func (h *harness) call(t *testing.T, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	st := h.srv.mcpServer.GetTool(tool)
	require.NotNil(t, st, tool)
	res, err := st.Handler(context.Background(), buildRequest(tool, args))
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, xjson.Unmarshal([]byte(extractText(t, result)), target))
}

// --- Tests ---

func TestDefineGetListDelete(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "workflow.define", map[string]any{
		"name":     "orders",
		"workflow": map[string]any{"nodes": []any{h.node("A", "/ok/a"), h.node("B", "/ok/b", "A")}},
	})
	var created workflowResult
	unmarshalResult(t, res, &created)
	assert.Equal(t, "orders", created.Name)
	assert.Equal(t, 1, created.Version)

	var got workflowResult
	unmarshalResult(t, h.call(t, "workflow.get", map[string]any{"name": "orders"}), &got)
	require.Len(t, got.WorkflowJSON.Nodes, 2)
	assert.Equal(t, schema.NodeID("B"), got.WorkflowJSON.Nodes[1].ID)

	var list struct {
		Workflows []string `json:"workflows"`
	}
	unmarshalResult(t, h.call(t, "workflow.list", nil), &list)
	assert.Equal(t, []string{"orders"}, list.Workflows)

	res = h.call(t, "workflow.delete", map[string]any{"name": "orders"})
	assert.False(t, res.IsError)

	res = h.call(t, "workflow.get", map[string]any{"name": "orders"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestDefineAcceptsStringAndArray(t *testing.T) {
	h := newHarness(t)

	doc, err := xjson.Marshal([]any{h.node("A", "/ok/a")})
	require.NoError(t, err)
	res := h.call(t, "workflow.define", map[string]any{"name": "as-string", "workflow": string(doc)})
	assert.False(t, res.IsError, extractText(t, res))

	res = h.call(t, "workflow.define", map[string]any{"name": "as-array", "workflow": []any{h.node("A", "/ok/a")}})
	assert.False(t, res.IsError, extractText(t, res))
}

func TestDefineErrors(t *testing.T) {
	h := newHarness(t)
	valid := map[string]any{"name": "w", "workflow": map[string]any{"nodes": []any{h.node("A", "/ok/a")}}}
	require.False(t, h.call(t, "workflow.define", valid).IsError)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"duplicate", valid, schema.ErrCodeDuplicateName},
		{"cycle", map[string]any{"name": "c", "workflow": map[string]any{
			"nodes": []any{h.node("A", "/ok/a", "B"), h.node("B", "/ok/b", "A")},
		}}, schema.ErrCodeCycleDetected},
		{"malformed string", map[string]any{"name": "m", "workflow": "{nodes"}, schema.ErrCodeValidation},
		{"missing workflow", map[string]any{"name": "m"}, "workflow is required"},
		{"missing name", map[string]any{"workflow": map[string]any{}}, "name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.call(t, "workflow.define", tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, extractText(t, res), tt.want)
		})
	}
}

func TestDefineReplace(t *testing.T) {
	h := newHarness(t)
	args := map[string]any{"name": "w", "replace": true, "workflow": map[string]any{"nodes": []any{h.node("A", "/ok/a")}}}

	var first workflowResult
	unmarshalResult(t, h.call(t, "workflow.define", args), &first)
	assert.Equal(t, 1, first.Version)

	args["workflow"] = map[string]any{"nodes": []any{h.node("A", "/ok/a"), h.node("B", "/ok/b")}}
	var second workflowResult
	unmarshalResult(t, h.call(t, "workflow.define", args), &second)
	assert.Equal(t, 2, second.Version)
	assert.Len(t, second.WorkflowJSON.Nodes, 2)
}

func TestRunAndInspect(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.call(t, "workflow.define", map[string]any{
		"name":     "w",
		"workflow": map[string]any{"nodes": []any{h.node("A", "/fail/a"), h.node("B", "/ok/b", "A")}},
	}).IsError)

	var rec schema.ExecutionRecord
	unmarshalResult(t, h.call(t, "workflow.run", map[string]any{"name": "w", "payload": map[string]any{"k": 1}}), &rec)
	assert.Equal(t, schema.ExecutionFailed, rec.Status, "a failed run is a result, not a tool error")
	assert.Equal(t, schema.NodeFailed, rec.NodeResults["A"].Status)
	assert.Equal(t, schema.NodeSkipped, rec.NodeResults["B"].Status)

	var fetched schema.ExecutionRecord
	unmarshalResult(t, h.call(t, "execution.get", map[string]any{"execution_id": rec.ExecutionID}), &fetched)
	assert.Equal(t, rec.ExecutionID, fetched.ExecutionID)

	var list struct {
		Executions []schema.ExecutionSummary `json:"executions"`
	}
	unmarshalResult(t, h.call(t, "execution.list", map[string]any{"workflow": "w", "status": "FAILED", "limit": 5}), &list)
	require.Len(t, list.Executions, 1)
	assert.Equal(t, rec.ExecutionID, list.Executions[0].ExecutionID)

	res := h.call(t, "execution.cancel", map[string]any{"execution_id": rec.ExecutionID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeConflict)
}

func TestRunErrors(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, "workflow.run", map[string]any{"name": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)

	res = h.call(t, "workflow.run", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "name is required")

	res = h.call(t, "execution.get", map[string]any{"execution_id": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestRunAsyncWithoutSession(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.call(t, "workflow.define", map[string]any{
		"name":     "w",
		"workflow": map[string]any{"nodes": []any{h.node("A", "/ok/a")}},
	}).IsError)

	var rec schema.ExecutionRecord
	unmarshalResult(t, h.call(t, "workflow.run", map[string]any{"name": "w", "async": true, "notify": true}), &rec)
	require.NotEmpty(t, rec.ExecutionID)

	require.Eventually(t, func() bool {
		r, err := h.svc.GetExecution(context.Background(), rec.ExecutionID)
		return err == nil && r.Status == schema.ExecutionSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNotifierIgnoresUnknownSession(t *testing.T) {
	h := newHarness(t)
	require.False(t, h.call(t, "workflow.define", map[string]any{
		"name":     "w",
		"workflow": map[string]any{"nodes": []any{h.node("A", "/ok/a")}},
	}).IsError)
	var rec schema.ExecutionRecord
	unmarshalResult(t, h.call(t, "workflow.run", map[string]any{"name": "w"}), &rec)

	// The run is finished; Watch replays its trail and notifies a session
	// that does not exist, which must be silently dropped.
	h.srv.notifier.Watch("no-such-session", rec.ExecutionID)
	h.srv.notifier.Watch("no-such-session", "no-such-execution")
}
