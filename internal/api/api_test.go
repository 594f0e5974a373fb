package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

type fixture struct {
	api      *httptest.Server
	upstream *httptest.Server
	release  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{release: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/ok/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/slow/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-f.release:
		case <-r.Context().Done():
		}
	})
	f.upstream = httptest.NewServer(mux)
	t.Cleanup(f.upstream.Close)
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
	})

	svc, err := service.New(store.NewMemoryStore(), service.Options{PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	f.api = httptest.NewServer(NewServer(svc, nil).Handler())
	t.Cleanup(f.api.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := xjson.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.api.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *fixture) node(id, path string, deps ...string) map[string]any {
	n := map[string]any{"id": id, "name": id, "method": "GET", "request_url": f.upstream.URL + path}
	if len(deps) > 0 {
		n["dependsOn"] = deps
	}
	return n
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var eb errorBody
	require.NoError(t, xjson.Unmarshal(body, &eb), string(body))
	return eb.Error.Code
}

func TestWorkflowLifecycle(t *testing.T) {
	f := newFixture(t)

	doc, err := xjson.Marshal([]any{f.node("A", "/ok/a"), f.node("B", "/ok/b", "A")})
	require.NoError(t, err)

	code, body := f.do(t, http.MethodPost, "/api/workflows", map[string]any{"name": "orders", "workflowJson": string(doc)})
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = f.do(t, http.MethodGet, "/api/workflows/orders", nil)
	require.Equal(t, http.StatusOK, code)
	var got struct {
		Name         string                  `json:"name"`
		Version      int                     `json:"version"`
		WorkflowJSON schema.WorkflowDocument `json:"workflowJson"`
	}
	require.NoError(t, xjson.Unmarshal(body, &got))
	assert.Equal(t, "orders", got.Name)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.WorkflowJSON.Nodes, 2)
	assert.Equal(t, []schema.NodeID{"A"}, got.WorkflowJSON.Nodes[1].DependsOn)

	code, body = f.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["orders"]`, string(body))

	code, body = f.do(t, http.MethodPut, "/api/workflows/orders", map[string]any{
		"nodes": []any{f.node("A", "/ok/a")},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"version":2`)

	code, _ = f.do(t, http.MethodDelete, "/api/workflows/orders", nil)
	assert.Equal(t, http.StatusOK, code)
	code, body = f.do(t, http.MethodGet, "/api/workflows/orders", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, body))
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)
	valid := map[string]any{"name": "w", "nodes": []any{f.node("A", "/ok/a")}}
	code, _ := f.do(t, http.MethodPost, "/api/workflows", valid)
	require.Equal(t, http.StatusCreated, code)

	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{"duplicate name", valid, schema.ErrCodeDuplicateName},
		{"cycle", map[string]any{"name": "c", "nodes": []any{f.node("A", "/ok/a", "B"), f.node("B", "/ok/b", "A")}}, schema.ErrCodeCycleDetected},
		{"malformed body", `{"name":`, schema.ErrCodeValidation},
		{"missing name", map[string]any{"nodes": []any{f.node("A", "/ok/a")}}, schema.ErrCodeValidation},
		{"dangling dependency", map[string]any{"name": "d", "nodes": []any{f.node("A", "/ok/a", "Z")}}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/api/workflows", tt.body)
			assert.Equal(t, http.StatusBadRequest, code, string(body))
			assert.Equal(t, tt.wantCode, errorCode(t, body))
		})
	}

	code, body := f.do(t, http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["w"]`, string(body))
}

func TestUpdateNameMismatch(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPut, "/api/workflows/a", map[string]any{"name": "b", "nodes": []any{f.node("A", "/ok/a")}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))

	code, body = f.do(t, http.MethodPut, "/api/workflows/missing", map[string]any{"nodes": []any{f.node("A", "/ok/a")}})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, body))
}

func TestValidateEndpoint(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/workflows/validate", map[string]any{
		"name":  "v",
		"nodes": []any{f.node("A", "/ok/a", "B"), f.node("B", "/ok/b", "A")},
	})
	require.Equal(t, http.StatusOK, code)
	var res validateResponse
	require.NoError(t, xjson.Unmarshal(body, &res))
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, schema.ErrCodeCycleDetected, res.Errors[0].Code)

	code, body = f.do(t, http.MethodPost, "/api/workflows/validate", map[string]any{"name": "v", "nodes": []any{f.node("A", "/ok/a")}})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"valid":true,"errors":[],"warnings":[]}`, string(body))

	code, _ = f.do(t, http.MethodPost, "/api/workflows/validate", "not json")
	assert.Equal(t, http.StatusBadRequest, code)

	// Nothing is stored by a dry run.
	_, body = f.do(t, http.MethodGet, "/api/workflows", nil)
	assert.JSONEq(t, `[]`, string(body))
}

func TestRunSyncAndAsync(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/workflows", map[string]any{"name": "w", "nodes": []any{f.node("A", "/ok/a"), f.node("B", "/ok/b", "A")}})
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodPost, "/api/workflows/w/run", map[string]any{"user": "u1"})
	require.Equal(t, http.StatusOK, code, string(body))
	var rec schema.ExecutionRecord
	require.NoError(t, xjson.Unmarshal(body, &rec))
	assert.Equal(t, schema.ExecutionSuccess, rec.Status)
	assert.Equal(t, schema.NodeSuccess, rec.NodeResults["B"].Status)

	code, body = f.do(t, http.MethodPost, "/api/workflows/w/run?async=true", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))
	var async schema.ExecutionRecord
	require.NoError(t, xjson.Unmarshal(body, &async))
	require.NotEmpty(t, async.ExecutionID)

	require.Eventually(t, func() bool {
		code, body := f.do(t, http.MethodGet, "/api/executions/"+async.ExecutionID, nil)
		var r schema.ExecutionRecord
		return code == http.StatusOK && xjson.Unmarshal(body, &r) == nil && r.Status == schema.ExecutionSuccess
	}, 5*time.Second, 20*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/api/executions?workflow=w", nil)
	require.Equal(t, http.StatusOK, code)
	var list []schema.ExecutionSummary
	require.NoError(t, xjson.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	code, body = f.do(t, http.MethodGet, "/api/executions?workflow=w&limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, xjson.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/workflows/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, body))

	code, _ = f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":        "typed",
		"nodes":       []any{f.node("A", "/ok/a")},
		"inputSchema": map[string]any{"type": "object", "required": []string{"id"}},
	})
	require.Equal(t, http.StatusCreated, code)

	code, body = f.do(t, http.MethodPost, "/api/workflows/typed/run", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeInvalidPayload, errorCode(t, body))

	code, body = f.do(t, http.MethodPost, "/api/workflows/typed/run", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeInvalidPayload, errorCode(t, body))
}

func TestCancelAndDeleteConflict(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/workflows", map[string]any{"name": "slow", "nodes": []any{f.node("A", "/slow/a")}})
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodPost, "/api/workflows/slow/run?async=true", nil)
	require.Equal(t, http.StatusAccepted, code)
	var rec schema.ExecutionRecord
	require.NoError(t, xjson.Unmarshal(body, &rec))

	code, body = f.do(t, http.MethodDelete, "/api/workflows/slow", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, body))

	code, _ = f.do(t, http.MethodPost, "/api/executions/"+rec.ExecutionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		code, _ := f.do(t, http.MethodDelete, "/api/workflows/slow", nil)
		return code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	code, body = f.do(t, http.MethodGet, "/api/executions/"+rec.ExecutionID, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, xjson.Unmarshal(body, &rec))
	assert.Equal(t, schema.ExecutionCancelled, rec.Status)

	code, body = f.do(t, http.MethodPost, "/api/executions/"+rec.ExecutionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, body))

	code, _ = f.do(t, http.MethodPost, "/api/executions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExecutionQueries(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, body))

	code, _ = f.do(t, http.MethodGet, "/api/executions/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/executions/nope/stream", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/api/executions?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))

	code, _ = f.do(t, http.MethodGet, "/api/executions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/executions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))
}

func TestEventsAndStream(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/workflows", map[string]any{"name": "w", "nodes": []any{f.node("A", "/ok/a")}})
	require.Equal(t, http.StatusCreated, code)
	code, body := f.do(t, http.MethodPost, "/api/workflows/w/run", nil)
	require.Equal(t, http.StatusOK, code)
	var rec schema.ExecutionRecord
	require.NoError(t, xjson.Unmarshal(body, &rec))

	var events []*schema.ExecutionEvent
	require.Eventually(t, func() bool {
		code, body := f.do(t, http.MethodGet, "/api/executions/"+rec.ExecutionID+"/events", nil)
		events = nil
		return code == http.StatusOK && xjson.Unmarshal(body, &events) == nil &&
			len(events) > 0 && events[len(events)-1].Type == schema.EventExecutionFinished
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)

	// A finished execution replays its trail and the stream ends.
	code, body = f.do(t, http.MethodGet, "/api/executions/"+rec.ExecutionID+"/stream", nil)
	require.Equal(t, http.StatusOK, code)
	stream := string(body)
	assert.Contains(t, stream, "event: execution.started\n")
	assert.Contains(t, stream, "event: node.succeeded\n")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stream), "}"), stream)
	assert.Equal(t, len(events), strings.Count(stream, "\ndata: "))

	// Resuming after the last id yields nothing.
	code, body = f.do(t, http.MethodGet, "/api/executions/"+rec.ExecutionID+"/stream?since="+strconv.FormatInt(events[len(events)-1].ID, 10), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, strings.TrimSpace(string(body)))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"size":4`)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		schema.ErrCodeValidation:     http.StatusBadRequest,
		schema.ErrCodeCycleDetected:  http.StatusBadRequest,
		schema.ErrCodeInvalidPayload: http.StatusBadRequest,
		schema.ErrCodeDuplicateName:  http.StatusBadRequest,
		schema.ErrCodeNotFound:       http.StatusNotFound,
		schema.ErrCodeConflict:       http.StatusConflict,
		schema.ErrCodeStore:          http.StatusInternalServerError,
		"":                           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func TestWriteErrorPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"INFRASTRUCTURE_ERROR","message":"unexpected EOF"}}`, rec.Body.String())
}

func TestWorkflowDiagram(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/workflows", map[string]any{"name": "w", "nodes": []any{f.node("A", "/ok/a"), f.node("B", "/ok/b", "A")}})
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodGet, "/api/workflows/w/diagram", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "graph TD\n")
	assert.Contains(t, string(body), "A --> B")
	assert.NotContains(t, string(body), "class A ")

	code, body = f.do(t, http.MethodPost, "/api/workflows/w/run", nil)
	require.Equal(t, http.StatusOK, code)
	var rec schema.ExecutionRecord
	require.NoError(t, xjson.Unmarshal(body, &rec))

	code, body = f.do(t, http.MethodGet, "/api/workflows/w/diagram?execution="+rec.ExecutionID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "class A success")
	assert.Contains(t, string(body), "class B success")

	code, _ = f.do(t, http.MethodGet, "/api/workflows/w/diagram?execution=nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/workflows/missing/diagram", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
