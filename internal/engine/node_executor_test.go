package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/nodeflow/internal/actions"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test harness ---

// scriptedCaller answers node calls from a per-path script and records
// when each call started and ended.
type scriptedCaller struct {
	mu      sync.Mutex
	calls   map[string]int
	reqs    []*actions.Request
	spans   map[string][2]time.Time
	delay   time.Duration
	respond func(path string, n int, req *actions.Request) (*actions.Response, error)
}

func newScriptedCaller(respond func(path string, n int, req *actions.Request) (*actions.Response, error)) *scriptedCaller {
	return &scriptedCaller{
		calls:   make(map[string]int),
		spans:   make(map[string][2]time.Time),
		respond: respond,
	}
}

func (c *scriptedCaller) Call(ctx context.Context, req *actions.Request) (*actions.Response, error) {
	u, _ := url.Parse(req.URL)
	path := strings.TrimPrefix(u.Path, "/")

	c.mu.Lock()
	c.calls[path]++
	n := c.calls[path]
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()

	start := time.Now()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	resp, err := c.respond(path, n, req)

	c.mu.Lock()
	c.spans[path] = [2]time.Time{start, time.Now()}
	c.mu.Unlock()
	return resp, err
}

func (c *scriptedCaller) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

func (c *scriptedCaller) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func jsonResponse(code int, body string) *actions.Response {
	return &actions.Response{StatusCode: code, Body: []byte(body), ContentType: "application/json"}
}

func okCaller() *scriptedCaller {
	return newScriptedCaller(func(path string, _ int, _ *actions.Request) (*actions.Response, error) {
		return jsonResponse(200, `{"node":"`+path+`"}`), nil
	})
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []*schema.ExecutionEvent
}

func (l *eventLog) Emit(_ context.Context, ev *schema.ExecutionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types(nodeID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if string(ev.NodeID) == nodeID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func newTestExecutor(c actions.Caller, breakers *CircuitBreakers) *NodeExecutor {
	x := NewNodeExecutor(c, nil, nil, breakers, NodeExecutorConfig{}, nil)
	x.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return x
}

func testRunContext(scope map[string]any) (*RunContext, *eventLog) {
	events := &eventLog{}
	return &RunContext{
		ExecutionID:  "exec-1",
		WorkflowName: "wf",
		Scope:        scope,
		Dedup:        NewDedupCache(),
		Events:       events,
	}, events
}

type httpNodeOpt = func(*schema.Node)

func withRetry(max int) httpNodeOpt {
	return func(n *schema.Node) {
		n.RetryPolicy = &schema.RetryPolicy{MaxAttempts: max, Backoff: schema.BackoffNone}
	}
}

func newNode(id string, opts ...httpNodeOpt) *schema.Node {
	n := httpNode(id)
	for _, o := range opts {
		o(&n)
	}
	return &n
}

// --- tests ---

func TestNodeExecutor_Success(t *testing.T) {
	c := okCaller()
	x := newTestExecutor(c, nil)
	rc, events := testRunContext(map[string]any{})

	res, out := x.Execute(context.Background(), newNode("1"), rc)

	assert.Equal(t, schema.NodeSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "exec-1:1", res.IdempotencyKey)
	assert.JSONEq(t, `{"node":"1"}`, string(res.ResponseBody))
	assert.Equal(t, map[string]any{"node": "1"}, out)
	assert.NotNil(t, res.FinishedAt)
	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeSucceeded}, events.types("1"))
}

func TestNodeExecutor_ResolvesTemplates(t *testing.T) {
	c := okCaller()
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{"userId": float64(42), "token": "abc"})

	node := newNode("1")
	node.RequestURL = "http://example.invalid/users/{{ userId }}"
	node.Headers = map[string]string{"Authorization": "Bearer {{ token }}"}
	node.QueryParams = map[string]string{"verbose": "{{ userId > 10 }}"}
	node.RequestBody = xjson.RawMessage(`{"id":"{{ userId }}","note":"user {{ userId }}"}`)
	node.Method = "put"

	res, _ := x.Execute(context.Background(), node, rc)
	require.Equal(t, schema.NodeSuccess, res.Status, res.Error)
	require.Len(t, c.reqs, 1)

	req := c.reqs[0]
	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "http://example.invalid/users/42", req.URL)
	assert.Equal(t, "Bearer abc", req.Headers["Authorization"])
	assert.Equal(t, "true", req.Query["verbose"])
	assert.JSONEq(t, `{"id":42,"note":"user 42"}`, string(req.Body))
}

func TestNodeExecutor_UndefinedTemplateFailsWithoutCall(t *testing.T) {
	c := okCaller()
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	node := newNode("1", withRetry(3))
	node.RequestURL = "http://example.invalid/{{ missing.field }}"

	res, _ := x.Execute(context.Background(), node, rc)
	assert.Equal(t, schema.NodeFailed, res.Status)
	assert.Contains(t, res.Error, "missing.field")
	assert.Equal(t, 0, c.total())
}

func TestNodeExecutor_RetriesTransientThenSucceeds(t *testing.T) {
	c := newScriptedCaller(func(_ string, n int, _ *actions.Request) (*actions.Response, error) {
		if n < 3 {
			return jsonResponse(503, `{"error":"busy"}`), nil
		}
		return jsonResponse(200, `{"ok":true}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, events := testRunContext(map[string]any{})

	res, _ := x.Execute(context.Background(), newNode("1", withRetry(5)), rc)

	assert.Equal(t, schema.NodeSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, c.count("1"))
	assert.Equal(t, []string{
		schema.EventNodeStarted,
		schema.EventNodeAttemptFailed,
		schema.EventNodeAttemptFailed,
		schema.EventNodeSucceeded,
	}, events.types("1"))
}

func TestNodeExecutor_IdempotencyHeaderStableAcrossRetries(t *testing.T) {
	c := newScriptedCaller(func(_ string, n int, _ *actions.Request) (*actions.Response, error) {
		if n < 3 {
			return jsonResponse(503, `{"error":"busy"}`), nil
		}
		return jsonResponse(200, `{"ok":true}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{"order": map[string]any{"id": 7}})
	node := newNode("1", withRetry(5))
	node.IdempotencyKey = "order-{{ order.id }}"

	res, _ := x.Execute(context.Background(), node, rc)
	require.Equal(t, schema.NodeSuccess, res.Status)
	require.Len(t, c.reqs, 3)
	for i, req := range c.reqs {
		assert.Equal(t, "order-7", req.Headers[IdempotencyHeader], "attempt %d", i+1)
	}

	// Another node resolving the same key shares the outcome without a call.
	other := newNode("2")
	other.IdempotencyKey = "order-{{ order.id }}"
	res2, _ := x.Execute(context.Background(), other, rc)
	assert.Equal(t, schema.NodeSuccess, res2.Status)
	assert.Equal(t, 3, c.total())
	assert.Equal(t, 0, c.count("2"))
}

func TestNodeExecutor_DefaultIdempotencyHeader(t *testing.T) {
	c := okCaller()
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	_, _ = x.Execute(context.Background(), newNode("1"), rc)
	require.Len(t, c.reqs, 1)
	assert.Equal(t, "exec-1:1", c.reqs[0].Headers[IdempotencyHeader])

	node := newNode("2")
	node.Headers = map[string]string{"idempotency-key": "caller-chosen"}
	_, _ = x.Execute(context.Background(), node, rc)
	require.Len(t, c.reqs, 2)
	assert.Equal(t, "caller-chosen", c.reqs[1].Headers["idempotency-key"])
	assert.NotContains(t, c.reqs[1].Headers, IdempotencyHeader)
}

func TestNodeExecutor_PermanentFailureIsNotRetried(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return jsonResponse(404, `{"error":"nope"}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	res, out := x.Execute(context.Background(), newNode("1", withRetry(5)), rc)

	assert.Equal(t, schema.NodeFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 404, res.StatusCode)
	assert.Contains(t, res.Error, "http 404")
	assert.Nil(t, out)
}

func TestNodeExecutor_RetriesExhausted(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return nil, errors.New("connection refused")
	})
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	res, _ := x.Execute(context.Background(), newNode("1", withRetry(3)), rc)

	assert.Equal(t, schema.NodeFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Error, schema.ErrCodeRetryExhausted)
	assert.Equal(t, 3, c.count("1"))
}

func TestNodeExecutor_LegacyRetryField(t *testing.T) {
	var node schema.Node
	require.NoError(t, xjson.Unmarshal([]byte(`{"id":1,"name":"a","request_url":"http://example.invalid/1","retry":2}`), &node))

	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return jsonResponse(500, `{}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	res, _ := x.Execute(context.Background(), &node, rc)
	assert.Equal(t, 3, res.Attempts)
}

func TestNodeExecutor_SharedIdempotencyKeyCallsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := actions.CallerFunc(func(ctx context.Context, _ *actions.Request) (*actions.Response, error) {
		calls.Add(1)
		<-release
		return jsonResponse(200, `{"charged":true}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, events := testRunContext(map[string]any{"orderId": "o-7"})

	a := newNode("1")
	a.IdempotencyKey = "charge-{{ orderId }}"
	b := newNode("2")
	b.IdempotencyKey = "charge-{{ orderId }}"

	var wg sync.WaitGroup
	results := make([]*schema.NodeResult, 2)
	for i, n := range []*schema.Node{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = x.Execute(context.Background(), n, rc)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, schema.NodeSuccess, r.Status)
		assert.Equal(t, "charge-o-7", r.IdempotencyKey)
		assert.JSONEq(t, `{"charged":true}`, string(r.ResponseBody))
	}
	assert.Equal(t, 1, rc.Dedup.Len())
	assert.Len(t, append(events.types("1"), events.types("2")...), 4)
}

func TestNodeExecutor_DedupHitReturnsCachedFailure(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return jsonResponse(400, `{}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, events := testRunContext(map[string]any{})

	a := newNode("1")
	a.IdempotencyKey = "fixed"
	b := newNode("2")
	b.IdempotencyKey = "fixed"

	first, _ := x.Execute(context.Background(), a, rc)
	second, _ := x.Execute(context.Background(), b, rc)

	assert.Equal(t, 1, c.total())
	assert.Equal(t, schema.NodeFailed, first.Status)
	assert.Equal(t, schema.NodeFailed, second.Status)
	assert.Equal(t, 0, second.Attempts)
	assert.Contains(t, events.types("2"), schema.EventNodeDeduplicated)
}

func TestNodeExecutor_Extract(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return jsonResponse(200, `{"data":{"items":[{"id":1},{"id":2}]}}`), nil
	})
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	node := newNode("1")
	node.Extract = "[.data.items[].id]"

	res, out := x.Execute(context.Background(), node, rc)
	require.Equal(t, schema.NodeSuccess, res.Status, res.Error)
	assert.Equal(t, []any{1.0, 2.0}, out)
}

func TestNodeExecutor_NonJSONBodyStoredAsString(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return &actions.Response{StatusCode: 200, Body: []byte("plain ok"), ContentType: "text/plain"}, nil
	})
	x := newTestExecutor(c, nil)
	rc, _ := testRunContext(map[string]any{})

	res, out := x.Execute(context.Background(), newNode("1"), rc)
	assert.Equal(t, `"plain ok"`, string(res.ResponseBody))
	assert.Equal(t, "plain ok", out)
}

func TestNodeExecutor_CircuitOpensPerHost(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return jsonResponse(502, `{}`), nil
	})
	breakers := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, HalfOpenMax: 1})
	x := newTestExecutor(c, breakers)
	rc, events := testRunContext(map[string]any{})

	res, _ := x.Execute(context.Background(), newNode("1", withRetry(5)), rc)

	assert.Equal(t, schema.NodeFailed, res.Status)
	assert.Equal(t, 2, c.count("1"), "third attempt must be short-circuited")
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Error, schema.ErrCodeCircuitOpen)
	assert.Contains(t, events.types("1"), schema.EventCircuitOpen)
	assert.Equal(t, CircuitOpen, breakers.State("example.invalid"))
}

func TestNodeExecutor_CancelDuringBackoff(t *testing.T) {
	c := newScriptedCaller(func(string, int, *actions.Request) (*actions.Response, error) {
		return jsonResponse(503, `{}`), nil
	})
	x := NewNodeExecutor(c, nil, nil, nil, NodeExecutorConfig{}, nil)
	rc, events := testRunContext(map[string]any{})

	node := newNode("1")
	node.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 5, Backoff: schema.BackoffConstant, InitialDelay: "10s"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, _ := x.Execute(ctx, node, rc)

	assert.Equal(t, schema.NodeCancelled, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, events.types("1"), schema.EventNodeCancelled)
}

func TestNodeExecutor_InvalidTimeout(t *testing.T) {
	x := newTestExecutor(okCaller(), nil)
	rc, _ := testRunContext(map[string]any{})

	node := newNode("1")
	node.Timeout = "soon"
	res, _ := x.Execute(context.Background(), node, rc)
	assert.Equal(t, schema.NodeFailed, res.Status)
	assert.Contains(t, res.Error, "invalid timeout")
}
