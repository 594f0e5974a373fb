package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/actions"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rendis/nodeflow/internal/engine"

// IdempotencyHeader carries the node's idempotency key on every attempt so
// the remote service can collapse retries of one logical call.
const IdempotencyHeader = "Idempotency-Key"

// RunContext is what a node sees of the run it belongs to.
type RunContext struct {
	ExecutionID  string
	WorkflowName string
	// Scope is an immutable snapshot of the run context.
	Scope  map[string]any
	Dedup  *DedupCache
	Events EventSink
}

// NodeExecutorConfig holds node-level defaults.
type NodeExecutorConfig struct {
	// DefaultRetry applies to nodes without a retryPolicy.
	DefaultRetry Backoff
	// DefaultTimeout applies to nodes without a timeout. Zero defers to the caller.
	DefaultTimeout time.Duration
}

// NodeExecutor performs a single node: idempotency, template resolution,
// the retry loop and circuit breaking. It never returns an error; every
// outcome is recorded in the NodeResult.
type NodeExecutor struct {
	caller    actions.Caller
	compiler  *expressions.Compiler
	extractor *expressions.Extractor
	breakers  *CircuitBreakers
	config    NodeExecutorConfig
	logger    *slog.Logger

	tracer   trace.Tracer
	attempts metric.Int64Counter

	// wait is swapped in tests to skip real backoff sleeps.
	wait func(ctx context.Context, d time.Duration) error
}

// NewNodeExecutor wires a node executor. breakers may be nil to disable
// circuit breaking; logger may be nil.
func NewNodeExecutor(caller actions.Caller, compiler *expressions.Compiler, extractor *expressions.Extractor, breakers *CircuitBreakers, cfg NodeExecutorConfig, logger *slog.Logger) *NodeExecutor {
	if cfg.DefaultRetry.MaxAttempts <= 0 {
		cfg.DefaultRetry = DefaultBackoff()
	}
	if compiler == nil {
		compiler = expressions.NewCompiler()
	}
	if extractor == nil {
		extractor = expressions.NewExtractor()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	attempts, _ := otel.Meter(instrumentationName).Int64Counter("nodeflow.node.attempts",
		metric.WithDescription("Outbound node call attempts by outcome"))
	return &NodeExecutor{
		caller:    caller,
		compiler:  compiler,
		extractor: extractor,
		breakers:  breakers,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		attempts:  attempts,
		wait:      WaitForBackoff,
	}
}

// Compiler exposes the shared expression compiler.
func (x *NodeExecutor) Compiler() *expressions.Compiler { return x.compiler }

// Execute runs node against rc and returns its terminal result together
// with the value that enters the run context (nil unless SUCCESS).
func (x *NodeExecutor) Execute(ctx context.Context, node *schema.Node, rc *RunContext) (*schema.NodeResult, any) {
	ctx = logging.WithNodeID(ctx, node.ID.String())
	sink := rc.Events
	if sink == nil {
		sink = nopSink{}
	}

	start := time.Now().UTC()
	result := &schema.NodeResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		Status:    schema.NodeRunning,
		StartedAt: &start,
	}

	key, err := x.idempotencyKey(node, rc)
	if err != nil {
		return x.fail(ctx, sink, rc, result, err), nil
	}
	result.IdempotencyKey = key

	entry, leader := rc.Dedup.acquire(key)
	if !leader {
		return x.shared(ctx, sink, rc, result, entry)
	}

	res, out := x.perform(ctx, node, rc, result)
	entry.resolve(res, out, res.Status == schema.NodeCancelled)
	return res, out
}

// shared waits for the leader holding key and copies its outcome.
func (x *NodeExecutor) shared(ctx context.Context, sink EventSink, rc *RunContext, result *schema.NodeResult, entry *dedupEntry) (*schema.NodeResult, any) {
	select {
	case <-entry.done:
	case <-ctx.Done():
		return x.cancel(ctx, sink, rc, result), nil
	}
	if entry.cancelled {
		return x.cancel(ctx, sink, rc, result), nil
	}

	cached := entry.result
	result.Status = cached.Status
	result.StatusCode = cached.StatusCode
	result.ResponseBody = append(xjson.RawMessage(nil), cached.ResponseBody...)
	result.Error = cached.Error
	finished := time.Now().UTC()
	result.FinishedAt = &finished

	x.logger.DebugContext(ctx, "node deduplicated", "idempotency_key", result.IdempotencyKey, "status", result.Status)
	sink.Emit(ctx, newEvent(rc.ExecutionID, result.NodeID, schema.EventNodeDeduplicated, 0, map[string]any{
		"idempotencyKey": result.IdempotencyKey,
		"status":         string(result.Status),
	}))
	sink.Emit(ctx, newEvent(rc.ExecutionID, result.NodeID, nodeEventType(result), 0, nil))
	return result, entry.output
}

// perform is the cache-miss path: resolve, call, classify, retry.
func (x *NodeExecutor) perform(ctx context.Context, node *schema.Node, rc *RunContext, result *schema.NodeResult) (*schema.NodeResult, any) {
	sink := rc.Events
	if sink == nil {
		sink = nopSink{}
	}

	ctx, span := x.tracer.Start(ctx, "node "+node.ID.String(), trace.WithAttributes(
		attribute.String("nodeflow.execution_id", rc.ExecutionID),
		attribute.String("nodeflow.node_id", node.ID.String()),
		attribute.String("nodeflow.node_name", node.Name),
	))
	defer span.End()

	sink.Emit(ctx, newEvent(rc.ExecutionID, node.ID, schema.EventNodeStarted, 0, map[string]any{
		"idempotencyKey": result.IdempotencyKey,
	}))

	backoff, err := CompileBackoff(node.RetryPolicy, x.config.DefaultRetry)
	if err != nil {
		return x.fail(ctx, sink, rc, result, err), nil
	}
	req, err := x.buildRequest(node, rc.Scope, result.IdempotencyKey)
	if err != nil {
		return x.fail(ctx, sink, rc, result, err), nil
	}
	host := actions.Host(req.URL)

	var (
		lastErr  error
		lastKind FailureKind
	)
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return x.cancel(ctx, sink, rc, result), nil
		}
		result.Attempts = attempt

		resp, callErr := x.attempt(ctx, host, req)
		kind, failure := x.classify(resp, callErr)
		x.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind.String())))
		if resp != nil {
			result.StatusCode = resp.StatusCode
			result.ResponseBody = encodeBody(resp)
		}

		switch kind {
		case FailureNone:
			x.breakers.RecordSuccess(host)
			return x.succeed(ctx, sink, rc, node, result, resp)
		case FailureCancelled:
			return x.cancel(ctx, sink, rc, result), nil
		case FailureTransient:
			if x.breakers.RecordFailure(host) == CircuitOpen {
				sink.Emit(ctx, newEvent(rc.ExecutionID, node.ID, schema.EventCircuitOpen, attempt, map[string]any{"host": host}))
			}
		}

		lastErr, lastKind = failure, kind
		if kind == FailurePermanent || attempt >= backoff.MaxAttempts {
			break
		}

		delay := backoff.Delay(attempt - 1)
		x.logger.WarnContext(ctx, "node attempt failed, retrying",
			"attempt", attempt, "max_attempts", backoff.MaxAttempts, "delay", delay, "error", failure.Error())
		sink.Emit(ctx, newEvent(rc.ExecutionID, node.ID, schema.EventNodeAttemptFailed, attempt, map[string]any{
			"error":      failure.Error(),
			"statusCode": result.StatusCode,
			"retryIn":    delay.String(),
		}))
		if err := x.wait(ctx, delay); err != nil {
			return x.cancel(ctx, sink, rc, result), nil
		}
	}

	if result.Attempts > 1 && lastKind == FailureTransient {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", result.Attempts, lastErr.Error()).
			WithNode(node.ID).WithCause(lastErr)
	}
	span.SetStatus(codes.Error, lastErr.Error())
	return x.fail(ctx, sink, rc, result, lastErr), nil
}

// attempt performs one guarded round trip.
func (x *NodeExecutor) attempt(ctx context.Context, host string, req *actions.Request) (*actions.Response, error) {
	if err := x.breakers.Allow(host); err != nil {
		return nil, err
	}
	return x.caller.Call(ctx, req)
}

// classify turns a round trip into a failure kind plus the error to record.
func (x *NodeExecutor) classify(resp *actions.Response, err error) (FailureKind, error) {
	if err != nil {
		return ClassifyError(err), err
	}
	kind := ClassifyStatus(resp.StatusCode)
	if kind == FailureNone {
		return kind, nil
	}
	return kind, schema.NewErrorf(schema.ErrCodeNodeFailed, "http %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)).
		WithDetails(map[string]any{"statusCode": resp.StatusCode})
}

func (x *NodeExecutor) succeed(ctx context.Context, sink EventSink, rc *RunContext, node *schema.Node, result *schema.NodeResult, resp *actions.Response) (*schema.NodeResult, any) {
	output := expressions.DecodeBody(result.ResponseBody)
	if node.Extract != "" {
		extracted, err := x.extractor.Extract(ctx, node.Extract, output)
		if err != nil {
			return x.fail(ctx, sink, rc, result, err), nil
		}
		output = extracted
	}

	result.Status = schema.NodeSuccess
	finished := time.Now().UTC()
	result.FinishedAt = &finished

	x.logger.InfoContext(ctx, "node succeeded",
		"status_code", result.StatusCode, "attempts", result.Attempts, "duration", resp.Duration)
	sink.Emit(ctx, newEvent(rc.ExecutionID, node.ID, schema.EventNodeSucceeded, result.Attempts, map[string]any{
		"statusCode": result.StatusCode,
		"truncated":  resp.Truncated,
	}))
	return result, output
}

func (x *NodeExecutor) fail(ctx context.Context, sink EventSink, rc *RunContext, result *schema.NodeResult, err error) *schema.NodeResult {
	result.Status = schema.NodeFailed
	result.Error = err.Error()
	finished := time.Now().UTC()
	result.FinishedAt = &finished

	x.logger.WarnContext(ctx, "node failed", "attempts", result.Attempts, "code", schema.CodeOf(err), "error", err.Error())
	sink.Emit(ctx, newEvent(rc.ExecutionID, result.NodeID, schema.EventNodeFailed, result.Attempts, map[string]any{
		"code":       schema.CodeOf(err),
		"error":      err.Error(),
		"statusCode": result.StatusCode,
	}))
	return result
}

func (x *NodeExecutor) cancel(ctx context.Context, sink EventSink, rc *RunContext, result *schema.NodeResult) *schema.NodeResult {
	result.Status = schema.NodeCancelled
	result.Error = "cancelled"
	finished := time.Now().UTC()
	result.FinishedAt = &finished
	// ctx is already done; the event still has to reach the log.
	sink.Emit(context.WithoutCancel(ctx), newEvent(rc.ExecutionID, result.NodeID, schema.EventNodeCancelled, result.Attempts, nil))
	return result
}

// idempotencyKey resolves the node's key template, or derives the default
// executionId:nodeId key.
func (x *NodeExecutor) idempotencyKey(node *schema.Node, rc *RunContext) (string, error) {
	if strings.TrimSpace(node.IdempotencyKey) == "" {
		return rc.ExecutionID + ":" + node.ID.String(), nil
	}
	key, err := x.compiler.RenderString(node.IdempotencyKey, rc.Scope)
	if err != nil {
		return "", fmt.Errorf("idempotencyKey: %w", err)
	}
	if key == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "idempotencyKey resolved to an empty string").WithNode(node.ID)
	}
	return key, nil
}

// buildRequest resolves every templated part of node against scope. The
// idempotency key is added as a header unless the node sets one itself.
func (x *NodeExecutor) buildRequest(node *schema.Node, scope map[string]any, key string) (*actions.Request, error) {
	u, err := x.compiler.RenderString(node.RequestURL, scope)
	if err != nil {
		return nil, fmt.Errorf("request_url: %w", err)
	}
	headers, err := x.compiler.RenderMap(node.Headers, scope)
	if err != nil {
		return nil, fmt.Errorf("headers: %w", err)
	}
	if key != "" && !hasHeader(headers, IdempotencyHeader) {
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers[IdempotencyHeader] = key
	}
	query, err := x.compiler.RenderMap(node.QueryParams, scope)
	if err != nil {
		return nil, fmt.Errorf("query_params: %w", err)
	}
	body, err := x.compiler.ResolveJSON(node.RequestBody, scope)
	if err != nil {
		return nil, fmt.Errorf("request_body: %w", err)
	}

	timeout := x.config.DefaultTimeout
	if node.Timeout != "" {
		d, err := time.ParseDuration(node.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", node.Timeout).WithNode(node.ID)
		}
		timeout = d
	}

	return &actions.Request{
		Method:  node.HTTPMethod(),
		URL:     u,
		Headers: headers,
		Query:   query,
		Body:    body,
		Timeout: timeout,
	}, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// encodeBody stores JSON bodies verbatim and anything else as a JSON string.
func encodeBody(resp *actions.Response) xjson.RawMessage {
	if len(resp.Body) == 0 {
		return nil
	}
	if (resp.IsJSON() || resp.ContentType == "") && xjson.Valid(resp.Body) {
		return append(xjson.RawMessage(nil), resp.Body...)
	}
	raw, err := xjson.Marshal(string(resp.Body))
	if err != nil {
		return nil
	}
	return raw
}

// DedupCache is the per-execution idempotency cache. Each key owns one
// entry; the first caller performs the call and later callers with the
// same key wait for and share its outcome.
type DedupCache struct {
	mu      sync.Mutex
	entries map[string]*dedupEntry
}

type dedupEntry struct {
	done      chan struct{}
	result    *schema.NodeResult
	output    any
	cancelled bool
}

func NewDedupCache() *DedupCache {
	return &DedupCache{entries: make(map[string]*dedupEntry)}
}

// acquire returns the entry for key and whether the caller is its leader.
func (c *DedupCache) acquire(key string) (*dedupEntry, bool) {
	if c == nil {
		return &dedupEntry{done: make(chan struct{})}, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e, false
	}
	e := &dedupEntry{done: make(chan struct{})}
	c.entries[key] = e
	return e, true
}

func (e *dedupEntry) resolve(r *schema.NodeResult, output any, cancelled bool) {
	e.result = r.Clone()
	e.output = output
	e.cancelled = cancelled
	close(e.done)
}

// Len reports how many keys have been claimed.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
