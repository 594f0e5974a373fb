package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// ProgressFunc receives a clone of the record after every node completes.
// Progress writes are best-effort.
type ProgressFunc func(ctx context.Context, rec *schema.ExecutionRecord)

// Run is one in-flight execution. The mutex guards the record; callers
// only ever see clones.
type Run struct {
	ID       string
	Workflow string

	dag     *DAG
	scope   *expressions.ScopeBuilder
	dedup   *DedupCache
	events  EventSink
	onStep  ProgressFunc
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	mu     sync.Mutex
	record *schema.ExecutionRecord
}

// RunOptions carry the per-run collaborators.
type RunOptions struct {
	Events   EventSink
	Progress ProgressFunc
}

// NewRun prepares a PENDING run of def over dag. payload may be nil.
func NewRun(executionID string, def *schema.WorkflowDefinition, dag *DAG, payload map[string]any, opts RunOptions) (*Run, error) {
	var raw []byte
	if payload != nil {
		b, err := xjson.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidPayload, "encode payload: %s", err.Error()).WithCause(err)
		}
		raw = b
	}

	rec := &schema.ExecutionRecord{
		ExecutionID:     executionID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          schema.ExecutionPending,
		StartedAt:       time.Now().UTC(),
		InputPayload:    raw,
		NodeResults:     make(map[schema.NodeID]*schema.NodeResult, len(dag.Nodes)),
	}
	for _, id := range dag.Sorted {
		n := dag.Nodes[id]
		rec.NodeResults[id] = &schema.NodeResult{NodeID: id, NodeName: n.Name, Status: schema.NodePending}
	}

	events := opts.Events
	if events == nil {
		events = nopSink{}
	}
	meta := map[string]any{"executionId": executionID, "workflowName": def.Name}
	return &Run{
		ID:       executionID,
		Workflow: def.Name,
		dag:      dag,
		scope:    expressions.NewScopeBuilder(payload, meta),
		dedup:    NewDedupCache(),
		events:   events,
		onStep:   opts.Progress,
		done:     make(chan struct{}),
		record:   rec,
	}, nil
}

// Snapshot returns a deep copy of the current record.
func (r *Run) Snapshot() *schema.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}

// Status returns the current run status.
func (r *Run) Status() schema.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Status
}

// Cancel aborts the run. It is a no-op once the run is terminal.
func (r *Run) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Scheduler drives runs wave by wave on a shared worker pool.
type Scheduler struct {
	pool     *WorkerPool
	nodes    *NodeExecutor
	compiler *expressions.Compiler
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewScheduler(pool *WorkerPool, nodes *NodeExecutor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		pool:     pool,
		nodes:    nodes,
		compiler: nodes.Compiler(),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Start moves run to RUNNING and arms its cancellation. Execute must follow.
func (s *Scheduler) Start(ctx context.Context, run *Run) (context.Context, error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.started {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s already started", run.ID)
	}
	if err := CheckExecutionTransition(run.ID, run.record.Status, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	run.started = true
	run.record.Status = schema.ExecutionRunning
	return logging.WithRun(runCtx, run.ID, run.Workflow), nil
}

// Execute drives a started run to completion and returns the final record.
// Node failures are recorded, never returned.
func (s *Scheduler) Execute(ctx context.Context, run *Run) *schema.ExecutionRecord {
	defer close(run.done)
	defer run.Cancel()

	ctx, span := s.tracer.Start(ctx, "run "+run.Workflow, trace.WithAttributes(
		attribute.String("nodeflow.execution_id", run.ID),
		attribute.String("nodeflow.workflow", run.Workflow),
	))
	defer span.End()

	run.events.Emit(ctx, newEvent(run.ID, "", schema.EventExecutionStarted, 0, map[string]any{
		"workflowName": run.Workflow,
		"waves":        len(run.dag.Levels),
	}))
	s.logger.InfoContext(ctx, "execution started", "nodes", len(run.dag.Nodes), "plan", run.dag.String())

	for i, wave := range run.dag.Levels {
		if ctx.Err() != nil {
			break
		}
		s.runWave(ctx, run, i, wave)
	}

	final := s.finish(ctx, run)
	if final.Status == schema.ExecutionFailed {
		span.SetStatus(codes.Error, final.Error)
	}
	span.SetAttributes(attribute.String("nodeflow.status", string(final.Status)))
	return final
}

// runWave decides every node of one wave, dispatches the runnable ones on
// the pool and waits for all of them.
func (s *Scheduler) runWave(ctx context.Context, run *Run, index int, wave []schema.NodeID) {
	snapshot := run.scope.Snapshot()
	var wg sync.WaitGroup

	for _, id := range wave {
		// Nodes left undecided here are closed as CANCELLED by finish.
		if ctx.Err() != nil {
			break
		}
		node := run.dag.Nodes[id]

		if reason, skip := s.dependencySkip(run, node); skip {
			s.skip(ctx, run, node, reason, "")
			continue
		}

		if node.Condition != "" {
			ok, err := s.compiler.EvalCondition(node.Condition, snapshot)
			if err != nil {
				s.logger.WarnContext(ctx, "condition evaluation failed", "node_id", id.String(), "error", err.Error())
			}
			if !ok {
				s.skip(ctx, run, node, schema.SkipByCondition, node.Condition)
				continue
			}
		}

		if err := s.transitionNode(run, id, schema.NodeRunning, nil); err != nil {
			s.logger.ErrorContext(ctx, "node transition rejected", "error", err.Error())
			continue
		}

		wg.Add(1)
		rc := &RunContext{
			ExecutionID:  run.ID,
			WorkflowName: run.Workflow,
			Scope:        snapshot,
			Dedup:        run.dedup,
			Events:       run.events,
		}
		err := s.pool.Submit(ctx, func(nodeCtx context.Context) error {
			defer wg.Done()
			result, output := s.nodes.Execute(nodeCtx, node, rc)
			s.complete(nodeCtx, run, node, result, output)
			if result.Status == schema.NodeFailed {
				return fmt.Errorf("node %s: %s", id, result.Error)
			}
			return nil
		})
		if err != nil {
			// Pool rejected: the run is cancelled or the pool is shutting down.
			wg.Done()
			now := time.Now().UTC()
			run.events.Emit(context.WithoutCancel(ctx), newEvent(run.ID, id, schema.EventNodeCancelled, 0, map[string]any{"error": err.Error()}))
			s.complete(ctx, run, node, &schema.NodeResult{
				NodeID: id, NodeName: node.Name, Status: schema.NodeCancelled,
				Error: err.Error(), FinishedAt: &now,
			}, nil)
		}
	}

	wg.Wait()
	s.logger.DebugContext(ctx, "wave complete", "wave", index, "nodes", len(wave))
}

// dependencySkip decides whether node must be skipped because of its
// dependencies. Condition skips propagate as condition skips; failures,
// cancellations and dependency skips propagate as dependency skips. A
// failed optional dependency is tolerated.
func (s *Scheduler) dependencySkip(run *Run, node *schema.Node) (schema.SkipReason, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()

	var byCondition bool
	for _, dep := range node.DependsOn {
		r := run.record.NodeResults[dep]
		depNode := run.dag.Nodes[dep]
		switch r.Status {
		case schema.NodeFailed:
			if depNode != nil && depNode.Optional {
				continue
			}
			return schema.SkipByDependency, true
		case schema.NodeCancelled:
			return schema.SkipByDependency, true
		case schema.NodeSkipped:
			if r.SkipReason == schema.SkipByDependency {
				return schema.SkipByDependency, true
			}
			byCondition = true
		}
	}
	if byCondition {
		return schema.SkipByCondition, true
	}
	return "", false
}

func (s *Scheduler) skip(ctx context.Context, run *Run, node *schema.Node, reason schema.SkipReason, condition string) {
	now := time.Now().UTC()
	if err := s.transitionNode(run, node.ID, schema.NodeSkipped, func(r *schema.NodeResult) {
		r.SkipReason = reason
		r.FinishedAt = &now
	}); err != nil {
		s.logger.ErrorContext(ctx, "node transition rejected", "error", err.Error())
		return
	}

	payload := map[string]any{"skipReason": string(reason)}
	if condition != "" {
		payload["condition"] = condition
	}
	run.events.Emit(ctx, newEvent(run.ID, node.ID, schema.EventNodeSkipped, 0, payload))
	s.logger.InfoContext(logging.WithNodeID(ctx, node.ID.String()), "node skipped", "skip_reason", reason)

	run.mu.Lock()
	res := run.record.NodeResults[node.ID].Clone()
	run.mu.Unlock()
	if err := run.scope.AddNodeResult(node.Name, res, nil); err != nil {
		s.logger.WarnContext(ctx, "context registration failed", "node_id", node.ID.String(), "error", err.Error())
	}
	s.progress(ctx, run)
}

// complete records a node's terminal result and publishes its output.
func (s *Scheduler) complete(ctx context.Context, run *Run, node *schema.Node, result *schema.NodeResult, output any) {
	err := s.transitionNode(run, node.ID, result.Status, func(r *schema.NodeResult) {
		started := r.StartedAt
		*r = *result.Clone()
		if r.StartedAt == nil {
			r.StartedAt = started
		}
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "node transition rejected", "node_id", node.ID.String(), "error", err.Error())
		return
	}
	if err := run.scope.AddNodeResult(node.Name, result, output); err != nil {
		s.logger.WarnContext(ctx, "context registration failed", "node_id", node.ID.String(), "error", err.Error())
	}
	s.progress(ctx, run)
}

// transitionNode validates and applies a node status change under the run lock.
func (s *Scheduler) transitionNode(run *Run, id schema.NodeID, to schema.NodeStatus, mutate func(*schema.NodeResult)) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	r := run.record.NodeResults[id]
	if err := CheckNodeTransition(id, r.Status, to); err != nil {
		return err
	}
	if mutate != nil {
		mutate(r)
	}
	r.Status = to
	if to == schema.NodeRunning && r.StartedAt == nil {
		now := time.Now().UTC()
		r.StartedAt = &now
	}
	return nil
}

func (s *Scheduler) progress(ctx context.Context, run *Run) {
	if run.onStep == nil {
		return
	}
	run.onStep(context.WithoutCancel(ctx), run.Snapshot())
}

// finish cancels leftovers, aggregates and seals the record.
func (s *Scheduler) finish(ctx context.Context, run *Run) *schema.ExecutionRecord {
	aborted := ctx.Err() != nil
	now := time.Now().UTC()

	run.mu.Lock()
	for _, id := range run.dag.Sorted {
		r := run.record.NodeResults[id]
		if r.Status.Terminal() {
			continue
		}
		r.FinishedAt = &now
		if r.Status == schema.NodeRunning {
			// Dispatched nodes are always waited for; RUNNING here means the node panicked.
			r.Status = schema.NodeFailed
			r.Error = "node execution panicked"
			continue
		}
		r.Status = schema.NodeCancelled
		r.Error = "cancelled before dispatch"
		aborted = true
	}

	status := Aggregate(run.dag, run.record.NodeResults, aborted)
	if err := CheckExecutionTransition(run.ID, run.record.Status, status); err != nil {
		s.logger.ErrorContext(ctx, "execution transition rejected", "error", err.Error())
	}
	run.record.Status = status
	run.record.FinishedAt = &now
	if status == schema.ExecutionCancelled {
		run.record.Error = "execution cancelled"
	} else if status == schema.ExecutionFailed {
		run.record.Error = failureSummary(run.dag, run.record.NodeResults)
	}
	final := run.record.Clone()
	run.mu.Unlock()

	evCtx := context.WithoutCancel(ctx)
	run.events.Emit(evCtx, newEvent(run.ID, "", schema.EventExecutionFinished, 0, map[string]any{
		"status":   string(final.Status),
		"duration": now.Sub(final.StartedAt).String(),
	}))
	s.logger.InfoContext(evCtx, "execution finished", "status", final.Status, "duration", now.Sub(final.StartedAt))
	return final
}

// Aggregate computes the terminal run status over required nodes.
//
//	CANCELLED  the run was aborted before natural completion
//	SUCCESS    every required node succeeded or was skipped by condition
//	FAILED     some required node failed or was skipped by dependency, none succeeded
//	PARTIAL    required successes and required failures both occurred
func Aggregate(dag *DAG, results map[schema.NodeID]*schema.NodeResult, aborted bool) schema.ExecutionStatus {
	if aborted {
		return schema.ExecutionCancelled
	}
	var succeeded, failed bool
	for id, n := range dag.Nodes {
		if n.Optional {
			continue
		}
		r := results[id]
		if r == nil {
			continue
		}
		switch r.Status {
		case schema.NodeSuccess:
			succeeded = true
		case schema.NodeFailed, schema.NodeCancelled:
			failed = true
		case schema.NodeSkipped:
			if r.SkipReason == schema.SkipByDependency {
				failed = true
			}
		}
	}
	switch {
	case !failed:
		return schema.ExecutionSuccess
	case succeeded:
		return schema.ExecutionPartial
	default:
		return schema.ExecutionFailed
	}
}

func failureSummary(dag *DAG, results map[schema.NodeID]*schema.NodeResult) string {
	for _, id := range dag.Sorted {
		if r := results[id]; r != nil && r.Status == schema.NodeFailed && !dag.Nodes[id].Optional {
			return fmt.Sprintf("node %s (%s) failed: %s", id, r.NodeName, r.Error)
		}
	}
	return "required nodes did not complete"
}
