// Package service implements the core operations of nodeflow on top of the
// store, the validator and the execution engine. The HTTP API, the MCP
// server and the cron triggers are thin translations of this API.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/nodeflow/internal/actions"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Options configure a Service. Zero values select defaults.
type Options struct {
	PoolSize       int
	Executor       engine.NodeExecutorConfig
	CircuitBreaker engine.CircuitBreakerConfig
	// Caller performs outbound node calls. Defaults to an HTTP caller.
	Caller actions.Caller
	// Hub receives live events. Defaults to an in-memory hub.
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Service owns workflow definitions and the runs executing them.
type Service struct {
	store     store.Store
	validator *validation.WorkflowValidator
	pool      *engine.WorkerPool
	scheduler *engine.Scheduler
	hub       streaming.EventHub
	logger    *slog.Logger

	dags   *dagCache
	active sync.Map // workflow name -> *atomic.Int64
	runs   sync.Map // execution id -> *engine.Run

	baseCtx  context.Context
	stopRuns context.CancelFunc
	closing  atomic.Bool
	wg       sync.WaitGroup
}

func New(st store.Store, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = engine.DefaultPoolSize
	}
	caller := opts.Caller
	if caller == nil {
		caller = actions.NewHTTPCaller(actions.HTTPConfig{DefaultTimeout: opts.Executor.DefaultTimeout})
	}
	hub := opts.Hub
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}

	compiler := expressions.NewCompiler()
	extractor := expressions.NewExtractor()
	validator, err := validation.NewWorkflowValidator(compiler, extractor)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	breakers := engine.NewCircuitBreakers(opts.CircuitBreaker)
	breakers.OnStateChange = func(host string, from, to engine.CircuitState) {
		logger.Warn("circuit state changed", "host", host, "from", from.String(), "to", to.String())
	}
	pool := engine.NewWorkerPool(opts.PoolSize)
	nodes := engine.NewNodeExecutor(caller, compiler, extractor, breakers, opts.Executor, logger)

	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		validator: validator,
		pool:      pool,
		scheduler: engine.NewScheduler(pool, nodes, logger),
		hub:       hub,
		logger:    logger,
		dags:      newDAGCache(),
		baseCtx:   baseCtx,
		stopRuns:  stop,
	}, nil
}

// Hub exposes the live event hub.
func (s *Service) Hub() streaming.EventHub { return s.hub }

// PoolMetrics reports the shared worker pool counters.
func (s *Service) PoolMetrics() engine.PoolMetrics { return s.pool.Metrics() }

// --- Workflows ---

// ValidateWorkflow is a dry run of the checks CreateWorkflow applies.
func (s *Service) ValidateWorkflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}

// CreateWorkflow validates and stores def at version 1. A rejected
// definition is never stored.
func (s *Service) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.CreateWorkflow(ctx, def); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "workflow created", logging.AttrWorkflowName, def.Name, "nodes", len(def.Nodes))
	return def, nil
}

// UpdateWorkflow validates def and replaces the stored definition of the
// same name, bumping its version. Runs already in flight keep their DAG.
func (s *Service) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.UpdateWorkflow(ctx, def); err != nil {
		return nil, err
	}
	s.dags.evict(def.Name)
	s.logger.InfoContext(ctx, "workflow updated", logging.AttrWorkflowName, def.Name, "version", def.Version)
	return def, nil
}

// DeleteWorkflow removes a definition. CONFLICT while any run of it is
// active. The run counter is held at the deleting sentinel until the store
// delete returns, so no run can be admitted in between.
func (s *Service) DeleteWorkflow(ctx context.Context, name string) error {
	counter := s.counter(name)
	if !counter.CompareAndSwap(0, deleting) {
		n := counter.Load()
		if n == deleting {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already being deleted", name)
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q has %d running execution(s)", name, n).
			WithDetails(map[string]any{"active": n})
	}
	defer counter.Store(0)

	if err := s.store.DeleteWorkflow(ctx, name); err != nil {
		return err
	}
	s.dags.evict(name)
	s.logger.InfoContext(ctx, "workflow deleted", logging.AttrWorkflowName, name)
	return nil
}

func (s *Service) GetWorkflow(ctx context.Context, name string) (*schema.WorkflowDefinition, error) {
	return s.store.GetWorkflow(ctx, name)
}

func (s *Service) ListWorkflowNames(ctx context.Context) ([]string, error) {
	return s.store.ListWorkflowNames(ctx)
}

// deleting marks a run counter while its workflow is being deleted.
const deleting = -1

// ActiveRuns returns the number of non-terminal runs of a workflow.
func (s *Service) ActiveRuns(name string) int64 {
	if c, ok := s.active.Load(name); ok {
		return max(c.(*atomic.Int64).Load(), 0)
	}
	return 0
}

func (s *Service) counter(name string) *atomic.Int64 {
	c, _ := s.active.LoadOrStore(name, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// admit counts a new run of name unless a delete of it is in progress. The
// caller must release the counter on every path once admitted.
func (s *Service) admit(name string) (*atomic.Int64, error) {
	counter := s.counter(name)
	for {
		n := counter.Load()
		if n == deleting {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is being deleted", name)
		}
		if counter.CompareAndSwap(n, n+1) {
			return counter, nil
		}
	}
}

// dag returns the cached graph of def's version, building it on a miss.
func (s *Service) dag(def *schema.WorkflowDefinition) (*engine.DAG, error) {
	if d, ok := s.dags.get(def.Name, def.Version); ok {
		return d, nil
	}
	d, err := engine.ParseDAG(def.Nodes)
	if err != nil {
		return nil, err
	}
	s.dags.put(def.Name, def.Version, d)
	return d, nil
}

type dagKey struct {
	name    string
	version int
}

// dagCache holds one DAG per (name, version).
type dagCache struct {
	mu   sync.RWMutex
	dags map[dagKey]*engine.DAG
}

func newDAGCache() *dagCache {
	return &dagCache{dags: make(map[dagKey]*engine.DAG)}
}

func (c *dagCache) get(name string, version int) (*engine.DAG, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dags[dagKey{name, version}]
	return d, ok
}

func (c *dagCache) put(name string, version int, d *engine.DAG) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dags[dagKey{name, version}] = d
}

// evict drops every cached version of name.
func (c *dagCache) evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.dags {
		if k.name == name {
			delete(c.dags, k)
		}
	}
}

func (c *dagCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.dags)
}
