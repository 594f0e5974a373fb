package store

import (
	"context"
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// WorkflowStore is durable keyed storage of workflow definitions.
// Definitions reaching it have already been validated.
type WorkflowStore interface {
	// CreateWorkflow stores def at version 1. DUPLICATE_NAME if the name exists.
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	// UpdateWorkflow replaces the document of an existing definition and
	// bumps its version. NOT_FOUND if the name is absent. def is updated in
	// place with the stored version and timestamps.
	UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
	// ListWorkflowNames returns every name, ascending.
	ListWorkflowNames(ctx context.Context) ([]string, error)
	DeleteWorkflow(ctx context.Context, name string) error
}

// ExecutionStore is the history of runs. Records are written whole.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	// ListExecutions returns summaries newest first.
	ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]schema.ExecutionSummary, error)
}

// EventStore is the append-only per-execution event log.
type EventStore interface {
	// AppendEvent assigns ev.ID, the next contiguous sequence number of its execution.
	AppendEvent(ctx context.Context, ev *schema.ExecutionEvent) error
	// ListEvents returns events with ID > since, in sequence order.
	ListEvents(ctx context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error)
}

// Store is the full persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config selects and locates a backend.
type Config struct {
	Driver string `json:"driver" yaml:"driver"`
	// Path is a database file for libsql/sqlite and a directory for badger.
	Path string `json:"path" yaml:"path"`
}

// Open creates the configured backend and runs its migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", DriverMemory:
		s = NewMemoryStore()
	case DriverLibSQL:
		s, err = NewLibSQLStore(fileDSN(cfg.Path))
	case DriverSQLite:
		s, err = NewSQLiteStore(cfg.Path)
	case DriverBadger:
		s, err = NewBadgerStore(cfg.Path)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open %s store: %s", cfg.Driver, err.Error()).WithCause(err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore, "migrate %s store: %s", cfg.Driver, err.Error()).WithCause(err)
	}
	return s, nil
}

func fileDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

func notFound(resource, id string) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func duplicateName(name string) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeDuplicateName, "workflow %q already exists", name)
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// effectiveLimit clamps a list limit; zero or negative means no limit.
func effectiveLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func matchesFilter(sum schema.ExecutionSummary, f schema.ExecutionFilter) bool {
	if f.WorkflowName != "" && sum.WorkflowName != f.WorkflowName {
		return false
	}
	if f.Status != "" && sum.Status != f.Status {
		return false
	}
	return true
}
