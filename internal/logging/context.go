package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	workflowNameKey
	nodeIDKey
)

// Attribute names added to every record that carries correlation values.
const (
	AttrExecutionID  = "execution_id"
	AttrWorkflowName = "workflow_name"
	AttrNodeID       = "node_id"
)

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

func WithWorkflowName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workflowNameKey, name)
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// WorkflowName extracts the workflow name from the context, or "" if absent.
func WorkflowName(ctx context.Context) string {
	v, _ := ctx.Value(workflowNameKey).(string)
	return v
}

// NodeID extracts the node ID from the context, or "" if absent.
func NodeID(ctx context.Context) string {
	v, _ := ctx.Value(nodeIDKey).(string)
	return v
}

// WithRun sets the run-level correlation values at once.
func WithRun(ctx context.Context, executionID, workflowName string) context.Context {
	ctx = WithExecutionID(ctx, executionID)
	return WithWorkflowName(ctx, workflowName)
}

// LogWith returns a logger enriched with correlation values from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := ExecutionID(ctx); v != "" {
		logger = logger.With(slog.String(AttrExecutionID, v))
	}
	if v := WorkflowName(ctx); v != "" {
		logger = logger.With(slog.String(AttrWorkflowName, v))
	}
	if v := NodeID(ctx); v != "" {
		logger = logger.With(slog.String(AttrNodeID, v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation values from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String(AttrExecutionID, v))
	}
	if v := WorkflowName(ctx); v != "" {
		r.AddAttrs(slog.String(AttrWorkflowName, v))
	}
	if v := NodeID(ctx); v != "" {
		r.AddAttrs(slog.String(AttrNodeID, v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: JSON records on w with correlation values.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything. Used when no logger is injected.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
