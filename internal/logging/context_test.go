package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowName(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithExecutionID(ctx, "exec-123")
	ctx = WithWorkflowName(ctx, "onboarding")
	ctx = WithNodeID(ctx, "2")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "onboarding", WorkflowName(ctx))
	assert.Equal(t, "2", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithRun(context.Background(), "exec-abc", "onboarding"), "7")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "workflow_name=onboarding")
	assert.Contains(t, output, "node_id=7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithExecutionID(context.Background(), "exec-only"), logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "workflow_name=")
	assert.NotContains(t, output, "node_id=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug")

	ctx := WithNodeID(WithRun(context.Background(), "exec-1", "billing"), "3")
	logger.InfoContext(ctx, "node dispatched")

	var rec map[string]any
	require.NoError(t, xjson.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "exec-1", rec["execution_id"])
	assert.Equal(t, "billing", rec["workflow_name"])
	assert.Equal(t, "3", rec["node_id"])
	assert.Equal(t, "node dispatched", rec["msg"])
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").InfoContext(context.Background(), "plain")

	var rec map[string]any
	require.NoError(t, xjson.Unmarshal(buf.Bytes(), &rec))
	assert.NotContains(t, rec, "execution_id")
	assert.NotContains(t, rec, "node_id")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info").With(slog.String("component", "engine"))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-9"), "with attrs")

	var rec map[string]any
	require.NoError(t, xjson.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "exec-9", rec["execution_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
