package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Notifier pushes an execution's final status to the MCP session that
// started it.
type Notifier struct {
	mcpServer *server.MCPServer
	backend   Backend
	logger    *slog.Logger
}

// NewNotifier creates a notifier that pushes via the MCP server.
func NewNotifier(mcpServer *server.MCPServer, backend Backend, logger *slog.Logger) *Notifier {
	return &Notifier{mcpServer: mcpServer, backend: backend, logger: logger}
}

// Watch follows executionID in the background and notifies sessionID once it
// finishes. Best-effort: a vanished session is not an error.
func (n *Notifier) Watch(sessionID, executionID string) {
	events, err := n.backend.StreamExecutionEvents(context.Background(), executionID, 0)
	if err != nil {
		n.logger.Warn("cannot watch execution", "execution_id", executionID, "error", err)
		return
	}
	go func() {
		for ev := range events {
			if ev.Type == schema.EventExecutionFinished {
				n.notify(sessionID, executionID)
				return
			}
		}
	}()
}

func (n *Notifier) notify(sessionID, executionID string) {
	rec, err := n.backend.GetExecution(context.Background(), executionID)
	if err != nil {
		n.logger.Warn("cannot load finished execution", "execution_id", executionID, "error", err)
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "nodeflow",
		"data": map[string]any{
			"event":        schema.EventExecutionFinished,
			"executionId":  rec.ExecutionID,
			"workflowName": rec.WorkflowName,
			"status":       rec.Status,
		},
	}
	err = n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if err != nil && !errors.Is(err, server.ErrSessionNotFound) {
		n.logger.Warn("execution notification failed", "execution_id", executionID, "error", err)
	}
}
