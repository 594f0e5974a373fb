package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

type workflowResult struct {
	Name         string                  `json:"name"`
	Version      int                     `json:"version"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
	WorkflowJSON schema.WorkflowDocument `json:"workflowJson"`
}

func toWorkflowResult(def *schema.WorkflowDefinition) workflowResult {
	return workflowResult{
		Name:         def.Name,
		Version:      def.Version,
		CreatedAt:    def.CreatedAt,
		UpdatedAt:    def.UpdatedAt,
		WorkflowJSON: def.Document(),
	}
}

// handleDefine creates a workflow, or updates it when replace is set.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	raw, ok := req.GetArguments()["workflow"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	var doc []byte
	if str, isStr := raw.(string); isStr {
		doc = []byte(str)
	} else if doc, err = xjson.Marshal(raw); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}
	def, err := validation.ParseDefinition(name, doc)
	if err != nil {
		return toolError(err), nil
	}

	if req.GetBool("replace", false) {
		if _, getErr := s.backend.GetWorkflow(ctx, name); getErr == nil {
			updated, err := s.backend.UpdateWorkflow(ctx, def)
			if err != nil {
				return toolError(err), nil
			}
			return marshalResult(toWorkflowResult(updated))
		} else if !errors.Is(getErr, schema.ErrNotFound) {
			return toolError(getErr), nil
		}
	}

	created, err := s.backend.CreateWorkflow(ctx, def)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(toWorkflowResult(created))
}

func (s *Server) handleGetWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	def, err := s.backend.GetWorkflow(ctx, name)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(toWorkflowResult(def))
}

func (s *Server) handleListWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.backend.ListWorkflowNames(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if names == nil {
		names = []string{}
	}
	return marshalResult(map[string]any{"workflows": names})
}

func (s *Server) handleDeleteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	if err := s.backend.DeleteWorkflow(ctx, name); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"deleted": true, "name": name})
}

// handleRun executes a workflow. A run that finishes with failed nodes is a
// normal result; only rejected runs are tool errors.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	async := req.GetBool("async", false)

	rec, err := s.backend.RunWorkflow(ctx, name, payload, service.RunOptions{Async: async})
	if err != nil {
		return toolError(err), nil
	}
	if async && req.GetBool("notify", false) {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			s.notifier.Watch(session.SessionID(), rec.ExecutionID)
		} else {
			s.logger.WarnContext(logging.WithRun(ctx, rec.ExecutionID, name), "notify requested without a client session")
		}
	}
	return marshalResult(rec)
}

func (s *Server) handleGetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	rec, err := s.backend.GetExecution(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(rec)
}

func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := schema.ExecutionFilter{
		WorkflowName: req.GetString("workflow", ""),
		Status:       schema.ExecutionStatus(req.GetString("status", "")),
		Limit:        req.GetInt("limit", 0),
	}
	list, err := s.backend.ListExecutions(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	if list == nil {
		list = []schema.ExecutionSummary{}
	}
	return marshalResult(map[string]any{"executions": list})
}

func (s *Server) handleCancelExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	rec, err := s.backend.CancelExecution(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(rec)
}

// toolError reports err to the client as a tool-level error. The text
// carries the error code, e.g. "[NOT_FOUND] workflow "x" not found".
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(xjson.RawMessage(data))
}
