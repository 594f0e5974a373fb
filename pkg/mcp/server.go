// Package mcp exposes nodeflow's workflow and execution operations as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Backend is the set of operations the tools translate to.
// *service.Service satisfies it.
type Backend interface {
	CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, name string) (*schema.WorkflowDefinition, error)
	ListWorkflowNames(ctx context.Context) ([]string, error)
	DeleteWorkflow(ctx context.Context, name string) error
	RunWorkflow(ctx context.Context, name string, payload map[string]any, opts service.RunOptions) (*schema.ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]schema.ExecutionSummary, error)
	CancelExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	StreamExecutionEvents(ctx context.Context, id string, since int64) (<-chan *schema.ExecutionEvent, error)
}

// Server wraps an MCP server with nodeflow tool handlers.
type Server struct {
	backend   Backend
	logger    *slog.Logger
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(backend Backend, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{backend: backend, logger: logger}

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("nodeflow runs workflows of HTTP nodes ordered by their dependencies. "+
			"Use workflow.define to register a workflow, workflow.run to execute it, execution.get to "+
			"inspect a run and execution.cancel to stop one."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, backend, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: getWorkflowTool(), Handler: s.handleGetWorkflow},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: deleteWorkflowTool(), Handler: s.handleDeleteWorkflow},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: getExecutionTool(), Handler: s.handleGetExecution},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: cancelExecutionTool(), Handler: s.handleCancelExecution},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Register a workflow, or replace an existing one"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique workflow name")),
		mcp.WithObject("workflow", mcp.Required(),
			mcp.Description("Workflow document: {nodes, description?, inputSchema?}. A JSON string holding the document or a bare node array is also accepted")),
		mcp.WithBoolean("replace", mcp.Description("Update the workflow if it already exists (default: false)")),
	)
}

func getWorkflowTool() mcp.Tool {
	return mcp.NewTool("workflow.get",
		mcp.WithDescription("Get a workflow definition by name"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List registered workflow names"),
	)
}

func deleteWorkflowTool() mcp.Tool {
	return mcp.NewTool("workflow.delete",
		mcp.WithDescription("Delete a workflow. Fails while any of its executions is running"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a workflow against an input payload"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("payload", mcp.Description("Input payload available to node templates and conditions")),
		mcp.WithBoolean("async", mcp.Description("Return as soon as the run has started (default: false)")),
		mcp.WithBoolean("notify", mcp.Description("With async, send a notification to this session when the run finishes")),
	)
}

func getExecutionTool() mcp.Tool {
	return mcp.NewTool("execution.get",
		mcp.WithDescription("Get an execution record with per-node results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("execution.list",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithString("workflow", mcp.Description("Only executions of this workflow")),
		mcp.WithString("status", mcp.Description("Only executions in this status"),
			mcp.Enum(
				string(schema.ExecutionPending), string(schema.ExecutionRunning), string(schema.ExecutionSuccess),
				string(schema.ExecutionFailed), string(schema.ExecutionPartial), string(schema.ExecutionCancelled),
			)),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions to return")),
	)
}

func cancelExecutionTool() mcp.Tool {
	return mcp.NewTool("execution.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID")),
	)
}
