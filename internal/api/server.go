// Package api serves the nodeflow HTTP API.
package api

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/service"
)

// Server translates HTTP requests into service calls.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewServer creates a Server. A nil logger discards output.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{svc: svc, logger: logger}
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows/validate", s.handleValidateWorkflow)
	mux.HandleFunc("GET /api/workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{name}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{name}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{name}/run", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/workflows/{name}/diagram", s.handleWorkflowDiagram)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleListEvents)

	// SSE.
	mux.HandleFunc("GET /api/executions/{id}/stream", s.handleStream)

	return otelhttp.NewHandler(mux, "nodeflow.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.svc.PoolMetrics(),
	})
}
