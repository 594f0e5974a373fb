package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/nodeflow/internal/diagram"
	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// workflowRequest accepts either {name, workflowJson} where workflowJson is
// a document (object, node array or a string holding one), or the document
// fields inline next to name.
type workflowRequest struct {
	Name         string           `json:"name"`
	WorkflowJSON xjson.RawMessage `json:"workflowJson"`
}

type workflowResponse struct {
	Name         string                  `json:"name"`
	Version      int                     `json:"version"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
	WorkflowJSON schema.WorkflowDocument `json:"workflowJson"`
}

func toWorkflowResponse(def *schema.WorkflowDefinition) workflowResponse {
	return workflowResponse{
		Name:         def.Name,
		Version:      def.Version,
		CreatedAt:    def.CreatedAt,
		UpdatedAt:    def.UpdatedAt,
		WorkflowJSON: def.Document(),
	}
}

type validateResponse struct {
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings"`
}

// decodeWorkflow parses a workflow request body. pathName, when set, wins
// over the body's name and must agree with it.
func decodeWorkflow(r *http.Request, pathName string) (*schema.WorkflowDefinition, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var req workflowRequest
	if err := xjson.Unmarshal(body, &req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed request body: %s", err.Error())
	}

	name := req.Name
	if pathName != "" {
		if name != "" && name != pathName {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "body name %q does not match path name %q", name, pathName)
		}
		name = pathName
	}
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "name is required")
	}

	doc := bytes.TrimSpace(req.WorkflowJSON)
	switch {
	case len(doc) == 0 || bytes.Equal(doc, []byte("null")):
		doc = body
	case doc[0] == '"':
		var s string
		if err := xjson.Unmarshal(doc, &s); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed workflowJson: %s", err.Error())
		}
		doc = []byte(s)
	}
	return validation.ParseDefinition(name, doc)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := decodeWorkflow(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.svc.CreateWorkflow(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkflowResponse(created))
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := decodeWorkflow(r, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.svc.UpdateWorkflow(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(updated))
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.svc.DeleteWorkflow(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "name": name})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.GetWorkflow(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(def))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.ListWorkflowNames(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// handleValidateWorkflow is a dry run: an invalid workflow is still a 200
// with valid=false. Only an unparsable body is a 400.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := decodeWorkflow(r, "")
	if err != nil {
		writeError(w, err)
		return
	}
	res := s.svc.ValidateWorkflow(def)
	resp := validateResponse{Valid: res.Valid(), Errors: res.Errors, Warnings: res.Warnings}
	if resp.Errors == nil {
		resp.Errors = []schema.ValidationIssue{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []schema.ValidationIssue{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := xjson.Unmarshal(body, &payload); err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeInvalidPayload, "payload must be a JSON object: %s", err.Error()))
			return
		}
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))

	rec, err := s.svc.RunWorkflow(r.Context(), r.PathValue("name"), payload, service.RunOptions{Async: async})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, rec)
}

// handleWorkflowDiagram renders the workflow as a Mermaid flowchart. With
// ?execution=<id> node statuses of that execution are overlaid.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	def, err := s.svc.GetWorkflow(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	var rec *schema.ExecutionRecord
	if id := r.URL.Query().Get("execution"); id != "" {
		if rec, err = s.svc.GetExecution(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if rec.WorkflowName != def.Name {
			badRequest(w, "execution %s belongs to workflow %q", id, rec.WorkflowName)
			return
		}
	}
	model, err := diagram.Build(def, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := schema.ExecutionFilter{
		WorkflowName: r.URL.Query().Get("workflow"),
		Status:       schema.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:        limit,
	}
	if filter.Status != "" && !knownStatus(filter.Status) {
		badRequest(w, "unknown execution status %q", filter.Status)
		return
	}
	list, err := s.svc.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []schema.ExecutionSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func knownStatus(st schema.ExecutionStatus) bool {
	switch st {
	case schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionSuccess,
		schema.ExecutionFailed, schema.ExecutionPartial, schema.ExecutionCancelled:
		return true
	}
	return false
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.CancelExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.svc.ListExecutionEvents(r.Context(), r.PathValue("id"), int64(since))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
