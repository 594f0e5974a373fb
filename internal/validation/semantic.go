package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/actions"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// highRetryThreshold triggers a warning, not an error.
const highRetryThreshold = 10

// validateSemantic checks what the JSON Schema cannot express: unique ids
// and names, resolvable dependencies, parseable conditions, templates and
// extract filters, methods, retry policies and timeouts.
func (wv *WorkflowValidator) validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[schema.NodeID]int, len(def.Nodes))
	names := make(map[string]schema.NodeID, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if prev, dup := ids[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q (first at nodes[%d])", n.ID, prev))
			continue
		}
		ids[n.ID] = i
		if other, dup := names[n.Name]; dup {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("node name %q already used by node %s", n.Name, other))
		} else {
			names[n.Name] = n.ID
		}
	}

	for i := range def.Nodes {
		wv.validateNode(&def.Nodes[i], fmt.Sprintf("nodes[%d]", i), ids, result)
	}

	if len(def.InputSchema) > 0 {
		if err := wv.jsonSchema.CompileInputSchema(def.InputSchema); err != nil {
			result.AddError("inputSchema", schema.ErrCodeValidation,
				fmt.Sprintf("invalid inputSchema: %s", err.Error()))
		}
	}
	return result
}

func (wv *WorkflowValidator) validateNode(n *schema.Node, path string, ids map[schema.NodeID]int, result *schema.ValidationResult) {
	if !actions.ValidMethod(n.HTTPMethod()) {
		result.AddError(path+".method", schema.ErrCodeValidation,
			fmt.Sprintf("unsupported method %q", n.Method))
	}

	seen := make(map[schema.NodeID]bool, len(n.DependsOn))
	for j, dep := range n.DependsOn {
		depPath := fmt.Sprintf("%s.dependsOn[%d]", path, j)
		switch {
		case dep == n.ID:
			result.AddError(depPath, schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %s depends on itself", n.ID))
		case seen[dep]:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate dependency %s", dep))
		default:
			if _, ok := ids[dep]; !ok {
				result.AddError(depPath, schema.ErrCodeValidation,
					fmt.Sprintf("references non-existent node %s", dep))
			}
		}
		seen[dep] = true
	}

	if n.Condition != "" {
		if strings.TrimSpace(n.Condition) == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation, "condition is blank")
		} else if _, err := wv.compiler.Compile(n.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeValidation,
				fmt.Sprintf("invalid condition: %s", err.Error()))
		}
	}

	wv.checkTemplate(path+".request_url", n.RequestURL, result)
	wv.checkTemplate(path+".idempotencyKey", n.IdempotencyKey, result)
	for k, v := range n.Headers {
		wv.checkTemplate(fmt.Sprintf("%s.headers[%s]", path, k), v, result)
	}
	for k, v := range n.QueryParams {
		wv.checkTemplate(fmt.Sprintf("%s.query_params[%s]", path, k), v, result)
	}
	if err := expressions.ValidateTemplates(n.RequestBody); err != nil {
		result.AddError(path+".request_body", schema.ErrCodeValidation,
			fmt.Sprintf("invalid request body: %s", err.Error()))
	}

	if n.Extract != "" {
		if _, err := wv.extractor.Compile(n.Extract); err != nil {
			result.AddError(path+".extract", schema.ErrCodeValidation,
				fmt.Sprintf("invalid extract filter: %s", err.Error()))
		}
	}

	if _, err := engine.CompileBackoff(n.RetryPolicy, engine.DefaultBackoff()); err != nil {
		result.AddError(path+".retryPolicy", schema.ErrCodeValidation, err.Error())
	} else if n.RetryPolicy != nil && n.RetryPolicy.MaxAttempts > highRetryThreshold {
		result.AddWarning(path+".retryPolicy.maxAttempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause long runs", n.RetryPolicy.MaxAttempts))
	}

	if n.Timeout != "" {
		if d, err := time.ParseDuration(n.Timeout); err != nil || d <= 0 {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", n.Timeout))
		}
	}
}

func (wv *WorkflowValidator) checkTemplate(path, src string, result *schema.ValidationResult) {
	if src == "" {
		return
	}
	if _, err := wv.compiler.Template(src); err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid template: %s", err.Error()))
	}
}
