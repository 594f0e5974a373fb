package validation

import (
	"bytes"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// WorkflowValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, expressions, methods, retry policies)
// 3. DAG (cycles, visibility of node outputs)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	compiler   *expressions.Compiler
	extractor  *expressions.Extractor
}

// NewWorkflowValidator shares compiler and extractor caches with the engine
// when given; nil values get private instances.
func NewWorkflowValidator(compiler *expressions.Compiler, extractor *expressions.Extractor) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if compiler == nil {
		compiler = expressions.NewCompiler()
	}
	if extractor == nil {
		extractor = expressions.NewExtractor()
	}
	return &WorkflowValidator{jsonSchema: jsv, compiler: compiler, extractor: extractor}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// later stages, and semantic errors skip the DAG stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	for _, v := range wv.jsonSchema.ValidateDefinition(def) {
		result.AddError("/", schema.ErrCodeValidation, v)
	}
	if !result.Valid() {
		return result
	}

	result.Merge(wv.validateSemantic(def))
	if result.Valid() {
		result.Merge(wv.validateDAG(def))
	}
	return result
}

// ValidateDefinition is Validate collapsed to an error: VALIDATION_ERROR,
// or CYCLE_DETECTED when a cycle is the only problem.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput checks a run payload against the workflow's inputSchema.
func (wv *WorkflowValidator) ValidateInput(payload map[string]any, inputSchema xjson.RawMessage) error {
	return wv.jsonSchema.ValidateInput(payload, inputSchema)
}

// ParseDefinition decodes a workflow JSON document: either a bare node
// array or an object with nodes. Malformed JSON is a VALIDATION_ERROR; the
// result still needs Validate.
func ParseDefinition(name string, doc []byte) (*schema.WorkflowDefinition, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) > 0 && doc[0] == '[' {
		var nodes []schema.Node
		if err := xjson.Unmarshal(doc, &nodes); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed workflow JSON: %s", err.Error()).WithCause(err)
		}
		return &schema.WorkflowDefinition{Name: name, Nodes: nodes}, nil
	}
	var d schema.WorkflowDocument
	if err := xjson.Unmarshal(doc, &d); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed workflow JSON: %s", err.Error()).WithCause(err)
	}
	return &schema.WorkflowDefinition{
		Name:        name,
		Description: d.Description,
		Nodes:       d.Nodes,
		InputSchema: d.InputSchema,
	}, nil
}
