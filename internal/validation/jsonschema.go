package validation

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

const workflowSchemaURL = "https://nodeflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes a stored WorkflowDefinition as it marshals.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "nodes"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "maxLength": 200 },
    "description": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "inputSchema": { "type": ["object", "boolean"] },
    "version": { "type": "integer", "minimum": 0 },
    "createdAt": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "nodeId": {
      "oneOf": [
        { "type": "integer" },
        { "type": "string", "minLength": 1 }
      ]
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "stringMap": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "node": {
      "type": "object",
      "required": ["id", "name", "request_url"],
      "properties": {
        "id": { "$ref": "#/$defs/nodeId" },
        "name": { "type": "string", "minLength": 1 },
        "request_url": { "type": "string", "minLength": 1 },
        "method": { "type": "string" },
        "headers": { "$ref": "#/$defs/stringMap" },
        "request_body": {},
        "query_params": { "$ref": "#/$defs/stringMap" },
        "dependsOn": {
          "type": "array",
          "items": { "$ref": "#/$defs/nodeId" }
        },
        "condition": { "type": "string" },
        "idempotencyKey": { "type": "string" },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" },
        "timeout": { "$ref": "#/$defs/duration" },
        "optional": { "type": "boolean" },
        "extract": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retryPolicy": {
      "type": "object",
      "required": ["maxAttempts"],
      "properties": {
        "maxAttempts": { "type": "integer", "minimum": 1 },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "initialDelay": { "$ref": "#/$defs/duration" },
        "maxDelay": { "$ref": "#/$defs/duration" },
        "multiplier": { "type": "number", "minimum": 1 },
        "jitter": { "type": "number", "minimum": 0, "maximum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions against the workflow schema and
// run payloads against a workflow's inputSchema. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the compiled input schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition returns one violation per failing schema leaf.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) []string {
	doc, err := toJSONValue(def)
	if err != nil {
		return []string{"/: cannot serialize definition: " + err.Error()}
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return violations(err)
	}
	return nil
}

// CompileInputSchema checks that raw is a usable JSON Schema.
func (v *JSONSchemaValidator) CompileInputSchema(raw xjson.RawMessage) error {
	_, err := v.getOrCompile(raw)
	return err
}

// ValidateInput validates a run payload against inputSchema. An empty
// schema accepts anything. Failures are INVALID_PAYLOAD.
func (v *JSONSchemaValidator) ValidateInput(payload map[string]any, inputSchema xjson.RawMessage) error {
	if len(bytes.TrimSpace(inputSchema)) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid inputSchema").WithCause(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidPayload, "payload is not serializable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		vs := violations(err)
		msg := "payload does not match inputSchema"
		if len(vs) == 1 {
			msg = vs[0]
		}
		return schema.NewError(schema.ErrCodeInvalidPayload, msg).
			WithDetails(map[string]any{"violations": vs})
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(raw xjson.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("nodeflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v so numbers reach the validator as json.Number.
func toJSONValue(v any) (any, error) {
	b, err := xjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// violations flattens a validation error tree into "location: message" leaves.
func violations(err error) []string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
