package expressions

import (
	"sync"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Reserved top-level names in a run context.
const (
	ScopePayload   = "payload"
	ScopeNodes     = "nodes"
	ScopeExecution = "execution"
)

// ScopeBuilder accumulates the run context: the input payload plus the
// outputs of completed nodes. Outputs are frozen on insert; a node's output
// can be registered once. Snapshots are deep copies, so conditions and
// templates always see an immutable view.
//
// Snapshot layout:
//
//	<payload field>      every top-level payload field
//	<node name>          decoded response body (or extract result) of that node
//	payload              the whole payload
//	nodes.<name>         {status, statusCode, attempts, skipReason}
//	execution            {executionId, workflowName}
type ScopeBuilder struct {
	mu      sync.RWMutex
	payload map[string]any
	meta    map[string]any
	outputs map[string]any
	nodes   map[string]any
}

// NewScopeBuilder creates a builder. payload and meta are deep-copied.
func NewScopeBuilder(payload, meta map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		payload: deepCopyMap(payload),
		meta:    deepCopyMap(meta),
		outputs: make(map[string]any),
		nodes:   make(map[string]any),
	}
}

// AddNodeResult registers a finished node under its name. Only SUCCESS
// nodes contribute an output; every terminal node contributes its status.
func (sb *ScopeBuilder) AddNodeResult(name string, r *schema.NodeResult, output any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.nodes[name]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %q already registered; node outputs are immutable after completion", name)
	}

	sb.nodes[name] = map[string]any{
		"status":     string(r.Status),
		"statusCode": float64(r.StatusCode),
		"attempts":   float64(r.Attempts),
		"skipReason": string(r.SkipReason),
	}
	if r.Status == schema.NodeSuccess {
		sb.outputs[name] = deepCopyAny(output)
	}
	return nil
}

// Snapshot returns a deep copy of the current context.
func (sb *ScopeBuilder) Snapshot() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	out := make(map[string]any, len(sb.payload)+len(sb.outputs)+3)
	for k, v := range sb.payload {
		out[k] = deepCopyAny(v)
	}
	for k, v := range sb.outputs {
		out[k] = deepCopyAny(v)
	}
	out[ScopePayload] = deepCopyMap(sb.payload)
	out[ScopeNodes] = deepCopyMap(sb.nodes)
	out[ScopeExecution] = deepCopyMap(sb.meta)
	return out
}

// DecodeBody turns a stored response body into a context value. Non-JSON
// bodies are kept as strings.
func DecodeBody(raw xjson.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := xjson.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case xjson.RawMessage:
		return append(xjson.RawMessage(nil), val...)
	default:
		// Scalars decoded from JSON are immutable values.
		return v
	}
}
