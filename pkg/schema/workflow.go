package schema

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/xjson"
)

// WorkflowDefinition is a named, versioned graph of HTTP-calling nodes.
type WorkflowDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Nodes       []Node           `json:"nodes"`
	InputSchema xjson.RawMessage `json:"inputSchema,omitempty"`
	Version     int              `json:"version,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// WorkflowDocument is the persisted workflow JSON: the definition minus its key and bookkeeping.
type WorkflowDocument struct {
	Description string           `json:"description,omitempty"`
	Nodes       []Node           `json:"nodes"`
	InputSchema xjson.RawMessage `json:"inputSchema,omitempty"`
}

// Document strips the name and bookkeeping fields.
func (w *WorkflowDefinition) Document() WorkflowDocument {
	return WorkflowDocument{Description: w.Description, Nodes: w.Nodes, InputSchema: w.InputSchema}
}

// Node looks up a node by id.
func (w *WorkflowDefinition) Node(id NodeID) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Node is a unit of work: one outbound HTTP call plus scheduling metadata.
type Node struct {
	ID             NodeID            `json:"id"`
	Name           string            `json:"name"`
	RequestURL     string            `json:"request_url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RequestBody    xjson.RawMessage  `json:"request_body,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
	DependsOn      []NodeID          `json:"dependsOn,omitempty"`
	Condition      string            `json:"condition,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retryPolicy,omitempty"`
	Timeout        string            `json:"timeout,omitempty"`
	Optional       bool              `json:"optional,omitempty"`
	Extract        string            `json:"extract,omitempty"`
}

// DefaultMethod is used when a node omits method.
const DefaultMethod = "POST"

// HTTPMethod returns the upper-cased method, defaulting to POST.
func (n *Node) HTTPMethod() string {
	if n.Method == "" {
		return DefaultMethod
	}
	return strings.ToUpper(n.Method)
}

// nodeAliases carries the snake_case spellings accepted on input.
type nodeAliases struct {
	RequestHeaders map[string]string `json:"request_headers"`
	DependsOnSnake []NodeID          `json:"depends_on"`
	IdempotencyKey string            `json:"idempotency_key"`
	Retry          *int              `json:"retry"`
}

// UnmarshalJSON accepts the canonical field names plus the aliases
// request_headers, depends_on, idempotency_key and the legacy integer retry.
func (n *Node) UnmarshalJSON(data []byte) error {
	type plain Node
	var p plain
	if err := xjson.Unmarshal(data, &p); err != nil {
		return err
	}
	var a nodeAliases
	if err := xjson.Unmarshal(data, &a); err != nil {
		return err
	}
	if p.Headers == nil && a.RequestHeaders != nil {
		p.Headers = a.RequestHeaders
	}
	if p.DependsOn == nil && a.DependsOnSnake != nil {
		p.DependsOn = a.DependsOnSnake
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = a.IdempotencyKey
	}
	if p.RetryPolicy == nil && a.Retry != nil {
		p.RetryPolicy = &RetryPolicy{MaxAttempts: *a.Retry + 1}
	}
	*n = Node(p)
	return nil
}

// Backoff shapes for RetryPolicy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy is data, not control flow: the executor reads it, tests inspect it.
type RetryPolicy struct {
	MaxAttempts  int     `json:"maxAttempts"`
	Backoff      string  `json:"backoff,omitempty"`
	InitialDelay string  `json:"initialDelay,omitempty"`
	MaxDelay     string  `json:"maxDelay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
}

// NodeID identifies a node within one definition. JSON accepts integers or strings.
type NodeID string

func (id *NodeID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := xjson.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NodeID(s)
		return nil
	}
	var n xjson.Number
	if err := xjson.Unmarshal(data, &n); err != nil {
		return NewErrorf(ErrCodeValidation, "node id must be an integer or string, got %s", string(data))
	}
	if _, err := n.Int64(); err != nil {
		return NewErrorf(ErrCodeValidation, "node id must be an integer, got %s", n.String())
	}
	*id = NodeID(n.String())
	return nil
}

// MarshalJSON writes integer-looking ids back as numbers so stored JSON
// keeps the shape it was submitted in.
func (id NodeID) MarshalJSON() ([]byte, error) {
	if _, ok := id.Int(); ok {
		return []byte(id), nil
	}
	return xjson.Marshal(string(id))
}

// Int returns the numeric value of an integer id.
func (id NodeID) Int() (int64, bool) {
	s := string(id)
	if s == "" || (len(s) > 1 && s[0] == '0') || strings.HasPrefix(s, "+") {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (id NodeID) String() string { return string(id) }

// CompareNodeIDs orders ids numerically when both are integers, lexically otherwise.
// Integers sort before non-integers.
func CompareNodeIDs(a, b NodeID) int {
	ai, aok := a.Int()
	bi, bok := b.Int()
	switch {
	case aok && bok:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aok:
		return -1
	case bok:
		return 1
	}
	return strings.Compare(string(a), string(b))
}
