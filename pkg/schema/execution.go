package schema

import (
	"time"

	"github.com/rendis/nodeflow/internal/xjson"
)

// ExecutionStatus is the aggregate lifecycle state of one run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSuccess   ExecutionStatus = "SUCCESS"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionPartial   ExecutionStatus = "PARTIAL"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionPartial, ExecutionCancelled:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSuccess   NodeStatus = "SUCCESS"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodeCancelled NodeStatus = "CANCELLED"
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// SkipReason distinguishes a false condition from failure propagation.
type SkipReason string

const (
	SkipByCondition  SkipReason = "condition"
	SkipByDependency SkipReason = "dependency"
)

// ExecutionRecord is the full history of one run.
type ExecutionRecord struct {
	ExecutionID     string                 `json:"executionId"`
	WorkflowName    string                 `json:"workflowName"`
	WorkflowVersion int                    `json:"workflowVersion,omitempty"`
	Status          ExecutionStatus        `json:"status"`
	StartedAt       time.Time              `json:"startedAt"`
	FinishedAt      *time.Time             `json:"finishedAt,omitempty"`
	InputPayload    xjson.RawMessage       `json:"inputPayload,omitempty"`
	NodeResults     map[NodeID]*NodeResult `json:"nodeResults"`
	Error           string                 `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand out while the run keeps mutating the original.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	c.InputPayload = cloneRaw(r.InputPayload)
	c.NodeResults = make(map[NodeID]*NodeResult, len(r.NodeResults))
	for id, nr := range r.NodeResults {
		c.NodeResults[id] = nr.Clone()
	}
	return &c
}

// Summary returns the list-view projection of the record.
func (r *ExecutionRecord) Summary() ExecutionSummary {
	return ExecutionSummary{
		ExecutionID:  r.ExecutionID,
		WorkflowName: r.WorkflowName,
		ExecutedAt:   r.StartedAt,
		Status:       r.Status,
	}
}

// NodeResult is the outcome of one node within a run.
type NodeResult struct {
	NodeID         NodeID           `json:"nodeId"`
	NodeName       string           `json:"nodeName,omitempty"`
	Status         NodeStatus       `json:"status"`
	SkipReason     SkipReason       `json:"skipReason,omitempty"`
	Attempts       int              `json:"attempts"`
	StatusCode     int              `json:"statusCode,omitempty"`
	ResponseBody   xjson.RawMessage `json:"responseBody,omitempty"`
	Error          string           `json:"error,omitempty"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
}

func (n *NodeResult) Clone() *NodeResult {
	if n == nil {
		return nil
	}
	c := *n
	c.ResponseBody = cloneRaw(n.ResponseBody)
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.FinishedAt != nil {
		t := *n.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ExecutionSummary is the list view of an execution.
type ExecutionSummary struct {
	ExecutionID  string          `json:"executionId"`
	WorkflowName string          `json:"workflowName"`
	ExecutedAt   time.Time       `json:"executedAt"`
	Status       ExecutionStatus `json:"status"`
}

// ExecutionFilter narrows ListExecutions. Zero values mean "any".
type ExecutionFilter struct {
	WorkflowName string
	Status       ExecutionStatus
	Limit        int
}

func cloneRaw(b xjson.RawMessage) xjson.RawMessage {
	if b == nil {
		return nil
	}
	return append(xjson.RawMessage(nil), b...)
}
