package schema

import (
	"time"

	"github.com/rendis/nodeflow/internal/xjson"
)

// Event types recorded in the per-execution audit log.
const (
	EventExecutionStarted  = "execution.started"
	EventExecutionFinished = "execution.finished"

	EventNodeStarted       = "node.started"
	EventNodeAttemptFailed = "node.attempt_failed"
	EventNodeSucceeded     = "node.succeeded"
	EventNodeFailed        = "node.failed"
	EventNodeSkipped       = "node.skipped"
	EventNodeCancelled     = "node.cancelled"
	EventNodeDeduplicated  = "node.deduplicated"

	EventCircuitOpen   = "circuit.open"
	EventCircuitClosed = "circuit.closed"
)

// ExecutionEvent is one entry of an execution's append-only event log.
type ExecutionEvent struct {
	ID          int64            `json:"id,omitempty"`
	ExecutionID string           `json:"executionId"`
	NodeID      NodeID           `json:"nodeId,omitempty"`
	Type        string           `json:"type"`
	Attempt     int              `json:"attempt,omitempty"`
	Payload     xjson.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}
