package engine

import (
	"slices"

	"github.com/rendis/nodeflow/pkg/schema"
)

// ValidExecutionTransitions is the lifecycle of one run. The four outcomes are terminal.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning: {
		schema.ExecutionSuccess,
		schema.ExecutionFailed,
		schema.ExecutionPartial,
		schema.ExecutionCancelled,
	},
}

// ValidNodeTransitions is the lifecycle of one node within a run.
// PENDING may jump straight to SKIPPED or CANCELLED without dispatch.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending: {schema.NodeRunning, schema.NodeSkipped, schema.NodeCancelled},
	schema.NodeRunning: {schema.NodeSuccess, schema.NodeFailed, schema.NodeCancelled},
}

// CheckExecutionTransition returns INVALID_TRANSITION if from → to is not allowed.
func CheckExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if slices.Contains(ValidExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// CheckNodeTransition returns INVALID_TRANSITION if from → to is not allowed.
func CheckNodeTransition(nodeID schema.NodeID, from, to schema.NodeStatus) error {
	if slices.Contains(ValidNodeTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition: %s -> %s", from, to).WithNode(nodeID)
}

func nodeEventType(r *schema.NodeResult) string {
	switch r.Status {
	case schema.NodeRunning:
		return schema.EventNodeStarted
	case schema.NodeSuccess:
		return schema.EventNodeSucceeded
	case schema.NodeFailed:
		return schema.EventNodeFailed
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	case schema.NodeCancelled:
		return schema.EventNodeCancelled
	}
	return ""
}
