package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeCycleDetected  = "CYCLE_DETECTED"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeDuplicateName  = "DUPLICATE_NAME"

	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	ErrCodeStore          = "STORE_ERROR"
	ErrCodeInfrastructure = "INFRASTRUCTURE_ERROR"
)

// NodeflowError is the structured error type returned by every core operation.
type NodeflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  NodeID         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *NodeflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NodeflowError) Unwrap() error {
	return e.Cause
}

// Is matches another *NodeflowError by code, so errors.Is(err, schema.ErrNotFound) works.
func (e *NodeflowError) Is(target error) bool {
	var t *NodeflowError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// NewError creates a new NodeflowError.
func NewError(code, message string) *NodeflowError {
	return &NodeflowError{Code: code, Message: message}
}

// NewErrorf creates a new NodeflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *NodeflowError {
	return &NodeflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *NodeflowError) WithNode(id NodeID) *NodeflowError {
	e.NodeID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *NodeflowError) WithCause(err error) *NodeflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NodeflowError) WithDetails(details map[string]any) *NodeflowError {
	e.Details = details
	return e
}

// Sentinels for errors.Is comparisons. They carry only a code.
var (
	ErrValidation     = &NodeflowError{Code: ErrCodeValidation}
	ErrCycleDetected  = &NodeflowError{Code: ErrCodeCycleDetected}
	ErrInvalidPayload = &NodeflowError{Code: ErrCodeInvalidPayload}
	ErrNotFound       = &NodeflowError{Code: ErrCodeNotFound}
	ErrConflict       = &NodeflowError{Code: ErrCodeConflict}
	ErrDuplicateName  = &NodeflowError{Code: ErrCodeDuplicateName}
	ErrStore          = &NodeflowError{Code: ErrCodeStore}
)

// CodeOf returns the code of the first NodeflowError in err's chain, or "".
func CodeOf(err error) string {
	var ne *NodeflowError
	if errors.As(err, &ne) {
		return ne.Code
	}
	return ""
}

// IsValidationError reports whether err is rejected input: malformed JSON,
// structural problems, cycles or a payload that fails its schema.
func IsValidationError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeInvalidPayload, ErrCodeDuplicateName:
		return true
	}
	return false
}
