package schema

import (
	"fmt"
	"sort"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a workflow document. Path uses the
// document's own field names, e.g. "nodes[2].dependsOn[0]".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult is the outcome of every validation stage. Warnings never
// make a workflow invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error carries the given code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Sort orders errors and warnings by path, keeping stage order for issues
// on the same path.
func (r *ValidationResult) Sort() {
	byPath := func(issues []ValidationIssue) {
		sort.SliceStable(issues, func(a, b int) bool { return issues[a].Path < issues[b].Path })
	}
	byPath(r.Errors)
	byPath(r.Warnings)
}

// ToError returns nil for a valid result. Otherwise the error code is
// CYCLE_DETECTED when cycles are the only problem and VALIDATION_ERROR
// otherwise; every issue is carried in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := ErrCodeValidation
	if allCode(r.Errors, ErrCodeCycleDetected) {
		code = ErrCodeCycleDetected
	}

	var msg string
	if len(r.Errors) == 1 {
		msg = r.Errors[0].Message
	} else {
		paths := make([]string, 0, 3)
		for _, e := range r.Errors {
			if len(paths) == cap(paths) {
				break
			}
			paths = append(paths, e.String())
		}
		msg = fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), strings.Join(paths, "; "))
	}

	return NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}

func allCode(issues []ValidationIssue, code string) bool {
	for _, i := range issues {
		if i.Code != code {
			return false
		}
	}
	return true
}
