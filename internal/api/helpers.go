package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = xjson.NewEncoder(w).Encode(v)
}

// writeError maps err onto an HTTP status and the {error:{...}} body.
func writeError(w http.ResponseWriter, err error) {
	var nerr *schema.NodeflowError
	if !errors.As(err, &nerr) {
		nerr = schema.NewError(schema.ErrCodeInfrastructure, err.Error())
	}
	writeJSON(w, statusFor(nerr.Code), errorBody{Error: errorDetail{
		Code:    nerr.Code,
		Message: nerr.Message,
		Details: nerr.Details,
	}})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeInvalidPayload,
		schema.ErrCodeDuplicateName:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, schema.NewErrorf(schema.ErrCodeValidation, format, args...))
}

// readBody reads a bounded request body. An empty body yields nil.
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read body: %s", err.Error())
	}
	if len(data) > maxBodyBytes {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "request body exceeds %d bytes", maxBodyBytes)
	}
	return data, nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "query parameter %q must be an integer", key)
	}
	return n, nil
}
