package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Extractor applies a node's jq "extract" filter to its decoded response
// body before the result enters the run context.
// Compiled *gojq.Code values are cached and shared across goroutines.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Extract runs filter over input. Exactly one output is returned as is,
// several are collected into a list, none yields nil.
func (e *Extractor) Extract(ctx context.Context, filter string, input any) (any, error) {
	code, err := e.Compile(filter)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeNodeFailed,
				"extract %q failed: %s", filter, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"filter": filter})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Compile returns the cached program for filter. Used by validation too.
func (e *Extractor) Compile(filter string) (*gojq.Code, error) {
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty extract filter")
	}

	e.mu.RLock()
	if code, ok := e.cache[filter]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[filter]; ok {
		return code, nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"extract parse error in %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}
	code, err := gojq.Compile(query,
		// No $ENV access from workflow definitions.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"extract compile error in %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}

	e.cache[filter] = code
	return code, nil
}
