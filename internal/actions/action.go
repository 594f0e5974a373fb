package actions

import (
	"context"
	"net/http"
	"time"

	"github.com/rendis/nodeflow/internal/xjson"
)

// Caller performs one outbound call for a node. The engine owns retry,
// dedup and classification; a Caller only does a single round trip.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// Request is a fully resolved node call: templates are already rendered.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    xjson.RawMessage
	Timeout time.Duration
}

// Response is what came back from one round trip.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
	Truncated   bool
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	return isJSONContentType(r.ContentType)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f CallerFunc) Call(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
