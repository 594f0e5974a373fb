package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig configures the outbound HTTP caller.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	UserAgent       string
	// Transport is the base round tripper; nil means a clone of http.DefaultTransport.
	Transport http.RoundTripper
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultUserAgent       = "nodeflow/1"
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// ValidMethod reports whether m is a method nodes may use.
func ValidMethod(m string) bool {
	return allowedMethods[strings.ToUpper(m)]
}

// HTTPCaller performs node calls over an otelhttp-instrumented client, so
// every attempt is a client span carrying trace context downstream.
type HTTPCaller struct {
	config HTTPConfig
	client *http.Client
}

func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &HTTPCaller{
		config: cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(base,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "node " + r.Method + " " + r.URL.Host
				}),
			),
		},
	}
}

// Call performs a single round trip. Only transport failures are errors;
// any HTTP status, including 5xx, comes back as a Response.
func (c *HTTPCaller) Call(ctx context.Context, r *Request) (*Response, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = schema.DefaultMethod
	}
	if !ValidMethod(method) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported method %q", r.Method)
	}

	target, err := BuildURL(r.URL, r.Query)
	if err != nil {
		return nil, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(r.Body) > 0 && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json, */*;q=0.5")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// The parent context wins: a cancelled run is not a timeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s %s timed out after %s", method, redact(target), timeout).WithCause(err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, redact(target), err)
	}
	defer resp.Body.Close()

	// Read one byte past the limit to detect truncation.
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}
	truncated := int64(len(data)) > c.config.MaxResponseBody
	if truncated {
		data = data[:c.config.MaxResponseBody]
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header.Clone(),
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    time.Since(start),
		Truncated:   truncated,
	}, nil
}

// BuildURL appends query params to raw, keeping any query it already has.
// Params are encoded in sorted key order.
func BuildURL(raw string, query map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid request url %q", raw)
	}
	if len(query) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Host returns the host:port of a URL, used as the circuit breaker key.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(ct, "json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// redact drops userinfo and the query string from a URL for error messages.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
