package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// FailureKind classifies the outcome of one node attempt.
type FailureKind int

const (
	FailureNone      FailureKind = iota
	FailureTransient             // retried while attempts remain
	FailurePermanent             // fails the node immediately
	FailureCancelled             // the run was aborted
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an HTTP status code to a failure kind.
// 5xx and 429 are transient; every other non-2xx/3xx code is permanent.
func ClassifyStatus(code int) FailureKind {
	switch {
	case code >= 200 && code < 400:
		return FailureNone
	case code == 429 || code >= 500:
		return FailureTransient
	default:
		return FailurePermanent
	}
}

// ClassifyError maps a transport-level error to a failure kind.
// Timeouts, resets and refused connections are transient; typed request
// errors (bad template, open circuit) are permanent.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}

	var ne *schema.NodeflowError
	if errors.As(err, &ne) {
		switch ne.Code {
		case schema.ErrCodeTimeout, schema.ErrCodeNodeFailed:
			return FailureTransient
		case schema.ErrCodeCancelled:
			return FailureCancelled
		default:
			return FailurePermanent
		}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "connection reset", "broken pipe", "eof", "i/o timeout", "no such host"} {
		if strings.Contains(msg, p) {
			return FailureTransient
		}
	}

	// Unknown transport errors get the benefit of the doubt; MaxAttempts bounds them.
	return FailureTransient
}

// Backoff is a compiled RetryPolicy.
type Backoff struct {
	MaxAttempts  int
	Shape        string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	rand func() float64
}

// DefaultBackoff applies to nodes without a retryPolicy.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  1,
		Shape:        schema.BackoffExponential,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// CompileBackoff resolves a node's policy against defaults. Fields the
// policy leaves empty keep the default's value.
func CompileBackoff(p *schema.RetryPolicy, def Backoff) (Backoff, error) {
	b := def
	if p == nil {
		return b, nil
	}
	if p.MaxAttempts > 0 {
		b.MaxAttempts = p.MaxAttempts
	}
	if p.Backoff != "" {
		switch p.Backoff {
		case schema.BackoffNone, schema.BackoffConstant, schema.BackoffLinear, schema.BackoffExponential:
			b.Shape = p.Backoff
		default:
			return b, schema.NewErrorf(schema.ErrCodeValidation, "unknown backoff %q", p.Backoff)
		}
	}
	if p.InitialDelay != "" {
		d, err := time.ParseDuration(p.InitialDelay)
		if err != nil || d < 0 {
			return b, schema.NewErrorf(schema.ErrCodeValidation, "invalid initialDelay %q", p.InitialDelay)
		}
		b.InitialDelay = d
	}
	if p.MaxDelay != "" {
		d, err := time.ParseDuration(p.MaxDelay)
		if err != nil || d < 0 {
			return b, schema.NewErrorf(schema.ErrCodeValidation, "invalid maxDelay %q", p.MaxDelay)
		}
		b.MaxDelay = d
	}
	if p.Multiplier != 0 {
		if p.Multiplier < 1 {
			return b, schema.NewErrorf(schema.ErrCodeValidation, "multiplier must be >= 1, got %v", p.Multiplier)
		}
		b.Multiplier = p.Multiplier
	}
	if p.Jitter != 0 {
		if p.Jitter < 0 || p.Jitter > 1 {
			return b, schema.NewErrorf(schema.ErrCodeValidation, "jitter must be within [0,1], got %v", p.Jitter)
		}
		b.Jitter = p.Jitter
	}
	return b, nil
}

// Delay returns the wait before retry number attempt (0 = first retry).
// MaxDelay caps the shaped delay d, then jitter draws uniformly from [d*(1-jitter), d].
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.InitialDelay)

	var d float64
	switch b.Shape {
	case schema.BackoffNone:
		return 0
	case schema.BackoffLinear:
		d = base * float64(attempt+1)
	case schema.BackoffExponential:
		m := b.Multiplier
		if m < 1 {
			m = 2
		}
		d = base * math.Pow(m, float64(attempt))
	default:
		d = base
	}

	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d -= d * b.Jitter * r()
	}
	return time.Duration(d)
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
