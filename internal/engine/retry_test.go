package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]FailureKind{
		200: FailureNone,
		204: FailureNone,
		302: FailureNone,
		400: FailurePermanent,
		401: FailurePermanent,
		404: FailurePermanent,
		422: FailurePermanent,
		429: FailureTransient,
		500: FailureTransient,
		502: FailureTransient,
		503: FailureTransient,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, FailureNone, ClassifyError(nil))
	assert.Equal(t, FailureCancelled, ClassifyError(context.Canceled))
	assert.Equal(t, FailureCancelled, ClassifyError(fmt.Errorf("do: %w", context.Canceled)))
	assert.Equal(t, FailureTransient, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, FailureTransient, ClassifyError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.Equal(t, FailureTransient, ClassifyError(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.Equal(t, FailureTransient, ClassifyError(errors.New("unexpected EOF")))
	assert.Equal(t, FailureTransient, ClassifyError(schema.NewError(schema.ErrCodeTimeout, "slow")))
}

func TestClassifyError_TypedPermanent(t *testing.T) {
	for _, code := range []string{schema.ErrCodeValidation, schema.ErrCodeCircuitOpen} {
		assert.Equal(t, FailurePermanent, ClassifyError(schema.NewError(code, "x")), code)
	}
}

func TestCompileBackoff_Defaults(t *testing.T) {
	b, err := CompileBackoff(nil, DefaultBackoff())
	require.NoError(t, err)
	assert.Equal(t, 1, b.MaxAttempts)
	assert.Equal(t, schema.BackoffExponential, b.Shape)
}

func TestCompileBackoff_Overrides(t *testing.T) {
	b, err := CompileBackoff(&schema.RetryPolicy{
		MaxAttempts:  4,
		Backoff:      "linear",
		InitialDelay: "50ms",
		MaxDelay:     "1s",
		Jitter:       0.5,
	}, DefaultBackoff())
	require.NoError(t, err)

	assert.Equal(t, 4, b.MaxAttempts)
	assert.Equal(t, "linear", b.Shape)
	assert.Equal(t, 50*time.Millisecond, b.InitialDelay)
	assert.Equal(t, time.Second, b.MaxDelay)
	assert.Equal(t, 0.5, b.Jitter)
	assert.Equal(t, float64(2), b.Multiplier, "unset fields keep the default")
}

func TestCompileBackoff_Rejects(t *testing.T) {
	bad := []*schema.RetryPolicy{
		{Backoff: "fibonacci"},
		{InitialDelay: "soon"},
		{MaxDelay: "-1s"},
		{Multiplier: 0.5},
		{Jitter: 1.5},
	}
	for _, p := range bad {
		_, err := CompileBackoff(p, DefaultBackoff())
		assert.Error(t, err, "%+v", *p)
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	}
}

func TestBackoff_Shapes(t *testing.T) {
	base := Backoff{InitialDelay: 10 * time.Millisecond, Multiplier: 2}

	exp := base
	exp.Shape = schema.BackoffExponential
	assert.Equal(t, 10*time.Millisecond, exp.Delay(0))
	assert.Equal(t, 20*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 80*time.Millisecond, exp.Delay(3))

	lin := base
	lin.Shape = schema.BackoffLinear
	assert.Equal(t, 30*time.Millisecond, lin.Delay(2))

	con := base
	con.Shape = schema.BackoffConstant
	assert.Equal(t, 10*time.Millisecond, con.Delay(5))

	none := base
	none.Shape = schema.BackoffNone
	assert.Equal(t, time.Duration(0), none.Delay(3))
}

func TestBackoff_MaxDelayCaps(t *testing.T) {
	b := Backoff{Shape: schema.BackoffExponential, InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}

	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(30))
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Shape: schema.BackoffConstant, InitialDelay: 100 * time.Millisecond, Jitter: 0.25}

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))

	b.rand = func() float64 { return 1 }
	assert.Equal(t, 75*time.Millisecond, b.Delay(0))

	b.rand = nil
	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitForBackoff_ZeroDelayHonoursCancellation(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
