package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func ev(execID, typ string) *schema.ExecutionEvent {
	return &schema.ExecutionEvent{ExecutionID: execID, Type: typ, Timestamp: time.Now().UTC()}
}

func receive(t *testing.T, ch <-chan *schema.ExecutionEvent) *schema.ExecutionEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func assertQuiet(t *testing.T, ch <-chan *schema.ExecutionEvent) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	sent := ev("exec-1", schema.EventNodeSucceeded)
	sent.NodeID = "2"
	require.NoError(t, hub.Publish(ctx, sent))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, schema.NodeID("2"), got.NodeID)
	assert.Equal(t, schema.EventNodeSucceeded, got.Type)
	assert.NotSame(t, sent, got, "subscribers get a copy")
}

func TestFilterByExecution(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, ev("exec-1", schema.EventNodeStarted)))
	require.NoError(t, hub.Publish(ctx, ev("exec-2", schema.EventNodeStarted)))

	assert.Equal(t, "exec-1", receive(t, ch).ExecutionID)
	assertQuiet(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventNodeFailed, schema.EventExecutionFinished},
	})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []string{schema.EventNodeFailed, schema.EventNodeStarted, schema.EventExecutionFinished} {
		require.NoError(t, hub.Publish(ctx, ev("exec-1", typ)))
	}

	assert.Equal(t, schema.EventNodeFailed, receive(t, ch).Type)
	assert.Equal(t, schema.EventExecutionFinished, receive(t, ch).Type)
	assertQuiet(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, ev("exec-1", schema.EventExecutionStarted)))
	for _, ch := range []<-chan *schema.ExecutionEvent{ch1, ch2} {
		assert.Equal(t, schema.EventExecutionStarted, receive(t, ch).Type)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent
	require.NoError(t, hub.Publish(ctx, ev("exec-1", schema.EventNodeStarted)))

	_, ok := <-ch
	assert.False(t, ok, "channel closed after cancel")
	assert.Zero(t, hub.Subscribers())
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	const extra = 10
	for range defaultChannelBuffer + extra {
		require.NoError(t, hub.Publish(ctx, ev("exec-1", schema.EventNodeAttemptFailed)))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, int64(extra), hub.Dropped())
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	for range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, ev("exec-c", schema.EventNodeStarted))
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-c"})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, ev("exec-1", schema.EventNodeStarted)), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
