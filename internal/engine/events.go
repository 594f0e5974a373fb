package engine

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// EventSink receives the attempt-level audit trail of a run. Emit must
// not block for long; it is called from node goroutines.
type EventSink interface {
	Emit(ctx context.Context, ev *schema.ExecutionEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev *schema.ExecutionEvent)

func (f EventSinkFunc) Emit(ctx context.Context, ev *schema.ExecutionEvent) { f(ctx, ev) }

type nopSink struct{}

func (nopSink) Emit(context.Context, *schema.ExecutionEvent) {}

func newEvent(executionID string, nodeID schema.NodeID, typ string, attempt int, payload map[string]any) *schema.ExecutionEvent {
	ev := &schema.ExecutionEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        typ,
		Attempt:     attempt,
		Timestamp:   time.Now().UTC(),
	}
	if len(payload) > 0 {
		if raw, err := xjson.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}
