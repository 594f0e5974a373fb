package streaming

import (
	"context"

	"github.com/rendis/nodeflow/pkg/schema"
)

// EventFilter selects the events a subscriber receives. Zero fields match all.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub is live pub/sub for execution events. Delivery is best-effort;
// the event store is the durable record.
type EventHub interface {
	Publish(ctx context.Context, ev *schema.ExecutionEvent) error
	// Subscribe returns a channel and a cancel func that unsubscribes and
	// closes the channel.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *schema.ExecutionEvent, func(), error)
}
