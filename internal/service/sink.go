package service

import (
	"context"
	"log/slog"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// storeSink appends each event to the event log, which assigns its
// sequence, then publishes it live. Neither step can fail the run.
type storeSink struct {
	store  store.EventStore
	hub    streaming.EventHub
	logger *slog.Logger
}

func (k *storeSink) Emit(ctx context.Context, ev *schema.ExecutionEvent) {
	ctx = context.WithoutCancel(ctx)
	if err := k.store.AppendEvent(ctx, ev); err != nil {
		k.logger.WarnContext(ctx, "append event failed", "type", ev.Type, "error", err)
	}
	if err := k.hub.Publish(ctx, ev); err != nil {
		k.logger.DebugContext(ctx, "publish event failed", "type", ev.Type, "error", err)
	}
}
