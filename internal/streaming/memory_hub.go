package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan *schema.ExecutionEvent
	filter EventFilter
}

// MemoryHub is an in-process EventHub built on buffered channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish fans ev out to matching subscribers without blocking: a full
// subscriber channel drops the event and counts it.
func (h *MemoryHub) Publish(ctx context.Context, ev *schema.ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, ev) {
			continue
		}
		cp := *ev
		select {
		case sub.ch <- &cp:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan *schema.ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan *schema.ExecutionEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the current subscriber count.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were dropped for slow subscribers.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

func matchFilter(f EventFilter, ev *schema.ExecutionEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != ev.ExecutionID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	return true
}
