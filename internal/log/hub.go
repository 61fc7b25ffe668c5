package log

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const hubBufSize = 256

// Hub is a slog.Handler that forwards every record to an inner handler and
// fans a copy out to subscribers. It replaces console capture: code that
// wants to observe log output subscribes here instead of wrapping globals.
type Hub struct {
	inner slog.Handler
	core  *hubCore
}

type hubCore struct {
	mu          sync.RWMutex
	subscribers map[int64]chan slog.Record
	nextID      atomic.Int64
}

func NewHub(inner slog.Handler) *Hub {
	return &Hub{
		inner: inner,
		core:  &hubCore{subscribers: make(map[int64]chan slog.Record)},
	}
}

func (h *Hub) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Hub) Handle(ctx context.Context, r slog.Record) error {
	h.core.publish(r)
	return h.inner.Handle(ctx, r)
}

func (h *Hub) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Hub{inner: h.inner.WithAttrs(attrs), core: h.core}
}

func (h *Hub) WithGroup(name string) slog.Handler {
	return &Hub{inner: h.inner.WithGroup(name), core: h.core}
}

// Subscribe returns a buffered channel receiving a clone of every enabled
// record. Slow subscribers drop records.
func (h *Hub) Subscribe() (int64, <-chan slog.Record) {
	id := h.core.nextID.Add(1)
	ch := make(chan slog.Record, hubBufSize)
	h.core.mu.Lock()
	h.core.subscribers[id] = ch
	h.core.mu.Unlock()
	return id, ch
}

func (h *Hub) Unsubscribe(id int64) {
	h.core.mu.Lock()
	ch, ok := h.core.subscribers[id]
	if ok {
		delete(h.core.subscribers, id)
		close(ch)
	}
	h.core.mu.Unlock()
}

func (c *hubCore) publish(r slog.Record) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- r.Clone():
		default:
		}
	}
}

var _ slog.Handler = (*Hub)(nil)
