package log

import (
	"io"
	"sync"
	"sync/atomic"
)

const lineBufSize = 256

// Broadcaster is the text-line counterpart of Hub: an io.Writer added to the
// log output whose writes are copied to every subscriber. Subscribers that
// fall behind lose lines instead of blocking the logger.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	dropped     atomic.Int64
}

// NewBroadcaster creates a ready-to-use Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Write copies p to every subscriber. A full subscriber channel skips the
// line and counts it as dropped.
func (b *Broadcaster) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- line:
		default:
			b.dropped.Add(1)
		}
	}
	return len(p), nil
}

// Subscribe returns a channel of log lines. Call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, lineBufSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Dropped counts lines lost to slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

var _ io.Writer = (*Broadcaster)(nil)
