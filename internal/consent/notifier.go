package consent

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 16

type ChangeKind int

const (
	// KindChanged carries a new Record.
	KindChanged ChangeKind = iota
	// KindPromptRequested asks whatever owns the consent dialog to open it.
	KindPromptRequested
)

type Change struct {
	Kind   ChangeKind
	Record Record
	// Remote is set when the write came from another process sharing the
	// backend.
	Remote bool
}

// Notifier is the single "consent changed" channel. Local writes and the
// cross-process bridge both publish here.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Change
	nextID      atomic.Int64
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[int64]chan Change),
	}
}

// Subscribe registers a listener. Slow listeners drop notifications, which
// is safe because every notification means "re-read the store".
func (n *Notifier) Subscribe() (int64, <-chan Change) {
	id := n.nextID.Add(1)
	ch := make(chan Change, subscriberBufSize)
	n.mu.Lock()
	n.subscribers[id] = ch
	n.mu.Unlock()
	return id, ch
}

func (n *Notifier) Unsubscribe(id int64) {
	n.mu.Lock()
	ch, ok := n.subscribers[id]
	if ok {
		delete(n.subscribers, id)
		close(ch)
	}
	n.mu.Unlock()
}

func (n *Notifier) Publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
