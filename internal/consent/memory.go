package consent

import (
	"context"
	"sync"
)

// MemoryBackend keeps the record for the lifetime of the process.
type MemoryBackend struct {
	mu     sync.RWMutex
	record Record
	// err, when set, is returned from every Save.
	err error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record, nil
}

func (m *MemoryBackend) Save(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.record = r
	return nil
}

// FailWrites makes subsequent saves fail with err; nil restores normal
// behaviour.
func (m *MemoryBackend) FailWrites(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Watch has nothing to observe: no other process can write here.
func (m *MemoryBackend) Watch(ctx context.Context, _ func()) error {
	<-ctx.Done()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
