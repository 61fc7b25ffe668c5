// Package session holds state that lives for one browsing session: it is
// never persisted and disappears with the process or after the TTL.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultSize = 1024
	doneValue   = "1"
)

// Storage is a session-scoped key/value store. Keys are namespaced by the
// session id so several sessions can share one process.
type Storage struct {
	id    string
	cache *expirable.LRU[string, string]
}

// New creates a Storage for a fresh session id. ttl <= 0 keeps entries for
// the lifetime of the process.
func New(size int, ttl time.Duration) *Storage {
	return NewWithID(uuid.NewString(), size, ttl)
}

func NewWithID(id string, size int, ttl time.Duration) *Storage {
	if size <= 0 {
		size = defaultSize
	}
	return &Storage{
		id:    id,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (s *Storage) ID() string {
	return s.id
}

func (s *Storage) key(k string) string {
	return fmt.Sprintf("%s/%s", s.id, k)
}

func (s *Storage) Get(k string) (string, bool) {
	return s.cache.Get(s.key(k))
}

func (s *Storage) Set(k, v string) {
	s.cache.Add(s.key(k), v)
}

// Done reports whether k was marked complete in this session.
func (s *Storage) Done(k string) bool {
	v, ok := s.Get(k)
	return ok && v == doneValue
}

// MarkDone records k as complete. Marks are never cleared explicitly.
func (s *Storage) MarkDone(k string) {
	s.Set(k, doneValue)
}


