package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkDone(t *testing.T) {
	s := New(16, 0)
	assert.NotEmpty(t, s.ID())
	assert.False(t, s.Done("ads:native:loaded"))

	s.MarkDone("ads:native:loaded")
	assert.True(t, s.Done("ads:native:loaded"))
	assert.False(t, s.Done("ads:popunder:loaded"))
}

func TestSessionsAreIsolated(t *testing.T) {
	a := NewWithID("a", 16, 0)
	b := NewWithID("b", 16, 0)

	a.MarkDone("k")
	assert.True(t, a.Done("k"))
	assert.False(t, b.Done("k"))
}

func TestNonDoneValueIsNotDone(t *testing.T) {
	s := New(16, 0)
	s.Set("k", "0")
	assert.False(t, s.Done("k"))
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "0", v)
}

func TestEntriesExpireWithSession(t *testing.T) {
	s := New(16, 50*time.Millisecond)
	s.MarkDone("k")
	assert.True(t, s.Done("k"))

	assert.Eventually(t, func() bool { return !s.Done("k") }, time.Second, 10*time.Millisecond)
}
