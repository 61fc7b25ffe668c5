package consent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"granted", StatusGranted, false},
		{" DENIED ", StatusDenied, false},
		{"", StatusUnset, true},
		{"maybe", StatusUnset, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStatus)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldPrompt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"unset", Record{}, true},
		{"granted long ago", Record{Status: StatusGranted, DecidedAt: at(1000 * time.Hour)}, false},
		{"denied just now", Record{Status: StatusDenied, DecidedAt: at(0)}, false},
		{"denied 47h ago", Record{Status: StatusDenied, DecidedAt: at(47 * time.Hour)}, false},
		{"denied exactly 48h ago", Record{Status: StatusDenied, DecidedAt: at(ReaskWindow)}, false},
		{"denied over 48h ago", Record{Status: StatusDenied, DecidedAt: at(ReaskWindow + time.Millisecond)}, true},
		{"denied without timestamp", Record{Status: StatusDenied}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldPrompt(tt.rec, now))
		})
	}
}

func TestStoreSetThenGet(t *testing.T) {
	clock := newClock()
	s := NewStore(NewMemoryBackend(), WithClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, Record{}, s.Get(ctx))
	assert.True(t, s.ShouldPrompt(ctx))

	_, err := s.Set(ctx, StatusGranted)
	require.NoError(t, err)
	got := s.Get(ctx)
	assert.Equal(t, StatusGranted, got.Status)
	require.NotNil(t, got.DecidedAt)
	assert.True(t, clock.Now().Equal(*got.DecidedAt))
	assert.False(t, s.ShouldPrompt(ctx))
}

func TestStoreDeniedReaskWindow(t *testing.T) {
	clock := newClock()
	s := NewStore(NewMemoryBackend(), WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.Set(ctx, StatusDenied)
	require.NoError(t, err)
	assert.False(t, s.ShouldPrompt(ctx))

	clock.Advance(ReaskWindow - time.Minute)
	assert.False(t, s.ShouldPrompt(ctx))

	clock.Advance(2 * time.Minute)
	assert.True(t, s.ShouldPrompt(ctx))
}

func TestStoreRejectsUnset(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	_, err := s.Set(context.Background(), StatusUnset)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStoreNotifiesOnSet(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	_, err := s.Set(context.Background(), StatusGranted)
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, KindChanged, c.Kind)
		assert.Equal(t, StatusGranted, c.Record.Status)
		assert.False(t, c.Remote)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestStoreNotifiesWhenPersistFails(t *testing.T) {
	backend := NewMemoryBackend()
	backend.FailWrites(errors.New("quota exceeded"))
	s := NewStore(backend)
	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	_, err := s.Set(context.Background(), StatusDenied)
	require.Error(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, StatusDenied, c.Record.Status)
	case <-time.After(time.Second):
		t.Fatal("notification must be sent even if the write failed")
	}
	assert.Equal(t, Record{}, s.Get(context.Background()))
}

func TestStoreRequestPrompt(t *testing.T) {
	s := NewStore(NewMemoryBackend())
	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	s.RequestPrompt()
	c := <-ch
	assert.Equal(t, KindPromptRequested, c.Kind)
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "consent.yaml")
	clock := newClock()
	s := NewStore(NewFileBackend(path), WithClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, Record{}, s.Get(ctx))
	_, err := s.Set(ctx, StatusDenied)
	require.NoError(t, err)

	reopened := NewStore(NewFileBackend(path))
	got := reopened.Get(ctx)
	assert.Equal(t, StatusDenied, got.Status)
	require.NotNil(t, got.DecidedAt)
	assert.Equal(t, clock.Now().UnixMilli(), got.DecidedAt.UnixMilli())
}

func TestFileBackendPreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("theme: dark\n"), 0o644))

	s := NewStore(NewFileBackend(path))
	_, err := s.Set(context.Background(), StatusGranted)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "theme: dark")
	assert.Contains(t, string(data), "ad-consent: granted")
}

func TestFileBackendUnparsableReadsUnset(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "::: not yaml :::\n\t-"},
		{"unknown status", "ad-consent: maybe\nad-consent-at: 1700000000000\n"},
		{"missing timestamp", "ad-consent: granted\n"},
		{"wrong type", "ad-consent: [1, 2]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "consent.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			s := NewStore(NewFileBackend(path))
			assert.Equal(t, Record{}, s.Get(context.Background()))
			assert.True(t, s.ShouldPrompt(context.Background()))
		})
	}
}

func TestBridgeRepublishesExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consent.yaml")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewStore(NewFileBackend(path))
	id, ch := watcher.Subscribe()
	defer watcher.Unsubscribe(id)

	done := make(chan error, 1)
	go func() { done <- watcher.Bridge(ctx) }()

	other := NewStore(NewFileBackend(path))
	require.Eventually(t, func() bool {
		if _, err := other.Set(ctx, StatusGranted); err != nil {
			return false
		}
		select {
		case c := <-ch:
			return c.Remote && c.Record.Status == StatusGranted
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSQLBackendRoundTripAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consent.db")
	a, err := OpenSQLBackend(path, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLBackend(path, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeA := NewStore(a)
	storeB := NewStore(b)
	id, ch := storeA.Subscribe()
	defer storeA.Unsubscribe(id)
	go storeA.Bridge(ctx)

	rec, err := storeB.Set(ctx, StatusDenied)
	require.NoError(t, err)

	got := storeA.Get(ctx)
	assert.Equal(t, StatusDenied, got.Status)
	require.NotNil(t, got.DecidedAt)
	assert.Equal(t, rec.DecidedAt.UnixMilli(), got.DecidedAt.UnixMilli())

	select {
	case c := <-ch:
		assert.True(t, c.Remote)
		assert.Equal(t, StatusDenied, c.Record.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("sql watcher missed external write")
	}
}

func TestNotifierDropsForSlowSubscribers(t *testing.T) {
	n := NewNotifier()
	id, ch := n.Subscribe()
	for i := 0; i < subscriberBufSize*2; i++ {
		n.Publish(Change{Kind: KindChanged})
	}
	assert.Len(t, ch, subscriberBufSize)
	assert.Equal(t, 1, n.SubscriberCount())
	n.Unsubscribe(id)
	assert.Equal(t, 0, n.SubscriberCount())
}
