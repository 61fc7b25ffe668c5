package consent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend persists a single Record. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Load returns the stored record. A missing record is Record{} and a nil
	// error.
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, r Record) error
	// Watch blocks until ctx is done, calling onChange whenever another
	// writer replaced the stored record.
	Watch(ctx context.Context, onChange func()) error
	Close() error
}

type Store struct {
	backend  Backend
	notifier *Notifier
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithNotifier(n *Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		notifier: NewNotifier(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get never fails: an unreadable or malformed record reads as Unset.
func (s *Store) Get(ctx context.Context) Record {
	r, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Debug("consent record unreadable", slog.Any("error", err))
		return Record{}
	}
	return r.normalize()
}

// Set records a decision stamped with the current time. Subscribers are
// notified even when the backend write fails; the returned error reports
// the failed write.
func (s *Store) Set(ctx context.Context, status Status) (Record, error) {
	if status != StatusGranted && status != StatusDenied {
		return Record{}, ErrInvalidStatus
	}
	r := newRecord(status, s.now())
	err := s.backend.Save(ctx, r)
	if err != nil {
		s.logger.Warn("consent record not persisted", slog.String("status", status.String()), slog.Any("error", err))
		err = fmt.Errorf("persist consent: %w", err)
	}
	s.notifier.Publish(Change{Kind: KindChanged, Record: r})
	return r, err
}

func (s *Store) ShouldPrompt(ctx context.Context) bool {
	return ShouldPrompt(s.Get(ctx), s.now())
}

// RequestPrompt signals that the consent dialog should be shown.
func (s *Store) RequestPrompt() {
	s.notifier.Publish(Change{Kind: KindPromptRequested, Record: s.Get(context.Background())})
}

func (s *Store) Subscribe() (int64, <-chan Change) {
	return s.notifier.Subscribe()
}

func (s *Store) Unsubscribe(id int64) {
	s.notifier.Unsubscribe(id)
}

func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// Bridge republishes writes made by other processes sharing the backend.
// It blocks until ctx is done.
func (s *Store) Bridge(ctx context.Context) error {
	return s.backend.Watch(ctx, func() {
		r := s.Get(ctx)
		s.logger.Debug("consent changed externally", slog.String("status", r.Status.String()))
		s.notifier.Publish(Change{Kind: KindChanged, Record: r, Remote: true})
	})
}

func (s *Store) Close() error {
	return s.backend.Close()
}
