package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// Provider builds one candidate engine.
type Provider struct {
	Name string
	Load func(ctx context.Context) (Engine, error)
}

// Resolver tries providers in order, once per process, and keeps the first
// engine that loads. Failures are logged, never returned.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger

	once   sync.Once
	active Engine
	ok     bool
}

func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{providers: providers, logger: logger}
}

// Resolve returns the active engine, or an Unavailable engine and false when
// every provider failed.
func (r *Resolver) Resolve(ctx context.Context) (Engine, bool) {
	r.once.Do(func() {
		var errs []error
		for _, p := range r.providers {
			e, err := p.Load(ctx)
			if err == nil && e == nil {
				err = ErrEntryMissing
			}
			if err != nil {
				r.logger.Warn("Engine provider failed", slog.String("provider", p.Name), slog.Any("error", err))
				errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
				continue
			}
			r.logger.Info("Engine provider loaded", slog.String("provider", p.Name), slog.String("engine", e.Name()))
			r.active, r.ok = e, true
			return
		}
		reason := errors.Join(append([]error{ErrUnavailable}, errs...)...)
		r.logger.Error("No engine provider available", slog.Any("error", reason))
		r.active = Unavailable{Reason: reason}
	})
	return r.active, r.ok
}

// Lazy returns an Engine that resolves on its first LoadConfig call.
func (r *Resolver) Lazy() Engine {
	return lazy{r: r}
}

type lazy struct {
	r *Resolver
}

func (l lazy) engine() Engine {
	e, _ := l.r.Resolve(context.Background())
	return e
}

func (l lazy) Name() string   { return l.engine().Name() }
func (l lazy) Prefix() string { return l.engine().Prefix() }

func (l lazy) LoadConfig(ctx context.Context) error {
	e, _ := l.r.Resolve(ctx)
	return e.LoadConfig(ctx)
}

func (l lazy) Owns(req *http.Request) bool {
	return l.engine().Owns(req)
}

func (l lazy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	l.engine().ServeHTTP(w, req)
}
