// Package engine holds the rewrite engines the gateway routes requests to
// and the resolver that picks which scoped engine build is usable.
package engine

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnavailable means no provider produced a usable engine.
	ErrUnavailable = errors.New("engine unavailable")
	// ErrEntryMissing means a manifest loaded but does not expose the
	// expected entry point.
	ErrEntryMissing = errors.New("engine entry point missing")
	// ErrBadTarget means a tunnelled path does not decode to an absolute
	// http(s) URL.
	ErrBadTarget = errors.New("bad tunnel target")
)

// Engine claims requests and serves them. LoadConfig must succeed before
// Owns and ServeHTTP are meaningful; engines with nothing to load return nil.
type Engine interface {
	http.Handler
	Name() string
	Prefix() string
	LoadConfig(ctx context.Context) error
	Owns(r *http.Request) bool
}

// Unavailable stands in when every provider failed. It never claims a
// request.
type Unavailable struct {
	Reason error
}

func (Unavailable) Name() string                     { return "unavailable" }
func (Unavailable) Prefix() string                   { return "" }
func (Unavailable) LoadConfig(context.Context) error { return nil }
func (Unavailable) Owns(*http.Request) bool          { return false }

func (u Unavailable) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, ErrUnavailable.Error(), http.StatusServiceUnavailable)
}
