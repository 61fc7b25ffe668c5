package engine

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// PrefixEngine serves every same-origin URL under a fixed path prefix.
type PrefixEngine struct {
	prefix string
	tunnel *tunnel
}

func NewPrefixEngine(prefix string, transport http.RoundTripper, logger *slog.Logger) *PrefixEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrefixEngine{
		prefix: NormalizePrefix(prefix),
		tunnel: &tunnel{name: "prefix", transport: transport, logger: logger},
	}
}

func (e *PrefixEngine) Name() string                     { return "prefix" }
func (e *PrefixEngine) Prefix() string                   { return e.prefix }
func (e *PrefixEngine) LoadConfig(context.Context) error { return nil }

func (e *PrefixEngine) Owns(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, e.prefix)
}

func (e *PrefixEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := DecodeTarget(e.prefix, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.tunnel.serve(w, r, target)
}

// NormalizePrefix makes p start with one "/" and end with exactly one "/".
func NormalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p + "/"
}
