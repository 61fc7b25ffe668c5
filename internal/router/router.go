// Package router decides, per request, which engine serves it.
package router

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sunbk201/tunnelgate/internal/engine"
	"github.com/sunbk201/tunnelgate/internal/statistics"
)

var errNoUpstream = errors.New("no upstream configured")

// Options configures a Router. Nil engines behave as unavailable.
type Options struct {
	// Prefix is consulted first, then Scoped.
	Prefix engine.Engine
	Scoped engine.Engine
	// Origin is the public origin; derived from each request when empty.
	Origin string
	// Upstream receives origin-form requests no engine claimed.
	Upstream  string
	Transport http.RoundTripper
	Stats     *statistics.RouteRecordList
	Logger    *slog.Logger
}

// Router is the gateway's http.Handler. It hands each request to the
// first engine that owns it and proxies the rest upstream.
type Router struct {
	prefix    engine.Engine
	scoped    engine.Engine
	origin    string
	upstream  *url.URL
	transport http.RoundTripper
	stats     *statistics.RouteRecordList
	logger    *slog.Logger
}

// New builds a Router. It fails only when Upstream is not a valid URL.
func New(opts Options) (*Router, error) {
	r := &Router{
		prefix:    opts.Prefix,
		scoped:    opts.Scoped,
		origin:    strings.TrimRight(opts.Origin, "/"),
		transport: opts.Transport,
		stats:     opts.Stats,
		logger:    opts.Logger,
	}
	if r.prefix == nil {
		r.prefix = engine.Unavailable{}
	}
	if r.scoped == nil {
		r.scoped = engine.Unavailable{}
	}
	if r.transport == nil {
		r.transport = http.DefaultTransport
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if opts.Upstream != "" {
		u, err := url.Parse(opts.Upstream)
		if err != nil {
			return nil, err
		}
		r.upstream = u
	}
	return r, nil
}

// ServeHTTP sends each request down exactly one branch: the prefix engine,
// the scoped engine, or pass-through.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scopedReady := true
	if err := rt.scoped.LoadConfig(r.Context()); err != nil {
		rt.logger.Warn("scoped engine config not loaded", slog.String("engine", rt.scoped.Name()), slog.Any("error", err))
		scopedReady = false
	}

	origin := rt.originOf(r)
	abs := AbsoluteURL(r)
	sameOrigin := strings.HasPrefix(abs, origin+"/")

	switch {
	case rt.prefix.Prefix() != "" && strings.HasPrefix(abs, origin+rt.prefix.Prefix()):
		rt.record(statistics.BranchPrefix, r)
		rt.prefix.ServeHTTP(w, r)
	case scopedReady && sameOrigin && rt.scoped.Owns(r):
		rt.record(statistics.BranchScoped, r)
		rt.scoped.ServeHTTP(w, r)
	default:
		rt.record(statistics.BranchPassThrough, r)
		rt.passThrough(w, r)
	}
}

func (rt *Router) record(branch statistics.Branch, r *http.Request) {
	rt.logger.Debug("route", slog.String("branch", string(branch)), slog.String("url", AbsoluteURL(r)))
	if rt.stats != nil {
		rt.stats.Record(branch, hostOf(r))
	}
}

func (rt *Router) passThrough(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	if !r.URL.IsAbs() {
		if rt.upstream == nil {
			http.Error(w, errNoUpstream.Error(), http.StatusBadGateway)
			return
		}
		out.URL.Scheme = rt.upstream.Scheme
		out.URL.Host = rt.upstream.Host
	}

	resp, err := rt.transport.RoundTrip(out)
	if err != nil {
		rt.logger.Debug("pass-through failed", slog.String("url", out.URL.String()), slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			rt.logger.Debug("resp.Body.Close", slog.Any("error", cerr))
		}
	}()

	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (rt *Router) originOf(r *http.Request) string {
	if rt.origin != "" {
		return rt.origin
	}
	return RequestOrigin(r)
}

// RequestOrigin derives scheme://host from the request as the client saw it.
func RequestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + strings.ToLower(r.Host)
}

// AbsoluteURL is the full URL of r. Absolute-form proxy requests keep their
// own scheme and host.
func AbsoluteURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return RequestOrigin(r) + r.URL.RequestURI()
}

func hostOf(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.Host
	}
	return r.Host
}
