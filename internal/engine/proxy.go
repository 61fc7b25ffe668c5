package engine

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// DecodeTarget extracts the tunnelled absolute URL from a request path of
// the form <prefix><percent-encoded url>.
func DecodeTarget(prefix string, r *http.Request) (*url.URL, error) {
	escaped := r.URL.EscapedPath()
	if !strings.HasPrefix(escaped, prefix) {
		return nil, fmt.Errorf("%w: path %q outside %q", ErrBadTarget, escaped, prefix)
	}
	raw, err := url.PathUnescape(strings.TrimPrefix(escaped, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTarget, err)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadTarget, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrBadTarget, raw)
	}
	if target.RawQuery == "" && r.URL.RawQuery != "" {
		target.RawQuery = r.URL.RawQuery
	}
	return target, nil
}

// tunnel forwards a request to its decoded target. Gateway credentials
// never leave the gateway.
type tunnel struct {
	name      string
	transport http.RoundTripper
	logger    *slog.Logger
}

func (t *tunnel) serve(w http.ResponseWriter, r *http.Request, target *url.URL) {
	rp := &httputil.ReverseProxy{
		Transport: t.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Authorization")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			t.logger.Debug("tunnel upstream failed",
				slog.String("engine", t.name),
				slog.String("target", target.String()),
				slog.Any("error", err))
			status := http.StatusBadGateway
			if r.Context().Err() != nil {
				status = http.StatusGatewayTimeout
			}
			w.WriteHeader(status)
		},
	}
	rp.ServeHTTP(w, r)
}
