// Package tunnel fetches third-party resources through the gateway's own
// scoped engine so they arrive same-origin.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrFetchFailed means a tunnelled resource could not be loaded.
var ErrFetchFailed = errors.New("tunnel fetch failed")

// PrefixFunc reports the engine prefix tunnelled addresses are built on.
type PrefixFunc func(ctx context.Context) (string, error)

// StaticPrefix returns a PrefixFunc that always answers p.
func StaticPrefix(p string) PrefixFunc {
	return func(context.Context) (string, error) { return p, nil }
}

// EnginePrefix asks an engine for its prefix, loading its configuration
// first.
func EnginePrefix(e interface {
	LoadConfig(ctx context.Context) error
	Prefix() string
}) PrefixFunc {
	return func(ctx context.Context) (string, error) {
		if err := e.LoadConfig(ctx); err != nil {
			return "", err
		}
		p := e.Prefix()
		if p == "" {
			return "", errors.New("engine has no prefix")
		}
		return p, nil
	}
}

// Loader builds tunnelled addresses and fetches third-party scripts through
// them.
type Loader struct {
	baseURL string
	prefix  PrefixFunc
	client  *http.Client
	logger  *slog.Logger
}

// NewLoader builds a loader for the gateway at baseURL. Requests carry no
// cookies or credentials.
func NewLoader(baseURL string, prefix PrefixFunc, transport http.RoundTripper, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  prefix,
		client: &http.Client{
			Transport: transport,
			Jar:       nil,
		},
		logger: logger,
	}
}

// Address builds <base><prefix>/<encoded target>, with exactly one "/"
// between prefix and target.
func (l *Loader) Address(ctx context.Context, target string) (string, bool) {
	prefix, err := l.prefix(ctx)
	if err != nil {
		l.logger.Debug("tunnel prefix unavailable", slog.String("target", target), slog.Any("error", err))
		return "", false
	}
	return l.baseURL + JoinPrefix(prefix, target), true
}

// JoinPrefix is prefix normalised to end in one "/" followed by target
// percent-encoded as a single component.
func JoinPrefix(prefix, target string) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + EncodeComponent(target)
}

// EncodeComponent escapes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func EncodeComponent(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	r := strings.NewReplacer("%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*", "%7E", "~")
	return r.Replace(escaped)
}

// Fetch returns the tunnelled body of target. It reports false on network
// errors and non-2xx statuses.
func (l *Loader) Fetch(ctx context.Context, target string) (string, bool) {
	body, err := l.fetch(ctx, target)
	if err != nil {
		l.logger.Debug("tunnel fetch failed", slog.String("target", target), slog.Any("error", err))
		return "", false
	}
	return body, true
}

func (l *Loader) fetch(ctx context.Context, target string) (string, error) {
	addr, ok := l.Address(ctx, target)
	if !ok {
		return "", fmt.Errorf("%w: no engine prefix", ErrFetchFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			l.logger.Debug("resp.Body.Close", slog.Any("error", cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return string(data), nil
}
