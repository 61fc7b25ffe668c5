// Package beacon sends the process-wide "the page may load sponsored
// content" ping at most once per successful attempt.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultTimeout = 4 * time.Second

var ErrTimeout = errors.New("beacon timed out")

// Mount attaches an invisible 1x1 probe element in a page. AttachProbe
// returns once the element loaded or failed to load, or when ctx is done.
type Mount interface {
	AttachProbe(ctx context.Context, url string) error
}

// Prober fires a beacon without a page.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber issues a plain GET. Relative URLs resolve against BaseURL.
type HTTPProber struct {
	Client  *http.Client
	BaseURL string
}

func (p *HTTPProber) Probe(ctx context.Context, rawURL string) error {
	target, err := p.resolve(rawURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (p *HTTPProber) resolve(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() || p.BaseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Gate remembers whether a beacon ever went out. Once one did, SendOnce
// answers true without I/O for the rest of the process.
type Gate struct {
	succeeded atomic.Bool
	group     singleflight.Group
	attempts  atomic.Int64

	timeout time.Duration
	prober  Prober
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Gate)

func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithProber(p Prober) Option {
	return func(g *Gate) { g.prober = p }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func New(opts ...Option) *Gate {
	g := &Gate{
		timeout: DefaultTimeout,
		prober:  &HTTPProber{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SendOnce reports whether the beacon has gone out, firing it if needed.
// Concurrent callers share one probe. Any outcome other than hitting the
// timeout counts as sent: the request left the process whether or not the
// endpoint answered with something loadable. A timed-out probe may be
// retried by a later call. mount may be nil.
func (g *Gate) SendOnce(ctx context.Context, rawURL string, mount Mount) bool {
	if g.succeeded.Load() {
		return true
	}
	ch := g.group.DoChan("beacon", func() (any, error) {
		if g.succeeded.Load() {
			return true, nil
		}
		// the probe outlives a caller that gives up early, so others
		// waiting on it still get an answer
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		return g.fire(probeCtx, rawURL, mount), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (g *Gate) fire(ctx context.Context, rawURL string, mount Mount) bool {
	g.attempts.Add(1)
	target := WithCacheBust(rawURL, g.now())

	var err error
	if mount != nil {
		err = mount.AttachProbe(ctx, target)
	} else {
		err = g.prober.Probe(ctx, target)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		g.logger.Debug("beacon not sent", slog.String("url", rawURL), slog.Any("error", fmt.Errorf("%s: %w", rawURL, ErrTimeout)))
		return false
	}
	if err != nil {
		g.logger.Debug("beacon probe errored, counting as sent", slog.String("url", rawURL), slog.Any("error", err))
	}
	g.succeeded.Store(true)
	return true
}

// Succeeded reports whether any beacon has been confirmed.
func (g *Gate) Succeeded() bool {
	return g.succeeded.Load()
}

// Attempts counts probes actually fired.
func (g *Gate) Attempts() int64 {
	return g.attempts.Load()
}

// WithCacheBust appends cacheBust=<epoch millis> to rawURL.
func WithCacheBust(rawURL string, now time.Time) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "cacheBust=" + strconv.FormatInt(now.UnixMilli(), 10)
}

var (
	defaultGate *Gate
	defaultOnce sync.Once
)

// InitDefault builds the process-wide gate on first call. Options passed to
// later calls are ignored.
func InitDefault(opts ...Option) *Gate {
	defaultOnce.Do(func() {
		defaultGate = New(opts...)
	})
	return defaultGate
}

func Default() *Gate {
	return InitDefault()
}
