package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/tunnelgate/internal/engine"
	"github.com/sunbk201/tunnelgate/internal/statistics"
)

// fakeEngine answers with its own name so tests can see which branch ran.
type fakeEngine struct {
	name    string
	prefix  string
	owns    func(*http.Request) bool
	loadErr error
	loads   atomic.Int64
	served  atomic.Int64
}

func (f *fakeEngine) Name() string   { return f.name }
func (f *fakeEngine) Prefix() string { return f.prefix }
func (f *fakeEngine) LoadConfig(context.Context) error {
	f.loads.Add(1)
	return f.loadErr
}
func (f *fakeEngine) Owns(r *http.Request) bool {
	if f.owns == nil {
		return false
	}
	return f.owns(r)
}
func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.served.Add(1)
	_, _ = io.WriteString(w, f.name)
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "upstream:"+r.URL.RequestURI())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRouterBranches(t *testing.T) {
	upstream := newUpstream(t)
	claimAll := func(*http.Request) bool { return true }

	tests := []struct {
		name       string
		target     string
		scopedOwns func(*http.Request) bool
		scopedErr  error
		want       string
	}{
		{"prefix first even if scoped claims", "http://gw.local/~/px/abc", claimAll, nil, "A"},
		{"scoped when prefix does not match", "http://gw.local/~/scramjet/abc", claimAll, nil, "B"},
		{"pass-through when nobody claims", "http://gw.local/index.html", nil, nil, "upstream:/index.html"},
		{"scoped load failure means no match", "http://gw.local/~/scramjet/abc", claimAll, errors.New("config 404"), "upstream:/~/scramjet/abc"},
		{"prefix is same-origin only", "http://other.local/~/px/abc", nil, nil, "upstream:/~/px/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeEngine{name: "A", prefix: "/~/px/"}
			b := &fakeEngine{name: "B", prefix: "/~/scramjet/", owns: tt.scopedOwns, loadErr: tt.scopedErr}
			stats := statistics.NewRouteRecordList("")
			rt, err := New(Options{
				Prefix:   a,
				Scoped:   b,
				Origin:   "http://gw.local",
				Upstream: upstream.URL,
				Stats:    stats,
			})
			require.NoError(t, err)

			u, _ := url.Parse(tt.target)
			req := httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
			req.Host = u.Host
			rec := httptest.NewRecorder()
			rt.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Body.String())
			assert.EqualValues(t, 1, b.loads.Load(), "scoped config is loaded before routing")
			assert.LessOrEqual(t, a.served.Load()+b.served.Load(), int64(1))
		})
	}
}

func TestRouterPassThroughUnmodified(t *testing.T) {
	var gotHost, gotCookie, gotMethod string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotCookie = r.Header.Get("Cookie")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	rt, err := New(Options{Upstream: upstream.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/save", strings.NewReader("payload"))
	req.Host = "gw.local"
	req.Header.Set("Cookie", "sid=1")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "gw.local", gotHost)
	assert.Equal(t, "sid=1", gotCookie)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "payload", string(gotBody))
}

func TestRouterAbsoluteFormGoesToOwnHost(t *testing.T) {
	target := newUpstream(t)
	rt, err := New(Options{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, target.URL+"/direct", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "upstream:/direct", rec.Body.String())
}

func TestRouterNoUpstream(t *testing.T) {
	rt, err := New(Options{})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRouterWithUnavailableScopedEngine(t *testing.T) {
	upstream := newUpstream(t)
	resolver := engine.NewResolver(nil)
	rt, err := New(Options{
		Prefix:   &fakeEngine{name: "A", prefix: "/~/px/"},
		Scoped:   resolver.Lazy(),
		Upstream: upstream.URL,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/~/scramjet/x", nil))
	assert.Equal(t, "upstream:/~/scramjet/x", rec.Body.String())
}

func TestRequestOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "GW.local:8080"
	assert.Equal(t, "http://gw.local:8080", RequestOrigin(req))

	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://gw.local:8080", RequestOrigin(req))
	assert.Equal(t, "https://gw.local:8080/", AbsoluteURL(req))
}
