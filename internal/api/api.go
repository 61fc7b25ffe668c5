package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sunbk201/tunnelgate/internal/beacon"
	"github.com/sunbk201/tunnelgate/internal/config"
	"github.com/sunbk201/tunnelgate/internal/consent"
	applog "github.com/sunbk201/tunnelgate/internal/log"
	"github.com/sunbk201/tunnelgate/internal/statistics"
)

type Options struct {
	Addr        string
	Version     string
	Config      *config.Config
	Consent     *consent.Store
	Stats       *statistics.Recorder
	Beacon      *beacon.Gate
	Broadcaster *applog.Broadcaster
	Hub         *applog.Hub
}

type APIServer struct {
	version        string
	cfg            *config.Config
	addr           string
	consent        *consent.Store
	stats          *statistics.Recorder
	beacon         *beacon.Gate
	httpServer     *http.Server
	logBroadcaster *applog.Broadcaster
	logHub         *applog.Hub
}

func New(opts Options) *APIServer {
	return &APIServer{
		version:        opts.Version,
		cfg:            opts.Config,
		addr:           opts.Addr,
		consent:        opts.Consent,
		stats:          opts.Stats,
		beacon:         opts.Beacon,
		logBroadcaster: opts.Broadcaster,
		logHub:         opts.Hub,
	}
}

// Handler builds the API router. Consent and ping operations are public so
// the page can reach them; everything else sits behind the secret.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	hcfg := huma.DefaultConfig("tunnelgate API", s.version)
	hcfg.DocsPath = ""
	api := humachi.New(r, hcfg)
	if s.consent != nil {
		registerConsentHandlers(api, s.consent)
	}
	registerPingHandlers(api, s.stats)

	r.Group(func(r chi.Router) {
		if s.cfg != nil && s.cfg.APISecret != "" {
			r.Use(s.authMiddleware)
		}

		r.Get("/version", s.handleVersion)
		r.Get("/config", s.handleConfig)
		r.Get("/stats", s.handleStats)
		r.Get("/stats/routes", s.handleRouteStats)
		r.Get("/stats/pings", s.handlePingStats)
		r.Get("/stats/tasks", s.handleTaskStats)

		r.Get("/logs", s.handleLogs)

		// pprof routes
		r.Route("/debug/pprof", func(r chi.Router) {
			r.HandleFunc("/", pprof.Index)
			r.HandleFunc("/cmdline", pprof.Cmdline)
			r.HandleFunc("/profile", pprof.Profile)
			r.HandleFunc("/symbol", pprof.Symbol)
			r.HandleFunc("/trace", pprof.Trace)
			r.Handle("/goroutine", pprof.Handler("goroutine"))
			r.Handle("/heap", pprof.Handler("heap"))
			r.Handle("/allocs", pprof.Handler("allocs"))
			r.Handle("/block", pprof.Handler("block"))
			r.Handle("/mutex", pprof.Handler("mutex"))
		})
	})
	return r
}

func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api-server listen failed: %w", err)
	}

	slog.Info("api-server started", slog.String("addr", s.addr))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("api-server error", slog.Any("error", err))
		}
	}()

	return nil
}

func (s *APIServer) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("api-server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func slogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api-server request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); auth != "" {
			if len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			} else {
				token = auth
			}
		}
		if token == "" {
			token = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APISecret)) != 1 {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
