// Package server hosts the request router on the gateway listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sunbk201/tunnelgate/internal/config"
)

type Server interface {
	Start() error
	Close() error
	Addr() string
}

// Gateway serves every page, asset and tunnelled request of the site.
type Gateway struct {
	cfg        *config.Config
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

func New(cfg *config.Config, handler http.Handler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "gateway"),
	}
}

func (s *Gateway) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway listen failed: %w", err)
	}
	return s.Serve(ln)
}

// Serve starts serving on ln in the background.
func (s *Gateway) Serve(ln net.Listener) error {
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           middleware.Recoverer(s.requestLog(s.handler)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("gateway started", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway error", slog.Any("error", err))
		}
	}()
	return nil
}

func (s *Gateway) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Gateway) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("gateway shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Gateway) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("gateway request",
			slog.String("method", r.Method),
			slog.String("host", r.Host),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

var _ Server = (*Gateway)(nil)
