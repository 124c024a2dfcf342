// Package server owns the HTTP surface of the gateway: the router, the
// middleware stack, and the listener lifecycle.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server is the gateway's HTTP front. Routes are mounted on Router before
// Start is called.
type Server struct {
	Router *chi.Mux

	addr     string
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a server with the standard middleware stack. maxConcurrent
// bounds in-flight requests; excess requests wait and then receive 503.
func New(addr string, maxConcurrent int, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if maxConcurrent > 0 {
		r.Use(middleware.Throttle(maxConcurrent))
	}
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "ollamashield")
	})

	return &Server{
		Router: r,
		addr:   addr,
		logger: logger,
	}
}

// Start binds the listener and begins serving in the background. Binding is
// synchronous so a taken port fails here, not later; Addr is valid once
// Start returns. Serve errors after startup are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Router}

	s.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server terminated", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
