// Package runtime assembles the gateway from its parts and manages its
// lifecycle. It can run standalone under cmd/gateway or embedded in a larger
// process via pkg/gateway.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ollamashield/ollamashield/internal/audit"
	"github.com/ollamashield/ollamashield/internal/config"
	frontdoor "github.com/ollamashield/ollamashield/internal/frontdoor/ollama"
	"github.com/ollamashield/ollamashield/internal/pipeline"
	"github.com/ollamashield/ollamashield/internal/scanner"
	"github.com/ollamashield/ollamashield/internal/server"
	"github.com/ollamashield/ollamashield/internal/telemetry"
	"github.com/ollamashield/ollamashield/internal/upstream/ollama"
)

// Gateway wires the scanner, the backend client, the pipeline, and the HTTP
// server together.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	scanner  pipeline.Scanner
	upstream pipeline.Upstream
	store    audit.Store
	metrics  *telemetry.Metrics
	srv      *server.Server

	mu      sync.Mutex
	started bool
}

// New builds a gateway. WithConfig is required; everything else defaults
// from the configuration.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if g.cfg == nil {
		return nil, fmt.Errorf("config required (use WithConfig)")
	}

	if g.scanner == nil {
		g.scanner = scanner.New(g.cfg.Security)
	}
	if g.upstream == nil {
		g.upstream = ollama.New(g.cfg.Ollama.BaseURL)
	}
	if g.store == nil {
		store, err := newAuditStore(g.cfg, g.logger)
		if err != nil {
			return nil, err
		}
		g.store = store
	}

	registry := prometheus.NewRegistry()
	g.metrics = telemetry.NewMetrics(registry)

	pipe := pipeline.New(pipeline.Config{
		Scanner:       g.scanner,
		Upstream:      g.upstream,
		Audit:         g.store,
		Metrics:       g.metrics,
		Logger:        g.logger,
		ScanResponses: g.cfg.Security.ScanResponses,
		FailOpen:      g.cfg.Security.FailOpen,
	})

	srv := server.New(g.cfg.Server.Addr(), g.cfg.Server.MaxConcurrent, g.logger)
	handler := frontdoor.NewHandler(pipe, g.metrics, g.logger)

	srv.Router.Post("/api/chat", handler.HandleChat)
	srv.Router.Post("/api/generate", handler.HandleGenerate)

	passthrough, err := server.Passthrough(g.cfg.Ollama.BaseURL, g.logger)
	if err != nil {
		return nil, fmt.Errorf("create passthrough proxy: %w", err)
	}
	// Passthrough routes carry no streams and get a hard deadline.
	bounded := srv.Router.With(server.TimeoutMiddleware(15 * time.Second))
	bounded.Get("/api/tags", passthrough.ServeHTTP)
	bounded.Get("/api/version", passthrough.ServeHTTP)

	srv.Router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	g.srv = srv
	return g, nil
}

func newAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	if cfg.Audit.DBPath == "" {
		return audit.NewMemoryStore(), nil
	}
	store, err := audit.NewSQLiteStore(cfg.Audit.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	logger.Info("audit trail on sqlite", slog.String("path", cfg.Audit.DBPath))
	return store, nil
}

// Start binds the listener and begins serving. It returns once the listener
// is bound; the process then runs until Shutdown.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	g.started = true
	g.mu.Unlock()

	g.logger.Info("gateway starting",
		slog.String("addr", g.cfg.Server.Addr()),
		slog.String("backend", g.cfg.Ollama.BaseURL),
		slog.Bool("scan_responses", g.cfg.Security.ScanResponses),
		slog.Bool("fail_open", g.cfg.Security.FailOpen),
	)
	return g.srv.Start()
}

// Addr returns the server's bound address once Start has bound the listener.
func (g *Gateway) Addr() string {
	return g.srv.Addr()
}

// Shutdown drains the server and closes the audit store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down")

	err := g.srv.Shutdown(ctx)
	if cerr := g.store.Close(); cerr != nil {
		g.logger.Error("failed to close audit store", slog.String("error", cerr.Error()))
		if err == nil {
			err = cerr
		}
	}
	return err
}
