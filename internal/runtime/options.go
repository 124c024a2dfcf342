package runtime

import (
	"fmt"
	"log/slog"

	"github.com/ollamashield/ollamashield/internal/audit"
	"github.com/ollamashield/ollamashield/internal/config"
	"github.com/ollamashield/ollamashield/internal/pipeline"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithConfig supplies a loaded configuration. Required.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config must not be nil")
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithScanner replaces the security scan client. Used by tests to inject
// stubs; production builds the real client from config.
func WithScanner(s pipeline.Scanner) Option {
	return func(g *Gateway) error {
		g.scanner = s
		return nil
	}
}

// WithUpstream replaces the inference backend client.
func WithUpstream(u pipeline.Upstream) Option {
	return func(g *Gateway) error {
		g.upstream = u
		return nil
	}
}

// WithAuditStore replaces the scan audit trail store.
func WithAuditStore(s audit.Store) Option {
	return func(g *Gateway) error {
		g.store = s
		return nil
	}
}
