// Package gateway is the public API for embedding the security gateway in a
// larger process. External consumers should depend on this package, not on
// internal/runtime.
package gateway

import (
	"github.com/ollamashield/ollamashield/internal/runtime"
)

// Gateway sits between an Ollama-compatible client and the backend,
// scanning traffic in both directions before it passes.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a Gateway. Example:
//
//	cfg, _ := config.Load()
//	gw, err := gateway.New(gateway.WithConfig(cfg))
var New = runtime.New

var (
	WithConfig = runtime.WithConfig
	WithLogger = runtime.WithLogger

	// Dependency injection, mainly for tests and embedders.
	WithScanner    = runtime.WithScanner
	WithUpstream   = runtime.WithUpstream
	WithAuditStore = runtime.WithAuditStore
)
