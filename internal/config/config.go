// Package config resolves the gateway's runtime settings once at startup.
// Settings come from an optional config.yaml overridden by the environment
// variables named in the deployment contract. The resulting Config is
// immutable and passed explicitly to every component constructor.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ollamashield/ollamashield/internal/domain"
)

// DefaultSecurityBaseURL is the public endpoint of the AI runtime-security
// service, used when SECURITY_BASE_URL is not set.
const DefaultSecurityBaseURL = "https://service.api.aisecurity.paloaltonetworks.com"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Ollama   OllamaConfig   `koanf:"ollama"`
	Security SecurityConfig `koanf:"security"`
	Audit    AuditConfig    `koanf:"audit"`
}

type ServerConfig struct {
	Host          string `koanf:"host"`
	Port          int    `koanf:"port"`
	DebugLevel    string `koanf:"debug_level"`
	MaxConcurrent int    `koanf:"max_concurrent"`
}

type OllamaConfig struct {
	BaseURL string `koanf:"base_url"`
}

type SecurityConfig struct {
	BaseURL     string `koanf:"base_url"`
	APIKey      string `koanf:"api_key"`
	ProfileName string `koanf:"profile_name"`
	AppName     string `koanf:"app_name"`
	AppUser     string `koanf:"app_user"`
	// ScanResponses enables completion-side scanning in addition to the
	// always-on prompt scan.
	ScanResponses bool `koanf:"scan_responses"`
	// FailOpen permits requests to pass when the scanner is unreachable.
	// Default is fail-closed.
	FailOpen bool `koanf:"fail_open"`
	// Timeout is a duration string like "5s", applied per scan attempt.
	Timeout    string `koanf:"timeout"`
	MaxRetries int    `koanf:"max_retries"`
}

type AuditConfig struct {
	// DBPath is the SQLite file for the scan audit trail. Empty keeps the
	// trail in memory.
	DBPath string `koanf:"db_path"`
}

// envKeys maps the environment variables of the deployment contract onto
// config paths. Variables not listed here are ignored.
var envKeys = map[string]string{
	"SERVER_HOST":             "server.host",
	"SERVER_PORT":             "server.port",
	"SERVER_DEBUG_LEVEL":      "server.debug_level",
	"SERVER_MAX_CONCURRENT":   "server.max_concurrent",
	"OLLAMA_BASE_URL":         "ollama.base_url",
	"SECURITY_BASE_URL":       "security.base_url",
	"SECURITY_API_KEY":        "security.api_key",
	"SECURITY_PROFILE_NAME":   "security.profile_name",
	"SECURITY_APP_NAME":       "security.app_name",
	"SECURITY_APP_USER":       "security.app_user",
	"SECURITY_SCAN_RESPONSES": "security.scan_responses",
	"SECURITY_FAIL_OPEN":      "security.fail_open",
	"SECURITY_TIMEOUT":        "security.timeout",
	"SECURITY_MAX_RETRIES":    "security.max_retries",
	"AUDIT_DB_PATH":           "audit.db_path",
}

// Load reads config.yaml if present, then the environment, then applies
// defaults. It does not validate; call Validate before serving.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config.yaml: %w", err)
		}
	}

	// Environment overrides the file. The callback returns "" for variables
	// outside the contract, which koanf skips.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	defaults := map[string]any{
		"server.host":             "0.0.0.0",
		"server.port":             11435,
		"server.debug_level":      "INFO",
		"server.max_concurrent":   256,
		"security.base_url":       DefaultSecurityBaseURL,
		"security.app_name":       "panw-api-ollama",
		"security.app_user":       "docker",
		"security.scan_responses": true,
		"security.fail_open":      false,
		"security.timeout":        "5s",
		"security.max_retries":    2,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate fails fast on settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Ollama.BaseURL == "" {
		return domain.ErrConfig("OLLAMA_BASE_URL is required")
	}
	if c.Security.APIKey == "" {
		return domain.ErrConfig("SECURITY_API_KEY is required")
	}
	if c.Security.ProfileName == "" {
		return domain.ErrConfig("SECURITY_PROFILE_NAME is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return domain.ErrConfig(fmt.Sprintf("invalid SERVER_PORT %d", c.Server.Port))
	}
	if _, err := time.ParseDuration(c.Security.Timeout); err != nil {
		return domain.ErrConfig(fmt.Sprintf("invalid SECURITY_TIMEOUT %q", c.Security.Timeout))
	}
	return nil
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// SlogLevel maps SERVER_DEBUG_LEVEL onto a slog level.
func (s ServerConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(s.DebugLevel) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ScanTimeout returns the per-attempt scanner timeout.
func (s SecurityConfig) ScanTimeout() time.Duration {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
