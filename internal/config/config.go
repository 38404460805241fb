// Package config provides configuration loading for workflowd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the workflowd daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	NATS          NATSConfig          `koanf:"nats"`
	Snapshots     SnapshotConfig      `koanf:"snapshots"`
	Gate          GateConfig          `koanf:"gate"`
	Freshness     FreshnessConfig     `koanf:"freshness"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig configures the HTTP admin server.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// NATSConfig configures the optional NATS connection used for the
// JetStream-backed session store and the event forwarder.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Bucket        string `koanf:"bucket"`
	SubjectPrefix string `koanf:"subject_prefix"`
	MaxReconnects int    `koanf:"max_reconnects"`
}

// SnapshotConfig configures context snapshot storage.
type SnapshotConfig struct {
	// Path is the directory for the embedded vector store.
	Path string `koanf:"path"`
	// Collection is the snapshot collection name.
	Collection string `koanf:"collection"`
	// Retention is the age beyond which snapshots are eligible for
	// explicit pruning. Pruning never happens implicitly.
	Retention Duration `koanf:"retention"`
}

// GateConfig configures the policy gate.
type GateConfig struct {
	// RateLimit is the sustained request rate allowed through the gate
	// (requests per second). Zero disables rate limiting.
	RateLimit float64 `koanf:"rate_limit"`
	// RateBurst is the burst size for the rate limiter.
	RateBurst int `koanf:"rate_burst"`
}

// FreshnessConfig configures context freshness classification bands.
type FreshnessConfig struct {
	// FreshWindow is the maximum age for a Fresh classification.
	FreshWindow Duration `koanf:"fresh_window"`
	// AcceptableWindow is the maximum age for an Acceptable classification.
	AcceptableWindow Duration `koanf:"acceptable_window"`
}

// WorkflowConfig configures workflow session lifecycle handling.
type WorkflowConfig struct {
	// DefaultTimeout is the deadline armed when a session enters a
	// time-bounded state without an explicit deadline.
	DefaultTimeout Duration `koanf:"default_timeout"`
	// AbandonAfter is the inactivity window after which the reaper
	// abandons a non-terminal session.
	AbandonAfter Duration `koanf:"abandon_after"`
	// ReapInterval is how often the reaper scans sessions.
	ReapInterval Duration `koanf:"reap_interval"`
}

// ObservabilityConfig configures logging and telemetry export.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	ServiceVersion  string `koanf:"service_version"`
	LogLevel        string `koanf:"log_level"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8420,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			Bucket:        "workflowd_sessions",
			SubjectPrefix: "workflowd",
			MaxReconnects: 5,
		},
		Snapshots: SnapshotConfig{
			Path:       "~/.local/share/workflowd/snapshots",
			Collection: "workflowd_snapshots",
			Retention:  Duration(30 * 24 * time.Hour),
		},
		Gate: GateConfig{
			RateLimit: 100,
			RateBurst: 200,
		},
		Freshness: FreshnessConfig{
			FreshWindow:      Duration(5 * time.Second),
			AcceptableWindow: Duration(30 * time.Second),
		},
		Workflow: WorkflowConfig{
			DefaultTimeout: Duration(15 * time.Minute),
			AbandonAfter:   Duration(24 * time.Hour),
			ReapInterval:   Duration(30 * time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName:    "workflowd",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
			OTLPEndpoint:   "localhost:4317",
			OTLPProtocol:   "grpc",
			OTLPInsecure:   true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.NATS.Enabled && c.NATS.Bucket == "" {
		return fmt.Errorf("nats.bucket is required when nats is enabled")
	}
	if c.Snapshots.Collection == "" {
		return fmt.Errorf("snapshots.collection is required")
	}
	if c.Snapshots.Retention.Duration() <= 0 {
		return fmt.Errorf("snapshots.retention must be positive")
	}
	if c.Gate.RateLimit < 0 {
		return fmt.Errorf("gate.rate_limit cannot be negative")
	}
	if c.Gate.RateLimit > 0 && c.Gate.RateBurst <= 0 {
		return fmt.Errorf("gate.rate_burst must be positive when rate limiting is enabled")
	}
	if c.Freshness.FreshWindow.Duration() <= 0 {
		return fmt.Errorf("freshness.fresh_window must be positive")
	}
	if c.Freshness.AcceptableWindow.Duration() <= c.Freshness.FreshWindow.Duration() {
		return fmt.Errorf("freshness.acceptable_window must exceed freshness.fresh_window")
	}
	if c.Workflow.DefaultTimeout.Duration() <= 0 {
		return fmt.Errorf("workflow.default_timeout must be positive")
	}
	if c.Workflow.AbandonAfter.Duration() <= 0 {
		return fmt.Errorf("workflow.abandon_after must be positive")
	}
	if c.Workflow.ReapInterval.Duration() <= 0 {
		return fmt.Errorf("workflow.reap_interval must be positive")
	}
	if c.Observability.ServiceName == "" {
		return fmt.Errorf("observability.service_name is required")
	}
	if c.Observability.EnableTelemetry && c.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("observability.otlp_endpoint is required when telemetry is enabled")
	}
	switch c.Observability.OTLPProtocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("observability.otlp_protocol must be grpc or http/protobuf, got %q", c.Observability.OTLPProtocol)
	}
	return nil
}
