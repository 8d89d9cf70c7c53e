// Package config provides configuration types for the quorumauthz engine
// process (the `serve`/`bench` CLI commands), loaded via viper with
// go-playground/validator struct-tag validation: where policy sources
// live, which store backends back the approval/relationship context
// stores, and how decisions are observed.
//
// It intentionally excludes control-plane concerns:
//
//   - NO admin web interface or REST management API
//   - NO identity authentication (the host authenticates; quorumauthz only
//     evaluates the EvaluationContext it's handed)
//   - NO per-policy mutation API (policies are loaded as a full bundle)
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the quorumauthz engine process.
type Config struct {
	// Server configures the HTTP server the `serve` command listens on
	// (health + metrics endpoints; no policy management surface).
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// PolicyBundle configures where compiled-at-startup policy sources
	// are read from.
	PolicyBundle PolicyBundleConfig `yaml:"policy_bundle" mapstructure:"policy_bundle"`

	// ApprovalStore configures the backend for the Approval context store.
	ApprovalStore StoreConfig `yaml:"approval_store" mapstructure:"approval_store"`

	// RelationshipStore configures the backend for the Relationship
	// context store.
	RelationshipStore StoreConfig `yaml:"relationship_store" mapstructure:"relationship_store"`

	// DecisionLog configures the optional decision audit sink.
	DecisionLog DecisionLogConfig `yaml:"decision_log" mapstructure:"decision_log"`

	// Metrics configures Prometheus metrics exposition.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// DevMode enables development defaults (debug logging when no bundle is
	// configured, stdout decision log output); see SetDevDefaults. With no
	// bundle, `serve` runs on an empty snapshot that denies every request.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the engine's HTTP server (health + metrics only).
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8181").
	// Defaults to "127.0.0.1:8181" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum slog level.
	// Valid values: "debug", "info", "warn", "warning", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// PolicyBundleConfig configures where policy sources are loaded from at
// startup.
type PolicyBundleConfig struct {
	// Dir is the directory containing policy source files.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"omitempty,dir"`

	// Glob selects which files within Dir are policy sources.
	// Defaults to "*.qauthz" if empty.
	Glob string `yaml:"glob" mapstructure:"glob"`
}

// StoreConfig configures a context store backend (Approval or
// Relationship). Backend "memory" ignores Path; "sqlite" requires it.
type StoreConfig struct {
	// Backend selects the store implementation.
	// Valid values: "memory", "sqlite". Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,store_backend"`

	// Path is the SQLite database file path. Required when Backend is
	// "sqlite", ignored otherwise.
	Path string `yaml:"path" mapstructure:"path"`

	// CleanupInterval is how often expired entries are evicted/compacted
	// (e.g., "5m"). Defaults to "5m" if not specified.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
}

// DecisionLogConfig configures the decisionlog.Sink attached to the Engine.
type DecisionLogConfig struct {
	// Enabled turns on the decision log sink.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Output names where decision records go.
	// Valid values: "stdout" or "file:///absolute/path/to/decisions.log".
	// Defaults to "stdout" if empty. The `serve` command writes decision
	// records to stdout whatever Output holds; a file:// value is validated
	// but not opened.
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`

	// BufferSize is the number of recent decision records kept in the
	// in-memory ring buffer for GetRecent/Query. Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	// Enabled turns on the /metrics endpoint and metric recording.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the HTTP path the metrics handler is mounted at.
	// Defaults to "/metrics" if empty.
	Path string `yaml:"path" mapstructure:"path"`
}

// SetDevDefaults applies permissive defaults for development mode. Applied
// BEFORE validation so required fields are satisfied even with an
// all-but-empty config file.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.PolicyBundle.Dir == "" && c.PolicyBundle.Glob == "" {
		// No bundle configured: the `serve` command falls back to an
		// empty, always-deny snapshot rather than refusing to start.
		c.Server.LogLevel = "debug"
	}
	if c.DecisionLog.Output == "" {
		c.DecisionLog.Output = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8181"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.PolicyBundle.Glob == "" {
		c.PolicyBundle.Glob = "*.qauthz"
	}

	if c.ApprovalStore.Backend == "" {
		c.ApprovalStore.Backend = "memory"
	}
	if c.ApprovalStore.CleanupInterval == "" {
		c.ApprovalStore.CleanupInterval = "5m"
	}
	if c.RelationshipStore.Backend == "" {
		c.RelationshipStore.Backend = "memory"
	}
	if c.RelationshipStore.CleanupInterval == "" {
		c.RelationshipStore.CleanupInterval = "5m"
	}

	if c.DecisionLog.Output == "" {
		c.DecisionLog.Output = "stdout"
	}
	if c.DecisionLog.BufferSize == 0 {
		c.DecisionLog.BufferSize = 1000
	}

	// Metrics enabled by default for operability. Only apply when the
	// user hasn't explicitly set it in YAML/env.
	if !viper.IsSet("metrics.enabled") {
		c.Metrics.Enabled = true
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
