package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Builder   BuilderConfig   `mapstructure:"builder" yaml:"builder"`
	Traversal TraversalConfig `mapstructure:"traversal" yaml:"traversal"`
	SPOF      SPOFConfig      `mapstructure:"spof" yaml:"spof"`
	Sweep     SweepConfig     `mapstructure:"sweep" yaml:"sweep"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // Megabytes before rotation.
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // Days.
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig selects and configures the graph store backend.
type DatabaseConfig struct {
	// Backend is "postgres" (production) or "memory" (tests, ad-hoc runs).
	Backend string `mapstructure:"backend" yaml:"backend"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// BuilderConfig tunes the dependency builder.
type BuilderConfig struct {
	// External-traffic filters, applied after asset mapping.
	ExcludeExternalIPs     bool `mapstructure:"exclude_external_ips" yaml:"exclude_external_ips"`
	ExcludeExternalSources bool `mapstructure:"exclude_external_sources" yaml:"exclude_external_sources"`
	ExcludeExternalTargets bool `mapstructure:"exclude_external_targets" yaml:"exclude_external_targets"`
	// BatchWorkers bounds the concurrent upserts of a build_batch call.
	BatchWorkers int `mapstructure:"batch_workers" yaml:"batch_workers"`
}

// TraversalConfig bounds graph walks. Callers that omit a depth get the
// defaults; exceeding a bound is reported as truncation, never an error.
type TraversalConfig struct {
	DefaultMaxDepth int `mapstructure:"default_max_depth" yaml:"default_max_depth"`
	PathMaxDepth    int `mapstructure:"path_max_depth" yaml:"path_max_depth"`
	MaxNodes        int `mapstructure:"max_nodes" yaml:"max_nodes"`
	GraphEdgeLimit  int `mapstructure:"graph_edge_limit" yaml:"graph_edge_limit"`
}

// SPOFConfig bounds the structural risk analysis.
type SPOFConfig struct {
	// CandidateCap limits candidates per detector (top-N by affected count)
	// so dense graphs stay tractable.
	CandidateCap int `mapstructure:"candidate_cap" yaml:"candidate_cap"`
}

// SweepConfig controls the stale-dependency sweeper.
type SweepConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`
	// ClosuresPerSecond paces edge closures so the sweep never saturates the store.
	ClosuresPerSecond float64 `mapstructure:"closures_per_second" yaml:"closures_per_second"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "netseer")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.url", "")

	// -- Builder --
	v.SetDefault("builder.exclude_external_ips", false)
	v.SetDefault("builder.exclude_external_sources", false)
	v.SetDefault("builder.exclude_external_targets", false)
	v.SetDefault("builder.batch_workers", 8)

	// -- Traversal --
	v.SetDefault("traversal.default_max_depth", 5)
	v.SetDefault("traversal.path_max_depth", 10)
	v.SetDefault("traversal.max_nodes", 1000)
	v.SetDefault("traversal.graph_edge_limit", 500)

	// -- SPOF --
	v.SetDefault("spof.candidate_cap", 100)

	// -- Sweep --
	v.SetDefault("sweep.stale_after", 24*time.Hour)
	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("sweep.batch_size", 500)
	v.SetDefault("sweep.closures_per_second", 50.0)
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewFromViper creates a validated configuration from a viper instance.
func NewFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("database.url", "NETSEER_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres backend (hint: set NETSEER_DATABASE_URL)")
		}
	case "memory":
		// No URL needed.
	default:
		return fmt.Errorf("database.backend must be \"postgres\" or \"memory\", got %q", c.Database.Backend)
	}

	if c.Builder.BatchWorkers <= 0 {
		return fmt.Errorf("builder.batch_workers must be a positive integer")
	}
	if c.Traversal.DefaultMaxDepth <= 0 {
		return fmt.Errorf("traversal.default_max_depth must be a positive integer")
	}
	if c.Traversal.PathMaxDepth <= 0 {
		return fmt.Errorf("traversal.path_max_depth must be a positive integer")
	}
	if c.Traversal.MaxNodes <= 0 {
		return fmt.Errorf("traversal.max_nodes must be a positive integer")
	}
	if c.SPOF.CandidateCap <= 0 {
		return fmt.Errorf("spof.candidate_cap must be a positive integer")
	}
	if c.Sweep.StaleAfter <= 0 {
		return fmt.Errorf("sweep.stale_after must be a positive duration")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep.batch_size must be a positive integer")
	}
	if c.Sweep.ClosuresPerSecond <= 0 {
		return fmt.Errorf("sweep.closures_per_second must be positive")
	}
	return nil
}
