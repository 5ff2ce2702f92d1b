// Package config loads and validates the service configuration.
package config

import "time"

// Config is the root configuration for a bookwatch instance.
type Config struct {
	Instance    InstanceConfig `yaml:"instance"`
	CLOB        CLOBConfig     `yaml:"clob"`
	Feed        FeedConfig     `yaml:"feed"`
	Depth       DepthConfig    `yaml:"depth"`
	Database    DatabaseConfig `yaml:"database"`
	Recorder    RecorderConfig `yaml:"recorder"`
	Metrics     MetricsConfig  `yaml:"metrics"`
	Instruments []string       `yaml:"instruments"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// CLOBConfig holds REST API settings.
type CLOBConfig struct {
	RestURL      string        `yaml:"rest_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// FeedConfig holds the market feed connection settings.
type FeedConfig struct {
	WSURL              string        `yaml:"ws_url"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	IdleLinger         time.Duration `yaml:"idle_linger"`
	InitialDump        *bool         `yaml:"initial_dump"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// DepthConfig holds depth service settings.
type DepthConfig struct {
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	SnapshotRetries int           `yaml:"snapshot_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	EvictionGrace   time.Duration `yaml:"eviction_grace"`
	MaxDepthLevels  int           `yaml:"max_depth_levels"`
}

// DatabaseConfig holds the Postgres connection used by the recorder.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RecorderConfig holds periodic depth capture settings.
type RecorderConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	DepthLevels int           `yaml:"depth_levels"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
