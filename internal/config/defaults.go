package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "https://clob.polymarket.com"
	DefaultWSURL              = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultAPIRetryBackoff    = 1 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultIdleLinger         = 5 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultBufferSize         = 4096
	DefaultSnapshotTimeout    = 10 * time.Second
	DefaultSnapshotRetries    = 3
	DefaultSnapshotBackoff    = 500 * time.Millisecond
	DefaultEvictionGrace      = 30 * time.Second
	DefaultMaxDepthLevels     = 50
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultRecordInterval     = 10 * time.Second
	DefaultRecordDepthLevels  = 10
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
)

func (c *Config) applyDefaults() {
	// CLOB defaults
	if c.CLOB.RestURL == "" {
		c.CLOB.RestURL = DefaultRestURL
	}
	if c.CLOB.Timeout == 0 {
		c.CLOB.Timeout = DefaultAPITimeout
	}
	if c.CLOB.MaxRetries == 0 {
		c.CLOB.MaxRetries = DefaultMaxRetries
	}
	if c.CLOB.RetryBackoff == 0 {
		c.CLOB.RetryBackoff = DefaultAPIRetryBackoff
	}

	// Feed defaults
	if c.Feed.WSURL == "" {
		c.Feed.WSURL = DefaultWSURL
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.IdleLinger == 0 {
		c.Feed.IdleLinger = DefaultIdleLinger
	}
	if c.Feed.InitialDump == nil {
		dump := true
		c.Feed.InitialDump = &dump
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultBufferSize
	}

	// Depth defaults
	if c.Depth.SnapshotTimeout == 0 {
		c.Depth.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if c.Depth.SnapshotRetries == 0 {
		c.Depth.SnapshotRetries = DefaultSnapshotRetries
	}
	if c.Depth.RetryBackoff == 0 {
		c.Depth.RetryBackoff = DefaultSnapshotBackoff
	}
	if c.Depth.EvictionGrace == 0 {
		c.Depth.EvictionGrace = DefaultEvictionGrace
	}
	if c.Depth.MaxDepthLevels == 0 {
		c.Depth.MaxDepthLevels = DefaultMaxDepthLevels
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Recorder defaults
	if c.Recorder.Interval == 0 {
		c.Recorder.Interval = DefaultRecordInterval
	}
	if c.Recorder.DepthLevels == 0 {
		c.Recorder.DepthLevels = DefaultRecordDepthLevels
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
