// Package config provides centralized configuration management for the
// migration service. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"runtime"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Migration MigrationConfig
	Retry     RetryConfig
	Circuit   CircuitConfig
	Rate      RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading the request body.
	// Uploads can be large, so the default is generous (15m).
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15m"`

	// WriteTimeout is the maximum duration for writing the response.
	// Synchronous migration runs can outlive any fixed limit (default: 0).
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// MigrationConfig holds the pipeline settings for a migration job.
type MigrationConfig struct {
	// BatchSize is the number of rows dispatched to the sink per batch (default: 5000)
	BatchSize int `env:"MIGRATION_BATCH_SIZE" default:"5000"`

	// MaxConcurrentBatches is the worker count for parallel batch dispatch.
	// Zero means one worker per CPU core.
	MaxConcurrentBatches int `env:"MIGRATION_MAX_CONCURRENT_BATCHES" default:"0"`

	// MaxConcurrentSheets limits parallel target tables during apply (default: 3)
	MaxConcurrentSheets int `env:"MIGRATION_MAX_CONCURRENT_SHEETS" default:"3"`

	// MaxRows is the row ceiling enforced before ingest (default: 1,000,000)
	MaxRows int `env:"MIGRATION_MAX_ROWS" default:"1000000"`

	// MaxCells is the cell ceiling enforced before ingest (default: 5,000,000)
	MaxCells int `env:"MIGRATION_MAX_CELLS" default:"5000000"`

	// MaxFileSize is the maximum accepted upload size in bytes (default: 200MB)
	MaxFileSize int64 `env:"MIGRATION_MAX_FILE_SIZE" default:"209715200"`

	// Strategy selects the batch dispatch strategy:
	// "sequential", "parallel" or "reactive" (default: parallel)
	Strategy string `env:"MIGRATION_STRATEGY" default:"parallel"`

	// PhaseTimeout bounds each pipeline phase (default: 30m)
	PhaseTimeout time.Duration `env:"MIGRATION_PHASE_TIMEOUT" default:"30m"`

	// SinkTimeout bounds a single sink call (default: 30s)
	SinkTimeout time.Duration `env:"MIGRATION_SINK_TIMEOUT" default:"30s"`

	// ShutdownDrain is how long shutdown waits for in-flight batches (default: 5m)
	ShutdownDrain time.Duration `env:"MIGRATION_SHUTDOWN_DRAIN" default:"5m"`

	// SpoolDir is where uploaded workbooks are written before processing (default: spool)
	SpoolDir string `env:"MIGRATION_SPOOL_DIR" default:"spool"`
}

// RetryConfig holds the executor's transient-fault retry settings.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per batch (default: 3)
	MaxAttempts int `env:"RETRY_MAX_ATTEMPTS" default:"3"`

	// InitialDelay is the sleep before the first retry (default: 5s)
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" default:"5s"`

	// Multiplier scales the delay on each subsequent retry (default: 2)
	Multiplier float64 `env:"RETRY_MULTIPLIER" default:"2"`

	// MaxDelay caps the backoff sleep (default: 2m)
	MaxDelay time.Duration `env:"RETRY_MAX_DELAY" default:"2m"`
}

// CircuitConfig holds the sink circuit breaker settings.
type CircuitConfig struct {
	// WindowSize is the number of recent batches considered (default: 10)
	WindowSize int `env:"CIRCUIT_WINDOW_SIZE" default:"10"`

	// FailureRateThreshold opens the breaker when met (default: 0.5)
	FailureRateThreshold float64 `env:"CIRCUIT_FAILURE_RATE" default:"0.5"`

	// OpenDuration is how long the breaker stays open before a trial batch (default: 30s)
	OpenDuration time.Duration `env:"CIRCUIT_OPEN_DURATION" default:"30s"`
}

// RateLimitConfig holds migration-start rate limiting.
type RateLimitConfig struct {
	// Enabled controls whether start rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// StartsPerMinute is the maximum migration starts per minute per instance (default: 10)
	StartsPerMinute int `env:"RATE_LIMIT_STARTS_PER_MINUTE" default:"10"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// Workers returns the effective parallel batch worker count.
func (c *MigrationConfig) Workers() int {
	if c.MaxConcurrentBatches > 0 {
		return c.MaxConcurrentBatches
	}
	return runtime.NumCPU()
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
