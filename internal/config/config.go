// Package config provides centralized configuration management for the
// back-office service. It loads settings from environment variables with
// sensible defaults and validates everything on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Storage  StorageConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 120s,
	// imports of large files run within the request)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
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

// ImportConfig holds spreadsheet import processing settings.
type ImportConfig struct {
	// MaxFileSize is the maximum allowed upload size in bytes (default: 20MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"20971520"`

	// AllowedExtensions is the file extension allow-list (default: csv)
	AllowedExtensions []string `env:"IMPORT_ALLOWED_EXTENSIONS" default:"csv"`

	// AllowedMimeTypes is the MIME type allow-list
	AllowedMimeTypes []string `env:"IMPORT_ALLOWED_MIME_TYPES" default:"text/csv,application/csv,application/vnd.ms-excel,application/octet-stream"`

	// MaxReturnedErrors caps how many row errors are echoed back in the
	// import response; the full list is always retained on the batch (default: 10)
	MaxReturnedErrors int `env:"IMPORT_MAX_RETURNED_ERRORS" default:"10"`

	// DevMode makes the rate limiter fail open when its counter store is
	// unavailable. Never enable in production (default: false)
	DevMode bool `env:"IMPORT_DEV_MODE" default:"false"`
}

// RateLimitConfig holds per-user import throttling settings.
type RateLimitConfig struct {
	// MaxAttempts is the number of imports a user may start per window (default: 10)
	MaxAttempts int `env:"IMPORT_RATE_MAX_ATTEMPTS" default:"10"`

	// Window is the decay window for the attempt counter (default: 1h)
	Window time.Duration `env:"IMPORT_RATE_WINDOW" default:"1h"`

	// MaxConcurrent is the number of in-flight imports per user (default: 2)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"2"`

	// SlotTimeout reclaims a concurrency slot that was never released,
	// so a crashed import cannot lock a user out permanently (default: 300s)
	SlotTimeout time.Duration `env:"IMPORT_SLOT_TIMEOUT" default:"300s"`
}

// StorageConfig holds uploaded-file storage settings.
type StorageConfig struct {
	// UploadsDir is the directory where uploaded source files are retained (default: ./uploads)
	UploadsDir string `env:"STORAGE_UPLOADS_DIR" default:"./uploads"`
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
	return c.Host + ":" + strconv.Itoa(c.Port)
}
