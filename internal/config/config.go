package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores environment-driven settings for the approvals service.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig

	// DirectoryURL is the base URL of the identity/directory service used
	// to resolve approver roles into user IDs.
	DirectoryURL string `env:"DIRECTORY_URL" envDefault:"http://localhost:9081"`
	// LogLevel sets the logger level.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8086"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig controls the Postgres pool. An empty URL selects the
// in-memory store (local development only).
type DatabaseConfig struct {
	URL         string        `env:"DATABASE_URL"`
	MaxConns    int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DATABASE_MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxIdleTime time.Duration `env:"DATABASE_MAX_CONN_IDLE" envDefault:"5m"`
}

// NATSConfig controls the notification publisher. An empty URL disables
// publishing (events are dropped with a debug log).
type NATSConfig struct {
	URL string `env:"NATS_URL"`
}

// Load parses environment variables into Config.
func Load() (Config, error) {
	return env.ParseAs[Config]()
}
