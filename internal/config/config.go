// Package config loads server and client configuration from environment
// variables (with optional .env file support), following the teacher's
// config.go: struct tags for env var name and default, godotenv for local
// development convenience, and a Validate step before use.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ServerConfig configures a Server daemon (cmd/kinect2d).
type ServerConfig struct {
	Name      string `env:"KINECT2_NAME" envDefault:""`
	Address   string `env:"KINECT2_ADDRESS" envDefault:"0.0.0.0"`
	Advertise bool   `env:"KINECT2_ADVERTISE" envDefault:"true"`

	LogLevel  string `env:"KINECT2_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KINECT2_LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"KINECT2_METRICS_ADDR" envDefault:":9090"`

	// WorkerCount <= 0 means "use platform.DefaultWorkerCount()".
	WorkerCount int `env:"KINECT2_WORKER_COUNT" envDefault:"0"`
	// MaxInFlight <= 0 means "use platform.DefaultMaxInFlight()".
	MaxInFlight int `env:"KINECT2_MAX_IN_FLIGHT" envDefault:"0"`
}

// ClientConfig configures a Client connection supervisor, directly mirroring
// the tunables table in spec §4.5.
type ClientConfig struct {
	HeartbeatPeriod   time.Duration `env:"KINECT2_HEARTBEAT_PERIOD" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"KINECT2_REQUEST_TIMEOUT" envDefault:"500ms"`
	RequestMaxTries   int           `env:"KINECT2_REQUEST_MAX_TRIES" envDefault:"3"`
	ConnectImmediately bool         `env:"KINECT2_CONNECT_IMMEDIATELY" envDefault:"false"`

	LogLevel  string `env:"KINECT2_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KINECT2_LOG_FORMAT" envDefault:"json"`
}

// LoadServerConfig reads a ServerConfig from the environment, optionally
// loading a .env file first. A missing .env file is not an error.
func LoadServerConfig() (*ServerConfig, error) {
	_ = godotenv.Load()
	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig reads a ClientConfig from the environment.
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that plain env-var parsing can't express.
func (c *ServerConfig) Validate() error {
	if c.WorkerCount < 0 {
		return fmt.Errorf("config: worker count must be >= 0, got %d", c.WorkerCount)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("config: max in-flight must be >= 0, got %d", c.MaxInFlight)
	}
	return nil
}

// Validate checks invariants that plain env-var parsing can't express.
func (c *ClientConfig) Validate() error {
	if c.RequestMaxTries < 1 {
		return fmt.Errorf("config: request max tries must be >= 1, got %d", c.RequestMaxTries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be > 0, got %s", c.RequestTimeout)
	}
	if c.HeartbeatPeriod <= 0 {
		return fmt.Errorf("config: heartbeat period must be > 0, got %s", c.HeartbeatPeriod)
	}
	return nil
}
