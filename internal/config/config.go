// Package config loads the engine configuration: YAML file plus a small
// set of environment overrides for deployment-specific endpoints and
// secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/cache"
	"github.com/churst90/accessible-trader-sub001/internal/infrastructure/db"
	"github.com/churst90/accessible-trader-sub001/internal/market/backfill"
	"github.com/churst90/accessible-trader-sub001/internal/market/orchestrator"
	"github.com/churst90/accessible-trader-sub001/internal/market/stream"
	"github.com/churst90/accessible-trader-sub001/internal/plugins"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// ClientQueueCapacity bounds each WebSocket client's outbound queue.
	ClientQueueCapacity int `yaml:"client_queue_capacity"`

	// ClientSendTimeout is the per-frame write deadline before a client
	// counts as slow.
	ClientSendTimeout time.Duration `yaml:"client_send_timeout"`

	// PingInterval is the heartbeat cadence; two missed pongs close the
	// connection.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                "127.0.0.1",
		Port:                8080,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         60 * time.Second,
		ClientQueueCapacity: 1024,
		ClientSendTimeout:   5 * time.Second,
		PingInterval:        30 * time.Second,
	}
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Config is the full engine configuration.
type Config struct {
	Server       ServerConfig           `yaml:"server"`
	DB           db.Config              `yaml:"db"`
	Cache        cache.Config           `yaml:"cache"`
	Registry     plugins.RegistryConfig `yaml:"registry"`
	Orchestrator orchestrator.Config    `yaml:"orchestrator"`
	Backfill     backfill.Config        `yaml:"backfill"`
	Stream       stream.Config          `yaml:"stream"`
}

// Default returns the fully defaulted configuration.
func Default() Config {
	return Config{
		Server:       DefaultServerConfig(),
		DB:           db.DefaultConfig(),
		Cache:        cache.DefaultConfig(),
		Registry:     plugins.DefaultRegistryConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Backfill:     backfill.DefaultConfig(),
		Stream:       stream.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides deployment endpoints and credentials from the
// environment so secrets stay out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("PG_DSN"); v != "" {
		c.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.DB = n
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
}
