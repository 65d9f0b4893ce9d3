package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Proxy     ProxyConfig
	Control   ControlConfig
	Tunnel    TunnelConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"4321"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// ProxyConfig holds gateway and cache configuration.
type ProxyConfig struct {
	TenantsFile  string `envconfig:"TENANTS_FILE" default:"config/overlays.yaml"`
	CacheSeconds int    `envconfig:"CACHE_SECONDS" default:"60"`
	CacheEntries int    `envconfig:"CACHE_ENTRIES" default:"4096"`
	UnwrapDepth  int    `envconfig:"UNWRAP_DEPTH" default:"4"`
	Discovery    bool   `envconfig:"ORIGIN_DISCOVERY" default:"true"`
}

// ControlConfig holds control-bus configuration. An empty token means
// the server generates one at startup and logs it.
type ControlConfig struct {
	Token string `envconfig:"CONTROL_TOKEN" default:""`
	Path  string `envconfig:"CONTROL_PATH" default:"/_control"`
}

// TunnelConfig holds WebSocket tunnel configuration.
type TunnelConfig struct {
	Path     string   `envconfig:"TUNNEL_PATH" default:"/__ws"`
	Prefixes []string `envconfig:"WS_PREFIXES" default:"/socket.io,/ws,/realtime,/live,/cable"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"200"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"400"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "4321",
			Host: "0.0.0.0",
		},
		Proxy: ProxyConfig{
			TenantsFile:  "config/overlays.yaml",
			CacheSeconds: 60,
			CacheEntries: 4096,
			UnwrapDepth:  4,
			Discovery:    true,
		},
		Control: ControlConfig{
			Path: "/_control",
		},
		Tunnel: TunnelConfig{
			Path:     "/__ws",
			Prefixes: []string{"/socket.io", "/ws", "/realtime", "/live", "/cable"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 200,
			Burst:             400,
			Enabled:           false,
		},
	}
}
