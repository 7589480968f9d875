// Package config loads the gateway's configuration surface (spec §6)
// from environment variables, following the pack's env-var-with-struct-
// tags convention (github.com/caarlos0/env/v11), grounded on
// adred-codev-ws_poc/ws/config.go and old_ws/config.go.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/candlegate/gateway/internal/breaker"
	"github.com/candlegate/gateway/internal/endpoint"
	"github.com/candlegate/gateway/internal/router"
	"github.com/candlegate/gateway/internal/session"
)

// Config is the flat configuration surface of spec §6, plus the three
// first-class settings spec §9's open questions add: DefaultInterval,
// RouterQueueMaxSize, and MaxConnectionsPerVenue.
type Config struct {
	InactivityTimeout    time.Duration `env:"INACTIVITY_TIMEOUT" envDefault:"90s"`
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	RestTimeout          time.Duration `env:"REST_TIMEOUT" envDefault:"10s"`
	WSPingInterval       time.Duration `env:"WS_PING_INTERVAL" envDefault:"15s"`
	WSPingTimeout        time.Duration `env:"WS_PING_TIMEOUT" envDefault:"5s"`
	StreamIdleTimeout    time.Duration `env:"STREAM_IDLE_TIMEOUT" envDefault:"120s"`
	MaxSymbolsPerSession int           `env:"MAX_SYMBOLS_PER_SESSION" envDefault:"50"`

	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"1s"`
	BreakerHalfOpenMaxCalls int           `env:"BREAKER_HALF_OPEN_MAX_CALLS" envDefault:"1"`

	ClosedQueueMax int `env:"CLOSED_QUEUE_MAX" envDefault:"1000"`
	// OpenQueueMax of 0 means unbounded, matching spec's "null ⇒
	// unbounded" for openQueueMax (env vars have no null).
	OpenQueueMax int `env:"OPEN_QUEUE_MAX" envDefault:"0"`

	DedupWindowSeconds int `env:"DEDUP_WINDOW_SECONDS" envDefault:"120"`
	DedupMaxEntries    int `env:"DEDUP_MAX_ENTRIES" envDefault:"10000"`

	RestPoolConnections int `env:"REST_POOL_CONNECTIONS" envDefault:"10"`
	RestPoolMaxSize     int `env:"REST_POOL_MAXSIZE" envDefault:"10"`

	WSServerHost string `env:"WS_SERVER_HOST" envDefault:"0.0.0.0"`
	WSServerPort int    `env:"WS_SERVER_PORT" envDefault:"8080"`

	SubscribeTimeout time.Duration `env:"SUBSCRIBE_TIMEOUT" envDefault:"5s"`

	HealthCheckPort    int  `env:"HEALTH_CHECK_PORT" envDefault:"9090"`
	HealthCheckEnabled bool `env:"HEALTH_CHECK_ENABLED" envDefault:"true"`

	DefaultInterval        string `env:"DEFAULT_INTERVAL" envDefault:"1m"`
	RouterQueueMaxSize     int    `env:"ROUTER_QUEUE_MAXSIZE" envDefault:"1000"`
	MaxConnectionsPerVenue int    `env:"MAX_CONNECTIONS_PER_EXCHANGE" envDefault:"5"`

	BinanceWSHost   string `env:"BINANCE_WS_HOST" envDefault:"stream.binance.com:9443"`
	BinanceRESTHost string `env:"BINANCE_REST_HOST" envDefault:"https://api.binance.com"`
	OKXWSHost       string `env:"OKX_WS_HOST" envDefault:"ws.okx.com:8443"`
	OKXRESTHost     string `env:"OKX_REST_HOST" envDefault:"https://www.okx.com"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses Config from the process environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxSymbolsPerSession < 1 {
		return fmt.Errorf("MAX_SYMBOLS_PER_SESSION must be > 0, got %d", c.MaxSymbolsPerSession)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerHalfOpenMaxCalls < 1 {
		return fmt.Errorf("BREAKER_HALF_OPEN_MAX_CALLS must be > 0, got %d", c.BreakerHalfOpenMaxCalls)
	}
	if c.ClosedQueueMax < 1 {
		return fmt.Errorf("CLOSED_QUEUE_MAX must be > 0, got %d", c.ClosedQueueMax)
	}
	if c.MaxConnectionsPerVenue < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_EXCHANGE must be > 0, got %d", c.MaxConnectionsPerVenue)
	}
	if c.DedupMaxEntries < 1 {
		return fmt.Errorf("DEDUP_MAX_ENTRIES must be > 0, got %d", c.DedupMaxEntries)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,console, got %q", c.LogFormat)
	}
	return nil
}

// EngineConfig builds the per-session engine configuration, including
// its circuit breaker.
func (c *Config) EngineConfig() session.Config {
	return session.Config{
		InactivityTimeout: c.InactivityTimeout,
		ReconnectDelay:    c.ReconnectDelay,
		WSPingInterval:    c.WSPingInterval,
		WSPingTimeout:     c.WSPingTimeout,
		DedupWindow:       time.Duration(c.DedupWindowSeconds) * time.Second,
		DedupMaxEntries:   c.DedupMaxEntries,
		BreakerConfig: breaker.Config{
			FailureThreshold: c.BreakerFailureThreshold,
			RecoveryTimeout:  c.BreakerRecoveryTimeout,
			HalfOpenMaxCalls: c.BreakerHalfOpenMaxCalls,
		},
	}
}

// RouterConfig builds the router's pooling and per-session engine
// defaults.
func (c *Config) RouterConfig() router.Config {
	mailboxSize := c.RouterQueueMaxSize
	if mailboxSize <= 0 {
		mailboxSize = 1
	}
	return router.Config{
		MaxSymbolsPerSession:   c.MaxSymbolsPerSession,
		MaxConnectionsPerVenue: c.MaxConnectionsPerVenue,
		ClosedQueueMax:         c.ClosedQueueMax,
		OpenQueueMax:           c.OpenQueueMax,
		MailboxSize:            mailboxSize,
		EngineConfig:           c.EngineConfig(),
	}
}

// EndpointConfig builds the local subscription endpoint's listen
// address and timeouts.
func (c *Config) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		Host:              c.WSServerHost,
		Port:              c.WSServerPort,
		SubscribeTimeout:  c.SubscribeTimeout,
		StreamIdleTimeout: c.StreamIdleTimeout,
		DefaultInterval:   c.DefaultInterval,
	}
}
