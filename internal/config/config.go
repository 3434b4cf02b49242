// Package config loads the YAML configuration surface described in
// spec.md §6: bus, flow-control, retry, transport, pool and gateway
// settings. It follows the teacher's load-then-default-then-validate
// idiom (internal/config.Load in tenzoki/agen/cellorg): a single
// top-level document (referenced sub-documents are not loaded), defaults applied
// after parse, and validation before the config is handed to callers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Bus            BusConfig            `yaml:"bus"`
	FlowController FlowControllerConfig `yaml:"flow_controller"`
	Retry          RetryConfig          `yaml:"retry"`
	Transport      TransportConfig      `yaml:"transport"`
	Pool           PoolConfig           `yaml:"pool"`
	Gateway        GatewayConfig        `yaml:"gateway"`
}

// BusConfig configures the in-process bus.
type BusConfig struct {
	MaxConcurrent         int `yaml:"max_concurrent"`
	DefaultMessageTimeout int `yaml:"default_message_timeout_ms"`
	DeadLetter            struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"dead_letter"`
}

// FlowControllerConfig configures the sliding-window admission limiter.
type FlowControllerConfig struct {
	MaxThroughput int `yaml:"max_throughput"`
	WindowSize    int `yaml:"window_size_ms"`
	MaxWait       int `yaml:"max_wait_ms"`
}

// RetryStrategy enumerates the supported backoff shapes.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "Fixed"
	RetryLinear      RetryStrategy = "Linear"
	RetryExponential RetryStrategy = "Exponential"
)

// RetryConfig configures per-registration retry policy defaults.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      int           `yaml:"initial_delay_ms"`
	MaxDelay          int           `yaml:"max_delay_ms"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
	Strategy          RetryStrategy `yaml:"strategy"`
}

// TransportConfig groups settings shared by every transport instance
// plus the per-instance sections named in spec.md §6.
type TransportConfig struct {
	ConnectTimeout    int  `yaml:"connect_timeout_ms"`
	ReadTimeout       int  `yaml:"read_timeout_ms"`
	WriteTimeout      int  `yaml:"write_timeout_ms"`
	KeepAlive         bool `yaml:"keep_alive"`
	KeepAliveInterval int  `yaml:"keep_alive_interval_ms"`
	UseTls            bool `yaml:"use_tls"`
	Compression       struct {
		Enabled bool `yaml:"enabled"`
		MinSize int  `yaml:"min_size"`
	} `yaml:"compression"`
	Reconnect struct {
		Enabled  bool `yaml:"enabled"`
		Attempts int  `yaml:"attempts"`
		Backoff  int  `yaml:"backoff_ms"`
	} `yaml:"reconnect"`

	TCP   TCPConfig   `yaml:"tcp"`
	UDP   UDPConfig   `yaml:"udp"`
	WS    WSConfig    `yaml:"websocket"`
	Queue QueueConfig `yaml:"queue"`
}

// TCPConfig configures the TCP framed-stream transport instance.
type TCPConfig struct {
	IsServer              bool   `yaml:"is_server"`
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	RemoteHost            string `yaml:"remote_host"`
	RemotePort            int    `yaml:"remote_port"`
	MaxConnections        int    `yaml:"max_connections"`
	Backlog               int    `yaml:"backlog"`
	ReceiveBufferSize     int    `yaml:"receive_buffer_size"`
	SendBufferSize        int    `yaml:"send_buffer_size"`
	NoDelay               bool   `yaml:"no_delay"`
	LingerTime            int    `yaml:"linger_time_ms"`
	FramingProtocol       string `yaml:"framing_protocol"`
	MaxMessageSize        int    `yaml:"max_message_size"`
	HeartbeatInterval     int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout      int    `yaml:"heartbeat_timeout_ms"`
	UseConnectionPooling  bool   `yaml:"use_connection_pooling"`
	ConnectionPoolSize    int    `yaml:"connection_pool_size"`
	ConnectionPoolTimeout int    `yaml:"connection_pool_timeout_ms"`
}

// UDPConfig configures the UDP datagram transport instance.
type UDPConfig struct {
	LocalAddress  string `yaml:"local_address"`
	RemoteAddress string `yaml:"remote_address"`
}

// WSConfig configures the WebSocket transport instance.
type WSConfig struct {
	URL              string `yaml:"url"`
	HandshakeTimeout int    `yaml:"handshake_timeout_ms"`
}

// QueueConfig configures the AMQP-class managed-queue transport
// instance.
type QueueConfig struct {
	ConnectionString string `yaml:"connection_string"`
	QueueOrTopic     string `yaml:"queue_or_topic"`
	SubscriptionName string `yaml:"subscription_name"`
	ReceiveBatchSize int    `yaml:"receive_batch_size"`
	PollInterval     int    `yaml:"poll_interval_ms"`
}

// PoolConfig configures the bounded connection pool.
type PoolConfig struct {
	Min                 int `yaml:"min"`
	Max                 int `yaml:"max"`
	IdleTimeout         int `yaml:"idle_timeout_ms"`
	AcquireTimeout      int `yaml:"acquire_timeout_ms"`
	HealthCheckInterval int `yaml:"health_check_interval_ms"`
}

// GatewayConfig configures the HTTP API gateway instance.
type GatewayConfig struct {
	Routes        []RouteConfig `yaml:"routes"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueTimeout  int           `yaml:"queue_timeout_ms"`
	HealthCheck   struct {
		Interval           int `yaml:"interval_ms"`
		UnhealthyThreshold int `yaml:"unhealthy_threshold"`
		HealthyThreshold   int `yaml:"healthy_threshold"`
	} `yaml:"health_check"`
	RedisLimiter struct {
		Enabled       bool   `yaml:"enabled"`
		ConnectionURL string `yaml:"connection_url"`
	} `yaml:"redis_limiter"`
}

// RouteConfig configures one gateway route.
type RouteConfig struct {
	Name      string           `yaml:"name"`
	Methods   []string         `yaml:"methods"`
	Path      string           `yaml:"path"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Strategy  string           `yaml:"strategy"`
	RateLimit struct {
		Capacity     float64 `yaml:"capacity"`
		RefillPerSec float64 `yaml:"refill_per_sec"`
	} `yaml:"rate_limit"`
	TimeoutMs     int      `yaml:"timeout_ms"`
	RequiredRoles []string `yaml:"required_roles"`
	Enabled       bool     `yaml:"enabled"`
	Headers       struct {
		Upstream   map[string]string `yaml:"upstream"`
		Downstream map[string]string `yaml:"downstream"`
	} `yaml:"headers"`
}

// UpstreamConfig configures one route upstream.
type UpstreamConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// Load reads filename, applies defaults, validates the result, and
// returns the parsed Config.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bus.MaxConcurrent == 0 {
		c.Bus.MaxConcurrent = 1000
	}
	if c.Bus.DefaultMessageTimeout == 0 {
		c.Bus.DefaultMessageTimeout = 30_000
	}
	if c.Bus.DeadLetter.Capacity == 0 {
		c.Bus.DeadLetter.Capacity = 10_000
	}

	if c.FlowController.MaxThroughput == 0 {
		c.FlowController.MaxThroughput = 10_000
	}
	if c.FlowController.WindowSize == 0 {
		c.FlowController.WindowSize = 1_000
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 100
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Retry.Strategy == "" {
		c.Retry.Strategy = RetryExponential
	}

	if c.Transport.TCP.FramingProtocol == "" {
		c.Transport.TCP.FramingProtocol = "LengthPrefixed"
	}
	if c.Transport.TCP.MaxMessageSize == 0 {
		c.Transport.TCP.MaxMessageSize = 1 * 1024 * 1024
	}

	if c.Pool.Max == 0 {
		c.Pool.Max = 10
	}
	if c.Pool.HealthCheckInterval == 0 {
		c.Pool.HealthCheckInterval = 30_000
	}

	if c.Gateway.HealthCheck.Interval == 0 {
		c.Gateway.HealthCheck.Interval = 10_000
	}
	if c.Gateway.HealthCheck.UnhealthyThreshold == 0 {
		c.Gateway.HealthCheck.UnhealthyThreshold = 3
	}
	if c.Gateway.HealthCheck.HealthyThreshold == 0 {
		c.Gateway.HealthCheck.HealthyThreshold = 2
	}
}

func (c *Config) validate() error {
	if c.Bus.MaxConcurrent < 0 {
		return fmt.Errorf("bus.max_concurrent cannot be negative: %d", c.Bus.MaxConcurrent)
	}
	if c.Pool.Min < 0 || c.Pool.Max < 0 {
		return fmt.Errorf("pool.min and pool.max cannot be negative")
	}
	if c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("pool.min (%d) cannot exceed pool.max (%d)", c.Pool.Min, c.Pool.Max)
	}
	switch c.Retry.Strategy {
	case RetryFixed, RetryLinear, RetryExponential:
	default:
		return fmt.Errorf("retry.strategy must be one of Fixed, Linear, Exponential, got %q", c.Retry.Strategy)
	}
	for _, r := range c.Gateway.Routes {
		if r.Path == "" {
			return fmt.Errorf("gateway route %q has no path", r.Name)
		}
		if len(r.Upstreams) == 0 && r.Enabled {
			return fmt.Errorf("gateway route %q is enabled but has no upstreams", r.Name)
		}
	}
	return nil
}

// DefaultMessageTimeoutDuration converts Bus.DefaultMessageTimeout
// (milliseconds) to a time.Duration.
func (c *Config) DefaultMessageTimeoutDuration() time.Duration {
	return time.Duration(c.Bus.DefaultMessageTimeout) * time.Millisecond
}

// WindowDuration converts FlowController.WindowSize (milliseconds) to
// a time.Duration.
func (c *Config) WindowDuration() time.Duration {
	return time.Duration(c.FlowController.WindowSize) * time.Millisecond
}

// MaxWaitDuration converts FlowController.MaxWait (milliseconds) to a
// time.Duration. Zero means Admit blocks only as long as the caller's
// own context allows.
func (c *Config) MaxWaitDuration() time.Duration {
	return time.Duration(c.FlowController.MaxWait) * time.Millisecond
}
