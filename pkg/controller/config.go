package controller

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 1 * time.Second

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 60 * time.Second

	// DefaultReportChannelSize is the default buffer size for the outbound
	// report queue.
	DefaultReportChannelSize = 256

	// DefaultMaxMessageSize is the default maximum gRPC message size (16MB).
	// A report carries metadata, not page content, so it stays small.
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultPingInterval is the interval between ping messages.
	DefaultPingInterval = 15 * time.Second

	// DefaultHealthCheckInterval is the interval between health checks.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultStaleTimeout is how long without server traffic before the
	// connection is considered stale.
	DefaultStaleTimeout = 60 * time.Second
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("controller endpoint is required")
	ErrInvalidConfig = errors.New("invalid controller configuration")
)

// Config holds the configuration for the controller client.
type Config struct {
	// Endpoint is the gRPC endpoint of the replica controller
	// (e.g., "controller.local:4100"). Required.
	Endpoint string

	// Token is the authentication token sent as the x-token header.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// ReplicaID identifies this sandbox process to the controller.
	ReplicaID string

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// ReportChannelSize is the outbound report queue depth.
	ReportChannelSize int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// PingInterval is the interval between ping messages for keepalive.
	PingInterval time.Duration

	// HealthCheckInterval is how often to check connection health.
	HealthCheckInterval time.Duration

	// StaleTimeout is how long without server traffic before reconnecting.
	StaleTimeout time.Duration

	// Headers are additional headers to send with gRPC requests.
	Headers map[string]string

	// OnAck is called for each acknowledged report sequence (optional).
	// Called synchronously - should not block.
	OnAck func(sequence uint64)

	// OnConnect is called when connection is established (optional).
	OnConnect func()

	// OnDisconnect is called when connection is lost (optional).
	OnDisconnect func(error)

	// OnReconnect is called when reconnection succeeds (optional).
	OnReconnect func(attempt int)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		UseTLS: false,

		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,

		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		MaxReconnects:     0, // unlimited

		ReportChannelSize: DefaultReportChannelSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		PingInterval:      DefaultPingInterval,

		HealthCheckInterval: DefaultHealthCheckInterval,
		StaleTimeout:        DefaultStaleTimeout,

		Headers: make(map[string]string),
	}
}

// WithDefaults fills in zero-valued fields with defaults.
func (c Config) WithDefaults() Config {
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = DefaultKeepaliveTime
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReportChannelSize <= 0 {
		c.ReportChannelSize = DefaultReportChannelSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	return c
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.ReportChannelSize <= 0 {
		return fmt.Errorf("%w: report channel size must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay below min delay", ErrInvalidConfig)
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("%w: stale timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
