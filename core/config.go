package core

import (
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultMaxAttempts        = 5
	DefaultBackoffBase        = time.Second
	DefaultBackoffCap         = 30 * time.Minute
	DefaultBackoffJitter      = 0.2
	MaxBackoffJitter          = 1.0 / 3
	DefaultLeaseTimeout       = 5 * time.Minute
	DefaultReclaimInterval    = 30 * time.Second
	DefaultIdleBackoff        = time.Second
	DefaultTimestampTolerance = 300 * time.Second
	DefaultSignatureHeader    = "X-Webhook-Signature"
	DefaultMaxBodyBytes       = 1 << 20
	DefaultSecretKey          = "default"
)

type QueueConfig struct {
	DefaultMaxAttempts int           `koanf:"default_max_attempts" mapstructure:"default_max_attempts"`
	BackoffBase        time.Duration `koanf:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap         time.Duration `koanf:"backoff_cap" mapstructure:"backoff_cap"`
	BackoffJitter      float64       `koanf:"backoff_jitter" mapstructure:"backoff_jitter"`
	LeaseTimeout       time.Duration `koanf:"lease_timeout" mapstructure:"lease_timeout"`
	// ReclaimInterval throttles opportunistic stale-lease sweeps in ClaimNext.
	// Zero sweeps before every claim.
	ReclaimInterval time.Duration `koanf:"reclaim_interval" mapstructure:"reclaim_interval"`
}

type WorkerConfig struct {
	ID             string        `koanf:"id" mapstructure:"id"`
	Concurrency    int           `koanf:"concurrency" mapstructure:"concurrency"`
	IdleBackoff    time.Duration `koanf:"idle_backoff" mapstructure:"idle_backoff"`
	HandlerTimeout time.Duration `koanf:"handler_timeout" mapstructure:"handler_timeout"`
}

type GatewayConfig struct {
	ListenAddr         string            `koanf:"listen_addr" mapstructure:"listen_addr"`
	Secrets            map[string]string `koanf:"secrets" mapstructure:"secrets"`
	RequireSignature   bool              `koanf:"require_signature" mapstructure:"require_signature"`
	SignatureHeader    string            `koanf:"signature_header" mapstructure:"signature_header"`
	TimestampTolerance time.Duration     `koanf:"timestamp_tolerance" mapstructure:"timestamp_tolerance"`
	AllowedCIDRs       []string          `koanf:"allowed_cidrs" mapstructure:"allowed_cidrs"`
	TrustedProxies     []string          `koanf:"trusted_proxies" mapstructure:"trusted_proxies"`
	MaxBodyBytes       int64             `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	SyncMode           bool              `koanf:"sync_mode" mapstructure:"sync_mode"`
}

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Queue       QueueConfig    `koanf:"queue" mapstructure:"queue"`
	Worker      WorkerConfig   `koanf:"worker" mapstructure:"worker"`
	Gateway     GatewayConfig  `koanf:"gateway" mapstructure:"gateway"`
	Database    DatabaseConfig `koanf:"database" mapstructure:"database"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "workqueue",
		Queue: QueueConfig{
			DefaultMaxAttempts: DefaultMaxAttempts,
			BackoffBase:        DefaultBackoffBase,
			BackoffCap:         DefaultBackoffCap,
			BackoffJitter:      DefaultBackoffJitter,
			LeaseTimeout:       DefaultLeaseTimeout,
			ReclaimInterval:    DefaultReclaimInterval,
		},
		Worker: WorkerConfig{
			Concurrency: 1,
			IdleBackoff: DefaultIdleBackoff,
		},
		Gateway: GatewayConfig{
			ListenAddr:         ":8080",
			Secrets:            map[string]string{},
			RequireSignature:   true,
			SignatureHeader:    DefaultSignatureHeader,
			TimestampTolerance: DefaultTimestampTolerance,
			MaxBodyBytes:       DefaultMaxBodyBytes,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			DSN:         "file:workqueue.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("core: worker.concurrency must be >= 0")
	}
	if c.Worker.IdleBackoff < 0 || c.Worker.HandlerTimeout < 0 {
		return fmt.Errorf("core: worker durations must be >= 0")
	}
	if c.Gateway.TimestampTolerance < 0 {
		return fmt.Errorf("core: gateway.timestamp_tolerance must be >= 0")
	}
	if c.Gateway.MaxBodyBytes < 0 {
		return fmt.Errorf("core: gateway.max_body_bytes must be >= 0")
	}
	for _, cidr := range c.Gateway.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("core: gateway.allowed_cidrs entry %q is invalid: %w", cidr, err)
		}
	}
	for _, cidr := range c.Gateway.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("core: gateway.trusted_proxies entry %q is invalid: %w", cidr, err)
		}
	}
	return nil
}

func (c QueueConfig) Validate() error {
	if c.DefaultMaxAttempts < 0 {
		return fmt.Errorf("core: queue.default_max_attempts must be >= 0")
	}
	if c.BackoffBase < 0 || c.BackoffCap < 0 {
		return fmt.Errorf("core: queue backoff durations must be >= 0")
	}
	if c.BackoffCap > 0 && c.BackoffBase > c.BackoffCap {
		return fmt.Errorf("core: queue.backoff_base must not exceed queue.backoff_cap")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > MaxBackoffJitter {
		return fmt.Errorf("core: queue.backoff_jitter must be in [0,1/3]")
	}
	if c.LeaseTimeout < 0 || c.ReclaimInterval < 0 {
		return fmt.Errorf("core: queue lease durations must be >= 0")
	}
	return nil
}

// withDefaults fills unset queue settings.
func (c QueueConfig) withDefaults() QueueConfig {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	return c
}
