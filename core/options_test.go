package core

import (
	"context"
	"testing"
	"time"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

func TestResolveConfig_DefaultsWhenNothingConfigured(t *testing.T) {
	cfg, err := ResolveConfig(context.Background(), nil, nil, Config{})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.ServiceName != "workqueue" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Queue.DefaultMaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Gateway.TimestampTolerance != DefaultTimestampTolerance {
		t.Fatalf("expected default tolerance, got %s", cfg.Gateway.TimestampTolerance)
	}
	if !cfg.Gateway.RequireSignature {
		t.Fatalf("expected signatures to be required by default")
	}
}

func TestResolveConfig_LayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"queue": map[string]any{
			"default_max_attempts": 7,
		},
		"gateway": map[string]any{
			"secrets":       map[string]any{"stripe": "whsec_1"},
			"allowed_cidrs": []string{"10.0.0.0/8"},
		},
	}})

	cfg, err := ResolveConfig(context.Background(), provider, nil, Config{
		ServiceName: "from-runtime",
		Worker:      WorkerConfig{Concurrency: 4},
	})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime layer to win, got %q", cfg.ServiceName)
	}
	if cfg.Queue.DefaultMaxAttempts != 7 {
		t.Fatalf("expected config layer max attempts, got %d", cfg.Queue.DefaultMaxAttempts)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("expected runtime concurrency, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Gateway.Secrets["stripe"] != "whsec_1" {
		t.Fatalf("expected secrets from config layer, got %#v", cfg.Gateway.Secrets)
	}
	if len(cfg.Gateway.AllowedCIDRs) != 1 {
		t.Fatalf("expected allowlist from config layer, got %#v", cfg.Gateway.AllowedCIDRs)
	}
	if cfg.Queue.LeaseTimeout != DefaultLeaseTimeout {
		t.Fatalf("expected default lease timeout to survive, got %s", cfg.Queue.LeaseTimeout)
	}
}

func TestResolveConfig_RejectsInvalidLayer(t *testing.T) {
	provider := &fixedConfigProvider{cfg: func() Config {
		cfg := DefaultConfig()
		cfg.Queue.BackoffJitter = 2
		return cfg
	}()}
	if _, err := ResolveConfig(context.Background(), provider, nil, Config{}); err == nil {
		t.Fatalf("expected invalid jitter to be rejected")
	}
}

func TestConfigValidate_RejectsBadCIDR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.AllowedCIDRs = []string{"not-a-cidr"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cidr validation error")
	}
}

func TestQueueConfigValidate_BaseAboveCap(t *testing.T) {
	cfg := QueueConfig{BackoffBase: time.Minute, BackoffCap: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected base > cap to be rejected")
	}
}

func TestQueueConfigValidate_JitterAboveMonotonicBound(t *testing.T) {
	cfg := DefaultConfig().Queue
	cfg.BackoffJitter = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected jitter above %.3f to be rejected", MaxBackoffJitter)
	}
	cfg.BackoffJitter = MaxBackoffJitter
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected jitter at bound to be accepted: %v", err)
	}
}
