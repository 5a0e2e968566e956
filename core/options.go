package core

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// ResolveConfig loads configuration through provider and layers runtime
// overrides on top. Nil collaborators fall back to the cfgx provider and the
// go-options resolver.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, WrapError(err, goerrors.CategoryValidation, "core: load config", ErrorBadInput, nil)
	}
	resolved, err := resolver.Resolve(defaults, loaded, runtime)
	if err != nil {
		return Config{}, WrapError(err, goerrors.CategoryValidation, "core: resolve config", ErrorBadInput, nil)
	}
	return resolved, nil
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithDecodeHooks[Config](CommaListHook()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CommaListHook decodes "a, b," into []string{"a", "b"} so list settings can
// come from a single environment variable.
func CommaListHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		parts := strings.Split(data.(string), ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	}
}

// GoOptionsResolver merges defaults < loaded < runtime. Zero values in the
// loaded and runtime layers do not override lower layers.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithDecodeHooks[Config](CommaListHook()),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

type layerBuilder struct {
	includeZero bool
	values      map[string]any
}

func (b layerBuilder) put(key string, value any, zero bool) {
	if b.includeZero || !zero {
		b.values[key] = value
	}
}

func (b layerBuilder) nest(key string, section map[string]any) {
	if len(section) > 0 {
		b.values[key] = section
	}
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	root := layerBuilder{includeZero: includeZero, values: map[string]any{}}
	root.put("service_name", cfg.ServiceName, strings.TrimSpace(cfg.ServiceName) == "")

	queue := layerBuilder{includeZero: includeZero, values: map[string]any{}}
	queue.put("default_max_attempts", cfg.Queue.DefaultMaxAttempts, cfg.Queue.DefaultMaxAttempts == 0)
	queue.put("backoff_base", cfg.Queue.BackoffBase, cfg.Queue.BackoffBase == 0)
	queue.put("backoff_cap", cfg.Queue.BackoffCap, cfg.Queue.BackoffCap == 0)
	queue.put("backoff_jitter", cfg.Queue.BackoffJitter, cfg.Queue.BackoffJitter == 0)
	queue.put("lease_timeout", cfg.Queue.LeaseTimeout, cfg.Queue.LeaseTimeout == 0)
	queue.put("reclaim_interval", cfg.Queue.ReclaimInterval, cfg.Queue.ReclaimInterval == 0)
	root.nest("queue", queue.values)

	worker := layerBuilder{includeZero: includeZero, values: map[string]any{}}
	worker.put("id", cfg.Worker.ID, strings.TrimSpace(cfg.Worker.ID) == "")
	worker.put("concurrency", cfg.Worker.Concurrency, cfg.Worker.Concurrency == 0)
	worker.put("idle_backoff", cfg.Worker.IdleBackoff, cfg.Worker.IdleBackoff == 0)
	worker.put("handler_timeout", cfg.Worker.HandlerTimeout, cfg.Worker.HandlerTimeout == 0)
	root.nest("worker", worker.values)

	gateway := layerBuilder{includeZero: includeZero, values: map[string]any{}}
	gateway.put("listen_addr", cfg.Gateway.ListenAddr, strings.TrimSpace(cfg.Gateway.ListenAddr) == "")
	gateway.put("secrets", copyStringMap(cfg.Gateway.Secrets), len(cfg.Gateway.Secrets) == 0)
	gateway.put("require_signature", cfg.Gateway.RequireSignature, !cfg.Gateway.RequireSignature)
	gateway.put("signature_header", cfg.Gateway.SignatureHeader, strings.TrimSpace(cfg.Gateway.SignatureHeader) == "")
	gateway.put("timestamp_tolerance", cfg.Gateway.TimestampTolerance, cfg.Gateway.TimestampTolerance == 0)
	gateway.put("allowed_cidrs", append([]string(nil), cfg.Gateway.AllowedCIDRs...), len(cfg.Gateway.AllowedCIDRs) == 0)
	gateway.put("trusted_proxies", append([]string(nil), cfg.Gateway.TrustedProxies...), len(cfg.Gateway.TrustedProxies) == 0)
	gateway.put("max_body_bytes", cfg.Gateway.MaxBodyBytes, cfg.Gateway.MaxBodyBytes == 0)
	gateway.put("sync_mode", cfg.Gateway.SyncMode, !cfg.Gateway.SyncMode)
	root.nest("gateway", gateway.values)

	database := layerBuilder{includeZero: includeZero, values: map[string]any{}}
	database.put("driver", cfg.Database.Driver, strings.TrimSpace(cfg.Database.Driver) == "")
	database.put("dsn", cfg.Database.DSN, strings.TrimSpace(cfg.Database.DSN) == "")
	database.put("debug", cfg.Database.Debug, !cfg.Database.Debug)
	database.put("ping_timeout", cfg.Database.PingTimeout, cfg.Database.PingTimeout == 0)
	root.nest("database", database.values)

	return root.values
}

func copyStringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
