package core

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
	"gopkg.in/yaml.v3"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded map[string]any, runtime map[string]any) (Config, error)
}

type StaticConfigLoader struct {
	Values map[string]any
}

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// FileConfigLoader reads a YAML file, expanding ${VAR} references from the
// environment before decoding. A missing optional file yields an empty map.
type FileConfigLoader struct {
	Path     string
	Optional bool
}

func (l FileConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if l.Optional && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
		return nil, fmt.Errorf("core: decode config file %s: %w", path, err)
	}
	return raw, nil
}

type CfgxConfigProvider struct {
	Loader   RawConfigLoader
	Resolver OptionsResolver
	Runtime  map[string]any
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader, Resolver: GoOptionsResolver{}}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	resolver := p.Resolver
	if resolver == nil {
		cfg, buildErr := cfgx.Build[Config](raw,
			cfgx.WithDefaults(defaults),
			cfgx.WithValidator[Config]((*Config).Validate),
		)
		if buildErr != nil {
			return Config{}, buildErr
		}
		return cfg, nil
	}
	return resolver.Resolve(defaults, raw, p.Runtime)
}

// GoOptionsResolver layers defaults < config file < runtime overrides.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded map[string]any, runtime map[string]any) (Config, error) {
	if loaded == nil {
		loaded = map[string]any{}
	}
	if runtime == nil {
		runtime = map[string]any{}
	}
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loaded,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtime,
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

func configToLayerMap(cfg Config) map[string]any {
	sources := map[string]any{}
	for name, source := range cfg.Webhooks.Sources {
		secrets := make([]any, 0, len(source.Secrets))
		for _, secret := range source.Secrets {
			secrets = append(secrets, map[string]any{
				"value":      secret.Value,
				"not_before": secret.NotBefore,
				"not_after":  secret.NotAfter,
			})
		}
		sources[name] = map[string]any{
			"scheme":        source.Scheme,
			"header":        source.Header,
			"secrets":       secrets,
			"reject_status": source.RejectStatus,
			"tolerance":     source.Tolerance,
		}
	}
	return map[string]any{
		"service_name": cfg.ServiceName,
		"log":          map[string]any{"level": cfg.Log.Level},
		"http": map[string]any{
			"addr":             cfg.HTTP.Addr,
			"read_timeout":     cfg.HTTP.ReadTimeout,
			"write_timeout":    cfg.HTTP.WriteTimeout,
			"shutdown_timeout": cfg.HTTP.ShutdownTimeout,
			"max_body_bytes":   cfg.HTTP.MaxBodyBytes,
			"admin_api_keys":   append([]string(nil), cfg.HTTP.AdminAPIKeys...),
		},
		"database": map[string]any{
			"driver":       cfg.Database.Driver,
			"dsn":          cfg.Database.DSN,
			"debug":        cfg.Database.Debug,
			"ping_timeout": cfg.Database.PingTimeout,
		},
		"webhooks": map[string]any{
			"handler_timeout": cfg.Webhooks.HandlerTimeout,
			"async_workers":   cfg.Webhooks.AsyncWorkers,
			"claim_lease":     cfg.Webhooks.ClaimLease,
			"sources":         sources,
		},
		"retry": map[string]any{
			"base_delay":      cfg.Retry.BaseDelay,
			"max_delay":       cfg.Retry.MaxDelay,
			"max_attempts":    cfg.Retry.MaxAttempts,
			"jitter":          cfg.Retry.Jitter,
			"poll_interval":   cfg.Retry.PollInterval,
			"batch_size":      cfg.Retry.BatchSize,
			"workers":         cfg.Retry.Workers,
			"rate_per_second": cfg.Retry.RatePerSecond,
		},
		"idempotency": map[string]any{
			"ttl":            cfg.Idempotency.TTL,
			"lock_timeout":   cfg.Idempotency.LockTimeout,
			"sweep_interval": cfg.Idempotency.SweepInterval,
			"cache_ttl":      cfg.Idempotency.CacheTTL,
		},
		"ratelimit": map[string]any{
			"store":          cfg.RateLimit.Store,
			"instances":      cfg.RateLimit.Instances,
			"webhooks":       map[string]any{"limit": cfg.RateLimit.Webhooks.Limit, "window": cfg.RateLimit.Webhooks.Window},
			"admin":          map[string]any{"limit": cfg.RateLimit.Admin.Limit, "window": cfg.RateLimit.Admin.Window},
			"sweep_interval": cfg.RateLimit.SweepInterval,
		},
		"retention": map[string]any{
			"processed_after": cfg.Retention.ProcessedAfter,
			"sweep_interval":  cfg.Retention.SweepInterval,
		},
		"telemetry": map[string]any{
			"enabled":         cfg.Telemetry.Enabled,
			"otlp_endpoint":   cfg.Telemetry.OTLPEndpoint,
			"insecure":        cfg.Telemetry.Insecure,
			"interval":        cfg.Telemetry.Interval,
			"service_version": cfg.Telemetry.ServiceVersion,
		},
	}
}
