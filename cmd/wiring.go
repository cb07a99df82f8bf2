package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/config"
	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/internal/listener"
	"github.com/nextlevelbuilder/botlink/internal/poller"
	"github.com/nextlevelbuilder/botlink/internal/registry"
	"github.com/nextlevelbuilder/botlink/internal/store"
	"github.com/nextlevelbuilder/botlink/internal/store/file"
	"github.com/nextlevelbuilder/botlink/internal/store/pg"
	"github.com/nextlevelbuilder/botlink/internal/store/sqlitestore"
	"github.com/nextlevelbuilder/botlink/internal/tracing/otelexport"
)

const dialTimeout = 10 * time.Second

func backendConfig(cfg *config.Config) backend.Config {
	return backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		PushURL: cfg.Backend.PushURL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: config.Ms(cfg.Backend.TimeoutMs),
	}
}

// coordinatorConfig maps file settings onto session limits. pushURL is
// empty when the push channel is disabled.
func coordinatorConfig(cfg *config.Config, pushURL string) coordinator.Config {
	p := cfg.Polling
	out := coordinator.Config{
		Poller: poller.Config{
			Interval:             config.Ms(p.IntervalMs),
			BackoffCeiling:       config.Ms(p.BackoffCeilingMs),
			MaxAttempts:          p.MaxAttempts,
			MaxDuration:          config.Ms(p.MaxDurationMs),
			MaxConsecutiveErrors: p.MaxConsecutiveErrors,
			Debounce:             config.Ms(p.DebounceMs),
		},
		PairingDebounce: config.Ms(cfg.Pairing.RequestDebounceMs),
	}
	if !cfg.Push.Disabled {
		out.Listener = listener.Config{
			URL:                pushURL,
			MinConnectInterval: config.Ms(cfg.Push.MinConnectIntervalMs),
			MaxReconnects:      cfg.Push.MaxReconnects,
			HandshakeTimeout:   config.Ms(cfg.Push.HandshakeTimeoutMs),
			PingInterval:       config.Ms(cfg.Push.PingIntervalMs),
		}
	}
	return out
}

// openAttemptStore opens the configured attempt store, or nil for driver "none".
func openAttemptStore(ctx context.Context, cfg *config.Config) (store.AttemptStore, error) {
	sc := store.StoreConfig{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		PostgresDSN: cfg.Store.PostgresDSN,
		Retention:   cfg.Store.Retention,
	}
	switch sc.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		st, err := sqlitestore.Open(sc.Path, sc.EffectiveRetention())
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		db, err := pg.OpenDB(dctx, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		st, err := pg.NewPGAttemptStore(dctx, db, sc.EffectiveRetention())
		if err != nil {
			db.Close()
			return nil, err
		}
		return st, nil
	default:
		st, err := file.NewAttemptStore(sc.Path, sc.EffectiveRetention())
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// openRegistry returns the Redis registry when configured, else an in-memory one.
// The returned close func is never nil.
func openRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, func(), error) {
	if cfg.Registry.RedisURL == "" {
		return registry.NewMemory(), func() {}, nil
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := registry.DialRedis(dctx, cfg.Registry.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("session registry: %w", err)
	}
	slog.Info("registry: using redis", "prefix", cfg.Registry.Prefix)
	reg := registry.NewRedis(client, cfg.Registry.Prefix, config.Ms(cfg.Registry.LeaseTTLMs))
	return reg, func() { client.Close() }, nil
}

// initTelemetry installs the OTLP exporter when enabled. The returned
// shutdown func is never nil.
func initTelemetry(ctx context.Context, cfg *config.Config) func(context.Context) {
	t := cfg.Telemetry
	if !t.Enabled || t.Endpoint == "" {
		slog.Debug("OTel export available but not enabled (set telemetry.enabled + telemetry.endpoint)")
		return func(context.Context) {}
	}
	exp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:       t.Endpoint,
		Protocol:       t.Protocol,
		Insecure:       t.Insecure,
		ServiceName:    t.ServiceName,
		ServiceVersion: Version,
		Headers:        t.Headers,
	})
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
		return func(context.Context) {}
	}
	return func(ctx context.Context) {
		if err := exp.Shutdown(ctx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}
}

// app bundles what serve and pair share.
type app struct {
	client        *backend.Client
	coord         *coordinator.Coordinator
	store         store.AttemptStore
	closeRegistry func()
	shutdownOTel  func(context.Context)
}

func newApp(ctx context.Context, cfg *config.Config, hook func(*coordinator.Config)) (*app, error) {
	rt := &app{shutdownOTel: initTelemetry(ctx, cfg)}

	rt.client = backend.NewClient(backendConfig(cfg), nil)
	st, err := openAttemptStore(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("attempt store: %w", err)
	}
	rt.store = st

	reg, closeReg, err := openRegistry(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closeRegistry = closeReg

	ccfg := coordinatorConfig(cfg, rt.client.PushURL())
	if hook != nil {
		hook(&ccfg)
	}
	rt.coord = coordinator.New(ccfg, coordinator.Deps{
		Backend:  rt.client,
		Tokens:   rt.client.Credentials(),
		Registry: reg,
		Store:    st,
	})
	return rt, nil
}

func (rt *app) close() {
	if rt.coord != nil {
		rt.coord.Close()
	}
	if rt.closeRegistry != nil {
		rt.closeRegistry()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("attempt store close failed", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.shutdownOTel(ctx)
}
