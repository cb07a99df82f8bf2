// Package config loads botlink's JSON5 configuration, applies environment
// overrides and watches the file for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "BOTLINK_CONFIG"

// Config is the root configuration.
type Config struct {
	Backend   BackendConfig   `json:"backend"`
	Polling   PollingConfig   `json:"polling"`
	Push      PushConfig      `json:"push"`
	Pairing   PairingConfig   `json:"pairing"`
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Registry  RegistryConfig  `json:"registry"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// BackendConfig points at the bot backend.
type BackendConfig struct {
	BaseURL   string `json:"baseUrl"`
	PushURL   string `json:"pushUrl,omitempty"` // derived from baseUrl when empty
	APIKey    string `json:"apiKey,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// PollingConfig bounds status polling sessions.
type PollingConfig struct {
	IntervalMs           int `json:"intervalMs"`
	BackoffCeilingMs     int `json:"backoffCeilingMs"`
	MaxAttempts          int `json:"maxAttempts"`
	MaxDurationMs        int `json:"maxDurationMs"`
	MaxConsecutiveErrors int `json:"maxConsecutiveErrors"`
	DebounceMs           int `json:"debounceMs"`
}

// PushConfig tunes the push channel.
type PushConfig struct {
	Disabled             bool `json:"disabled,omitempty"`
	MinConnectIntervalMs int  `json:"minConnectIntervalMs"`
	MaxReconnects        int  `json:"maxReconnects"`
	HandshakeTimeoutMs   int  `json:"handshakeTimeoutMs"`
	PingIntervalMs       int  `json:"pingIntervalMs"`
}

// PairingConfig tunes pairing requests.
type PairingConfig struct {
	RequestDebounceMs int `json:"requestDebounceMs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen         string   `json:"listen"`
	Token          string   `json:"token,omitempty"`
	RateLimitRPM   int      `json:"rateLimitRpm,omitempty"`
	RateLimitBurst int      `json:"rateLimitBurst,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// StoreConfig selects where pairing attempts are recorded.
type StoreConfig struct {
	Driver      string `json:"driver"` // "file", "sqlite", "postgres" or "none"
	Path        string `json:"path,omitempty"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
	Retention   int    `json:"retention,omitempty"`
}

// RegistryConfig selects the session registry. An empty RedisURL keeps it in memory.
type RegistryConfig struct {
	RedisURL   string `json:"redisUrl,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	LeaseTTLMs int    `json:"leaseTtlMs,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{TimeoutMs: 15_000},
		Polling: PollingConfig{
			IntervalMs:           1_000,
			BackoffCeilingMs:     30_000,
			MaxAttempts:          120,
			MaxDurationMs:        300_000,
			MaxConsecutiveErrors: 5,
			DebounceMs:           500,
		},
		Push: PushConfig{
			MinConnectIntervalMs: 2_000,
			MaxReconnects:        5,
			HandshakeTimeoutMs:   10_000,
			PingIntervalMs:       30_000,
		},
		Pairing: PairingConfig{RequestDebounceMs: 500},
		Server: ServerConfig{
			Listen:         "127.0.0.1:8790",
			RateLimitRPM:   120,
			RateLimitBurst: 20,
		},
		Store: StoreConfig{
			Driver:    "file",
			Path:      filepath.Join(DefaultDir(), "attempts.json"),
			Retention: 50,
		},
		Registry: RegistryConfig{Prefix: "botlink:lease:", LeaseTTLMs: 30_000},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "botlink",
		},
	}
}

// DefaultDir is ~/.botlink, or ./.botlink when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".botlink"
	}
	return filepath.Join(home, ".botlink")
}

// ResolvePath returns $BOTLINK_CONFIG or ~/.botlink/config.json.
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(DefaultDir(), "config.json")
}

// Load reads the config at path on top of Default(). A missing file is not
// an error. .env files next to the config and in the working directory are
// loaded first; BOTLINK_* variables override file values.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// godotenv never overrides variables that are already set.
		_ = godotenv.Load(p)
	}
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"BOTLINK_BACKEND_URL":   &c.Backend.BaseURL,
		"BOTLINK_PUSH_URL":      &c.Backend.PushURL,
		"BOTLINK_API_KEY":       &c.Backend.APIKey,
		"BOTLINK_LISTEN":        &c.Server.Listen,
		"BOTLINK_API_TOKEN":     &c.Server.Token,
		"BOTLINK_STORE_DRIVER":  &c.Store.Driver,
		"BOTLINK_STORE_PATH":    &c.Store.Path,
		"BOTLINK_POSTGRES_DSN":  &c.Store.PostgresDSN,
		"BOTLINK_REDIS_URL":     &c.Registry.RedisURL,
		"BOTLINK_OTEL_ENDPOINT": &c.Telemetry.Endpoint,
		"BOTLINK_OTEL_PROTOCOL": &c.Telemetry.Protocol,
		"BOTLINK_OTEL_SERVICE":  &c.Telemetry.ServiceName,
	}
	for env, dst := range strs {
		if v, ok := os.LookupEnv(env); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"BOTLINK_POLL_INTERVAL_MS":     &c.Polling.IntervalMs,
		"BOTLINK_POLL_MAX_DURATION_MS": &c.Polling.MaxDurationMs,
		"BOTLINK_PUSH_MAX_RECONNECTS":  &c.Push.MaxReconnects,
	}
	for env, dst := range ints {
		v, ok := os.LookupEnv(env)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("BOTLINK_OTEL_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOTLINK_OTEL_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	return nil
}

// Validate checks value ranges. The backend URL is checked separately by
// RequireBackend so that config commands work before it is set.
func (c *Config) Validate() error {
	var errs []error
	p := c.Polling
	for name, v := range map[string]int{
		"polling.intervalMs":           p.IntervalMs,
		"polling.backoffCeilingMs":     p.BackoffCeilingMs,
		"polling.maxAttempts":          p.MaxAttempts,
		"polling.maxDurationMs":        p.MaxDurationMs,
		"polling.maxConsecutiveErrors": p.MaxConsecutiveErrors,
		"polling.debounceMs":           p.DebounceMs,
		"push.minConnectIntervalMs":    c.Push.MinConnectIntervalMs,
		"push.maxReconnects":           c.Push.MaxReconnects,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if p.BackoffCeilingMs > 0 && p.IntervalMs > p.BackoffCeilingMs {
		errs = append(errs, errors.New("polling.backoffCeilingMs must be at least polling.intervalMs"))
	}

	switch c.Store.Driver {
	case "", "none", "file", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgresDsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of file, sqlite, postgres, none", c.Store.Driver))
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol %q is not grpc or http", c.Telemetry.Protocol))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path as indented JSON, creating the directory if needed.
// Environment overrides already applied to cfg are written too.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// RequireBackend reports a missing backend URL.
func (c *Config) RequireBackend() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.baseUrl is not set (config file or BOTLINK_BACKEND_URL)")
	}
	return nil
}

// Ms converts a millisecond setting to a duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
