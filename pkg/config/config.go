// Package config holds the caching agent's configuration: cache namespace
// naming, routes, expiration limits, storage, network and logging.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/expiration"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Strategy names accepted in route configuration.
const (
	StrategyCacheFirst           = "cache_first"
	StrategyNetworkFirst         = "network_first"
	StrategyStaleWhileRevalidate = "stale_while_revalidate"
	StrategyNetworkOnly          = "network_only"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the complete agent configuration.
type Config struct {
	// App and Version name the cache namespaces: <app>-<role>-<version>.
	App     string `yaml:"app"`
	Version string `yaml:"version"`

	// Origin is the upstream web application (absolute URL).
	Origin string `yaml:"origin"`

	Precache  PrecacheConfig  `yaml:"precache"`
	Routes    []RouteConfig   `yaml:"routes"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Storage   StorageConfig   `yaml:"storage"`
	Network   NetworkConfig   `yaml:"network"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
}

// PrecacheConfig describes the install-time asset set.
type PrecacheConfig struct {
	// Role of the precache namespace. It must not be shared with a route.
	Role string `yaml:"role"`

	// Manifest is the path of a JSON manifest injected at build time.
	Manifest string `yaml:"manifest" env:"CACHE_AGENT_MANIFEST"`

	// URLs are precached in addition to the manifest.
	URLs []string `yaml:"urls" env:"CACHE_AGENT_PRECACHE_URLS" envSeparator:","`

	// Strategy serves precached assets: cache_first (default) or
	// network_first, which answers from the precache only when the
	// network fails.
	Strategy string `yaml:"strategy" env:"CACHE_AGENT_PRECACHE_STRATEGY"`

	MaxConcurrency int    `yaml:"maxConcurrency"`
	DirectoryIndex string `yaml:"directoryIndex"`
}

// RouteConfig is one routing rule.
type RouteConfig struct {
	Name     string      `yaml:"name"`
	Strategy string      `yaml:"strategy"`
	Role     string      `yaml:"role"`
	Match    MatchConfig `yaml:"match"`

	// WriteThrough makes network_first store successful responses.
	WriteThrough bool `yaml:"writeThrough"`

	MaxEntries int           `yaml:"maxEntries"`
	MaxAge     time.Duration `yaml:"maxAge"`
}

// MatchConfig selects requests. Criteria are alternatives: the first one
// set is used, in field order.
type MatchConfig struct {
	Destinations []string `yaml:"destinations"`
	PathPrefix   string   `yaml:"pathPrefix"`
	Extensions   []string `yaml:"extensions"`
	Pattern      string   `yaml:"pattern"`
	Any          bool     `yaml:"any"`
}

// LifecycleConfig holds the worker activation flags.
type LifecycleConfig struct {
	SkipWaiting  bool `yaml:"skipWaiting" env:"CACHE_AGENT_SKIP_WAITING"`
	ClaimClients bool `yaml:"claimClients" env:"CACHE_AGENT_CLAIM_CLIENTS"`
}

// StorageConfig selects and configures the cache backend.
type StorageConfig struct {
	Backend     string `yaml:"backend" env:"CACHE_AGENT_STORAGE"`
	SQLitePath  string `yaml:"sqlitePath" env:"CACHE_AGENT_SQLITE_PATH"`
	RedisURL    string `yaml:"redisURL" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redisPrefix" env:"CACHE_AGENT_REDIS_PREFIX"`

	// MaxBytes is the memory backend quota (0 = unlimited).
	MaxBytes int `yaml:"maxBytes" env:"CACHE_AGENT_MAX_BYTES"`
}

// NetworkConfig configures upstream fetches.
type NetworkConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"CACHE_AGENT_NETWORK_TIMEOUT"`
	UserAgent     string        `yaml:"userAgent" env:"USER_AGENT"`
	RetryAttempts int           `yaml:"retryAttempts" env:"CACHE_AGENT_RETRY_ATTEMPTS"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"CACHE_AGENT_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"CACHE_AGENT_LOG_PRETTY"`
}

// ServerConfig configures the demo proxy.
type ServerConfig struct {
	Port string `yaml:"port" env:"PORT"`
}

// Default returns the precache-plus-runtime-caches layout: precached
// manifest, scripts and styles stale-while-revalidate, images cache-first,
// everything else (API calls included) unrouted.
func Default() Config {
	const thirtyDays = 30 * 24 * time.Hour
	return Config{
		App:     "projectName",
		Version: "v1",
		Origin:  "http://localhost:3000",
		Precache: PrecacheConfig{
			Role:           "precache",
			Strategy:       StrategyCacheFirst,
			MaxConcurrency: 10,
			DirectoryIndex: "index.html",
		},
		Routes: []RouteConfig{
			{
				Name:       "scripts-styles",
				Strategy:   StrategyStaleWhileRevalidate,
				Role:       "runtime",
				Match:      MatchConfig{Destinations: []string{"script", "style"}},
				MaxEntries: 50,
				MaxAge:     thirtyDays,
			},
			{
				Name:       "images",
				Strategy:   StrategyCacheFirst,
				Role:       "images",
				Match:      MatchConfig{Destinations: []string{"image"}},
				MaxEntries: 50,
				MaxAge:     thirtyDays,
			},
		},
		Lifecycle: LifecycleConfig{SkipWaiting: true, ClaimClients: true},
		Storage: StorageConfig{
			Backend:     BackendMemory,
			SQLitePath:  "cache-agent.db",
			RedisURL:    "localhost:6379",
			RedisPrefix: "swcache",
		},
		Network: NetworkConfig{
			Timeout:       30 * time.Second,
			UserAgent:     "offline-cache/0.1.0",
			RetryAttempts: 3,
		},
		Logging: LoggingConfig{Level: "info"},
		Server:  ServerConfig{Port: "8080"},
	}
}

// CustomStyle returns the hand-written worker layout: the app shell under
// /ccca/care/ is precached and served network-first, its static assets are
// cache-first and every other GET is network-first with a cache fallback
// that is never written.
func CustomStyle() Config {
	cfg := Default()
	cfg.App = "my-pwa"
	cfg.Precache.URLs = []string{"/ccca/care/", "/ccca/care/index.html"}
	cfg.Precache.Strategy = StrategyNetworkFirst
	cfg.Routes = []RouteConfig{
		{
			Name:     "static-assets",
			Strategy: StrategyCacheFirst,
			Role:     "cache",
			Match: MatchConfig{
				PathPrefix: "/ccca/care/",
				Extensions: []string{".js", ".css", ".png", ".jpg", ".jpeg", ".svg"},
			},
		},
		{
			Name:     "network-fallback",
			Strategy: StrategyNetworkFirst,
			Role:     "cache",
			Match:    MatchConfig{Any: true},
		},
	}
	return cfg
}

// Load reads a YAML file over Default and applies environment overrides.
// An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. Unset variables keep the
// loaded value; routes are file-only.
func (c *Config) applyEnv() error {
	top := struct {
		App     string `env:"CACHE_AGENT_APP"`
		Version string `env:"CACHE_AGENT_VERSION"`
		Origin  string `env:"CACHE_AGENT_ORIGIN"`
	}{c.App, c.Version, c.Origin}

	for _, target := range []any{&top, &c.Precache, &c.Lifecycle, &c.Storage, &c.Network, &c.Logging, &c.Server} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	c.App, c.Version, c.Origin = top.App, top.Version, top.Origin
	return nil
}

// Validate checks the configuration for errors the agent cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.App == "" {
		errs = append(errs, errors.New("app is required"))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if u, err := url.Parse(c.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q must be an absolute URL", c.Origin))
	}
	if c.Precache.Role == "" {
		errs = append(errs, errors.New("precache role is required"))
	}
	switch c.Precache.Strategy {
	case "", StrategyCacheFirst, StrategyNetworkFirst:
	default:
		errs = append(errs, fmt.Errorf("unknown precache strategy %q", c.Precache.Strategy))
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	names := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("route %d: name is required", i))
		} else if names[r.Name] {
			errs = append(errs, fmt.Errorf("route %q: duplicate name", r.Name))
		}
		names[r.Name] = true

		switch r.Strategy {
		case StrategyCacheFirst, StrategyNetworkFirst, StrategyStaleWhileRevalidate, StrategyNetworkOnly:
		default:
			errs = append(errs, fmt.Errorf("route %q: unknown strategy %q", r.Name, r.Strategy))
		}
		if r.Strategy != StrategyNetworkOnly {
			if r.Role == "" {
				errs = append(errs, fmt.Errorf("route %q: role is required", r.Name))
			}
			if r.Role == c.Precache.Role {
				errs = append(errs, fmt.Errorf("route %q: role %q is reserved for the precache", r.Name, r.Role))
			}
		}
		if r.MaxEntries < 0 || r.MaxAge < 0 {
			errs = append(errs, fmt.Errorf("route %q: limits must not be negative", r.Name))
		}
		if err := r.Match.validate(); err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m MatchConfig) validate() error {
	switch {
	case len(m.Destinations) > 0, m.PathPrefix != "", m.Any:
		return nil
	case m.Pattern != "":
		if _, err := regexp.Compile(m.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		return nil
	default:
		return errors.New("match has no criteria")
	}
}

// Namespace returns the cache name of role for the current version.
func (c Config) Namespace(role string) string {
	return c.App + "-" + role + "-" + c.Version
}

// PrecacheNamespace returns the precache cache name.
func (c Config) PrecacheNamespace() string {
	return c.Namespace(c.Precache.Role)
}

// ExpectedNamespaces returns the namespaces owned by the current version,
// precache first, without duplicates.
func (c Config) ExpectedNamespaces() []string {
	seen := make(map[string]bool)
	names := []string{c.PrecacheNamespace()}
	seen[names[0]] = true
	for _, r := range c.Routes {
		if r.Role == "" || r.Strategy == StrategyNetworkOnly {
			continue
		}
		name := c.Namespace(r.Role)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// OriginURL returns the parsed origin.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	return u, nil
}

// Limits returns the route's expiration limits.
func (r RouteConfig) Limits() expiration.Limits {
	return expiration.Limits{MaxEntries: r.MaxEntries, MaxAge: r.MaxAge}
}
