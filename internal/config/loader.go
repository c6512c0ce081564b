package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/tiercache/internal/cacheability"
)

// Store names reserved by the admin API's path layout.
var reservedStoreNames = map[string]bool{
	"all":  true,
	"tags": true,
}

var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validAlgorithms = map[string]bool{
	"br": true, "zstd": true, "gzip": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// RegisterSecretProvider adds a provider for ${scheme:ref} values.
func (l *Loader) RegisterSecretProvider(p SecretProvider) {
	l.secrets.Register(p)
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	applyDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyDefaults fills what YAML left unset: a default store, tier
// assignments and per-route defaults.
func applyDefaults(cfg *Config) {
	if len(cfg.Stores) == 0 {
		cfg.Stores = []StoreConfig{DefaultStore()}
	}
	for i := range cfg.Stores {
		if cfg.Stores[i].Backend.Type == "" {
			cfg.Stores[i].Backend.Type = BackendMemory
		}
		if cfg.Stores[i].Capacity == 0 {
			cfg.Stores[i].Capacity = DefaultStore().Capacity
		}
		if b := &cfg.Stores[i].Backend; b.Prefix == "" && (b.Type == BackendRedis || b.Type == BackendBadger) {
			b.Prefix = "tiercache:" + cfg.Stores[i].Name + ":"
		}
	}

	first := cfg.Stores[0].Name
	if cfg.Tiers.Route == "" {
		cfg.Tiers.Route = first
	}
	if cfg.Tiers.Component == "" {
		cfg.Tiers.Component = first
	}
	if cfg.Tiers.Data == "" {
		cfg.Tiers.Data = first
	}

	for i, r := range cfg.Routes {
		r = MergeNonZero(cfg.RouteDefaults, r)
		methods := make([]string, len(r.Methods))
		for j, m := range r.Methods {
			methods[j] = strings.ToUpper(m)
		}
		r.Methods = methods
		if r.Name == "" {
			r.Name = r.PathPrefix
		}
		cfg.Routes[i] = r
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.Address == "" {
			return fmt.Errorf("admin.address is required when admin is enabled")
		}
		if cfg.Admin.RateLimit < 0 {
			return fmt.Errorf("admin.rate_limit must be >= 0")
		}
		if !strings.HasPrefix(cfg.Admin.MetricsPath, "/") {
			return fmt.Errorf("admin.metrics_path must start with /")
		}
		if cfg.Admin.JWT.Secret != "" && cfg.Admin.JWT.PublicKey != "" {
			return fmt.Errorf("admin.jwt: set secret or public_key, not both")
		}
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	if c := cfg.Compression; c.Enabled {
		if c.Level < 0 || c.Level > 11 {
			return fmt.Errorf("compression.level must be between 0 and 11")
		}
		for _, a := range c.Algorithms {
			if !validAlgorithms[a] {
				return fmt.Errorf("invalid compression algorithm: %s", a)
			}
		}
	}

	storeNames := make(map[string]bool, len(cfg.Stores))
	for i, s := range cfg.Stores {
		if s.Name == "" {
			return fmt.Errorf("store %d: name is required", i)
		}
		if reservedStoreNames[s.Name] {
			return fmt.Errorf("store %s: name is reserved", s.Name)
		}
		if storeNames[s.Name] {
			return fmt.Errorf("duplicate store name: %s", s.Name)
		}
		storeNames[s.Name] = true

		if s.Capacity < 0 {
			return fmt.Errorf("store %s: capacity must be positive", s.Name)
		}
		if err := validateBackend(s.Backend); err != nil {
			return fmt.Errorf("store %s: %w", s.Name, err)
		}
	}
	if err := validateKeyspaces(cfg.Stores); err != nil {
		return err
	}

	for tier, name := range map[string]string{
		"route":     cfg.Tiers.Route,
		"component": cfg.Tiers.Component,
		"data":      cfg.Tiers.Data,
	} {
		if !storeNames[name] {
			return fmt.Errorf("tiers.%s: unknown store %q", tier, name)
		}
	}

	groupNames := make(map[string]bool, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if g.Name == "" {
			return fmt.Errorf("group %d: name is required", i)
		}
		if groupNames[g.Name] {
			return fmt.Errorf("duplicate group name: %s", g.Name)
		}
		groupNames[g.Name] = true
	}

	prefixes := make(map[string]bool, len(cfg.Routes))
	for i, r := range cfg.Routes {
		if err := validateRoute(cfg, r); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, r.Name, err)
		}
		if prefixes[r.PathPrefix] {
			return fmt.Errorf("duplicate route path_prefix: %s", r.PathPrefix)
		}
		prefixes[r.PathPrefix] = true
	}

	return nil
}

func validateBackend(b BackendConfig) error {
	switch b.Type {
	case BackendMemory:
	case BackendRedis:
		if b.Address == "" {
			return fmt.Errorf("redis backend requires address")
		}
	case BackendBadger:
		if b.Path == "" && !b.InMemory {
			return fmt.Errorf("badger backend requires path or in_memory")
		}
	case BackendSQLite:
		if b.Path == "" {
			return fmt.Errorf("sqlite backend requires path")
		}
	default:
		return fmt.Errorf("invalid backend type: %s", b.Type)
	}
	if b.WriteBehind.Enabled && b.Type == BackendMemory {
		return fmt.Errorf("write_behind needs a persistent backend")
	}
	if b.WriteBehind.Interval < 0 || b.Timeout < 0 || b.Breaker.Timeout < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	return nil
}

// validateKeyspaces rejects stores whose backends overlap, since a purge
// of one would delete the other's entries. Redis stores on the same
// database overlap when either prefix contains the other. Badger and SQLite
// stores overlap when they share a path.
func validateKeyspaces(stores []StoreConfig) error {
	paths := make(map[string]string)
	for i, s := range stores {
		b := s.Backend
		switch b.Type {
		case BackendBadger, BackendSQLite:
			if b.InMemory || b.Path == ":memory:" {
				continue
			}
			p := filepath.Clean(b.Path)
			if other, ok := paths[p]; ok {
				return fmt.Errorf("store %s: path %s already used by store %s", s.Name, b.Path, other)
			}
			paths[p] = s.Name
		case BackendRedis:
			for _, o := range stores[:i] {
				ob := o.Backend
				if ob.Type != BackendRedis || !strings.EqualFold(ob.Address, b.Address) || ob.DB != b.DB {
					continue
				}
				if strings.HasPrefix(b.Prefix, ob.Prefix) || strings.HasPrefix(ob.Prefix, b.Prefix) {
					return fmt.Errorf("store %s: redis prefix %q overlaps store %s (%q)", s.Name, b.Prefix, o.Name, ob.Prefix)
				}
			}
		}
	}
	return nil
}

func validateRoute(cfg *Config, r RouteConfig) error {
	if !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("path_prefix must start with /")
	}
	u, err := url.Parse(r.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream %q", r.Upstream)
	}
	if _, ok := cfg.Store(cfg.RouteStore(r)); !ok {
		return fmt.Errorf("unknown store %q", cfg.RouteStore(r))
	}

	now := time.Now()
	for field, v := range map[string]string{
		"max_age":                r.MaxAge,
		"stale_while_revalidate": r.StaleWhileRevalidate,
		"stale_if_error":         r.StaleIfError,
	} {
		if v == "" {
			continue
		}
		if _, ok := cacheability.ParseMaxAge(v, now); !ok {
			return fmt.Errorf("invalid %s %q", field, v)
		}
	}

	for _, m := range r.Methods {
		if !validHTTPMethods[m] {
			return fmt.Errorf("invalid method %s", m)
		}
	}
	if r.MaxBodySize < 0 {
		return fmt.Errorf("max_body_size must be >= 0")
	}
	return nil
}
