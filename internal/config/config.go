// Package config loads the tiercache YAML configuration.
package config

import (
	"time"

	"github.com/wudi/tiercache/internal/groups"
)

// Backend types.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config is the root configuration.
type Config struct {
	Listen  ListenConfig   `yaml:"listen"`
	Logging LoggingConfig  `yaml:"logging"`
	Admin   AdminConfig    `yaml:"admin"`
	Tracing TracingConfig  `yaml:"tracing"`
	Headers HeadersConfig  `yaml:"headers"`
	Stores  []StoreConfig  `yaml:"stores"`
	Tiers   TiersConfig    `yaml:"tiers"`
	Groups  []groups.Group `yaml:"groups"`
	// RouteDefaults fills every unset route field.
	RouteDefaults RouteConfig    `yaml:"route_defaults"`
	Routes        []RouteConfig  `yaml:"routes"`
	Upstream      UpstreamConfig `yaml:"upstream"`
	// Compression applies to responses on the cache listener.
	Compression CompressionConfig `yaml:"compression"`
}

// ListenConfig is the public listener serving cached routes.
type ListenConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects the log level and sink.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Output is "stdout", "stderr" or a file path.
	Output   string         `yaml:"output"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig applies when Output is a file.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// AdminConfig is the purge and stats API.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Address     string   `yaml:"address"`
	APIKeys     []string `yaml:"api_keys" redact:"true"`
	KeyHeader   string   `yaml:"key_header"`
	PublicStats bool     `yaml:"public_stats"`
	// RateLimit is purges per second; zero disables the limit.
	RateLimit   float64   `yaml:"rate_limit"`
	Burst       int       `yaml:"burst"`
	MetricsPath string    `yaml:"metrics_path"`
	JWT         JWTConfig `yaml:"jwt"`
}

// JWTConfig accepts bearer tokens on the admin API in addition to API
// keys. It is enabled when Secret or PublicKey is set.
type JWTConfig struct {
	Secret    string   `yaml:"secret" redact:"true"`
	PublicKey string   `yaml:"public_key"`
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
	Scope     string   `yaml:"scope"`
}

// Enabled reports whether bearer tokens are accepted.
func (j JWTConfig) Enabled() bool {
	return j.Secret != "" || j.PublicKey != ""
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// HeadersConfig controls how cache directives are written to responses.
type HeadersConfig struct {
	// Tags is the response header listing tags. Defaults to Cache-Tag.
	Tags         string `yaml:"tags"`
	SurrogateKey bool   `yaml:"surrogate_key"`
	// NoStore emits "Cache-Control: no-store" on uncacheable responses.
	NoStore bool `yaml:"no_store"`
}

// StoreConfig defines one named cache store.
type StoreConfig struct {
	Name     string        `yaml:"name"`
	Capacity int           `yaml:"capacity"`
	Backend  BackendConfig `yaml:"backend"`
	// Warm loads persisted entries into the index at startup.
	Warm bool `yaml:"warm"`
}

// BackendConfig selects and configures a store's backend.
type BackendConfig struct {
	Type     string        `yaml:"type"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password" redact:"true"`
	DB       int           `yaml:"db"`
	Path     string        `yaml:"path"`
	InMemory bool          `yaml:"in_memory"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
	// VacuumInterval removes expired SQLite rows periodically.
	VacuumInterval time.Duration `yaml:"vacuum_interval"`
	// GCInterval runs Badger value log GC periodically.
	GCInterval  time.Duration     `yaml:"gc_interval"`
	WriteBehind WriteBehindConfig `yaml:"write_behind"`
	Breaker     BreakerConfig     `yaml:"breaker"`
}

// WriteBehindConfig buffers writes and drains them on an interval.
type WriteBehindConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxBatch   int           `yaml:"max_batch"`
	MaxRetries uint64        `yaml:"max_retries"`
}

// BreakerConfig guards a remote backend with a circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// TiersConfig names the store behind each cache tier.
type TiersConfig struct {
	Route     string `yaml:"route"`
	Component string `yaml:"component"`
	Data      string `yaml:"data"`
}

// RouteConfig is one proxied, cached path prefix. Window fields accept
// the max-age syntax: seconds, "1h", "2d", "midnight" or "forever".
type RouteConfig struct {
	Name                 string        `yaml:"name"`
	PathPrefix           string        `yaml:"path_prefix"`
	Upstream             string        `yaml:"upstream"`
	Store                string        `yaml:"store"`
	MaxAge               string        `yaml:"max_age"`
	StaleWhileRevalidate string        `yaml:"stale_while_revalidate"`
	StaleIfError         string        `yaml:"stale_if_error"`
	Tags                 []string      `yaml:"tags"`
	Vary                 []string      `yaml:"vary"`
	Methods              []string      `yaml:"methods"`
	MaxBodySize          int64         `yaml:"max_body_size"`
	Timeout              time.Duration `yaml:"timeout"`
}

// UpstreamConfig tunes connections to route origins.
type UpstreamConfig struct {
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	CAFile              string        `yaml:"ca_file"`
	// Nameservers replaces the system resolver, e.g. ["10.0.0.2:53"].
	Nameservers []string `yaml:"nameservers"`
}

// CompressionConfig negotiates response encoding with clients.
type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Level is 1-11; gzip caps it at 9. Defaults to 6.
	Level   int `yaml:"level"`
	MinSize int `yaml:"min_size"`
	// Algorithms is a subset of br, zstd and gzip. Empty enables all.
	Algorithms []string `yaml:"algorithms"`
	// ContentTypes overrides the compressible media types.
	ContentTypes []string `yaml:"content_types"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":8081",
			KeyHeader:   "X-Purge-Key",
			MetricsPath: "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "tiercache",
			SampleRate:  1.0,
		},
		Headers: HeadersConfig{
			Tags: "Cache-Tag",
		},
		RouteDefaults: RouteConfig{
			Methods:     []string{"GET", "HEAD"},
			MaxBodySize: 1 << 20,
			Timeout:     30 * time.Second,
		},
	}
}

// DefaultStore is added when no store is configured.
func DefaultStore() StoreConfig {
	return StoreConfig{
		Name:     "default",
		Capacity: 1000,
		Backend:  BackendConfig{Type: BackendMemory},
	}
}

// Store returns the named store config.
func (c *Config) Store(name string) (StoreConfig, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}

// RouteStore returns the store a route caches into.
func (c *Config) RouteStore(r RouteConfig) string {
	if r.Store != "" {
		return r.Store
	}
	return c.Tiers.Route
}
