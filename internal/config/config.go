// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Cache         CacheConfig         `yaml:"cache"`
	Display       DisplayConfig       `yaml:"display"`
	Enrichment    EnrichmentConfig    `yaml:"enrichment"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`

	// IdentityClaim and RolesClaim name the top-level token claims holding
	// the caller's identity and role slugs.
	IdentityClaim string `yaml:"identity_claim"`
	RolesClaim    string `yaml:"roles_claim"`
}

// StoreConfig describes the identity store that resolves user profiles.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	File            string        `yaml:"file"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig describes the user-data cache.
type CacheConfig struct {
	Driver     string        `yaml:"driver"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
}

// DisplayConfig describes how names and the panel are presented.
type DisplayConfig struct {
	RoleNamesFile   string            `yaml:"role_names_file"`
	RoleNames       map[string]string `yaml:"role_names"`
	CapabilityNames map[string]string `yaml:"capability_names"`
	CapabilityCap   int               `yaml:"capability_cap"`
	SummaryGlyph    string            `yaml:"summary_glyph"`
	ShowForRoles    []string          `yaml:"show_for_roles"`
}

// EnrichmentConfig describes the built-in enrichment callbacks.
type EnrichmentConfig struct {
	Meta          MetaEnrichmentConfig `yaml:"meta"`
	EntityService EntityServiceConfig  `yaml:"entity_service"`
}

// MetaEnrichmentConfig describes the user-meta enricher.
type MetaEnrichmentConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Keys         []string `yaml:"keys"`
	CustomPrefix string   `yaml:"custom_prefix"`
}

// EntityServiceConfig describes the HTTP entity enricher.
type EntityServiceConfig struct {
	Enabled          bool              `yaml:"enabled"`
	BaseURL          string            `yaml:"base_url"`
	Timeout          time.Duration     `yaml:"timeout"`
	FailureThreshold int               `yaml:"failure_threshold"`
	Cooldown         time.Duration     `yaml:"cooldown"`
	Headers          map[string]string `yaml:"headers"`
}

// EventsConfig describes the host event webhooks.
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			IdentityClaim: "sub",
			RolesClaim:    "roles",
		},
		Store: StoreConfig{
			Driver:          "file",
			MaxConns:        10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        300 * time.Second,
			MaxEntries: 10000,
		},
		Display: DisplayConfig{
			CapabilityCap: 10,
			SummaryGlyph:  "👤",
		},
		Enrichment: EnrichmentConfig{
			Meta: MetaEnrichmentConfig{
				Enabled:      true,
				CustomPrefix: "custom_",
			},
			EntityService: EntityServiceConfig{
				Timeout:          2 * time.Second,
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Events: EventsConfig{
			Enabled:  true,
			TokenEnv: "USERBAR_EVENT_TOKEN",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	switch c.Store.Driver {
	case "file":
		if c.Store.File == "" {
			errs = append(errs, "store.file is required for the file driver")
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (file, postgres)", c.Store.Driver))
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.AddrEnv == "" {
			errs = append(errs, "cache.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q is not supported (memory, redis)", c.Cache.Driver))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, "cache.ttl must not be negative")
	}

	if c.Display.CapabilityCap < 0 {
		errs = append(errs, "display.capability_cap must not be negative")
	}
	if c.Enrichment.EntityService.Enabled && c.Enrichment.EntityService.BaseURL == "" {
		errs = append(errs, "enrichment.entity_service.base_url is required when enabled")
	}
	if c.Events.Enabled && c.Events.TokenEnv == "" {
		errs = append(errs, "events.token_env is required when events are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads USERBAR_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("USERBAR_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("USERBAR_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("USERBAR_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("USERBAR_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("USERBAR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("USERBAR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("USERBAR_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
	if v := os.Getenv("USERBAR_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
}
