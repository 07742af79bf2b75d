package config

import (
	"fmt"
	"time"

	"github.com/dpup/prefab"

	"github.com/ersn/hazardroute/server/internal/lib/hazard"
)

// Routing provider names
const (
	ProviderGoogle = "google"
	ProviderOSRM   = "osrm"
)

// Hazard source names
const (
	SourceNone     = "none"
	SourceRedis    = "redis"
	SourcePostgres = "postgres"
)

// Config represents the route safety configuration.
// HTTP and gRPC listener settings come from prefab's own server section.
type Config struct {
	Safety   SafetyConfig   `koanf:"safety"`
	Routing  RoutingConfig  `koanf:"routing"`
	Hazards  HazardsConfig  `koanf:"hazards"`
	Sessions SessionsConfig `koanf:"sessions"`
}

// SafetyConfig holds proximity radius settings
type SafetyConfig struct {
	RadiusMeters  float64            `koanf:"radiusMeters"`
	SeverityRadii map[string]float64 `koanf:"severityRadii"`
	TypeRadii     map[string]float64 `koanf:"typeRadii"`
}

// RoutingConfig selects and configures the routing provider
type RoutingConfig struct {
	Provider string        `koanf:"provider"`
	Timeout  time.Duration `koanf:"timeout"`
	Google   GoogleConfig  `koanf:"google"`
	OSRM     OSRMConfig    `koanf:"osrm"`
}

// GoogleConfig holds Google Routes API settings
type GoogleConfig struct {
	APIKey            string  `koanf:"apiKey"`
	BaseURL           string  `koanf:"baseUrl"`
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

// OSRMConfig holds OSRM routing service settings
type OSRMConfig struct {
	BaseURL           string  `koanf:"baseUrl"`
	Profile           string  `koanf:"profile"`
	RequestsPerSecond float64 `koanf:"requestsPerSecond"`
	Burst             int     `koanf:"burst"`
}

// HazardsConfig selects where hazard snapshots come from
type HazardsConfig struct {
	Source          string         `koanf:"source"`
	SeedFile        string         `koanf:"seedFile"`
	RefreshInterval time.Duration  `koanf:"refreshInterval"`
	Redis           RedisConfig    `koanf:"redis"`
	Postgres        PostgresConfig `koanf:"postgres"`
}

// RedisConfig holds the Redis hazard feed settings
type RedisConfig struct {
	Addr        string `koanf:"addr"`
	Password    string `koanf:"password"`
	DB          int    `koanf:"db"`
	Channel     string `koanf:"channel"`
	SnapshotKey string `koanf:"snapshotKey"`
}

// PostgresConfig holds the Postgres hazard store settings
type PostgresConfig struct {
	DSN     string `koanf:"dsn"`
	Channel string `koanf:"channel"`
}

// SessionsConfig bounds routing sessions
type SessionsConfig struct {
	MaxSessions int `koanf:"maxSessions"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Safety: SafetyConfig{
			RadiusMeters: hazard.DefaultRadiusMeters,
		},
		Routing: RoutingConfig{
			Provider: ProviderOSRM,
			Timeout:  30 * time.Second,
			Google: GoogleConfig{
				BaseURL:           "https://routes.googleapis.com",
				RequestsPerSecond: 5,
				Burst:             5,
			},
			OSRM: OSRMConfig{
				BaseURL:           "https://router.project-osrm.org",
				Profile:           "driving",
				RequestsPerSecond: 1, // public demo server policy
				Burst:             1,
			},
		},
		Hazards: HazardsConfig{
			Source:          SourceNone,
			RefreshInterval: 5 * time.Minute,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				Channel:     "hazards",
				SnapshotKey: "hazards:snapshot",
			},
			Postgres: PostgresConfig{
				Channel: "hazards_changed",
			},
		},
		Sessions: SessionsConfig{
			MaxSessions: 1000,
		},
	}
}

// Source is a keyed configuration tree such as prefab.Config
type Source interface {
	Unmarshal(path string, o interface{}) error
}

// Load reads the route safety sections from prefab's configuration, which merges
// prefab.yaml with PF__ environment variables (PF__SAFETY__RADIUS_METERS sets
// safety.radiusMeters).
func Load() (*Config, error) {
	return LoadFrom(prefab.Config)
}

// LoadFrom unmarshals each section of src over the defaults and validates the result.
// Keys missing from src keep their default values.
func LoadFrom(src Source) (*Config, error) {
	cfg := DefaultConfig()

	sections := []struct {
		path string
		dst  interface{}
	}{
		{"safety", &cfg.Safety},
		{"routing", &cfg.Routing},
		{"hazards", &cfg.Hazards},
		{"sessions", &cfg.Sessions},
	}
	for _, section := range sections {
		if err := src.Unmarshal(section.path, section.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s section: %w", section.path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if _, err := c.Safety.Policy(); err != nil {
		return err
	}

	if c.Routing.Timeout <= 0 {
		return fmt.Errorf("routing.timeout must be positive")
	}
	switch c.Routing.Provider {
	case ProviderGoogle:
		if c.Routing.Google.APIKey == "" {
			return fmt.Errorf("routing.google.apiKey is required when provider is %q", ProviderGoogle)
		}
	case ProviderOSRM:
		if c.Routing.OSRM.BaseURL == "" {
			return fmt.Errorf("routing.osrm.baseUrl is required when provider is %q", ProviderOSRM)
		}
	default:
		return fmt.Errorf("unknown routing provider %q", c.Routing.Provider)
	}

	switch c.Hazards.Source {
	case SourceNone:
	case SourceRedis:
		if c.Hazards.Redis.Addr == "" || c.Hazards.Redis.Channel == "" {
			return fmt.Errorf("hazards.redis.addr and hazards.redis.channel are required")
		}
	case SourcePostgres:
		if c.Hazards.Postgres.DSN == "" {
			return fmt.Errorf("hazards.postgres.dsn is required when source is %q", SourcePostgres)
		}
		if c.Hazards.RefreshInterval <= 0 {
			return fmt.Errorf("hazards.refreshInterval must be positive")
		}
	default:
		return fmt.Errorf("unknown hazard source %q", c.Hazards.Source)
	}

	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.maxSessions must not be negative")
	}
	return nil
}

// Policy converts the safety settings into a radius policy
func (s SafetyConfig) Policy() (hazard.RadiusPolicy, error) {
	if s.RadiusMeters <= 0 {
		return hazard.RadiusPolicy{}, fmt.Errorf("safety.radiusMeters must be positive, got %v", s.RadiusMeters)
	}

	policy := hazard.FlatRadius(s.RadiusMeters)
	if len(s.SeverityRadii) > 0 {
		policy.BySeverity = make(map[hazard.Severity]float64, len(s.SeverityRadii))
		for name, radius := range s.SeverityRadii {
			severity, err := hazard.ParseSeverity(name)
			if err != nil {
				return hazard.RadiusPolicy{}, fmt.Errorf("safety.severityRadii: %w", err)
			}
			if radius <= 0 {
				return hazard.RadiusPolicy{}, fmt.Errorf("safety.severityRadii.%s must be positive", name)
			}
			policy.BySeverity[severity] = radius
		}
	}
	if len(s.TypeRadii) > 0 {
		policy.ByType = make(map[hazard.Type]float64, len(s.TypeRadii))
		for name, radius := range s.TypeRadii {
			if radius <= 0 {
				return hazard.RadiusPolicy{}, fmt.Errorf("safety.typeRadii.%s must be positive", name)
			}
			policy.ByType[hazard.Type(name)] = radius
		}
	}
	return policy, nil
}
