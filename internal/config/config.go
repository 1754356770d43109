package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/services/registry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APP_REGISTRY_"

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	AuthAllowAll   = "allow_all"
	AuthCapability = "capability"
)

// Config is the full application configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
	Events   EventsConfig   `yaml:"events"`
}

type RegistryConfig struct {
	// ID is the registry object id in hex.
	ID            string `yaml:"id"`
	AppCapPolicy  string `yaml:"app_cap_policy"`
	Authorization string `yaml:"authorization"`
}

type StorageConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
}

type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	Schedule string `yaml:"schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			ID:            "0x1",
			AppCapPolicy:  string(registry.AppCapPlaceholder),
			Authorization: AuthAllowAll,
		},
		Storage: StorageConfig{Driver: DriverMemory},
		Redis:   RedisConfig{Addr: "localhost:6379", TTL: "5m"},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Path:     filepath.Join("data", "registry.yaml"),
			Schedule: "@every 5m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Events:  EventsConfig{BufferSize: 1000},
	}
}

// Load reads the YAML file at path on top of the defaults, loads envFile into
// the process environment when it exists, applies APP_REGISTRY_* overrides and
// validates the result. A missing config file is not an error.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
		return nil
	}

	str("ID", &c.Registry.ID)
	str("APP_CAP_POLICY", &c.Registry.AppCapPolicy)
	str("AUTHORIZATION", &c.Registry.Authorization)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATABASE_DSN", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_TTL", &c.Redis.TTL)
	str("SNAPSHOT_PATH", &c.Snapshot.Path)
	str("SNAPSHOT_SCHEDULE", &c.Snapshot.Schedule)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if err := boolean("MIGRATE_ON_START", &c.Storage.MigrateOnStart); err != nil {
		return err
	}
	if err := boolean("REDIS_ENABLED", &c.Redis.Enabled); err != nil {
		return err
	}
	if err := boolean("SNAPSHOT_ENABLED", &c.Snapshot.Enabled); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Validate checks every field that the application would otherwise reject at startup.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.RegistryID(); err != nil {
		errs = append(errs, fmt.Errorf("registry.id: %w", err))
	}
	if _, err := registry.ParseAppCapPolicy(c.Registry.AppCapPolicy); err != nil {
		errs = append(errs, fmt.Errorf("registry.app_cap_policy: %w", err))
	}
	switch c.Registry.Authorization {
	case "", AuthAllowAll, AuthCapability:
	default:
		errs = append(errs, fmt.Errorf("registry.authorization: unknown mode %q", c.Registry.Authorization))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
		}
		if _, err := c.CacheTTL(); err != nil {
			errs = append(errs, fmt.Errorf("redis.ttl: %w", err))
		}
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Path == "" {
			errs = append(errs, errors.New("snapshot.path is required when snapshots are enabled"))
		}
		if _, err := cron.ParseStandard(c.Snapshot.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.schedule: %w", err))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	if c.Events.BufferSize < 0 {
		errs = append(errs, errors.New("events.buffer_size must not be negative"))
	}
	return errors.Join(errs...)
}

// RegistryID parses the configured registry id.
func (c *Config) RegistryID() (apps.ObjectID, error) {
	return apps.ParseObjectID(c.Registry.ID)
}

// CacheTTL parses the redis TTL, defaulting to five minutes.
func (c *Config) CacheTTL() (time.Duration, error) {
	if strings.TrimSpace(c.Redis.TTL) == "" {
		return 5 * time.Minute, nil
	}
	ttl, err := time.ParseDuration(c.Redis.TTL)
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	return ttl, nil
}
