// Package config loads Harrier configuration from YAML and the environment
// and watches the file for tunable changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvTier       = "HARRIER_TIER"
	EnvDBDriver   = "HARRIER_DB_DRIVER"
	EnvSQLitePath = "HARRIER_SQLITE_PATH"
	EnvDBURL      = "HARRIER_DATABASE_URL"
	EnvRedisAddr  = "HARRIER_REDIS_ADDR"
	EnvNATSURL    = "HARRIER_NATS_URL"
	EnvPort       = "HARRIER_PORT"
	EnvDebug      = "HARRIER_DEBUG"
	EnvTenants    = "HARRIER_TENANTS"
)

// Load reads configuration from a YAML file. An empty path or a missing
// file yields the tier defaults. Fields absent from the file keep their
// defaults; environment variables are applied last.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvTier), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) error {
	if v := os.Getenv(EnvDBDriver); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv(EnvDBURL); v != "" {
		cfg.Repository.Driver = "postgres"
		cfg.Repository.PostgresURL = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Cache.Type = "redis"
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Server.Port = port
	}
	if os.Getenv(EnvDebug) == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv(EnvTenants); v != "" {
		var tenants []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tenants = append(tenants, t)
			}
		}
		cfg.Analyst.Tenants = tenants
	}
	return nil
}

// Validate checks the settings the process cannot start without.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "", "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type: %q", cfg.EventBus.Type)
	}
	s := cfg.Suggestions
	if s.MinWeight > s.MaxWeight {
		return fmt.Errorf("suggestions.min_weight %.2f exceeds max_weight %.2f", s.MinWeight, s.MaxWeight)
	}
	if p := cfg.Telemetry.AmountPercentile; p < 0 || p >= 1 {
		return fmt.Errorf("telemetry.amount_percentile %.2f must be in [0, 1)", p)
	}
	return nil
}
