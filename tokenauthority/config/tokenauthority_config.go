package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-token-authority/internal/authority"
	"github.com/tinywideclouds/go-token-authority/internal/keyring"
	"github.com/tinywideclouds/go-token-authority/internal/scheduler"
	"github.com/tinywideclouds/go-token-authority/internal/token"
)

// StorageBackend names a Persistence Gateway adapter.
type StorageBackend string

const (
	BackendInMemory  StorageBackend = "inmemory"
	BackendFile      StorageBackend = "file"
	BackendFirestore StorageBackend = "firestore"
	BackendRedis     StorageBackend = "redis"
	BackendPostgres  StorageBackend = "postgres"
)

// StorageConfig selects and parameterises the store.
type StorageConfig struct {
	Backend             StorageBackend
	FileDir             string
	FirestoreCollection string
	RedisAddr           string
	RedisDB             int
	RedisPrefix         string
	PostgresDSN         string

	// RedisPassword is populated from the "REDIS_PASSWORD" env var.
	RedisPassword string
}

// Config defines the *single*, authoritative configuration for the Token Authority.
// It is created in two stages:
// 1. Loaded from YAML (see NewConfigFromYaml).
// 2. Updated with environment variables (see UpdateConfigWithEnvOverrides).
type Config struct {
	RunMode            string
	ProjectID          string
	HTTPListenAddr     string
	IdentityServiceURL string

	// CorsConfig is the processed, ready-to-use middleware config.
	CorsConfig middleware.CorsConfig

	Storage   StorageConfig
	Authority authority.Config
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This creates the final "Stage 2" runtime configuration.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = v
		}
	}
	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	override("REDIS_ADDR", &cfg.Storage.RedisAddr)
	override("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	override("ROTATION_INTERVAL", &cfg.Authority.RotationSchedule)
	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_BACKEND", "source", "env")
		cfg.Storage.Backend = StorageBackend(backend)
	}
	if issuer := os.Getenv("TOKEN_ISSUER"); issuer != "" {
		logger.Debug("Overriding config value", "key", "TOKEN_ISSUER", "source", "env")
		for t, p := range cfg.Authority.Tokens.Policies {
			p.Issuer = issuer
			cfg.Authority.Tokens.Policies[t] = p
		}
		if cfg.Authority.Tokens.Policies == nil {
			cfg.Authority.Tokens.Policies = map[token.Type]token.Policy{
				token.Access:  {Issuer: issuer},
				token.Refresh: {Issuer: issuer},
				token.Other:   {Issuer: issuer},
			}
		}
	}
	// The Redis password is exclusively environment-sourced
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		logger.Debug("Loaded config value", "key", "REDIS_PASSWORD", "source", "env")
		cfg.Storage.RedisPassword = pw
	}

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error("Final config validation failed", "error", err)
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.IdentityServiceURL == "" {
		return fmt.Errorf("IDENTITY_SERVICE_URL is not set or is empty")
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendInMemory
	case BackendInMemory, BackendFile:
	case BackendFirestore:
		if cfg.ProjectID == "" {
			return fmt.Errorf("storage backend %q requires GCP_PROJECT_ID", cfg.Storage.Backend)
		}
	case BackendRedis:
		if cfg.Storage.RedisAddr == "" {
			return fmt.Errorf("storage backend %q requires REDIS_ADDR", cfg.Storage.Backend)
		}
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage backend %q requires POSTGRES_DSN", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	keys, err := keyring.ValidateOptions(cfg.Authority.Keys)
	if err != nil {
		return err
	}
	cfg.Authority.Keys = keys

	if cfg.Authority.RotationSchedule == "" {
		cfg.Authority.RotationSchedule = scheduler.DefaultSchedule
	}
	return scheduler.Validate(cfg.Authority.RotationSchedule)
}
