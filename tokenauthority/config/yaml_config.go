package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-token-authority/internal/authority"
	"github.com/tinywideclouds/go-token-authority/internal/keyring"
	"github.com/tinywideclouds/go-token-authority/internal/registry"
	"github.com/tinywideclouds/go-token-authority/internal/token"
)

// YamlConfig is the structure that mirrors the raw config.yaml file.
// Durations are Go duration strings ("10m", "168h").
type YamlConfig struct {
	RunMode            string `yaml:"run_mode"`
	ProjectID          string `yaml:"project_id"`
	HTTPListenAddr     string `yaml:"http_listen_addr"`
	IdentityServiceURL string `yaml:"identity_service_url"`
	Cors               struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		Role           string   `yaml:"cors_role"`
	} `yaml:"cors"`

	Storage YamlStorage `yaml:"storage"`
	Keys    YamlKeys    `yaml:"keys"`
	Tokens  YamlTokens  `yaml:"tokens"`
	Sync    YamlSync    `yaml:"sync"`
	Cache   struct {
		SnapshotTTL string `yaml:"snapshot_ttl"`
	} `yaml:"cache"`
}

type YamlStorage struct {
	Backend             string `yaml:"backend"`
	FileDir             string `yaml:"file_dir"`
	FirestoreCollection string `yaml:"firestore_collection"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisDB             int    `yaml:"redis_db"`
	RedisPrefix         string `yaml:"redis_prefix"`
	PostgresDSN         string `yaml:"postgres_dsn"`
}

type YamlKeys struct {
	Algorithm        string `yaml:"algorithm"`
	CrvOrSize        string `yaml:"crv_or_size"`
	Amount           int    `yaml:"amount"`
	MinKeys          int    `yaml:"min_keys"`
	SignSkip         *int   `yaml:"sign_skip"`
	RotationInterval string `yaml:"rotation_interval"`
}

type YamlTokens struct {
	Issuer           string `yaml:"issuer"`
	Audience         string `yaml:"audience"`
	Subject          string `yaml:"subject"`
	AccessLifetime   string `yaml:"access_lifetime"`
	RefreshLifetime  string `yaml:"refresh_lifetime"`
	OtherLifetime    string `yaml:"other_lifetime"`
	VerificationSkew string `yaml:"leeway"`
}

type YamlSync struct {
	Timeout        string `yaml:"timeout"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	FailurePolicy  string `yaml:"failure_policy"`
}

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a clean, base Config struct.
// Stage 1 complete: The Config struct now exists, but without environment overrides.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	var errs durationErrors
	lifetimes := map[token.Type]time.Duration{
		token.Access:  errs.parse("tokens.access_lifetime", baseCfg.Tokens.AccessLifetime),
		token.Refresh: errs.parse("tokens.refresh_lifetime", baseCfg.Tokens.RefreshLifetime),
		token.Other:   errs.parse("tokens.other_lifetime", baseCfg.Tokens.OtherLifetime),
	}
	leeway := errs.parse("tokens.leeway", baseCfg.Tokens.VerificationSkew)
	syncTimeout := errs.parse("sync.timeout", baseCfg.Sync.Timeout)
	cacheTTL := errs.parse("cache.snapshot_ttl", baseCfg.Cache.SnapshotTTL)
	if errs.err != nil {
		logger.Error("YAML config mapping failed", "err", errs.err)
		return nil, errs.err
	}

	policies := make(map[token.Type]token.Policy, len(lifetimes))
	for t, lifetime := range lifetimes {
		policies[t] = token.Policy{
			Issuer:   baseCfg.Tokens.Issuer,
			Audience: baseCfg.Tokens.Audience,
			Subject:  baseCfg.Tokens.Subject,
			Lifetime: lifetime,
		}
	}

	signSkip := keyring.DefaultSignSkip
	if baseCfg.Keys.SignSkip != nil {
		signSkip = *baseCfg.Keys.SignSkip
	}

	cfg := &Config{
		RunMode:            baseCfg.RunMode,
		ProjectID:          baseCfg.ProjectID,
		HTTPListenAddr:     baseCfg.HTTPListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.Cors.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.Cors.Role),
		},
		Storage: StorageConfig{
			Backend:             StorageBackend(baseCfg.Storage.Backend),
			FileDir:             baseCfg.Storage.FileDir,
			FirestoreCollection: baseCfg.Storage.FirestoreCollection,
			RedisAddr:           baseCfg.Storage.RedisAddr,
			RedisDB:             baseCfg.Storage.RedisDB,
			RedisPrefix:         baseCfg.Storage.RedisPrefix,
			PostgresDSN:         baseCfg.Storage.PostgresDSN,
		},
		Authority: authority.Config{
			KeyType:      baseCfg.Keys.Algorithm,
			KeyCrvOrSize: baseCfg.Keys.CrvOrSize,
			Keys: keyring.Options{
				Amount:   baseCfg.Keys.Amount,
				Minimum:  baseCfg.Keys.MinKeys,
				SignSkip: signSkip,
			},
			Tokens: token.Config{
				Policies: policies,
				Leeway:   leeway,
			},
			Sync: registry.Options{
				Timeout:        syncTimeout,
				MaxConcurrency: baseCfg.Sync.MaxConcurrency,
			},
			FailurePolicy:    authority.FailurePolicy(baseCfg.Sync.FailurePolicy),
			RotationSchedule: baseCfg.Keys.RotationInterval,
			SnapshotCacheTTL: cacheTTL,
		},
	}

	logger.Debug("YAML config mapping complete",
		"run_mode", cfg.RunMode,
		"project_id", cfg.ProjectID,
		"http_listen_addr", cfg.HTTPListenAddr,
		"identity_service_url", cfg.IdentityServiceURL,
		"cors_origins", cfg.CorsConfig.AllowedOrigins,
		"cors_role", cfg.CorsConfig.Role,
		"storage_backend", cfg.Storage.Backend,
		"key_algorithm", cfg.Authority.KeyType,
		"rotation_interval", cfg.Authority.RotationSchedule,
	)

	return cfg, nil
}

// LoadFromFile reads a YAML file and runs both configuration stages.
func LoadFromFile(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("Loading config from file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Failed to read config file", "path", path, "err", err)
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var yamlCfg YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		logger.Error("Failed to parse YAML config", "path", path, "err", err)
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	baseCfg, err := NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, err
	}
	return UpdateConfigWithEnvOverrides(baseCfg, logger)
}

// durationErrors keeps the first parse failure so a mapping can parse every
// field before checking.
type durationErrors struct {
	err error
}

func (d *durationErrors) parse(field, value string) time.Duration {
	if value == "" || d.err != nil {
		return 0
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("invalid duration for %s: %w", field, err)
		return 0
	}
	if v < 0 {
		d.err = fmt.Errorf("invalid duration for %s: must not be negative", field)
		return 0
	}
	return v
}
