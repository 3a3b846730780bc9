package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-token-authority/internal/authority"
	"github.com/tinywideclouds/go-token-authority/internal/storage/file"
	fs "github.com/tinywideclouds/go-token-authority/internal/storage/firestore"
	"github.com/tinywideclouds/go-token-authority/internal/storage/inmemory"
	"github.com/tinywideclouds/go-token-authority/internal/storage/postgres"
	redisstore "github.com/tinywideclouds/go-token-authority/internal/storage/redis"
	"github.com/tinywideclouds/go-token-authority/tokenauthority"
	"github.com/tinywideclouds/go-token-authority/tokenauthority/config"
	ta "github.com/tinywideclouds/go-token-authority/pkg/authority"
)

//go:embed local.yaml
var configFile []byte

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", "err", err)
	}

	// --- 1. Load Configuration ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		fatal(logger, "Failed to unmarshal embedded yaml config", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		fatal(logger, "Failed to build base configuration from YAML", err)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		fatal(logger, "Failed to finalize configuration with environment overrides", err)
	}
	logger.Info("Configuration loaded", "run_mode", cfg.RunMode, "storage", cfg.Storage.Backend)

	// --- 2. Dependency Injection ---
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize storage", err)
	}
	defer closeStore()

	auth, err := authority.New(cfg.Authority, store, logger)
	if err != nil {
		fatal(logger, "Failed to build token authority", err)
	}
	if err := auth.Init(ctx); err != nil {
		fatal(logger, "Failed to initialise token authority", err)
	}

	authMiddleware, err := newAuthMiddleware(cfg, logger)
	if err != nil {
		fatal(logger, "Failed to initialize authentication middleware", err)
	}

	service, err := tokenauthority.New(cfg, auth, authMiddleware, prometheus.DefaultRegisterer, logger)
	if err != nil {
		fatal(logger, "Failed to create service", err)
	}

	// --- 3. Start Service and Handle Shutdown ---
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "address", cfg.HTTPListenAddr)
		if startErr := service.Start(); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
			errChan <- startErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		fatal(logger, "Service failed", err)
	case sig := <-quit:
		logger.Info("OS signal received, initiating shutdown.", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if shutdownErr := service.Shutdown(ctx); shutdownErr != nil {
			logger.Error("Service shutdown failed", "err", shutdownErr)
		} else {
			logger.Info("Service shutdown complete")
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

// newStore builds the configured Persistence Gateway and a function that
// releases its connections.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ta.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case config.BackendFile:
		store, err := file.New(cfg.Storage.FileDir, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using file store", "dir", cfg.Storage.FileDir)
		return store, noop, nil

	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create Firestore client for project %s: %w", cfg.ProjectID, err)
		}
		collection := cfg.Storage.FirestoreCollection
		if collection == "" {
			collection = "token-authority"
		}
		logger.Info("Using Firestore store", "project_id", cfg.ProjectID, "collection", collection)
		return fs.NewFirestoreStore(fsClient, collection, logger), func() { _ = fsClient.Close() }, nil

	case config.BackendRedis:
		client, err := redisstore.Dial(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using Redis store", "addr", cfg.Storage.RedisAddr)
		return redisstore.New(client, cfg.Storage.RedisPrefix, logger), func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		store, err := postgres.Connect(ctx, cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using Postgres store")
		return store, store.Close, nil

	default:
		logger.Warn("Using in-memory store; keys are lost on restart")
		return inmemory.New(), noop, nil
	}
}

// newAuthMiddleware creates the JWT-validating middleware for token and
// admin routes.
func newAuthMiddleware(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	sanitizedIdentityURL := strings.Trim(cfg.IdentityServiceURL, "\"")
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(sanitizedIdentityURL, "RS256", logger)
	if err != nil {
		logger.Warn("JWT configuration validation failed", "err", err)
	} else {
		logger.Info("VERIFIED JWKS CONFIG")
	}

	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth middleware: %w", err)
	}
	return authMiddleware, nil
}
