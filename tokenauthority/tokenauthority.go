// Package tokenauthority wires the authority, its HTTP surface and the
// rotation scheduler into a runnable service.
package tokenauthority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-token-authority/internal/api"
	"github.com/tinywideclouds/go-token-authority/internal/authority"
	"github.com/tinywideclouds/go-token-authority/internal/metrics"
	"github.com/tinywideclouds/go-token-authority/tokenauthority/config"
)

// Wrapper embeds the BaseServer to inherit standard server functionality.
type Wrapper struct {
	*microservice.BaseServer
	authority *authority.Authority
	logger    *slog.Logger
}

// New creates and wires up the token authority service. The authority must
// already be initialised. reg receives the Prometheus collectors; nil means
// the default registry.
func New(
	cfg *config.Config,
	auth *authority.Authority,
	authMiddleware func(http.Handler) http.Handler,
	reg prometheus.Registerer,
	logger *slog.Logger,
) (*Wrapper, error) {
	// 1. Create the standard base server.
	baseServer := microservice.NewBaseServer(logger, cfg.HTTPListenAddr)

	// 2. Create the service-specific API handlers.
	apiHandler := &api.API{Authority: auth, Logger: logger}

	metricsHandler, err := metrics.Register(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	// 3. Get the mux from the base server and register routes.
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	options := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	public := func(h http.HandlerFunc) http.Handler {
		return metrics.WithMetrics(corsMiddleware(h))
	}
	protected := func(h http.HandlerFunc) http.Handler {
		return metrics.WithMetrics(corsMiddleware(authMiddleware(h)))
	}

	// --- 4. Public key material ---
	mux.Handle("GET /.well-known/jwks.json", public(apiHandler.JWKSHandler))
	mux.Handle("GET /revocations", public(apiHandler.RevocationsHandler))
	mux.Handle("GET /metrics", metricsHandler)

	// --- 5. Token routes ---
	mux.Handle("POST /tokens/{type}", protected(apiHandler.IssueTokenHandler))
	mux.Handle("OPTIONS /tokens/{type}", corsMiddleware(options))
	mux.Handle("POST /tokens/{type}/verify", protected(apiHandler.VerifyTokenHandler))
	mux.Handle("OPTIONS /tokens/{type}/verify", corsMiddleware(options))

	// --- 6. Administrative routes ---
	mux.Handle("POST /admin/clients", protected(apiHandler.RegisterClientHandler))
	mux.Handle("POST /admin/sync", protected(apiHandler.SyncHandler))
	mux.Handle("GET /admin/keys", protected(apiHandler.ListKeysHandler))
	mux.Handle("POST /admin/keys/rotate", protected(apiHandler.RotateHandler))
	mux.Handle("POST /admin/keys/reset", protected(apiHandler.ResetHandler))
	mux.Handle("DELETE /admin/keys/{kid}", protected(apiHandler.RetireKeyHandler))
	mux.Handle("POST /admin/tokens/revoke", protected(apiHandler.RevokeTokenHandler))

	return &Wrapper{
		BaseServer: baseServer,
		authority:  auth,
		logger:     logger,
	}, nil
}

// Start runs the HTTP server. Once the listener is active it starts the
// rotation scheduler and marks the service ready.
func (w *Wrapper) Start() error {
	errChan := make(chan error, 1)
	httpReadyChan := make(chan struct{})
	w.BaseServer.SetReadyChannel(httpReadyChan)

	go func() {
		if err := w.BaseServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("HTTP server failed", "err", err)
			errChan <- err
		}
		close(errChan)
	}()

	// Wait for EITHER the server to be ready OR for it to fail on startup
	select {
	case <-httpReadyChan:
		w.logger.Info("HTTP listener is active.")
		if err := w.authority.StartRotation(); err != nil {
			w.logger.Error("Failed to start key rotation", "err", err)
			return errors.Join(err, w.BaseServer.Shutdown(context.Background()))
		}
		w.SetReady(true)
		w.logger.Info("Service is now ready.")

	case err := <-errChan:
		// Server failed before it could listen
		return err
	}

	// Wait for the server goroutine to exit (which happens on Shutdown)
	return <-errChan
}

// Shutdown drains HTTP traffic, then stops rotation and saves the ledger.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.SetReady(false)
	httpErr := w.BaseServer.Shutdown(ctx)
	authErr := w.authority.Shutdown(ctx)
	return errors.Join(httpErr, authErr)
}
