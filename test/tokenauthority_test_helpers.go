// Package test holds helpers that assemble a complete token authority for
// end-to-end tests.
package test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-token-authority/internal/authority"
	"github.com/tinywideclouds/go-token-authority/internal/storage/inmemory"
	"github.com/tinywideclouds/go-token-authority/tokenauthority"
	"github.com/tinywideclouds/go-token-authority/tokenauthority/config"
	ta "github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// NewTestLogger creates a discard logger for tests.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestConfig returns a service config suitable for httptest servers.
func NewTestConfig() *config.Config {
	return &config.Config{
		HTTPListenAddr: ":0",
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: []string{"*"}, // Allow all for tests
			Role:           middleware.CorsRoleDefault,
		},
		Authority: authority.Config{FailurePolicy: authority.LogAndContinue},
	}
}

// NewTestServer creates and starts a new httptest.Server for end-to-end testing.
// It assembles the service around an initialised authority backed by store
// (an in-memory store when nil) and the provided auth middleware.
func NewTestServer(t *testing.T, store ta.Store, authMiddleware func(http.Handler) http.Handler) (*httptest.Server, *authority.Authority) {
	t.Helper()
	cfg := NewTestConfig()
	if store == nil {
		store = inmemory.New()
	}
	logger := NewTestLogger()

	auth, err := authority.New(cfg.Authority, store, logger)
	require.NoError(t, err)
	require.NoError(t, auth.Init(context.Background()))

	service, err := tokenauthority.New(cfg, auth, authMiddleware, prometheus.NewRegistry(), logger)
	require.NoError(t, err)

	server := httptest.NewServer(service.Mux())
	t.Cleanup(server.Close)
	return server, auth
}

// NewMockAuthMiddleware accepts any bearer token carrying a subject and
// puts the subject into the request context as the user ID.
func NewMockAuthMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := callerSubject(r)
			if err != nil {
				logger.Debug("Rejected caller", "path", r.URL.Path, "err", err)
				response.WriteJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(middleware.ContextWithUserID(r.Context(), subject)))
		})
	}
}

// callerSubject reads the bearer token's subject without checking its signature.
func callerSubject(r *http.Request) (string, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}
	caller, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return "", fmt.Errorf("malformed caller token: %w", err)
	}
	if caller.Subject() == "" {
		return "", errors.New("caller token has no subject")
	}
	return caller.Subject(), nil
}

// CreateCallerToken builds a bearer token for the mock auth middleware.
func CreateCallerToken(t *testing.T, subject string) string {
	t.Helper()

	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(10 * time.Minute)).
		Build()
	require.NoError(t, err)

	key, err := jwk.FromRaw([]byte("caller-token-test-secret"))
	require.NoError(t, err)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, key))
	require.NoError(t, err)
	return string(signed)
}
