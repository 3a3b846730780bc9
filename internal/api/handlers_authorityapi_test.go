package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-token-authority/internal/api"
	"github.com/tinywideclouds/go-token-authority/internal/keyring"
	"github.com/tinywideclouds/go-token-authority/internal/registry"
	"github.com/tinywideclouds/go-token-authority/internal/token"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// MockAuthority is a mock implementation of the api.Authority interface.
type MockAuthority struct {
	mock.Mock
}

func (m *MockAuthority) Issue(t token.Type, claims token.Claims, opts *token.IssueOptions) (string, error) {
	args := m.Called(t, claims, opts)
	return args.String(0), args.Error(1)
}

func (m *MockAuthority) Verify(t token.Type, tok string, opts *token.VerifyOptions) (token.Claims, error) {
	args := m.Called(t, tok, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(token.Claims), args.Error(1)
}

func (m *MockAuthority) RevokeToken(ctx context.Context, tok string, extract token.Extractor) (authority.RevocationEntry, error) {
	args := m.Called(ctx, tok, extract)
	return args.Get(0).(authority.RevocationEntry), args.Error(1)
}

func (m *MockAuthority) RegisterClient(ctx context.Context, name, url string) (authority.Snapshot, error) {
	args := m.Called(ctx, name, url)
	return args.Get(0).(authority.Snapshot), args.Error(1)
}

func (m *MockAuthority) Sync(ctx context.Context, onFailure registry.FailureHandler) error {
	args := m.Called(ctx, onFailure)
	if failures, ok := args.Get(1).(map[string]error); ok {
		for name, err := range failures {
			onFailure(name, err)
		}
	}
	return args.Error(0)
}

func (m *MockAuthority) Rotate(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockAuthority) RevokeKey(ctx context.Context, kid string) error {
	return m.Called(ctx, kid).Error(0)
}

func (m *MockAuthority) Reset(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAuthority) PublicJWKSJSON() ([]byte, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockAuthority) RevocationList() []authority.RevocationEntry {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]authority.RevocationEntry)
}

func (m *MockAuthority) Keys() []keyring.KeyInfo {
	args := m.Called()
	return args.Get(0).([]keyring.KeyInfo)
}

// newTestLogger creates a discard logger for tests.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp response.APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errResp))
	return errResp.Error
}

var threeKeys = []keyring.KeyInfo{{KeyID: "k1"}, {KeyID: "k2"}, {KeyID: "k3"}}

func TestJWKSHandler(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - 200 OK", func(t *testing.T) {
		// Arrange
		mockAuth := new(MockAuthority)
		jwks := []byte(`{"keys":[{"kty":"EC","kid":"k1"}]}`)
		mockAuth.On("PublicJWKSJSON").Return(jwks, nil)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		// Act
		apiHandler.JWKSHandler(rr, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

		// Assert
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, string(jwks), rr.Body.String())
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		mockAuth.AssertExpectations(t)
	})

	t.Run("Failure - 500 on key set error", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("PublicJWKSJSON").Return(nil, errors.New("boom"))
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		apiHandler.JWKSHandler(rr, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestRevocationsHandler(t *testing.T) {
	mockAuth := new(MockAuthority)
	mockAuth.On("RevocationList").Return(nil)
	apiHandler := &api.API{Authority: mockAuth, Logger: newTestLogger()}
	rr := httptest.NewRecorder()

	apiHandler.RevocationsHandler(rr, httptest.NewRequest(http.MethodGet, "/revocations", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"revocList":[]}`, rr.Body.String())
}

func TestIssueTokenHandler(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - 201 Created", func(t *testing.T) {
		// Arrange
		mockAuth := new(MockAuthority)
		expectedOpts := &token.IssueOptions{KeyID: "k2", Lifetime: 15 * time.Minute}
		mockAuth.On("Issue", token.Access, token.Claims{"email": "a@b.com"}, expectedOpts).Return("signed.jwt.value", nil)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		body := `{"claims":{"email":"a@b.com"},"keyId":"k2","lifetime":"15m"}`
		req := httptest.NewRequest(http.MethodPost, "/tokens/access", strings.NewReader(body))
		req.SetPathValue("type", "access")
		rr := httptest.NewRecorder()

		// Act
		apiHandler.IssueTokenHandler(rr, req)

		// Assert
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.JSONEq(t, `{"token":"signed.jwt.value","type":"access"}`, rr.Body.String())
		mockAuth.AssertExpectations(t)
	})

	t.Run("Failure - 400 unknown type", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/tokens/bearer", strings.NewReader(`{}`))
		req.SetPathValue("type", "bearer")
		rr := httptest.NewRecorder()

		apiHandler.IssueTokenHandler(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		mockAuth.AssertNotCalled(t, "Issue")
	})

	t.Run("Failure - 400 bad lifetime", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/tokens/access", strings.NewReader(`{"lifetime":"soon"}`))
		req.SetPathValue("type", "access")
		rr := httptest.NewRecorder()

		apiHandler.IssueTokenHandler(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		mockAuth.AssertNotCalled(t, "Issue")
	})

	t.Run("Failure - 400 bad JSON", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/tokens/access", strings.NewReader(`{"bad-json`))
		req.SetPathValue("type", "access")
		rr := httptest.NewRecorder()

		apiHandler.IssueTokenHandler(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "Invalid JSON body format", decodeError(t, rr))
	})

	t.Run("Failure - 404 forced key unknown", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("Issue", token.Access, mock.Anything, mock.Anything).Return("", authority.ErrKeyNotFound)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/tokens/access", strings.NewReader(`{"keyId":"nope"}`))
		req.SetPathValue("type", "access")
		rr := httptest.NewRecorder()

		apiHandler.IssueTokenHandler(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestVerifyTokenHandler(t *testing.T) {
	logger := newTestLogger()
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{name: "Failure - 401 revoked", err: authority.ErrRevoked, wantStatus: http.StatusUnauthorized, wantMsg: "Token has been revoked"},
		{name: "Failure - 401 invalid", err: authority.ErrInvalidToken, wantStatus: http.StatusUnauthorized, wantMsg: "Invalid token"},
		{name: "Failure - 401 unknown kid", err: authority.ErrKeyNotFound, wantStatus: http.StatusUnauthorized, wantMsg: "Unknown signing key"},
		{name: "Failure - 500 unexpected", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantMsg: "Failed to verify token"},
	}

	t.Run("Success - 200 OK", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("Verify", token.Refresh, "tok", &token.VerifyOptions{Audience: "api"}).
			Return(token.Claims{"sub": "u1"}, nil)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/tokens/refresh/verify", strings.NewReader(`{"token":"tok","audience":"api"}`))
		req.SetPathValue("type", "refresh")
		rr := httptest.NewRecorder()

		apiHandler.VerifyTokenHandler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"claims":{"sub":"u1"}}`, rr.Body.String())
	})

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mockAuth := new(MockAuthority)
			mockAuth.On("Verify", token.Access, "tok", mock.Anything).Return(nil, tc.err)
			apiHandler := &api.API{Authority: mockAuth, Logger: logger}
			req := httptest.NewRequest(http.MethodPost, "/tokens/access/verify", strings.NewReader(`{"token":"tok"}`))
			req.SetPathValue("type", "access")
			rr := httptest.NewRecorder()

			apiHandler.VerifyTokenHandler(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantMsg, decodeError(t, rr))
		})
	}

	t.Run("Failure - 400 empty token", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/tokens/access/verify", strings.NewReader(`{}`))
		req.SetPathValue("type", "access")
		rr := httptest.NewRecorder()

		apiHandler.VerifyTokenHandler(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		mockAuth.AssertNotCalled(t, "Verify")
	})
}

func TestRegisterClientHandler(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - 201 with snapshot", func(t *testing.T) {
		// Arrange
		mockAuth := new(MockAuthority)
		set, err := authority.ParseKeySet([]byte(`{"keys":[]}`))
		require.NoError(t, err)
		snap := authority.Snapshot{Keys: set, RevocList: []authority.RevocationEntry{{JTI: "a", Exp: 9}}}
		mockAuth.On("RegisterClient", mock.Anything, "svc1", "http://svc1").Return(snap, nil)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/admin/clients", strings.NewReader(`{"name":"svc1","url":"http://svc1"}`))
		rr := httptest.NewRecorder()

		// Act
		apiHandler.RegisterClientHandler(rr, req)

		// Assert
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.JSONEq(t, `{"keys":[],"revocList":[{"jti":"a","exp":9}]}`, rr.Body.String())
	})

	t.Run("Failure - 400 validation", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("RegisterClient", mock.Anything, "", "http://svc1").
			Return(authority.Snapshot{}, &authority.ValidationError{Field: "name", Reason: "must not be empty"})
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodPost, "/admin/clients", strings.NewReader(`{"url":"http://svc1"}`))
		rr := httptest.NewRecorder()

		apiHandler.RegisterClientHandler(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decodeError(t, rr), "name")
	})
}

func TestRotateHandler(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - 200 OK", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("Rotate", mock.Anything).Return("k3", nil)
		mockAuth.On("Keys").Return(threeKeys)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		apiHandler.RotateHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/keys/rotate", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"kid":"k3","keys":["k1","k2","k3"]}`, rr.Body.String())
	})

	t.Run("Success - 200 with sync failures", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		syncErr := &authority.SyncError{Failures: map[string]error{"svc1": errors.New("connection refused")}}
		mockAuth.On("Rotate", mock.Anything).Return("k3", syncErr)
		mockAuth.On("Keys").Return(threeKeys)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		apiHandler.RotateHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/keys/rotate", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		var resp api.MutationResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, map[string]string{"svc1": "connection refused"}, resp.SyncFailures)
	})

	t.Run("Failure - 500 when storage failed alongside sync", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		syncErr := &authority.SyncError{Failures: map[string]error{"svc1": errors.New("refused")}}
		mockAuth.On("Rotate", mock.Anything).Return("k3", errors.Join(errors.New("disk full"), syncErr))
		mockAuth.On("Keys").Return(threeKeys)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		apiHandler.RotateHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/keys/rotate", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestRetireKeyHandler(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - 200 OK", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("RevokeKey", mock.Anything, "k2").Return(nil)
		mockAuth.On("Keys").Return(threeKeys)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodDelete, "/admin/keys/k2", nil)
		req.SetPathValue("kid", "k2")
		rr := httptest.NewRecorder()

		apiHandler.RetireKeyHandler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		mockAuth.AssertExpectations(t)
	})

	t.Run("Failure - 404 Not Found", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("RevokeKey", mock.Anything, "nope").Return(authority.ErrKeyNotFound)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		req := httptest.NewRequest(http.MethodDelete, "/admin/keys/nope", nil)
		req.SetPathValue("kid", "nope")
		rr := httptest.NewRecorder()

		apiHandler.RetireKeyHandler(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "Key not found", decodeError(t, rr))
	})
}

func TestRevokeTokenHandler(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - 200 OK", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		entry := authority.RevocationEntry{JTI: "j1", Exp: 100}
		mockAuth.On("RevokeToken", mock.Anything, "tok", mock.Anything).Return(entry, nil)
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		apiHandler.RevokeTokenHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/tokens/revoke", strings.NewReader(`{"token":"tok"}`)))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"revoked":{"jti":"j1","exp":100}}`, rr.Body.String())
	})

	t.Run("Failure - 400 token without jti", func(t *testing.T) {
		mockAuth := new(MockAuthority)
		mockAuth.On("RevokeToken", mock.Anything, "tok", mock.Anything).
			Return(authority.RevocationEntry{}, &authority.ValidationError{Field: "jti", Reason: "token has no identifier"})
		apiHandler := &api.API{Authority: mockAuth, Logger: logger}
		rr := httptest.NewRecorder()

		apiHandler.RevokeTokenHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/tokens/revoke", strings.NewReader(`{"token":"tok"}`)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestSyncHandler(t *testing.T) {
	mockAuth := new(MockAuthority)
	mockAuth.On("Sync", mock.Anything, mock.Anything).Return(nil, map[string]error{"svc1": errors.New("timeout")})
	apiHandler := &api.API{Authority: mockAuth, Logger: newTestLogger()}
	rr := httptest.NewRecorder()

	apiHandler.SyncHandler(rr, httptest.NewRequest(http.MethodPost, "/admin/sync", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"syncFailures":{"svc1":"timeout"}}`, rr.Body.String())
}
