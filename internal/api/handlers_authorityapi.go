package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-token-authority/internal/keyring"
	"github.com/tinywideclouds/go-token-authority/internal/registry"
	"github.com/tinywideclouds/go-token-authority/internal/token"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

const maxBodyBytes = 1 << 20

// Authority is the set of operations the HTTP surface exposes.
type Authority interface {
	Issue(t token.Type, claims token.Claims, opts *token.IssueOptions) (string, error)
	Verify(t token.Type, tok string, opts *token.VerifyOptions) (token.Claims, error)
	RevokeToken(ctx context.Context, tok string, extract token.Extractor) (authority.RevocationEntry, error)
	RegisterClient(ctx context.Context, name, url string) (authority.Snapshot, error)
	Sync(ctx context.Context, onFailure registry.FailureHandler) error
	Rotate(ctx context.Context) (string, error)
	RevokeKey(ctx context.Context, kid string) error
	Reset(ctx context.Context) error
	PublicJWKSJSON() ([]byte, error)
	RevocationList() []authority.RevocationEntry
	Keys() []keyring.KeyInfo
}

// API holds the HTTP handlers of the token authority.
type API struct {
	Authority Authority
	Logger    *slog.Logger
}

type issueRequest struct {
	Claims   token.Claims `json:"claims"`
	KeyID    string       `json:"keyId,omitempty"`
	JTI      string       `json:"jti,omitempty"`
	Lifetime string       `json:"lifetime,omitempty"`
	Audience string       `json:"audience,omitempty"`
	Subject  string       `json:"subject,omitempty"`
}

type tokenRequest struct {
	Token    string `json:"token"`
	Audience string `json:"audience,omitempty"`
	Issuer   string `json:"issuer,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

type clientRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TokenResponse is returned by the issue endpoint.
type TokenResponse struct {
	Token string `json:"token"`
	Type  string `json:"type"`
}

// ClaimsResponse is returned by the verify endpoint.
type ClaimsResponse struct {
	Claims token.Claims `json:"claims"`
}

// MutationResponse reports the outcome of an administrative change. The
// change has been applied even when SyncFailures is non-empty.
type MutationResponse struct {
	KeyID        string                     `json:"kid,omitempty"`
	KeyIDs       []string                   `json:"keys,omitempty"`
	Revoked      *authority.RevocationEntry `json:"revoked,omitempty"`
	SyncFailures map[string]string          `json:"syncFailures,omitempty"`
}

// JWKSHandler serves the public key set.
func (a *API) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	data, err := a.Authority.PublicJWKSJSON()
	if err != nil {
		a.writeError(w, err, "Failed to build key set")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(data)
}

// RevocationsHandler serves the unexpired revocation entries.
func (a *API) RevocationsHandler(w http.ResponseWriter, r *http.Request) {
	list := a.Authority.RevocationList()
	if list == nil {
		list = []authority.RevocationEntry{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"revocList": list})
}

// IssueTokenHandler manages POST /tokens/{type}.
func (a *API) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	tokenType, err := token.ParseType(r.PathValue("type"))
	if err != nil {
		a.writeError(w, err, "")
		return
	}

	var req issueRequest
	if !a.decode(w, r, &req) {
		return
	}
	opts := &token.IssueOptions{KeyID: req.KeyID, JTI: req.JTI, Audience: req.Audience, Subject: req.Subject}
	if req.Lifetime != "" {
		lifetime, err := time.ParseDuration(req.Lifetime)
		if err != nil || lifetime <= 0 {
			response.WriteJSONError(w, http.StatusBadRequest, "lifetime must be a positive duration such as 15m")
			return
		}
		opts.Lifetime = lifetime
	}

	signed, err := a.Authority.Issue(tokenType, req.Claims, opts)
	if errors.Is(err, authority.ErrKeyNotFound) {
		response.WriteJSONError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err != nil {
		a.writeError(w, err, "Failed to issue token")
		return
	}
	a.writeJSON(w, http.StatusCreated, TokenResponse{Token: signed, Type: string(tokenType)})
}

// VerifyTokenHandler manages POST /tokens/{type}/verify.
func (a *API) VerifyTokenHandler(w http.ResponseWriter, r *http.Request) {
	tokenType, err := token.ParseType(r.PathValue("type"))
	if err != nil {
		a.writeError(w, err, "")
		return
	}
	var req tokenRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "token must not be empty")
		return
	}

	claims, err := a.Authority.Verify(tokenType, req.Token, &token.VerifyOptions{
		Audience: req.Audience,
		Issuer:   req.Issuer,
		Subject:  req.Subject,
	})
	if err != nil {
		a.writeError(w, err, "Failed to verify token")
		return
	}
	a.writeJSON(w, http.StatusOK, ClaimsResponse{Claims: claims})
}

// RevokeTokenHandler manages POST /admin/tokens/revoke.
func (a *API) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "token must not be empty")
		return
	}

	entry, err := a.Authority.RevokeToken(r.Context(), req.Token, nil)
	if entry.JTI == "" && err != nil {
		a.writeError(w, err, "Failed to revoke token")
		return
	}
	a.writeMutation(w, MutationResponse{Revoked: &entry}, err)
}

// RegisterClientHandler manages POST /admin/clients. It answers with the
// snapshot the client needs to start verifying.
func (a *API) RegisterClientHandler(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if !a.decode(w, r, &req) {
		return
	}
	snap, err := a.Authority.RegisterClient(r.Context(), req.Name, req.URL)
	if err != nil {
		if snap.Keys == nil {
			a.writeError(w, err, "Failed to register client")
			return
		}
		a.Logger.Error("Client registered but not persisted", "name", req.Name, "err", err)
	}
	a.writeJSON(w, http.StatusCreated, snap)
}

// SyncHandler manages POST /admin/sync.
func (a *API) SyncHandler(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	failures := map[string]error{}
	err := a.Authority.Sync(r.Context(), func(name string, err error) {
		mu.Lock()
		failures[name] = err
		mu.Unlock()
	})
	if err != nil {
		a.writeError(w, err, "Failed to sync clients")
		return
	}
	var syncErr error
	if len(failures) > 0 {
		syncErr = &authority.SyncError{Failures: failures}
	}
	a.writeMutation(w, MutationResponse{}, syncErr)
}

// RotateHandler manages POST /admin/keys/rotate.
func (a *API) RotateHandler(w http.ResponseWriter, r *http.Request) {
	kid, err := a.Authority.Rotate(r.Context())
	if kid == "" && err != nil {
		a.writeError(w, err, "Failed to rotate keys")
		return
	}
	a.writeMutation(w, MutationResponse{KeyID: kid, KeyIDs: a.keyIDs()}, err)
}

// RetireKeyHandler manages DELETE /admin/keys/{kid}.
func (a *API) RetireKeyHandler(w http.ResponseWriter, r *http.Request) {
	kid := r.PathValue("kid")
	err := a.Authority.RevokeKey(r.Context(), kid)
	if errors.Is(err, authority.ErrKeyNotFound) {
		response.WriteJSONError(w, http.StatusNotFound, "Key not found")
		return
	}
	a.writeMutation(w, MutationResponse{KeyID: kid, KeyIDs: a.keyIDs()}, err)
}

// ResetHandler manages POST /admin/keys/reset.
func (a *API) ResetHandler(w http.ResponseWriter, r *http.Request) {
	err := a.Authority.Reset(r.Context())
	a.writeMutation(w, MutationResponse{KeyIDs: a.keyIDs()}, err)
}

// ListKeysHandler manages GET /admin/keys.
func (a *API) ListKeysHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Authority.Keys())
}

func (a *API) keyIDs() []string {
	infos := a.Authority.Keys()
	ids := make([]string, len(infos))
	for i, k := range infos {
		ids[i] = k.KeyID
	}
	return ids
}

// writeMutation answers 200 when err is nil or only carries sync failures;
// any other error is written as an error response.
func (a *API) writeMutation(w http.ResponseWriter, resp MutationResponse, err error) {
	syncErr, rest := splitSyncError(err)
	if rest != nil {
		a.writeError(w, rest, "Change applied but could not be completed")
		return
	}
	if syncErr != nil {
		resp.SyncFailures = make(map[string]string, len(syncErr.Failures))
		for name, e := range syncErr.Failures {
			resp.SyncFailures[name] = e.Error()
		}
		a.Logger.Warn("Change applied with sync failures", "failed", len(syncErr.Failures))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// splitSyncError separates a *SyncError from the other errors joined with it.
func splitSyncError(err error) (*authority.SyncError, error) {
	if err == nil {
		return nil, nil
	}
	if se, ok := err.(*authority.SyncError); ok {
		return se, nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil, err
	}
	var se *authority.SyncError
	var rest []error
	for _, e := range joined.Unwrap() {
		if s, ok := e.(*authority.SyncError); ok {
			se = s
			continue
		}
		rest = append(rest, e)
	}
	return se, errors.Join(rest...)
}

func (a *API) writeError(w http.ResponseWriter, err error, internalMsg string) {
	var vErr *authority.ValidationError
	switch {
	case errors.As(err, &vErr):
		response.WriteJSONError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, authority.ErrKeyNotFound):
		response.WriteJSONError(w, http.StatusUnauthorized, "Unknown signing key")
	case errors.Is(err, authority.ErrRevoked):
		response.WriteJSONError(w, http.StatusUnauthorized, "Token has been revoked")
	case errors.Is(err, authority.ErrInvalidToken):
		response.WriteJSONError(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, authority.ErrNoSigningKeyAvailable):
		a.Logger.Error("Key ring cannot sign", "err", err)
		response.WriteJSONError(w, http.StatusServiceUnavailable, "No signing key available")
	default:
		a.Logger.Error(internalMsg, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, internalMsg)
	}
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.Logger.Warn("Failed to unmarshal JSON body", "path", r.URL.Path, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON body format")
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("Failed to encode response", "err", err)
	}
}
