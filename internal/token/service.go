// Package token issues, verifies and revokes signed tokens using the key
// ring and the revocation ledger.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/tinywideclouds/go-token-authority/internal/jose"
	"github.com/tinywideclouds/go-token-authority/internal/metrics"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// KeyRing is the part of the key ring the service reads.
type KeyRing interface {
	SelectForSigning() (jwk.Key, error)
	Lookup(kid string) (jwk.Key, error)
}

// Ledger is the part of the revocation ledger the service uses.
type Ledger interface {
	Revoke(jti string, exp int64)
	CheckAndPrune(jti string) (hit bool, pruned int)
}

// Crypto signs and verifies encoded tokens.
type Crypto interface {
	Sign(token jwt.Token, key jwk.Key) (string, error)
	Verify(token string, key jwk.Key, opts jose.VerifyOptions) (jwt.Token, error)
}

// Config holds per-type policy and verification settings.
type Config struct {
	Policies   map[Type]Policy
	Leeway     time.Duration
	Algorithms []jwa.SignatureAlgorithm
}

// IssueOptions override policy for a single token. Zero values defer to
// the policy.
type IssueOptions struct {
	KeyID    string
	JTI      string
	Lifetime time.Duration
	Issuer   string
	Audience string
	Subject  string
}

// VerifyOptions override the expected claims for a single verification.
type VerifyOptions struct {
	Issuer   string
	Audience string
	Subject  string
	Leeway   time.Duration
}

// Extractor derives the ledger entry from a decoded token.
type Extractor func(Claims) (authority.RevocationEntry, error)

// DefaultExtractor uses the jti and exp claims.
func DefaultExtractor(c Claims) (authority.RevocationEntry, error) {
	jti := c.JTI()
	if jti == "" {
		return authority.RevocationEntry{}, &authority.ValidationError{Field: "jti", Reason: "token has no identifier"}
	}
	exp, ok := c.Int64("exp")
	if !ok {
		return authority.RevocationEntry{}, &authority.ValidationError{Field: "exp", Reason: "token has no expiry"}
	}
	return authority.RevocationEntry{JTI: jti, Exp: exp}, nil
}

// Service applies token policy over a key ring and a ledger.
type Service struct {
	ring   KeyRing
	ledger Ledger
	crypto Crypto
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewService fills missing policies with DefaultPolicies.
func NewService(cfg Config, ring KeyRing, ledger Ledger, crypto Crypto, logger *slog.Logger) *Service {
	policies := DefaultPolicies()
	for t, p := range cfg.Policies {
		if p.Lifetime <= 0 {
			p.Lifetime = policies[t].Lifetime
		}
		policies[t] = p
	}
	cfg.Policies = policies
	return &Service{
		ring:   ring,
		ledger: ledger,
		crypto: crypto,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "token"),
	}
}

// Policy returns the policy applied to t.
func (s *Service) Policy(t Type) Policy {
	return s.cfg.Policies[t]
}

// Issue signs claims as a token of type t. Policy claims (iss, aud, sub)
// and service claims (iat, exp, jti, TypeClaim) take precedence over the
// caller's.
func (s *Service) Issue(t Type, claims Claims, opts *IssueOptions) (string, error) {
	if opts == nil {
		opts = &IssueOptions{}
	}
	policy, ok := s.cfg.Policies[t]
	if !ok {
		return "", &authority.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown token type %q", t)}
	}

	var key jwk.Key
	var err error
	if opts.KeyID != "" {
		key, err = s.ring.Lookup(opts.KeyID)
	} else {
		key, err = s.ring.SelectForSigning()
	}
	if err != nil {
		return "", err
	}

	tok := jwt.New()
	for name, value := range claims {
		if err := tok.Set(name, value); err != nil {
			return "", &authority.ValidationError{Field: name, Reason: err.Error()}
		}
	}

	now := s.now()
	lifetime := first(opts.Lifetime, policy.Lifetime)
	jti := first(opts.JTI, claims.JTI())
	if jti == "" {
		jti = NewID(now)
	}
	standard := map[string]any{
		jwt.IssuedAtKey:   now,
		jwt.ExpirationKey: now.Add(lifetime),
		jwt.JwtIDKey:      jti,
		TypeClaim:         string(t),
	}
	if v := first(opts.Issuer, policy.Issuer); v != "" {
		standard[jwt.IssuerKey] = v
	}
	if v := first(opts.Audience, policy.Audience); v != "" {
		standard[jwt.AudienceKey] = v
	}
	if v := first(opts.Subject, policy.Subject); v != "" {
		standard[jwt.SubjectKey] = v
	}
	for name, value := range standard {
		if err := tok.Set(name, value); err != nil {
			return "", fmt.Errorf("failed to set %s claim: %w", name, err)
		}
	}

	signed, err := s.crypto.Sign(tok, key)
	if err != nil {
		return "", err
	}
	metrics.RecordIssued(string(t))
	s.logger.Debug("Issued token", "type", t, "kid", key.KeyID(), "jti", jti)
	return signed, nil
}

// Verify checks signature and claims of a token of type t and rejects it
// if its jti is in the ledger. Expired ledger entries are pruned as a side
// effect.
func (s *Service) Verify(t Type, token string, opts *VerifyOptions) (Claims, error) {
	claims, err := s.verify(t, token, opts)
	switch {
	case err == nil:
		metrics.RecordVerified(string(t), "valid")
	case errors.Is(err, authority.ErrRevoked):
		metrics.RecordVerified(string(t), "revoked")
	default:
		metrics.RecordVerified(string(t), "invalid")
	}
	return claims, err
}

func (s *Service) verify(t Type, token string, opts *VerifyOptions) (Claims, error) {
	if opts == nil {
		opts = &VerifyOptions{}
	}
	policy, ok := s.cfg.Policies[t]
	if !ok {
		return nil, &authority.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown token type %q", t)}
	}

	header, err := jose.Header(token)
	if err != nil {
		return nil, err
	}
	kid := header.KeyID()
	if kid == "" {
		return nil, fmt.Errorf("%w: no kid in header", authority.ErrInvalidToken)
	}
	key, err := s.ring.Lookup(kid)
	if err != nil {
		return nil, err
	}

	verified, err := s.crypto.Verify(token, key, jose.VerifyOptions{
		Issuer:     first(opts.Issuer, policy.Issuer),
		Audience:   first(opts.Audience, policy.Audience),
		Subject:    first(opts.Subject, policy.Subject),
		Leeway:     first(opts.Leeway, s.cfg.Leeway),
		Algorithms: s.cfg.Algorithms,
		Now:        s.now,
	})
	if err != nil {
		return nil, err
	}
	if got, _ := verified.Get(TypeClaim); got != string(t) {
		return nil, fmt.Errorf("%w: issued as %v, presented as %s", authority.ErrInvalidToken, got, t)
	}

	hit, pruned := s.ledger.CheckAndPrune(verified.JwtID())
	metrics.RecordPruned(pruned)
	if hit {
		s.logger.Info("Rejected revoked token", "jti", verified.JwtID(), "kid", kid)
		return nil, fmt.Errorf("token %s: %w", verified.JwtID(), authority.ErrRevoked)
	}
	return toClaims(verified)
}

// Revoke decodes token without verifying it and records the entry produced
// by extract (DefaultExtractor when nil).
func (s *Service) Revoke(token string, extract Extractor) (authority.RevocationEntry, error) {
	if extract == nil {
		extract = DefaultExtractor
	}
	decoded, err := jose.Decode(token)
	if err != nil {
		return authority.RevocationEntry{}, err
	}
	claims, err := toClaims(decoded)
	if err != nil {
		return authority.RevocationEntry{}, err
	}
	entry, err := extract(claims)
	if err != nil {
		return authority.RevocationEntry{}, err
	}
	s.ledger.Revoke(entry.JTI, entry.Exp)
	s.logger.Info("Revoked token", "jti", entry.JTI, "exp", entry.Exp)
	return entry, nil
}

func toClaims(tok jwt.Token) (Claims, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode token claims: %w", err)
	}
	return claims, nil
}

func first[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}
