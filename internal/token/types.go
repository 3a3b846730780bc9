package token

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// Type selects the issuance and verification policy of a token.
type Type string

const (
	Access  Type = "access"
	Refresh Type = "refresh"
	Other   Type = "other"
)

// TypeClaim carries the Type a token was issued as. Verify rejects a token
// presented as any other type.
const TypeClaim = "token_type"

// Default lifetimes per token type.
const (
	DefaultAccessLifetime  = 10 * time.Minute
	DefaultRefreshLifetime = 7 * 24 * time.Hour
)

// ParseType maps a case-insensitive name onto a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(s)); t {
	case Access, Refresh, Other:
		return t, nil
	}
	return "", &authority.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown token type %q", s)}
}

// Policy holds the claims the service applies to every token of one type.
// Empty strings leave the claim unset and unchecked.
type Policy struct {
	Issuer   string
	Audience string
	Subject  string
	Lifetime time.Duration
}

// DefaultPolicies returns short-lived access, long-lived refresh, and other
// tokens that share the access lifetime.
func DefaultPolicies() map[Type]Policy {
	return map[Type]Policy{
		Access:  {Lifetime: DefaultAccessLifetime},
		Refresh: {Lifetime: DefaultRefreshLifetime},
		Other:   {Lifetime: DefaultAccessLifetime},
	}
}

// Claims is a decoded token payload. Numeric claims are float64 after
// decoding, as with encoding/json.
type Claims map[string]any

// JTI returns the token identifier claim.
func (c Claims) JTI() string {
	s, _ := c["jti"].(string)
	return s
}

// Type returns the TypeClaim value.
func (c Claims) Type() Type {
	s, _ := c[TypeClaim].(string)
	return Type(s)
}

// Int64 reads a numeric claim such as exp.
func (c Claims) Int64(name string) (int64, bool) {
	switch v := c[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case time.Time:
		return v.Unix(), true
	}
	return 0, false
}

// DecodeClaims maps claims onto a caller-defined struct through their JSON
// form.
func DecodeClaims[T any](c Claims) (T, error) {
	var out T
	data, err := json.Marshal(c)
	if err != nil {
		return out, fmt.Errorf("failed to encode claims: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode claims into %T: %w", out, err)
	}
	return out, nil
}

// Registered is embeddable by callers that want the standard claims typed.
type Registered struct {
	ID        string `json:"jti"`
	Issuer    string `json:"iss,omitempty"`
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// ClaimsOf converts a caller-defined payload into Claims through its JSON
// form. It is the inverse of DecodeClaims.
func ClaimsOf[T any](payload T) (Claims, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, &authority.ValidationError{Field: "claims", Reason: "payload must encode as a JSON object"}
	}
	return claims, nil
}
