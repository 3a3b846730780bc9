// Package jose is the crypto gateway of the authority: it generates
// signing key pairs and signs, verifies and decodes JWTs using jwx.
package jose

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// Key families accepted by NewGateway.
const (
	KeyTypeEC  = "EC"
	KeyTypeRSA = "RSA"
	KeyTypeOKP = "OKP"
)

const minRSABits = 2048

// Gateway generates keys of one configured family and performs JWT operations.
type Gateway struct {
	kty   string
	curve elliptic.Curve
	bits  int
	alg   jwa.SignatureAlgorithm
}

// NewGateway builds a gateway for kty ("EC", "RSA", "OKP") and crvOrSize
// ("P-256"/"P-384"/"P-521", an RSA bit size, or "Ed25519"). Empty values
// select EC P-256.
func NewGateway(kty, crvOrSize string) (*Gateway, error) {
	if kty == "" {
		kty = KeyTypeEC
	}
	g := &Gateway{kty: strings.ToUpper(kty)}
	switch g.kty {
	case KeyTypeEC:
		switch crvOrSize {
		case "", "P-256":
			g.curve, g.alg = elliptic.P256(), jwa.ES256
		case "P-384":
			g.curve, g.alg = elliptic.P384(), jwa.ES384
		case "P-521":
			g.curve, g.alg = elliptic.P521(), jwa.ES512
		default:
			return nil, &authority.ConfigError{Field: "crv_or_size", Reason: fmt.Sprintf("unsupported EC curve %q", crvOrSize)}
		}
	case KeyTypeRSA:
		g.bits, g.alg = minRSABits, jwa.RS256
		if crvOrSize != "" {
			bits, err := strconv.Atoi(crvOrSize)
			if err != nil || bits < minRSABits {
				return nil, &authority.ConfigError{Field: "crv_or_size", Reason: fmt.Sprintf("RSA size must be an integer >= %d, got %q", minRSABits, crvOrSize)}
			}
			g.bits = bits
		}
	case KeyTypeOKP:
		if crvOrSize != "" && crvOrSize != "Ed25519" {
			return nil, &authority.ConfigError{Field: "crv_or_size", Reason: fmt.Sprintf("unsupported OKP curve %q", crvOrSize)}
		}
		g.alg = jwa.EdDSA
	default:
		return nil, &authority.ConfigError{Field: "algorithm", Reason: fmt.Sprintf("unsupported key type %q", kty)}
	}
	return g, nil
}

// Algorithm is the JWS algorithm used for keys from this gateway.
func (g *Gateway) Algorithm() jwa.SignatureAlgorithm {
	return g.alg
}

// GenerateKey creates a private signing JWK with its thumbprint as kid.
func (g *Gateway) GenerateKey() (jwk.Key, error) {
	var raw any
	var err error
	switch g.kty {
	case KeyTypeEC:
		raw, err = ecdsa.GenerateKey(g.curve, rand.Reader)
	case KeyTypeRSA:
		raw, err = rsa.GenerateKey(rand.Reader, g.bits)
	case KeyTypeOKP:
		_, raw, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", g.kty, err)
	}

	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap %s key as JWK: %w", g.kty, err)
	}
	if err := jwk.AssignKeyID(key); err != nil {
		return nil, fmt.Errorf("failed to assign key id: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, g.alg); err != nil {
		return nil, err
	}
	return key, nil
}

// Sign serializes the token and signs it with key. The key's kid is
// carried in the protected header.
func (g *Gateway) Sign(token jwt.Token, key jwk.Key) (string, error) {
	signed, err := jwt.Sign(token, jwt.WithKey(g.keyAlgorithm(key), key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token with key %s: %w", key.KeyID(), err)
	}
	return string(signed), nil
}

// VerifyOptions carries the claim checks applied on verification.
type VerifyOptions struct {
	Issuer   string
	Audience string
	Subject  string
	Leeway   time.Duration
	// Algorithms is the allow-list; empty means the gateway's algorithm only.
	Algorithms []jwa.SignatureAlgorithm
	// Now overrides the validation clock.
	Now func() time.Time
}

// Verify checks the signature against key and validates exp/nbf/iat and
// the configured iss/aud/sub.
func (g *Gateway) Verify(token string, key jwk.Key, opts VerifyOptions) (jwt.Token, error) {
	header, err := Header(token)
	if err != nil {
		return nil, err
	}
	allowed := opts.Algorithms
	if len(allowed) == 0 {
		allowed = []jwa.SignatureAlgorithm{g.alg}
	}
	if !slices.Contains(allowed, header.Algorithm()) {
		return nil, fmt.Errorf("%w: algorithm %s not allowed", authority.ErrInvalidToken, header.Algorithm())
	}

	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key %s: %w", key.KeyID(), err)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKey(header.Algorithm(), pub),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(opts.Leeway),
	}
	if opts.Now != nil {
		parseOpts = append(parseOpts, jwt.WithClock(jwt.ClockFunc(opts.Now)))
	}
	if opts.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Subject != "" {
		parseOpts = append(parseOpts, jwt.WithSubject(opts.Subject))
	}

	verified, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authority.ErrInvalidToken, err)
	}
	return verified, nil
}

// Header returns the protected header of a compact JWS without verifying it.
func Header(token string) (jws.Headers, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authority.ErrInvalidToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: no signature", authority.ErrInvalidToken)
	}
	return sigs[0].ProtectedHeaders(), nil
}

// Decode parses the claims of a token without verifying the signature.
func Decode(token string) (jwt.Token, error) {
	decoded, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authority.ErrInvalidToken, err)
	}
	return decoded, nil
}

func (g *Gateway) keyAlgorithm(key jwk.Key) jwa.KeyAlgorithm {
	if alg := key.Algorithm(); alg != nil && alg.String() != "" {
		return alg
	}
	return g.alg
}
