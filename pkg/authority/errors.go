package authority

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrKeyNotFound is returned when a kid does not resolve in the key ring.
	ErrKeyNotFound = errors.New("key not found")
	// ErrNoSigningKeyAvailable means the ring holds no key outside the sign-skip window.
	ErrNoSigningKeyAvailable = errors.New("no signing key available")
	// ErrRevoked is returned by verification when the token's jti is in the ledger.
	ErrRevoked = errors.New("token has been revoked")
	// ErrInvalidToken wraps signature, claim and format failures.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNotFound is returned by Store loads when nothing has been saved.
	ErrNotFound = errors.New("not found in store")
)

// ConfigError rejects invalid construction options.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// ValidationError rejects malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SyncError aggregates per-client delivery failures of one sync pass.
// The mutation that triggered the sync is not rolled back.
type SyncError struct {
	Failures map[string]error
}

func (e *SyncError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("sync failed for %d client(s): %s", len(names), strings.Join(parts, "; "))
}

// Unwrap exposes the individual client errors to errors.Is / errors.As.
func (e *SyncError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}
