// Package revocation keeps the list of revoked token identifiers until
// the tokens they name would have expired anyway.
package revocation

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// Ledger is safe for concurrent use. Appends and prune passes are mutually
// exclusive so an entry revoked during a prune is never lost.
type Ledger struct {
	mu      sync.Mutex
	entries []authority.RevocationEntry
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns an empty ledger.
func New(logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		now:    time.Now,
		logger: logger.With("component", "revocation"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Revoke appends an entry. Duplicates are allowed.
func (l *Ledger) Revoke(jti string, exp int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, authority.RevocationEntry{JTI: jti, Exp: exp})
	l.logger.Debug("Revoked token", "jti", jti, "exp", exp)
}

// CheckAndPrune drops expired entries and reports whether jti matches one of
// the survivors, in a single pass.
func (l *Ledger) CheckAndPrune(jti string) (hit bool, pruned int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.Expired(now) {
			pruned++
			continue
		}
		if e.JTI == jti {
			hit = true
		}
		kept = append(kept, e)
	}
	clear(l.entries[len(kept):])
	l.entries = kept
	if pruned > 0 {
		l.logger.Debug("Pruned expired revocations", "count", pruned, "remaining", len(kept))
	}
	return hit, pruned
}

// Prune drops expired entries and returns how many were removed.
func (l *Ledger) Prune() int {
	_, pruned := l.CheckAndPrune("")
	return pruned
}

// Entries returns a copy of the current entries.
func (l *Ledger) Entries() []authority.RevocationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Replace installs entries loaded from storage.
func (l *Ledger) Replace(entries []authority.RevocationEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.Clone(entries)
}

// Len is the number of entries, expired or not.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
