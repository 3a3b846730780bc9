// Package keyring holds the ordered, size-bounded set of signing keys and
// the rotation and retirement policy applied to it.
package keyring

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

const (
	// MinimumKeys is the floor applied to Amount.
	MinimumKeys = 3
	// DefaultSignSkip excludes the oldest key from signing.
	DefaultSignSkip = 1
	// CreatedParam is the JWK member holding a key's creation time in Unix
	// seconds. It survives persistence so reloaded keys keep their age.
	CreatedParam = "iat"
)

// Generator creates new private signing keys with a kid assigned.
type Generator interface {
	GenerateKey() (jwk.Key, error)
}

// Options configure ring size and signing selection.
type Options struct {
	// Amount is the maximum ring size; values below MinimumKeys are raised.
	Amount int
	// Minimum is the fill target. Zero means Amount.
	Minimum int
	// SignSkip is the number of oldest keys excluded from signing. They still
	// verify tokens until rotated out.
	SignSkip int
}

// KeyInfo describes a ring member without exposing key material.
type KeyInfo struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	Created   time.Time `json:"created"`
}

type entry struct {
	key     jwk.Key
	created time.Time
}

// state is never mutated after publication; writers build a new one.
type state struct {
	entries []entry
	byID    map[string]jwk.Key
}

func newState(entries []entry) *state {
	byID := make(map[string]jwk.Key, len(entries))
	for _, e := range entries {
		byID[e.key.KeyID()] = e.key
	}
	return &state{entries: entries, byID: byID}
}

// Ring is safe for concurrent use. Mutations are serialized with each other;
// readers always observe a complete pre- or post-mutation state.
type Ring struct {
	opts   Options
	gen    Generator
	logger *slog.Logger
	now    func() time.Time
	intn   func(n int) int

	mutate sync.Mutex

	mu      sync.RWMutex
	current *state
}

// New validates opts and returns an empty ring. Call Fill to populate it.
func New(opts Options, gen Generator, logger *slog.Logger) (*Ring, error) {
	validated, err := ValidateOptions(opts)
	if err != nil {
		return nil, err
	}
	if validated.Amount != opts.Amount {
		logger.Warn("Key amount raised to minimum", "requested", opts.Amount, "amount", validated.Amount)
	}
	return &Ring{
		opts:    validated,
		gen:     gen,
		logger:  logger.With("component", "keyring"),
		now:     time.Now,
		intn:    rand.IntN,
		current: newState(nil),
	}, nil
}

// ValidateOptions clamps Amount and Minimum and rejects an unusable SignSkip.
func ValidateOptions(opts Options) (Options, error) {
	if opts.Amount < MinimumKeys {
		opts.Amount = MinimumKeys
	}
	switch {
	case opts.Minimum == 0:
		opts.Minimum = opts.Amount
	case opts.Minimum < MinimumKeys:
		opts.Minimum = MinimumKeys
	case opts.Minimum > opts.Amount:
		opts.Minimum = opts.Amount
	}
	if opts.SignSkip < 0 {
		return Options{}, &authority.ConfigError{Field: "sign_skip", Reason: "must not be negative"}
	}
	if opts.SignSkip >= opts.Amount {
		return Options{}, &authority.ConfigError{
			Field:  "sign_skip",
			Reason: fmt.Sprintf("sign skip %d must be less than amount %d", opts.SignSkip, opts.Amount),
		}
	}
	if opts.SignSkip >= opts.Minimum {
		return Options{}, &authority.ConfigError{
			Field:  "sign_skip",
			Reason: fmt.Sprintf("sign skip %d must be less than minimum keys %d", opts.SignSkip, opts.Minimum),
		}
	}
	return opts, nil
}

// Options returns the validated options in force.
func (r *Ring) Options() Options {
	return r.opts
}

func (r *Ring) snapshot() *state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Ring) publish(s *state) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

// Fill generates keys until the ring holds Minimum keys. It returns the
// number of keys added.
func (r *Ring) Fill() (int, error) {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	entries, added, err := r.fillFrom(r.snapshot().entries)
	if added > 0 {
		r.publish(newState(entries))
	}
	return added, err
}

// fillFrom returns a new slice topped up to Minimum. On a generator failure
// the keys generated so far are kept.
func (r *Ring) fillFrom(entries []entry) ([]entry, int, error) {
	if len(entries) >= r.opts.Minimum {
		return entries, 0, nil
	}
	next := slices.Clone(entries)
	added := 0
	for len(next) < r.opts.Minimum {
		e, err := r.generate()
		if err != nil {
			return next, added, err
		}
		next = append(next, e)
		added++
	}
	return next, added, nil
}

func (r *Ring) generate() (entry, error) {
	key, err := r.gen.GenerateKey()
	if err != nil {
		return entry{}, fmt.Errorf("failed to generate signing key: %w", err)
	}
	created := time.Unix(r.now().Unix(), 0)
	if err := key.Set(CreatedParam, created.Unix()); err != nil {
		return entry{}, fmt.Errorf("failed to stamp signing key %s: %w", key.KeyID(), err)
	}
	r.logger.Debug("Generated signing key", "kid", key.KeyID())
	return entry{key: key, created: created}, nil
}

// createdAt reads CreatedParam. Numbers decoded from JSON arrive as float64.
func createdAt(key jwk.Key) (time.Time, bool) {
	v, ok := key.Get(CreatedParam)
	if !ok {
		return time.Time{}, false
	}
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case int:
		return time.Unix(int64(n), 0), true
	case json.Number:
		secs, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// Rotate appends one new key and trims the oldest keys down to Amount. It
// returns the kid of the new key.
func (r *Ring) Rotate() (string, error) {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	e, err := r.generate()
	if err != nil {
		return "", err
	}
	next := append(slices.Clone(r.snapshot().entries), e)
	for len(next) > r.opts.Amount {
		r.logger.Debug("Dropped oldest signing key", "kid", next[0].key.KeyID())
		next = next[1:]
	}
	r.publish(newState(next))
	r.logger.Info("Rotated signing keys", "newKid", e.key.KeyID(), "size", len(next))
	return e.key.KeyID(), nil
}

// Retire removes the key with kid and refills the ring if it dropped below
// Minimum.
func (r *Ring) Retire(kid string) error {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	current := r.snapshot().entries
	idx := slices.IndexFunc(current, func(e entry) bool { return e.key.KeyID() == kid })
	if idx < 0 {
		return fmt.Errorf("retire %q: %w", kid, authority.ErrKeyNotFound)
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	next, _, err := r.fillFrom(next)
	r.publish(newState(next))
	r.logger.Info("Retired signing key", "kid", kid, "size", len(next))
	return err
}

// Reset discards every key and fills from empty. All previously issued
// tokens become unverifiable.
func (r *Ring) Reset() error {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	next, _, err := r.fillFrom(nil)
	r.publish(newState(next))
	r.logger.Warn("Reset all signing keys", "size", len(next))
	return err
}

// Replace installs keys loaded from storage, keeping their order. Keys
// without a kid get their thumbprint and keys without CreatedParam are
// stamped with the current time. Duplicates are dropped and the oldest
// keys beyond Amount are trimmed. Call Fill afterwards to top up.
func (r *Ring) Replace(set jwk.Set) error {
	r.mutate.Lock()
	defer r.mutate.Unlock()

	next := make([]entry, 0, set.Len())
	seen := make(map[string]struct{}, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyID() == "" {
			if err := jwk.AssignKeyID(key); err != nil {
				return fmt.Errorf("failed to assign kid to loaded key %d: %w", i, err)
			}
		}
		if _, dup := seen[key.KeyID()]; dup {
			r.logger.Warn("Dropped duplicate loaded key", "kid", key.KeyID())
			continue
		}
		seen[key.KeyID()] = struct{}{}
		created, ok := createdAt(key)
		if !ok {
			created = time.Unix(r.now().Unix(), 0)
			if err := key.Set(CreatedParam, created.Unix()); err != nil {
				return fmt.Errorf("failed to stamp loaded key %s: %w", key.KeyID(), err)
			}
		}
		next = append(next, entry{key: key, created: created})
	}
	if excess := len(next) - r.opts.Amount; excess > 0 {
		next = next[excess:]
	}
	r.publish(newState(next))
	return nil
}

// SelectForSigning picks uniformly from positions [SignSkip, size) of the
// oldest-first ordering.
func (r *Ring) SelectForSigning() (jwk.Key, error) {
	s := r.snapshot()
	size := len(s.entries)
	if r.opts.SignSkip >= size {
		return nil, fmt.Errorf("%w: sign skip %d, ring size %d", authority.ErrNoSigningKeyAvailable, r.opts.SignSkip, size)
	}
	idx := r.opts.SignSkip + r.intn(size-r.opts.SignSkip)
	return s.entries[idx].key, nil
}

// Lookup resolves kid, or the newest key when kid is empty.
func (r *Ring) Lookup(kid string) (jwk.Key, error) {
	s := r.snapshot()
	if kid == "" {
		if len(s.entries) == 0 {
			return nil, fmt.Errorf("newest key: %w", authority.ErrKeyNotFound)
		}
		return s.entries[len(s.entries)-1].key, nil
	}
	key, ok := s.byID[kid]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", kid, authority.ErrKeyNotFound)
	}
	return key, nil
}

// KeyIDs returns the kids oldest first.
func (r *Ring) KeyIDs() []string {
	s := r.snapshot()
	ids := make([]string, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.key.KeyID()
	}
	return ids
}

// Keys describes the ring members oldest first.
func (r *Ring) Keys() []KeyInfo {
	s := r.snapshot()
	infos := make([]KeyInfo, len(s.entries))
	for i, e := range s.entries {
		info := KeyInfo{KeyID: e.key.KeyID(), Created: e.created}
		if alg := e.key.Algorithm(); alg != nil {
			info.Algorithm = alg.String()
		}
		infos[i] = info
	}
	return infos
}

// Len is the current ring size.
func (r *Ring) Len() int {
	return len(r.snapshot().entries)
}

// PublicSet returns a freshly derived public JWKS.
func (r *Ring) PublicSet() (jwk.Set, error) {
	private, err := r.PrivateSet()
	if err != nil {
		return nil, err
	}
	public, err := jwk.PublicSetOf(private)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key set: %w", err)
	}
	return public, nil
}

// PrivateSet returns a new set holding the ring's private keys, for
// persistence only.
func (r *Ring) PrivateSet() (jwk.Set, error) {
	s := r.snapshot()
	set := jwk.NewSet()
	for _, e := range s.entries {
		if err := set.AddKey(e.key); err != nil {
			return nil, fmt.Errorf("failed to add key %s to set: %w", e.key.KeyID(), err)
		}
	}
	return set, nil
}
