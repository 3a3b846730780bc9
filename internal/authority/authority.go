// Package authority is the token authority instance: it owns the key ring,
// revocation ledger, client registry and token service, persists their
// state and publishes snapshots to registered clients.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lestrrat-go/jwx/v2/jwk"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-token-authority/internal/jose"
	"github.com/tinywideclouds/go-token-authority/internal/keyring"
	"github.com/tinywideclouds/go-token-authority/internal/metrics"
	"github.com/tinywideclouds/go-token-authority/internal/registry"
	"github.com/tinywideclouds/go-token-authority/internal/revocation"
	"github.com/tinywideclouds/go-token-authority/internal/scheduler"
	"github.com/tinywideclouds/go-token-authority/internal/token"
	ta "github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// Rotation triggers, used as metric labels.
const (
	TriggerScheduler = "scheduler"
	TriggerAdmin     = "admin"
)

const (
	cacheKeySnapshot   = "snapshot"
	cacheKeyPublicJWKS = "jwks"
)

// Authority is safe for concurrent use. Mutations that publish state
// (rotate, retire, reset, revoke, register) run one at a time; issuance and
// verification never wait for them.
type Authority struct {
	cfg    Config
	store  ta.Store
	logger *slog.Logger

	ring     *keyring.Ring
	ledger   *revocation.Ledger
	registry *registry.Registry
	tokens   *token.Service
	cache    *gocache.Cache

	// cacheMu orders cache writes against invalidation. generation counts
	// invalidations; a value built under an older generation is not cached.
	cacheMu    sync.Mutex
	generation atomic.Uint64

	publishMu sync.Mutex

	schedMu   sync.Mutex
	scheduler *scheduler.Scheduler
}

// New builds an authority. store may be nil, in which case state lives only
// in memory. Call Init before serving.
func New(cfg Config, store ta.Store, logger *slog.Logger) (*Authority, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	gateway, err := jose.NewGateway(cfg.KeyType, cfg.KeyCrvOrSize)
	if err != nil {
		return nil, err
	}
	ring, err := keyring.New(cfg.Keys, gateway, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Tokens.Algorithms) == 0 {
		cfg.Tokens.Algorithms = append(cfg.Tokens.Algorithms, gateway.Algorithm())
	}
	ledger := revocation.New(logger)

	return &Authority{
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "authority"),
		ring:     ring,
		ledger:   ledger,
		registry: registry.New(cfg.Sync, logger),
		tokens:   token.NewService(cfg.Tokens, ring, ledger, gateway, logger),
		cache:    gocache.New(cfg.SnapshotCacheTTL, 2*cfg.SnapshotCacheTTL),
	}, nil
}

// Init loads keys, revocations and clients concurrently, fills the ring and
// saves the keys back. Load failures fall back to empty state; only a
// failure to generate keys is returned.
func (a *Authority) Init(ctx context.Context) error {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	if a.store != nil {
		var keys jwk.Set
		var revocList []ta.RevocationEntry
		var clients ta.ClientMap

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			keys = loadOrEmpty(gctx, a, "keys", a.store.LoadKeys)
			return nil
		})
		g.Go(func() error {
			revocList = loadOrEmpty(gctx, a, "revocations", a.store.LoadRevocationList)
			return nil
		})
		g.Go(func() error {
			clients = loadOrEmpty(gctx, a, "clients", a.store.LoadClients)
			return nil
		})
		_ = g.Wait()

		if keys != nil {
			if err := a.ring.Replace(keys); err != nil {
				a.logger.Warn("Discarded stored keys", "err", err)
			}
		}
		a.ledger.Replace(revocList)
		a.ledger.Prune()
		a.registry.Replace(clients)
	}

	added, err := a.ring.Fill()
	if err != nil {
		return fmt.Errorf("failed to fill key ring: %w", err)
	}
	if err := a.persistKeys(ctx); err != nil {
		a.logger.Error("Initial key save failed; continuing with in-memory keys", "err", err)
	}
	a.invalidate()
	a.logger.Info("Authority initialised",
		"keys", a.ring.Len(), "generated", added,
		"revocations", a.ledger.Len(), "clients", a.registry.Len())
	return nil
}

func loadOrEmpty[T any](ctx context.Context, a *Authority, what string, load func(context.Context) (T, error)) T {
	v, err := load(ctx)
	if err != nil {
		var zero T
		if errors.Is(err, ta.ErrNotFound) {
			a.logger.Info("No stored state, starting empty", "state", what)
		} else {
			metrics.RecordStorageError("load_" + what)
			a.logger.Warn("Failed to load stored state, starting empty", "state", what, "err", err)
		}
		return zero
	}
	return v
}

// StartRotation starts the scheduled rotation. Each tick rotates, persists
// and syncs under the configured failure policy.
func (a *Authority) StartRotation() error {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	if a.scheduler != nil {
		return nil
	}
	s, err := scheduler.New(a.cfg.RotationSchedule, func(ctx context.Context) error {
		_, err := a.rotate(ctx, TriggerScheduler)
		return err
	}, a.logger)
	if err != nil {
		return &ta.ConfigError{Field: "keys.rotation_interval", Reason: err.Error()}
	}
	s.Start()
	a.scheduler = s
	return nil
}

// Shutdown stops the scheduler, waiting for a running rotation, and saves
// the pruned revocation list.
func (a *Authority) Shutdown(ctx context.Context) error {
	a.schedMu.Lock()
	s := a.scheduler
	a.scheduler = nil
	a.schedMu.Unlock()

	var errs []error
	if s != nil {
		errs = append(errs, s.Stop(ctx))
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()
	a.ledger.Prune()
	errs = append(errs, a.persistRevocations(ctx))
	return errors.Join(errs...)
}

// Rotate adds a new key and drops the oldest beyond the configured amount,
// then persists and syncs. The returned kid is valid even when err is
// non-nil: a *SyncError or storage error never rolls back the rotation.
func (a *Authority) Rotate(ctx context.Context) (string, error) {
	return a.rotate(ctx, TriggerAdmin)
}

func (a *Authority) rotate(ctx context.Context, trigger string) (string, error) {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	kid, err := a.ring.Rotate()
	if err != nil {
		metrics.RecordRotation(trigger, err)
		return "", err
	}
	err = a.publish(ctx, true, false)
	metrics.RecordRotation(trigger, err)
	return kid, err
}

// RevokeKey retires one key, refilling the ring if needed, then persists
// and syncs.
func (a *Authority) RevokeKey(ctx context.Context, kid string) error {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	if err := a.ring.Retire(kid); err != nil {
		return err
	}
	return a.publish(ctx, true, false)
}

// Reset replaces every key. All previously issued tokens stop verifying.
func (a *Authority) Reset(ctx context.Context) error {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	if err := a.ring.Reset(); err != nil {
		return err
	}
	return a.publish(ctx, true, false)
}

// Issue signs a token of type t.
func (a *Authority) Issue(t token.Type, claims token.Claims, opts *token.IssueOptions) (string, error) {
	return a.tokens.Issue(t, claims, opts)
}

// Verify returns the claims of a valid, unrevoked token of type t.
func (a *Authority) Verify(t token.Type, tok string, opts *token.VerifyOptions) (token.Claims, error) {
	claims, err := a.tokens.Verify(t, tok, opts)
	metrics.SetRevocations(a.ledger.Len())
	return claims, err
}

// RevokeToken records the token in the ledger, then persists the pruned
// ledger and syncs.
func (a *Authority) RevokeToken(ctx context.Context, tok string, extract token.Extractor) (ta.RevocationEntry, error) {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	entry, err := a.tokens.Revoke(tok, extract)
	if err != nil {
		return ta.RevocationEntry{}, err
	}
	a.ledger.Prune()
	return entry, a.publish(ctx, false, true)
}

// RegisterClient stores the client and returns the current snapshot so it
// can bootstrap its verifier. The snapshot is built first: a client is only
// registered once it can be answered.
func (a *Authority) RegisterClient(ctx context.Context, name, url string) (ta.Snapshot, error) {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	snap, err := a.snapshot()
	if err != nil {
		return ta.Snapshot{}, err
	}
	if _, err := a.registry.Register(name, url); err != nil {
		return ta.Snapshot{}, err
	}
	return snap, a.persistClients(ctx)
}

// Sync pushes the current snapshot to every client, reporting each failure
// to onFailure.
func (a *Authority) Sync(ctx context.Context, onFailure registry.FailureHandler) error {
	body, err := a.SnapshotJSON()
	if err != nil {
		return err
	}
	a.registry.Sync(ctx, body, onFailure)
	return nil
}

// Clients returns a copy of the registered clients.
func (a *Authority) Clients() ta.ClientMap {
	return a.registry.Clients()
}

// Keys describes the ring oldest first.
func (a *Authority) Keys() []keyring.KeyInfo {
	return a.ring.Keys()
}

// KeyIDs lists the ring's kids oldest first.
func (a *Authority) KeyIDs() []string {
	return a.ring.KeyIDs()
}

// JWKS returns the key set. The private set is for persistence and
// backups only and is never served.
func (a *Authority) JWKS(private bool) (jwk.Set, error) {
	if private {
		return a.ring.PrivateSet()
	}
	return a.ring.PublicSet()
}

// PublicJWKSJSON is the serialized public key set, cached until the next
// key mutation or the cache TTL.
func (a *Authority) PublicJWKSJSON() ([]byte, error) {
	return a.cached(cacheKeyPublicJWKS, func() ([]byte, error) {
		set, err := a.ring.PublicSet()
		if err != nil {
			return nil, err
		}
		return ta.MarshalKeySet(set)
	})
}

// RevocationList returns a copy of the unexpired ledger entries.
func (a *Authority) RevocationList() []ta.RevocationEntry {
	a.ledger.Prune()
	return a.ledger.Entries()
}

// Snapshot returns a copy of the public keys and unexpired revocations.
func (a *Authority) Snapshot() (ta.Snapshot, error) {
	return a.snapshot()
}

func (a *Authority) snapshot() (ta.Snapshot, error) {
	keys, err := a.ring.PublicSet()
	if err != nil {
		return ta.Snapshot{}, err
	}
	return ta.Snapshot{Keys: keys, RevocList: a.RevocationList()}, nil
}

// SnapshotJSON is the serialized snapshot pushed to clients, cached until
// the next mutation or the cache TTL.
func (a *Authority) SnapshotJSON() ([]byte, error) {
	return a.cached(cacheKeySnapshot, func() ([]byte, error) {
		snap, err := a.snapshot()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		return data, nil
	})
}

// cached returns the value under key, building it on a miss. The built value
// is returned either way but only cached when no invalidation happened while
// it was being built.
func (a *Authority) cached(key string, build func() ([]byte, error)) ([]byte, error) {
	if v, ok := a.cache.Get(key); ok {
		return v.([]byte), nil
	}
	gen := a.generation.Load()
	data, err := build()
	if err != nil {
		return nil, err
	}
	a.cacheMu.Lock()
	if a.generation.Load() == gen {
		a.cache.Set(key, data, gocache.DefaultExpiration)
	}
	a.cacheMu.Unlock()
	return data, nil
}

func (a *Authority) invalidate() {
	a.cacheMu.Lock()
	a.generation.Add(1)
	a.cache.Flush()
	a.cacheMu.Unlock()
	metrics.SetRingSize(a.ring.Len())
	metrics.SetRevocations(a.ledger.Len())
}

// publish persists the changed state and syncs clients. Storage and sync
// errors are joined; neither undoes the in-memory change. Callers hold
// publishMu.
func (a *Authority) publish(ctx context.Context, keys, revocations bool) error {
	a.invalidate()

	var errs []error
	if keys {
		errs = append(errs, a.persistKeys(ctx))
	}
	if revocations {
		errs = append(errs, a.persistRevocations(ctx))
	}
	errs = append(errs, a.syncWithPolicy(ctx))
	return errors.Join(errs...)
}

func (a *Authority) syncWithPolicy(ctx context.Context) error {
	body, err := a.SnapshotJSON()
	if err != nil {
		return err
	}

	var mu sync.Mutex
	failures := make(map[string]error)
	a.registry.Sync(ctx, body, func(name string, err error) {
		a.logger.Warn("Client sync failed", "client", name, "err", err)
		mu.Lock()
		failures[name] = err
		mu.Unlock()
	})
	if len(failures) == 0 || a.cfg.FailurePolicy == LogAndContinue {
		return nil
	}
	return &ta.SyncError{Failures: failures}
}

func (a *Authority) persistKeys(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	set, err := a.ring.PrivateSet()
	if err != nil {
		return err
	}
	if err := a.store.SaveKeys(ctx, set); err != nil {
		metrics.RecordStorageError("save_keys")
		return fmt.Errorf("failed to save keys: %w", err)
	}
	return nil
}

func (a *Authority) persistRevocations(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.SaveRevocationList(ctx, a.ledger.Entries()); err != nil {
		metrics.RecordStorageError("save_revocations")
		return fmt.Errorf("failed to save revocation list: %w", err)
	}
	return nil
}

func (a *Authority) persistClients(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.SaveClients(ctx, a.registry.Clients()); err != nil {
		metrics.RecordStorageError("save_clients")
		return fmt.Errorf("failed to save clients: %w", err)
	}
	return nil
}
