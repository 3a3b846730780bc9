// Package redis provides an authority.Store that keeps JSON state under
// three keys sharing a prefix.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lestrrat-go/jwx/v2/jwk"
	rdb "github.com/redis/go-redis/v9"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// DefaultPrefix namespaces the keys when none is configured.
const DefaultPrefix = "token-authority"

// Store is an authority.Store over any go-redis client.
type Store struct {
	c      rdb.UniversalClient
	prefix string
	logger *slog.Logger
}

// New wraps an existing client.
func New(c rdb.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{c: c, prefix: prefix, logger: logger.With("component", "redis_store", "prefix", prefix)}
}

// Dial creates a client for addr and checks it answers.
func Dial(ctx context.Context, addr, password string, db int) (*rdb.Client, error) {
	c := rdb.NewClient(&rdb.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return c, nil
}

func (s *Store) key(name string) string {
	return s.prefix + ":" + name
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.c.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, fmt.Errorf("%s: %w", name, authority.ErrNotFound)
	}
	if err != nil {
		s.logger.Warn("Failed to read state", "key", s.key(name), "err", err)
		return nil, fmt.Errorf("failed to read %s: %w", s.key(name), err)
	}
	return data, nil
}

func (s *Store) set(ctx context.Context, name string, data []byte) error {
	if err := s.c.Set(ctx, s.key(name), data, 0).Err(); err != nil {
		s.logger.Error("Failed to write state", "key", s.key(name), "err", err)
		return fmt.Errorf("failed to write %s: %w", s.key(name), err)
	}
	return nil
}

func (s *Store) LoadKeys(ctx context.Context) (jwk.Set, error) {
	data, err := s.get(ctx, "keys")
	if err != nil {
		return nil, err
	}
	return authority.ParseKeySet(data)
}

func (s *Store) SaveKeys(ctx context.Context, keys jwk.Set) error {
	data, err := authority.MarshalKeySet(keys)
	if err != nil {
		return err
	}
	return s.set(ctx, "keys", data)
}

func (s *Store) LoadRevocationList(ctx context.Context) ([]authority.RevocationEntry, error) {
	data, err := s.get(ctx, "revocations")
	if err != nil {
		return nil, err
	}
	var list []authority.RevocationEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse revocation list: %w", err)
	}
	return list, nil
}

func (s *Store) SaveRevocationList(ctx context.Context, list []authority.RevocationEntry) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal revocation list: %w", err)
	}
	return s.set(ctx, "revocations", data)
}

func (s *Store) LoadClients(ctx context.Context) (authority.ClientMap, error) {
	data, err := s.get(ctx, "clients")
	if err != nil {
		return nil, err
	}
	var clients authority.ClientMap
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, fmt.Errorf("failed to parse clients: %w", err)
	}
	return clients, nil
}

func (s *Store) SaveClients(ctx context.Context, clients authority.ClientMap) error {
	data, err := json.Marshal(clients)
	if err != nil {
		return fmt.Errorf("failed to marshal clients: %w", err)
	}
	return s.set(ctx, "clients", data)
}
