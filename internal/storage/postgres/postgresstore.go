// Package postgres provides an authority.Store that keeps each piece of
// state as a jsonb row of a single table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

const schema = `
CREATE TABLE IF NOT EXISTS authority_state (
	name       TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is an authority.Store over a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool for dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	s := New(pool, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. Call EnsureSchema before first use.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With("component", "postgres_store")}
}

// EnsureSchema creates the state table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create authority_state table: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM authority_state WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, authority.ErrNotFound)
	}
	if err != nil {
		s.logger.Warn("Failed to read state", "name", name, "err", err)
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) set(ctx context.Context, name string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO authority_state (name, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		name, data)
	if err != nil {
		s.logger.Error("Failed to write state", "name", name, "err", err)
		return fmt.Errorf("failed to write %s: %w", name, err)
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
	if list == nil {
		list = []authority.RevocationEntry{}
	}
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
	if clients == nil {
		clients = authority.ClientMap{}
	}
	data, err := json.Marshal(clients)
	if err != nil {
		return fmt.Errorf("failed to marshal clients: %w", err)
	}
	return s.set(ctx, "clients", data)
}
