// Package file provides an authority.Store that keeps each piece of state
// in a JSON file under one directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// DefaultDir is used when no directory is configured.
const DefaultDir = "./authcerts"

const (
	keysFile        = ".keys.json"
	revocationsFile = ".revocList.json"
	clientsFile     = ".clients.json"
)

// Store writes files atomically: temp file, fsync, rename.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// New creates the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger.With("component", "file_store", "dir", dir)}, nil
}

func (s *Store) read(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, authority.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

func (s *Store) write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(filepath.Join(s.dir, name), data, 0o600); err != nil {
		s.logger.Error("Failed to write state file", "file", name, "err", err)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	s.logger.Debug("Wrote state file", "file", name)
	return nil
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func (s *Store) LoadKeys(ctx context.Context) (jwk.Set, error) {
	data, err := s.read(keysFile)
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
	return s.write(keysFile, data)
}

func (s *Store) LoadRevocationList(ctx context.Context) ([]authority.RevocationEntry, error) {
	data, err := s.read(revocationsFile)
	if err != nil {
		return nil, err
	}
	var list []authority.RevocationEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", revocationsFile, err)
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
	return s.write(revocationsFile, data)
}

func (s *Store) LoadClients(ctx context.Context) (authority.ClientMap, error) {
	data, err := s.read(clientsFile)
	if err != nil {
		return nil, err
	}
	var clients authority.ClientMap
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", clientsFile, err)
	}
	return clients, nil
}

func (s *Store) SaveClients(ctx context.Context, clients authority.ClientMap) error {
	data, err := json.Marshal(clients)
	if err != nil {
		return fmt.Errorf("failed to marshal clients: %w", err)
	}
	return s.write(clientsFile, data)
}
