// Package inmemory provides a thread-safe in-memory authority.Store.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// Store keeps the last saved state in memory. Keys are held in their JSON
// form so a loaded set never aliases a saved one.
type Store struct {
	sync.RWMutex
	keys      []byte
	revocList []authority.RevocationEntry
	hasRevoc  bool
	clients   authority.ClientMap
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

func (s *Store) LoadKeys(ctx context.Context) (jwk.Set, error) {
	s.RLock()
	defer s.RUnlock()
	if s.keys == nil {
		return nil, fmt.Errorf("keys: %w", authority.ErrNotFound)
	}
	return authority.ParseKeySet(s.keys)
}

func (s *Store) SaveKeys(ctx context.Context, keys jwk.Set) error {
	data, err := authority.MarshalKeySet(keys)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.keys = data
	return nil
}

func (s *Store) LoadRevocationList(ctx context.Context) ([]authority.RevocationEntry, error) {
	s.RLock()
	defer s.RUnlock()
	if !s.hasRevoc {
		return nil, fmt.Errorf("revocation list: %w", authority.ErrNotFound)
	}
	return slices.Clone(s.revocList), nil
}

func (s *Store) SaveRevocationList(ctx context.Context, list []authority.RevocationEntry) error {
	s.Lock()
	defer s.Unlock()
	s.revocList = slices.Clone(list)
	s.hasRevoc = true
	return nil
}

func (s *Store) LoadClients(ctx context.Context) (authority.ClientMap, error) {
	s.RLock()
	defer s.RUnlock()
	if s.clients == nil {
		return nil, fmt.Errorf("clients: %w", authority.ErrNotFound)
	}
	return s.clients.Clone(), nil
}

func (s *Store) SaveClients(ctx context.Context, clients authority.ClientMap) error {
	s.Lock()
	defer s.Unlock()
	s.clients = clients.Clone()
	return nil
}
