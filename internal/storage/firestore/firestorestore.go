// Package firestore provides an authority.Store backed by Google Cloud Firestore.
// State lives in three documents of one collection: keys, revocations and clients.
package firestore

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

const (
	keysDocID        = "keys"
	revocationsDocID = "revocations"
	clientsDocID     = "clients"
)

// keysDocument holds the private JWKS as its JSON text. Firestore maps
// cannot preserve JWK member types, so the set is stored opaque.
type keysDocument struct {
	JWKS string `firestore:"jwks"`
}

type revocationDocument struct {
	Entries []revocationEntry `firestore:"entries"`
}

type revocationEntry struct {
	JTI string `firestore:"jti"`
	Exp int64  `firestore:"exp"`
}

type clientsDocument struct {
	Clients map[string]clientEntry `firestore:"clients"`
}

type clientEntry struct {
	Name string `firestore:"name"`
	URL  string `firestore:"url"`
}

// Store is an authority.Store using Firestore.
type Store struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	logger     *slog.Logger
}

// NewFirestoreStore creates a new Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, collectionName string, logger *slog.Logger) *Store {
	return &Store{
		client:     client,
		collection: client.Collection(collectionName),
		logger:     logger.With("component", "firestore_store", "collection", collectionName),
	}
}

// get reads one document into dst, mapping a missing document to
// authority.ErrNotFound.
func (s *Store) get(ctx context.Context, docID string, dst any) error {
	doc, err := s.collection.Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug("Document not found", "doc", docID)
			return fmt.Errorf("%s: %w", docID, authority.ErrNotFound)
		}
		s.logger.Warn("Failed to get document", "doc", docID, "err", err)
		return fmt.Errorf("failed to get %s document: %w", docID, err)
	}
	if err := doc.DataTo(dst); err != nil {
		s.logger.Error("Failed to parse document", "doc", docID, "err", err)
		return fmt.Errorf("failed to parse %s document: %w", docID, err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, docID string, src any) error {
	if _, err := s.collection.Doc(docID).Set(ctx, src); err != nil {
		s.logger.Error("Failed to store document", "doc", docID, "err", err)
		return fmt.Errorf("failed to store %s document: %w", docID, err)
	}
	s.logger.Debug("Stored document", "doc", docID)
	return nil
}

func (s *Store) LoadKeys(ctx context.Context) (jwk.Set, error) {
	var kd keysDocument
	if err := s.get(ctx, keysDocID, &kd); err != nil {
		return nil, err
	}
	return authority.ParseKeySet([]byte(kd.JWKS))
}

func (s *Store) SaveKeys(ctx context.Context, keys jwk.Set) error {
	data, err := authority.MarshalKeySet(keys)
	if err != nil {
		return err
	}
	return s.set(ctx, keysDocID, keysDocument{JWKS: string(data)})
}

func (s *Store) LoadRevocationList(ctx context.Context) ([]authority.RevocationEntry, error) {
	var rd revocationDocument
	if err := s.get(ctx, revocationsDocID, &rd); err != nil {
		return nil, err
	}
	list := make([]authority.RevocationEntry, 0, len(rd.Entries))
	for _, e := range rd.Entries {
		list = append(list, authority.RevocationEntry{JTI: e.JTI, Exp: e.Exp})
	}
	return list, nil
}

func (s *Store) SaveRevocationList(ctx context.Context, list []authority.RevocationEntry) error {
	rd := revocationDocument{Entries: make([]revocationEntry, 0, len(list))}
	for _, e := range list {
		rd.Entries = append(rd.Entries, revocationEntry{JTI: e.JTI, Exp: e.Exp})
	}
	return s.set(ctx, revocationsDocID, rd)
}

func (s *Store) LoadClients(ctx context.Context) (authority.ClientMap, error) {
	var cd clientsDocument
	if err := s.get(ctx, clientsDocID, &cd); err != nil {
		return nil, err
	}
	clients := make(authority.ClientMap, len(cd.Clients))
	for name, c := range cd.Clients {
		clients[name] = authority.Client{Name: c.Name, URL: c.URL}
	}
	return clients, nil
}

func (s *Store) SaveClients(ctx context.Context, clients authority.ClientMap) error {
	cd := clientsDocument{Clients: make(map[string]clientEntry, len(clients))}
	for name, c := range clients {
		cd.Clients[name] = clientEntry{Name: c.Name, URL: c.URL}
	}
	return s.set(ctx, clientsDocID, cd)
}
