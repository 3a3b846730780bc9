// Package authority contains the public domain models, interfaces, and
// error taxonomy of the token authority. It defines the public contract
// shared by the core, the storage adapters, and the HTTP surface.
package authority

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Store defines the persistence contract for authority state.
// Any component that can durably keep keys, revocations and clients
// (in-memory, file, Firestore, Redis, Postgres) must implement it.
//
// Load methods return ErrNotFound when nothing has been saved yet. The
// authority treats that, and any other load failure, as an empty store.
type Store interface {
	// LoadKeys returns the full private key set, oldest key first.
	LoadKeys(ctx context.Context) (jwk.Set, error)
	// SaveKeys overwrites the stored key set.
	SaveKeys(ctx context.Context, keys jwk.Set) error

	LoadRevocationList(ctx context.Context) ([]RevocationEntry, error)
	SaveRevocationList(ctx context.Context, list []RevocationEntry) error

	LoadClients(ctx context.Context) (ClientMap, error)
	SaveClients(ctx context.Context, clients ClientMap) error
}
