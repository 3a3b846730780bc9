// Package storetest holds the behaviour every authority.Store adapter must
// share, run from each adapter's own tests.
package storetest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

// NewKeySet builds a private EC key set with n keys and kids k1..kn.
func NewKeySet(t *testing.T, n int) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for i := 1; i <= n; i++ {
		raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		key, err := jwk.FromRaw(raw)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, fmt.Sprintf("k%d", i)))
		require.NoError(t, set.AddKey(key))
	}
	return set
}

// KeyIDs lists the kids of set in order.
func KeyIDs(set jwk.Set) []string {
	ids := make([]string, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		if key, ok := set.Key(i); ok {
			ids = append(ids, key.KeyID())
		}
	}
	return ids
}

// Run exercises store. It must start empty.
func Run(t *testing.T, ctx context.Context, store authority.Store) {
	t.Run("Failure - empty store reports not found", func(t *testing.T) {
		_, err := store.LoadKeys(ctx)
		assert.ErrorIs(t, err, authority.ErrNotFound)
		_, err = store.LoadRevocationList(ctx)
		assert.ErrorIs(t, err, authority.ErrNotFound)
		_, err = store.LoadClients(ctx)
		assert.ErrorIs(t, err, authority.ErrNotFound)
	})

	t.Run("Success - keys round trip with order and private material", func(t *testing.T) {
		// Arrange
		set := NewKeySet(t, 3)

		// Act
		require.NoError(t, store.SaveKeys(ctx, set))
		loaded, err := store.LoadKeys(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"k1", "k2", "k3"}, KeyIDs(loaded))
		key, ok := loaded.Key(0)
		require.True(t, ok)
		var raw any
		require.NoError(t, key.Raw(&raw))
		_, isPrivate := raw.(*ecdsa.PrivateKey)
		assert.True(t, isPrivate, "private material must survive persistence")
	})

	t.Run("Success - keys are overwritten", func(t *testing.T) {
		set := NewKeySet(t, 4)
		require.NoError(t, store.SaveKeys(ctx, set))
		loaded, err := store.LoadKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, loaded.Len())
	})

	t.Run("Success - revocation list round trip", func(t *testing.T) {
		list := []authority.RevocationEntry{{JTI: "a", Exp: 100}, {JTI: "b", Exp: 200}}
		require.NoError(t, store.SaveRevocationList(ctx, list))

		loaded, err := store.LoadRevocationList(ctx)
		require.NoError(t, err)
		assert.Equal(t, list, loaded)

		require.NoError(t, store.SaveRevocationList(ctx, nil))
		loaded, err = store.LoadRevocationList(ctx)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("Success - clients round trip", func(t *testing.T) {
		clients := authority.ClientMap{
			"svc1": {Name: "svc1", URL: "http://svc1/sync"},
			"svc2": {Name: "svc2", URL: "http://svc2/sync"},
		}
		require.NoError(t, store.SaveClients(ctx, clients))

		loaded, err := store.LoadClients(ctx)
		require.NoError(t, err)
		assert.Equal(t, clients, loaded)
	})
}
