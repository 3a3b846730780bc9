package authority_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

func newPublicSet(t *testing.T, kids ...string) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for _, kid := range kids {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		key, err := jwk.FromRaw(priv.Public())
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, set.AddKey(key))
	}
	return set
}

func TestSnapshot_JSON(t *testing.T) {
	t.Run("Success - flattened shape", func(t *testing.T) {
		// Arrange
		snap := authority.Snapshot{
			Keys:      newPublicSet(t, "k1", "k2"),
			RevocList: []authority.RevocationEntry{{JTI: "j1", Exp: 1700000000}},
		}

		// Act
		data, err := json.Marshal(snap)
		require.NoError(t, err)

		// Assert
		var raw struct {
			Keys      []map[string]any `json:"keys"`
			RevocList []map[string]any `json:"revocList"`
		}
		require.NoError(t, json.Unmarshal(data, &raw))
		require.Len(t, raw.Keys, 2)
		assert.Equal(t, "k1", raw.Keys[0]["kid"])
		assert.Equal(t, "k2", raw.Keys[1]["kid"])
		assert.Equal(t, []map[string]any{{"jti": "j1", "exp": float64(1700000000)}}, raw.RevocList)

		var back authority.Snapshot
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, 2, back.Keys.Len())
		assert.Equal(t, snap.RevocList, back.RevocList)
	})

	t.Run("Success - empty snapshot uses empty arrays", func(t *testing.T) {
		data, err := json.Marshal(authority.Snapshot{})

		require.NoError(t, err)
		assert.JSONEq(t, `{"keys":[],"revocList":[]}`, string(data))
	})
}

func TestRevocationEntry_Expired(t *testing.T) {
	now := time.Unix(1000, 0)

	assert.True(t, authority.RevocationEntry{JTI: "a", Exp: 999}.Expired(now))
	assert.False(t, authority.RevocationEntry{JTI: "a", Exp: 1000}.Expired(now))
	assert.False(t, authority.RevocationEntry{JTI: "a", Exp: 1001}.Expired(now))
}

func TestClientMap_Clone(t *testing.T) {
	orig := authority.ClientMap{"svc1": {Name: "svc1", URL: "http://svc1"}}

	clone := orig.Clone()
	clone["svc2"] = authority.Client{Name: "svc2", URL: "http://svc2"}

	assert.Len(t, orig, 1)
	assert.NotNil(t, authority.ClientMap(nil).Clone())
}

func TestSyncError(t *testing.T) {
	errRefused := errors.New("connection refused")
	err := &authority.SyncError{Failures: map[string]error{
		"svc2": errors.New("status 500"),
		"svc1": errRefused,
	}}

	assert.Equal(t, "sync failed for 2 client(s): svc1: connection refused; svc2: status 500", err.Error())
	assert.ErrorIs(t, err, errRefused)

	var target *authority.SyncError
	assert.ErrorAs(t, errors.Join(errors.New("save failed"), err), &target)
}

func TestKeySet_RoundTrip(t *testing.T) {
	set := newPublicSet(t, "k1", "k2", "k3")

	data, err := authority.MarshalKeySet(set)
	require.NoError(t, err)
	back, err := authority.ParseKeySet(data)
	require.NoError(t, err)

	require.Equal(t, 3, back.Len())
	for i, kid := range []string{"k1", "k2", "k3"} {
		key, ok := back.Key(i)
		require.True(t, ok)
		assert.Equal(t, kid, key.KeyID())
	}

	_, err = authority.ParseKeySet([]byte("not json"))
	assert.Error(t, err)
}
