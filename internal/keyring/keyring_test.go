package keyring

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-token-authority/internal/jose"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sequenceGenerator issues symmetric keys with predictable kids.
type sequenceGenerator struct {
	n       int
	failAt  int
	failErr error
}

func (g *sequenceGenerator) GenerateKey() (jwk.Key, error) {
	g.n++
	if g.failAt > 0 && g.n == g.failAt {
		return nil, g.failErr
	}
	key, err := jwk.FromRaw([]byte(fmt.Sprintf("secret-%d", g.n)))
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, fmt.Sprintf("k%d", g.n)); err != nil {
		return nil, err
	}
	return key, nil
}

func newFilledRing(t *testing.T, opts Options) (*Ring, *sequenceGenerator) {
	t.Helper()
	gen := &sequenceGenerator{}
	ring, err := New(opts, gen, newTestLogger())
	require.NoError(t, err)
	_, err = ring.Fill()
	require.NoError(t, err)
	return ring, gen
}

func TestValidateOptions(t *testing.T) {
	testCases := []struct {
		name    string
		opts    Options
		want    Options
		wantErr bool
	}{
		{name: "Success - defaults are clamped", opts: Options{}, want: Options{Amount: 3, Minimum: 3}},
		{name: "Success - amount below minimum is raised", opts: Options{Amount: 1, SignSkip: 1}, want: Options{Amount: 3, Minimum: 3, SignSkip: 1}},
		{name: "Success - amount 4 sign skip 1", opts: Options{Amount: 4, SignSkip: 1}, want: Options{Amount: 4, Minimum: 4, SignSkip: 1}},
		{name: "Success - sign skip 2 with default amount", opts: Options{SignSkip: 2}, want: Options{Amount: 3, Minimum: 3, SignSkip: 2}},
		{name: "Success - minimum clamped into range", opts: Options{Amount: 5, Minimum: 9}, want: Options{Amount: 5, Minimum: 5}},
		{name: "Failure - sign skip equals amount", opts: Options{Amount: 3, SignSkip: 3}, wantErr: true},
		{name: "Failure - sign skip equals larger amount", opts: Options{Amount: 5, SignSkip: 5}, wantErr: true},
		{name: "Failure - sign skip reaches minimum", opts: Options{Amount: 6, Minimum: 3, SignSkip: 3}, wantErr: true},
		{name: "Failure - negative sign skip", opts: Options{SignSkip: -1}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateOptions(tc.opts)
			if tc.wantErr {
				var cfgErr *authority.ConfigError
				require.True(t, errors.As(err, &cfgErr))
				assert.Equal(t, "sign_skip", cfgErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRing_Fill(t *testing.T) {
	t.Run("Success - default ring has three keys", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{Amount: 3, SignSkip: 1})
		assert.Equal(t, 3, ring.Len())
		assert.Equal(t, []string{"k1", "k2", "k3"}, ring.KeyIDs())
	})

	t.Run("Success - fill is idempotent", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{Amount: 3, SignSkip: 1})
		added, err := ring.Fill()
		require.NoError(t, err)
		assert.Zero(t, added)
		assert.Equal(t, 3, ring.Len())
	})

	t.Run("Failure - generator error keeps partial progress", func(t *testing.T) {
		gen := &sequenceGenerator{failAt: 2, failErr: errors.New("entropy exhausted")}
		ring, err := New(Options{}, gen, newTestLogger())
		require.NoError(t, err)

		added, err := ring.Fill()
		assert.ErrorContains(t, err, "entropy exhausted")
		assert.Equal(t, 1, added)
		assert.Equal(t, []string{"k1"}, ring.KeyIDs())
	})
}

func TestRing_Rotate(t *testing.T) {
	// Arrange
	ring, _ := newFilledRing(t, Options{Amount: 3, SignSkip: 1})

	for i := 0; i < 5; i++ {
		before := ring.KeyIDs()

		// Act
		newKid, err := ring.Rotate()
		require.NoError(t, err)

		// Assert
		after := ring.KeyIDs()
		require.Len(t, after, 3)
		assert.Equal(t, append(before[1:], newKid), after, "rotation %d should drop the oldest and append one", i+1)
	}
	assert.Equal(t, []string{"k6", "k7", "k8"}, ring.KeyIDs())
}

func TestRing_Retire(t *testing.T) {
	t.Run("Success - retiring refills to minimum", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{Amount: 3, SignSkip: 1})

		err := ring.Retire("k2")
		require.NoError(t, err)

		assert.Equal(t, []string{"k1", "k3", "k4"}, ring.KeyIDs())
		_, err = ring.Lookup("k2")
		assert.ErrorIs(t, err, authority.ErrKeyNotFound)
	})

	t.Run("Success - no refill above minimum", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{Amount: 5, Minimum: 3, SignSkip: 1})
		_, err := ring.Rotate()
		require.NoError(t, err)
		require.Equal(t, 4, ring.Len())

		require.NoError(t, ring.Retire("k1"))
		assert.Equal(t, []string{"k2", "k3", "k4"}, ring.KeyIDs())
	})

	t.Run("Failure - unknown kid", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{})
		err := ring.Retire("missing")
		assert.ErrorIs(t, err, authority.ErrKeyNotFound)
		assert.Equal(t, 3, ring.Len())
	})
}

func TestRing_SizeInvariant(t *testing.T) {
	ring, _ := newFilledRing(t, Options{Amount: 4, Minimum: 3, SignSkip: 1})
	check := func() {
		t.Helper()
		size := ring.Len()
		assert.GreaterOrEqual(t, size, MinimumKeys)
		assert.LessOrEqual(t, size, 4)
	}

	for i := 0; i < 10; i++ {
		switch i % 3 {
		case 0, 1:
			_, err := ring.Rotate()
			require.NoError(t, err)
		case 2:
			require.NoError(t, ring.Retire(ring.KeyIDs()[0]))
		}
		check()
		_, err := ring.Fill()
		require.NoError(t, err)
		check()
	}
}

func TestRing_Reset(t *testing.T) {
	ring, _ := newFilledRing(t, Options{})
	require.NoError(t, ring.Reset())
	assert.Equal(t, []string{"k4", "k5", "k6"}, ring.KeyIDs())
}

func TestRing_SelectForSigning(t *testing.T) {
	t.Run("Success - never selects skipped keys", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{Amount: 5, SignSkip: 2})
		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			key, err := ring.SelectForSigning()
			require.NoError(t, err)
			seen[key.KeyID()] = true
		}
		assert.False(t, seen["k1"])
		assert.False(t, seen["k2"])
		assert.True(t, seen["k3"] || seen["k4"] || seen["k5"])
	})

	t.Run("Success - draws from the full eligible range", func(t *testing.T) {
		ring, _ := newFilledRing(t, Options{Amount: 4, SignSkip: 1})
		var bounds []int
		ring.intn = func(n int) int {
			bounds = append(bounds, n)
			return n - 1
		}
		key, err := ring.SelectForSigning()
		require.NoError(t, err)
		assert.Equal(t, "k4", key.KeyID())
		assert.Equal(t, []int{3}, bounds)
	})

	t.Run("Failure - ring smaller than sign skip", func(t *testing.T) {
		ring, err := New(Options{SignSkip: 1}, &sequenceGenerator{}, newTestLogger())
		require.NoError(t, err)
		_, err = ring.SelectForSigning()
		assert.ErrorIs(t, err, authority.ErrNoSigningKeyAvailable)
	})
}

func TestRing_Lookup(t *testing.T) {
	ring, _ := newFilledRing(t, Options{})

	t.Run("Success - by kid", func(t *testing.T) {
		key, err := ring.Lookup("k2")
		require.NoError(t, err)
		assert.Equal(t, "k2", key.KeyID())
	})

	t.Run("Success - empty kid is newest", func(t *testing.T) {
		key, err := ring.Lookup("")
		require.NoError(t, err)
		assert.Equal(t, "k3", key.KeyID())
	})

	t.Run("Failure - unknown kid", func(t *testing.T) {
		_, err := ring.Lookup("nope")
		assert.ErrorIs(t, err, authority.ErrKeyNotFound)
	})
}

func TestRing_Replace(t *testing.T) {
	gen := &sequenceGenerator{}
	ring, err := New(Options{Amount: 3, SignSkip: 1}, gen, newTestLogger())
	require.NoError(t, err)

	set := jwk.NewSet()
	for i := 0; i < 4; i++ {
		key, err := gen.GenerateKey()
		require.NoError(t, err)
		require.NoError(t, set.AddKey(key))
	}

	require.NoError(t, ring.Replace(set))
	assert.Equal(t, []string{"k2", "k3", "k4"}, ring.KeyIDs(), "oldest loaded keys beyond amount are trimmed")
}

func TestRing_CreatedTime(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	restarted := created.Add(48 * time.Hour)

	t.Run("Success - creation time survives a storage round trip", func(t *testing.T) {
		// Arrange
		first, err := New(Options{Amount: 3}, &sequenceGenerator{}, newTestLogger())
		require.NoError(t, err)
		first.now = func() time.Time { return created }
		_, err = first.Fill()
		require.NoError(t, err)

		private, err := first.PrivateSet()
		require.NoError(t, err)
		raw, err := json.Marshal(private)
		require.NoError(t, err)
		loaded, err := jwk.Parse(raw)
		require.NoError(t, err)

		second, err := New(Options{Amount: 3}, &sequenceGenerator{}, newTestLogger())
		require.NoError(t, err)
		second.now = func() time.Time { return restarted }

		// Act
		require.NoError(t, second.Replace(loaded))

		// Assert
		infos := second.Keys()
		require.Len(t, infos, 3)
		for _, info := range infos {
			assert.True(t, created.Equal(info.Created), "kid %s created %s", info.KeyID, info.Created)
		}
	})

	t.Run("Success - keys loaded without a creation time are stamped at load", func(t *testing.T) {
		// Arrange
		gen := &sequenceGenerator{}
		set := jwk.NewSet()
		key, err := gen.GenerateKey()
		require.NoError(t, err)
		require.NoError(t, set.AddKey(key))

		ring, err := New(Options{Amount: 3}, gen, newTestLogger())
		require.NoError(t, err)
		ring.now = func() time.Time { return restarted }

		// Act
		require.NoError(t, ring.Replace(set))

		// Assert
		assert.True(t, restarted.Equal(ring.Keys()[0].Created))
		stamped, ok := createdAt(key)
		require.True(t, ok)
		assert.True(t, restarted.Equal(stamped))
	})
}

func TestRing_PublicSet(t *testing.T) {
	gw, err := jose.NewGateway("EC", "P-256")
	require.NoError(t, err)
	ring, err := New(Options{}, gw, newTestLogger())
	require.NoError(t, err)
	_, err = ring.Fill()
	require.NoError(t, err)

	public, err := ring.PublicSet()
	require.NoError(t, err)
	require.Equal(t, 3, public.Len())

	for i := 0; i < public.Len(); i++ {
		key, ok := public.Key(i)
		require.True(t, ok)
		assert.Equal(t, ring.KeyIDs()[i], key.KeyID())
		var raw any
		require.NoError(t, key.Raw(&raw))
		_, isPrivate := raw.(crypto.Signer)
		assert.False(t, isPrivate, "public set must not carry private material")
	}

	infos := ring.Keys()
	require.Len(t, infos, 3)
	assert.Equal(t, "ES256", infos[0].Algorithm)
	assert.False(t, infos[0].Created.IsZero())
}
