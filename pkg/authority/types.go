package authority

import (
	"encoding/json"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// RevocationEntry is one revoked token. Exp is the token's own expiry in
// seconds since the epoch; the entry is dead weight once it has passed.
type RevocationEntry struct {
	JTI string `json:"jti"`
	Exp int64  `json:"exp"`
}

// Expired reports whether the entry's token would already fail on expiry.
func (e RevocationEntry) Expired(now time.Time) bool {
	return now.After(time.Unix(e.Exp, 0))
}

// Client is a registered downstream consumer of key and revocation state.
type Client struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ClientMap holds registered clients keyed by name.
type ClientMap map[string]Client

// Clone returns an independent copy of the map.
func (m ClientMap) Clone() ClientMap {
	out := make(ClientMap, len(m))
	for name, c := range m {
		out[name] = c
	}
	return out
}

// Snapshot is the public key set plus revocation list handed to clients.
// It is always a copy; mutating it never reaches the authority.
type Snapshot struct {
	Keys      jwk.Set           `json:"keys"`
	RevocList []RevocationEntry `json:"revocList"`
}

// MarshalJSON flattens the key set so the payload reads
// {"keys":[...],"revocList":[...]}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	keys := []json.RawMessage{}
	if s.Keys != nil {
		raw, err := json.Marshal(s.Keys)
		if err != nil {
			return nil, err
		}
		var set struct {
			Keys []json.RawMessage `json:"keys"`
		}
		if err := json.Unmarshal(raw, &set); err != nil {
			return nil, err
		}
		if set.Keys != nil {
			keys = set.Keys
		}
	}
	revocList := s.RevocList
	if revocList == nil {
		revocList = []RevocationEntry{}
	}
	return json.Marshal(struct {
		Keys      []json.RawMessage `json:"keys"`
		RevocList []RevocationEntry `json:"revocList"`
	}{Keys: keys, RevocList: revocList})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Keys      []json.RawMessage `json:"keys"`
		RevocList []RevocationEntry `json:"revocList"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	setJSON, err := json.Marshal(struct {
		Keys []json.RawMessage `json:"keys"`
	}{Keys: raw.Keys})
	if err != nil {
		return err
	}
	set, err := ParseKeySet(setJSON)
	if err != nil {
		return err
	}
	s.Keys = set
	s.RevocList = raw.RevocList
	return nil
}
