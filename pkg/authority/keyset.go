package authority

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// MarshalKeySet encodes a key set as a JWKS document. Private members are
// kept; storage adapters are the only callers that see private material.
func MarshalKeySet(set jwk.Set) ([]byte, error) {
	if set == nil {
		set = jwk.NewSet()
	}
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key set: %w", err)
	}
	return data, nil
}

// ParseKeySet decodes a JWKS document, preserving key order.
func ParseKeySet(data []byte) (jwk.Set, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key set: %w", err)
	}
	return set, nil
}
