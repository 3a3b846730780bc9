package token

import (
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewID derives a compact identifier from the current time and a random
// UUID. Collisions are improbable, not impossible.
func NewID(now time.Time) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(now.UnixNano(), 36) + uuid.NewString()))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
