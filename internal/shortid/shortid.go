// Package shortid encodes entry UUIDs as compact URL-safe aliases.
package shortid

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Encode returns the 22-character unpadded base64url form of a UUID.
func Encode(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Decode accepts either a canonical UUID string or a short alias and returns
// the UUID.
func Decode(alias string) (uuid.UUID, error) {
	if id, err := uuid.Parse(alias); err == nil {
		return id, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(alias)
	if err != nil || len(raw) != 16 {
		return uuid.Nil, fmt.Errorf("not a valid id or alias: %q", alias)
	}
	return uuid.FromBytes(raw)
}
