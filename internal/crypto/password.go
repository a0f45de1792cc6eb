// Package crypto hashes share passwords with argon2id.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 2
	argonMemory  = 32 * 1024 // 32 MB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// HashPassword returns salt||hash for storage alongside a protected share.
func HashPassword(password string) []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, keyLen)
	out := make([]byte, saltLen+keyLen)
	copy(out[:saltLen], salt)
	copy(out[saltLen:], hash)
	return out
}

// VerifyPassword checks a password against a stored salt||hash blob.
func VerifyPassword(password string, stored []byte) bool {
	if len(stored) != saltLen+keyLen {
		return false
	}
	computed := argon2.IDKey([]byte(password), stored[:saltLen], argonTime, argonMemory, argonThreads, keyLen)
	return hmac.Equal(stored[saltLen:], computed)
}
