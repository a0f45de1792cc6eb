package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidToken covers every structural or signature failure. The
	// reason is deliberately opaque.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for a well-signed token past its expiry.
	ErrExpiredToken = errors.New("token expired")
)

// tokenPayload is the signed body of a share token. Exp is epoch
// milliseconds; nil means the token never expires.
type tokenPayload struct {
	V        int    `json:"v"`
	TargetID string `json:"targetId"`
	Exp      *int64 `json:"exp"`
}

// TokenCodec creates and verifies compact share tokens of the form
// base64url(payload).hex(hmac), signed with the coordinator secret. Tokens
// are self-verifying: no database round-trip is needed to resolve one.
type TokenCodec struct {
	secret []byte
}

// NewTokenCodec returns a codec keyed with the coordinator signing secret.
func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret)}
}

// Create issues a token for targetID. A nil ttl produces a non-expiring
// token.
func (c *TokenCodec) Create(targetID string, ttl *time.Duration) string {
	payload := tokenPayload{V: 1, TargetID: targetID}
	if ttl != nil {
		exp := time.Now().Add(*ttl).UnixMilli()
		payload.Exp = &exp
	}
	raw, _ := json.Marshal(payload)
	b64 := base64.RawURLEncoding.EncodeToString(raw)
	return b64 + "." + c.sign(b64)
}

// Verify checks the signature and expiry and returns the target ID.
func (c *TokenCodec) Verify(token string) (string, error) {
	b64, sig, ok := strings.Cut(token, ".")
	if !ok || b64 == "" || sig == "" {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(c.sign(b64)), []byte(sig)) {
		return "", ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return "", ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", ErrInvalidToken
	}
	if payload.V != 1 || payload.TargetID == "" {
		return "", ErrInvalidToken
	}
	if payload.Exp != nil && time.Now().UnixMilli() > *payload.Exp {
		return "", ErrExpiredToken
	}
	return payload.TargetID, nil
}

// ExpiresAt returns the expiry of a valid token, or nil for a non-expiring
// one. Used to cap presigned-URL TTLs at the share's remaining lifetime.
func (c *TokenCodec) ExpiresAt(token string) (*time.Time, error) {
	b64, sig, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(c.sign(b64)), []byte(sig)) {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if payload.Exp == nil {
		return nil, nil
	}
	t := time.UnixMilli(*payload.Exp)
	return &t, nil
}

func (c *TokenCodec) sign(payloadB64 string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payloadB64))
	return hex.EncodeToString(mac.Sum(nil))
}
