// Package signing issues and verifies the two capability formats the
// coordinator hands out: per-shard signed URLs for direct object access, and
// self-contained share tokens signed with the coordinator secret.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// sigSeparator joins path and expiry under the HMAC. A newline can never
// appear in a valid object path, so "a\n1" cannot collide with path "a",
// expiry "1".
const sigSeparator = "\n"

// Sign computes the hex HMAC-SHA256 signature for a path that expires at the
// given epoch-millisecond timestamp, keyed with the shard's secret.
func Sign(path, shardSecret string, expiresAtMs int64) string {
	mac := hmac.New(sha256.New, []byte(shardSecret))
	mac.Write([]byte(path))
	mac.Write([]byte(sigSeparator))
	mac.Write([]byte(strconv.FormatInt(expiresAtMs, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignedPath recomputes the signature and compares in constant time.
// It fails closed: any malformed input yields false, and the caller learns
// nothing about which of path, expiry, or signature was wrong.
func VerifySignedPath(path, signature, expires, shardSecret string) bool {
	if path == "" || signature == "" || expires == "" {
		return false
	}
	expiresAtMs, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().UnixMilli() > expiresAtMs {
		return false
	}
	expected := Sign(path, shardSecret, expiresAtMs)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// BuildSignedURL returns a presigned direct URL on the shard's domain:
//
//	https://{domain}/p/{path}?signature=...&expires=...
func BuildSignedURL(domain, path, shardSecret string, expiresIn time.Duration) string {
	expiresAtMs := time.Now().Add(expiresIn).UnixMilli()
	sig := Sign(path, shardSecret, expiresAtMs)
	q := url.Values{}
	q.Set("signature", sig)
	q.Set("expires", strconv.FormatInt(expiresAtMs, 10))
	return fmt.Sprintf("https://%s/p/%s?%s", domain, strings.TrimPrefix(path, "/"), q.Encode())
}

// BuildPublicURL returns the stable unsigned URL for a public object.
func BuildPublicURL(domain, path string) string {
	return fmt.Sprintf("https://%s/f/%s", domain, strings.TrimPrefix(path, "/"))
}
