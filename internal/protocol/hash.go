package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

func SHA256Hex(in []byte) string {
	h := sha256.Sum256(in)
	return hex.EncodeToString(h[:])
}

// HashValue hashes the canonical encoding of v.
func HashValue(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

func HMACSHA256Hex(secret, in []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(in)
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares two hex digests in constant time, ignoring case.
func EqualHex(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
