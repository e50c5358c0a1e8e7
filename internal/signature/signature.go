// Package signature verifies inbound webhook HMAC signatures, grounded on
// the teacher's verifyWebhookSignature in server/webhook.go, generalized to
// accept either the sha256= or sha1= algorithm prefix.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

const (
	prefixSHA256 = "sha256="
	prefixSHA1   = "sha1="
)

// Verify reports whether signature authenticates body under secret using a
// constant-time comparison. When verifyRequired is false, the repo has
// opted out of verification and Verify returns true unconditionally, even
// if a secret is still configured. When verifyRequired is true, a missing
// secret, missing signature, or malformed signature all fail closed.
func Verify(secret []byte, signature string, body []byte, verifyRequired bool) bool {
	if !verifyRequired {
		return true
	}
	if len(secret) == 0 {
		return false
	}
	if signature == "" {
		return false
	}

	var newHash func() hash.Hash
	var prefix string
	switch {
	case strings.HasPrefix(signature, prefixSHA256):
		newHash, prefix = sha256.New, prefixSHA256
	case strings.HasPrefix(signature, prefixSHA1):
		newHash, prefix = sha1.New, prefixSHA1
	default:
		return false
	}

	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(newHash, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(sigBytes, expected)
}
