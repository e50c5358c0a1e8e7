package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify_ValidSignature(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"action":"opened"}`)
	assert.True(t, Verify(secret, sign(secret, body), body, true))
}

func TestVerify_TamperedBody(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"action":"opened"}`)
	sig := sign(secret, body)
	assert.False(t, Verify(secret, sig, []byte(`{"action":"closed"}`), true))
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	sig := sign([]byte("topsecret"), body)
	assert.False(t, Verify([]byte("othersecret"), sig, body, true))
}

func TestVerify_MissingSignatureFailsClosedWhenSecretConfigured(t *testing.T) {
	assert.False(t, Verify([]byte("topsecret"), "", []byte("body"), true))
}

func TestVerify_NoSecretAndNotRequiredPasses(t *testing.T) {
	assert.True(t, Verify(nil, "", []byte("body"), false))
}

func TestVerify_SecretConfiguredButNotRequiredShortCircuits(t *testing.T) {
	assert.True(t, Verify([]byte("topsecret"), "", []byte("body"), false))
	assert.True(t, Verify([]byte("topsecret"), "sha256=garbage", []byte("body"), false))
}

func TestVerify_MalformedPrefix(t *testing.T) {
	assert.False(t, Verify([]byte("topsecret"), "md5=deadbeef", []byte("body"), true))
}

func TestVerify_SHA1Prefix(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte("payload")
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	sig := "sha1=" + hex.EncodeToString(mac.Sum(nil))
	assert.True(t, Verify(secret, sig, body, true))
}
