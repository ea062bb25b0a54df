// Package auth implements the OAuth 2.1 authorization code + PKCE flow
// against the Smaregi identity provider, plus the HTTP surface this
// server exposes to MCP clients (metadata, authorize proxy, token
// endpoint, bearer middleware).
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// RandomHex returns n random bytes as a hex string.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the platform RNG is broken, which
		// is not recoverable.
		panic(err)
	}

	return hex.EncodeToString(b)
}

// NewVerifier returns a fresh PKCE code verifier: 32 random bytes in
// base64url without padding (43 characters, RFC 7636 Section 4.1).
func NewVerifier() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}

	return base64.RawURLEncoding.EncodeToString(b)
}

// Challenge derives the S256 code challenge from a verifier.
func Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// VerifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func VerifyPKCE(verifier, challenge string) bool {
	return Challenge(verifier) == challenge
}
