package bff

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// newRandomToken creates a random base64url string from n bytes of
// entropy.
func newRandomToken(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// newCodeVerifier creates a PKCE code verifier.
func newCodeVerifier() string {
	return newRandomToken(32)
}

// codeChallengeS256 creates a PKCE code challenge from a verifier.
func codeChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
