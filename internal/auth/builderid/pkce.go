package builderid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateMachineID returns a fresh machine identifier: 32 random bytes,
// hex encoded.
func GenerateMachineID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("builderid: generate machine id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateCodeVerifier returns a PKCE code verifier: 32 random bytes,
// URL-safe base64 encoded.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("builderid: generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the PKCE code challenge from a verifier:
// URL-safe base64 of the SHA-256 digest.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
