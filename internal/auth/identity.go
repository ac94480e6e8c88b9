package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// AccountID derives the stable account identifier from a refresh token.
// The same upstream account always maps to the same id, which makes
// re-linking idempotent.
func AccountID(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])[:32]
}
