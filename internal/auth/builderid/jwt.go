package builderid

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenClaims is the slice of the access-token payload we care about.
type tokenClaims struct {
	Email string `json:"email"`
	Exp   int64  `json:"exp"`
}

// decodeTokenClaims extracts the payload of a JWT without verifying its
// signature. The token arrives directly from the provider over TLS, so
// this is best-effort identity extraction, not authentication.
func decodeTokenClaims(token string) (*tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("builderid: invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	payload := parts[1]
	// Add padding if needed
	switch len(payload) % 4 {
	case 2:
		payload += "=="
	case 3:
		payload += "="
	}

	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("builderid: decode JWT payload: %w", err)
	}

	var claims tokenClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("builderid: parse JWT claims: %w", err)
	}
	return &claims, nil
}
