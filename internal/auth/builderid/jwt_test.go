package builderid

import (
	"encoding/base64"
	"testing"
)

func TestDecodeTokenClaims(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))

	tests := []struct {
		name    string
		payload string
		email   string
	}{
		// Payload lengths chosen to exercise each base64 padding case.
		{name: "no padding", payload: `{"email":"ab@b.io","exp":1}`, email: "ab@b.io"},
		{name: "two pads", payload: `{"email":"abc@b.io","exp":1}`, email: "abc@b.io"},
		{name: "one pad", payload: `{"email":"abcd@b.io","exp":1}`, email: "abcd@b.io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := header + "." + base64.RawURLEncoding.EncodeToString([]byte(tt.payload)) + ".sig"
			claims, err := decodeTokenClaims(token)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if claims.Email != tt.email {
				t.Fatalf("expected %s, got %s", tt.email, claims.Email)
			}
		})
	}
}

func TestDecodeTokenClaims_Malformed(t *testing.T) {
	if _, err := decodeTokenClaims("not-a-jwt"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
	if _, err := decodeTokenClaims("a.%%%.c"); err == nil {
		t.Fatalf("expected error for invalid payload encoding")
	}
}
