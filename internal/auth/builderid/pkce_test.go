package builderid

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
)

func TestGenerateMachineID(t *testing.T) {
	id, err := GenerateMachineID()
	if err != nil {
		t.Fatalf("generate machine id: %v", err)
	}
	if len(id) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("machine id is not hex: %v", err)
	}

	other, _ := GenerateMachineID()
	if id == other {
		t.Fatalf("machine ids must be unique")
	}
}

func TestGenerateCodeVerifier(t *testing.T) {
	v, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("generate verifier: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		t.Fatalf("verifier is not URL-safe base64: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes of entropy, got %d", len(raw))
	}
}

func TestGenerateCodeChallenge(t *testing.T) {
	verifier := "test-verifier"
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	if got := GenerateCodeChallenge(verifier); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
