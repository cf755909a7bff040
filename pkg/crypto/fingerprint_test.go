package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateNonce(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"gcm nonce", NonceSize},
		{"key sized", KeySize},
		{"empty", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce, err := GenerateNonce(tt.size)
			if err != nil {
				t.Fatalf("GenerateNonce() error = %v", err)
			}
			if len(nonce) != tt.size {
				t.Errorf("GenerateNonce() length = %d, want %d", len(nonce), tt.size)
			}
			if tt.size == 0 {
				return
			}

			other, err := GenerateNonce(tt.size)
			if err != nil {
				t.Fatalf("GenerateNonce() second call error = %v", err)
			}
			if bytes.Equal(nonce, other) {
				t.Error("GenerateNonce() repeated a nonce")
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	secretA := bytes.Repeat([]byte{0x01}, KeySize)
	secretB := bytes.Repeat([]byte{0x02}, KeySize)

	fpA := Fingerprint(secretA)
	if len(fpA) != 19 {
		t.Fatalf("Fingerprint() length = %d, want 19 (%q)", len(fpA), fpA)
	}
	if strings.Count(fpA, "-") != 3 {
		t.Errorf("Fingerprint() = %q, want 4 dash-separated groups", fpA)
	}

	if Fingerprint(secretA) != fpA {
		t.Error("Fingerprint() not deterministic")
	}
	if Fingerprint(secretB) == fpA {
		t.Error("Fingerprint() collided for different secrets")
	}
	if Fingerprint(nil) != "" {
		t.Error("Fingerprint(nil) should be empty")
	}
}
