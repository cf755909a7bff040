package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// GenerateNonce returns size random bytes
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Fingerprint returns a short code both users can compare out of band to
// confirm they derived the same shared secret, e.g. "3f2a-91c0-77de-0b14".
// Returns "" for an empty secret.
func Fingerprint(secret []byte) string {
	if len(secret) == 0 {
		return ""
	}

	sum := blake2b.Sum256(secret)
	code := hex.EncodeToString(sum[:8])

	groups := make([]string, 0, 4)
	for i := 0; i < len(code); i += 4 {
		groups = append(groups, code[i:i+4])
	}
	return strings.Join(groups, "-")
}
