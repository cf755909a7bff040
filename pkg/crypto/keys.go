package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrMissingSecret    = errors.New("missing shared secret")
)

// KeySize is the size of X25519 keys and of the derived session key
const KeySize = 32

// KeyPair is an ephemeral X25519 key pair, generated once per session
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair generates a new X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	copy(kp.Public[:], pub)

	return kp, nil
}

// EncodePublicKey encodes a public key for the HandshakeKey envelope
func EncodePublicKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey decodes and validates a public key from a HandshakeKey envelope
func DecodePublicKey(s string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(pub) != KeySize {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidKey, len(pub), KeySize)
	}
	return pub, nil
}
