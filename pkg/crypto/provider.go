package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SessionKeyInfo is the HKDF info string for session keys
const SessionKeyInfo = "ZenTalk Peer Session Key v1"

// NonceSize is the AES-GCM nonce size
const NonceSize = 12

// Sealed is an AEAD ciphertext together with its nonce.
// Byte slices are base64 encoded when marshalled to JSON.
type Sealed struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Provider supplies the primitives a session sequences during key exchange.
type Provider interface {
	GenerateKeyPair() (*KeyPair, error)
	DeriveSharedSecret(local *KeyPair, remotePublic []byte, isInitiator bool) ([]byte, error)
	Encrypt(plaintext, secret []byte) (*Sealed, error)
	Decrypt(sealed *Sealed, secret []byte) ([]byte, error)
}

// X25519Provider implements Provider with X25519, HKDF-SHA256 and AES-256-GCM
type X25519Provider struct{}

// NewX25519Provider creates the default provider
func NewX25519Provider() *X25519Provider {
	return &X25519Provider{}
}

// GenerateKeyPair generates an ephemeral key pair
func (p *X25519Provider) GenerateKeyPair() (*KeyPair, error) {
	return GenerateKeyPair()
}

// DeriveSharedSecret computes DH(local, remote) and expands it into a session key.
// The HKDF salt is initiatorPublic || responderPublic so both ends agree on it.
func (p *X25519Provider) DeriveSharedSecret(local *KeyPair, remotePublic []byte, isInitiator bool) ([]byte, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: no local key pair", ErrInvalidKey)
	}
	if len(remotePublic) != KeySize {
		return nil, fmt.Errorf("%w: remote key length %d", ErrInvalidKey, len(remotePublic))
	}

	// X25519 rejects low-order points (all-zero output)
	dh, err := curve25519.X25519(local.Private[:], remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	salt := make([]byte, 0, 2*KeySize)
	if isInitiator {
		salt = append(salt, local.Public[:]...)
		salt = append(salt, remotePublic...)
	} else {
		salt = append(salt, remotePublic...)
		salt = append(salt, local.Public[:]...)
	}

	kdf := hkdf.New(sha256.New, dh, salt, []byte(SessionKeyInfo))
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil, fmt.Errorf("failed to expand session key: %w", err)
	}

	return secret, nil
}

// Encrypt encrypts plaintext using AES-256-GCM
func (p *X25519Provider) Encrypt(plaintext, secret []byte) (*Sealed, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return &Sealed{
		IV:         nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt decrypts and authenticates a sealed payload
func (p *X25519Provider) Decrypt(sealed *Sealed, secret []byte) ([]byte, error) {
	if sealed == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrDecryptionFailed)
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	if len(sealed.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrDecryptionFailed, len(sealed.IV))
	}

	plaintext, err := gcm.Open(nil, sealed.IV, sealed.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong key or corrupted data", ErrDecryptionFailed)
	}

	return plaintext, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: secret length %d", ErrInvalidKey, len(secret))
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCM(block)
}
