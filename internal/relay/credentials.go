package relay

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/guildops/ticket-bridge/pkg/util"
)

// CredentialManager encrypts and decrypts per-category relay credentials.
// The key is supplied out of band; ciphertexts round-trip deterministically
// given the same key.
type CredentialManager struct {
	aeadKey []byte
}

// NewCredentialManager derives a 256-bit AEAD key from the configured
// secret.
func NewCredentialManager(secret string) (*CredentialManager, error) {
	if secret == "" {
		return nil, errors.New("relay credential key not configured")
	}
	key := sha256.Sum256([]byte(secret))
	return &CredentialManager{aeadKey: key[:]}, nil
}

// Encrypt seals the plaintext token and returns a base64 ciphertext with the
// nonce prepended.
func (m *CredentialManager) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(m.aeadKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any failure, including a
// truncated or tampered ciphertext, surfaces as DECRYPTION_ERROR.
func (m *CredentialManager) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", util.NewDecryptionError(err)
	}
	aead, err := chacha20poly1305.NewX(m.aeadKey)
	if err != nil {
		return "", util.NewDecryptionError(err)
	}
	if len(raw) < aead.NonceSize() {
		return "", util.NewDecryptionError(fmt.Errorf("ciphertext shorter than nonce"))
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", util.NewDecryptionError(err)
	}
	return string(plaintext), nil
}
