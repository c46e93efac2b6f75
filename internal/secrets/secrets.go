// Package secrets encrypts integration credentials at rest with AES-256-GCM.
// The key comes from an environment variable; without it, credential writes
// fail loudly instead of storing plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/wudi/warden/internal/errors"
)

// Box seals and opens credential strings.
type Box struct {
	gcm cipher.AEAD
}

// New creates a Box from a raw 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (got %d)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{gcm: gcm}, nil
}

// NewFromEnv reads the key from the named environment variable. The value may
// be base64, hex, or the raw 32 bytes. A missing variable is a fatal error.
func NewFromEnv(envVar string) (*Box, error) {
	val, ok := os.LookupEnv(envVar)
	if !ok || val == "" {
		return nil, errors.Fatal(nil, "missing_encryption_key",
			fmt.Sprintf("environment variable %s is not set; set it to a 32-byte key (base64 or hex)", envVar))
	}
	key, err := decodeKey(val)
	if err != nil {
		return nil, errors.Fatal(err, "invalid_encryption_key",
			fmt.Sprintf("environment variable %s does not hold a valid 32-byte key", envVar))
	}
	return New(key)
}

func decodeKey(val string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(val); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := hex.DecodeString(val); err == nil && len(b) == 32 {
		return b, nil
	}
	if len(val) == 32 {
		return []byte(val), nil
	}
	return nil, fmt.Errorf("key must decode to 32 bytes")
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	nonceSize := b.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt credentials: %w", err)
	}
	return string(plaintext), nil
}
