// Package cryptoutil encrypts secret values before they reach the
// database. Ciphertexts carry a version prefix so the key or algorithm
// can rotate without a data migration.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	prefixV1    = "v1:"
	prefixPlain = "plain:"

	keyBytes = 32
)

// SecretCipher seals secret values for storage and opens them on read.
type SecretCipher interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// AESGCM is a SecretCipher backed by AES-256-GCM with a random nonce
// per value.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM builds an AESGCM cipher. The key must be exactly 32 bytes.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != keyBytes {
		return nil, fmt.Errorf("aes-gcm key must be %d bytes, got %d", keyBytes, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh nonce and returns a versioned
// base64 string holding nonce||ciphertext.
func (c *AESGCM) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return prefixV1 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values stored before
// encryption was configured carry the plain prefix and are decoded
// without a key.
func (c *AESGCM) Open(ciphertext string) ([]byte, error) {
	if strings.HasPrefix(ciphertext, prefixPlain) {
		decoded, err := base64.StdEncoding.DecodeString(ciphertext[len(prefixPlain):])
		if err != nil {
			return nil, fmt.Errorf("decode plain ciphertext: %w", err)
		}
		return decoded, nil
	}

	if !strings.HasPrefix(ciphertext, prefixV1) {
		return nil, fmt.Errorf("unknown ciphertext version (prefix: %q)", head(ciphertext, 10))
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[len(prefixV1):])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Passthrough is a SecretCipher that stores base64 plaintext behind a
// marker prefix. Used when no encryption key is configured and in
// tests.
type Passthrough struct{}

func (Passthrough) Seal(plaintext []byte) (string, error) {
	return prefixPlain + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (Passthrough) Open(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, prefixPlain) {
		return nil, errors.New("invalid plain ciphertext")
	}
	return base64.StdEncoding.DecodeString(ciphertext[len(prefixPlain):])
}
