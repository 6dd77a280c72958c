package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/target/merrymaker-core/internal/data/cryptoutil"
)

// CreateSecretCipher creates an AES-GCM cipher from the provided key.
// If the key is a hex string, it decodes it. Otherwise, it hashes the key to get a 32-byte key.
// Returns the plaintext Passthrough cipher if the key is empty or invalid (with warning log).
//
//nolint:ireturn // Returning interface is intentional for cipher abstraction
func CreateSecretCipher(key string, logger *slog.Logger) cryptoutil.SecretCipher {
	if key == "" {
		if logger != nil {
			logger.Warn("encryption key is empty, secrets will be stored unencrypted")
		}
		return cryptoutil.Passthrough{}
	}

	enc, err := createAESGCM(key)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to create secret cipher, secrets will be stored unencrypted", "error", err)
		}
		return cryptoutil.Passthrough{}
	}

	return enc
}

func createAESGCM(key string) (*cryptoutil.AESGCM, error) {
	if key == "" {
		return nil, errors.New("encryption key is required")
	}

	// If the key is a hex string, decode it
	var keyBytes []byte
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == 32 {
		keyBytes = decoded
	} else {
		// Otherwise, hash the key to get a 32-byte key
		hash := sha256.Sum256([]byte(key))
		keyBytes = hash[:]
	}

	return cryptoutil.NewAESGCM(keyBytes)
}
