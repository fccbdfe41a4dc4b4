// Package auth provides bearer API key validation for the sync server.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// APIKeyPrefix distinguishes shelf-sync API keys from other bearer
	// credentials.
	APIKeyPrefix = "ss_"

	// apiKeyBytes is the number of random bytes in a generated key.
	apiKeyBytes = 16

	// APIKeyMinLen is the minimum accepted key length: the prefix plus
	// 32 hex characters.
	APIKeyMinLen = len(APIKeyPrefix) + apiKeyBytes*2
)

// NewAPIKey generates a random API key with the standard prefix.
func NewAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the SHA-256 hex digest of a raw key. Keys are held
// hashed in memory so a heap dump never exposes raw credentials.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
