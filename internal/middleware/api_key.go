package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key, suitable for
// storing in configuration instead of the raw key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored hash. Hex-encoded
// SHA-256 hashes remain supported alongside bcrypt.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}

	return sha256KeyMatchesHash(expectedHash, apiKey)
}

func sha256KeyMatchesHash(expectedHash, apiKey string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(apiKey))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// StaticKeyValidator validates API keys against a fixed client-id -> key
// table loaded from configuration. Values may be raw keys or hashes accepted
// by [APIKeyMatchesHash].
type StaticKeyValidator struct {
	keys map[string]string
}

// NewStaticKeyValidator builds a validator from a client-id -> key map.
func NewStaticKeyValidator(keys map[string]string) *StaticKeyValidator {
	copied := make(map[string]string, len(keys))
	for clientID, key := range keys {
		copied[clientID] = key
	}
	return &StaticKeyValidator{keys: copied}
}

// ValidateKey returns the client id owning the key, or an error if no
// configured key matches.
func (v *StaticKeyValidator) ValidateKey(_ context.Context, key string) (string, error) {
	if v == nil || len(v.keys) == 0 {
		return "", errors.New("no api keys configured")
	}

	for clientID, configured := range v.keys {
		if looksHashed(configured) {
			if APIKeyMatchesHash(configured, key) {
				return clientID, nil
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(configured), []byte(key)) == 1 {
			return clientID, nil
		}
	}

	return "", errors.New("invalid api key")
}

func looksHashed(value string) bool {
	if strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$") {
		return true
	}
	if len(value) == hex.EncodedLen(sha256.Size) {
		_, err := hex.DecodeString(value)
		return err == nil
	}
	return false
}
