// Package middleware provides HTTP middleware for the decisio API,
// including bearer-token validation, bcrypt-based API key hashing with
// legacy SHA-256 hash support, request logging, and per-IP rate limiting
// of failed authentication attempts.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret. The hash is
// what gets stored; the plaintext secret is shown to the operator once at
// creation time and never persisted.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored hash. Keys
// created before the move to bcrypt were stored as hex SHA-256 digests, so
// the comparison falls through to that scheme when bcrypt rejects the hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil {
		return true
	}
	return sha256KeyMatches(expectedHash, apiKey)
}

func sha256KeyMatches(expectedHex, apiKey string) bool {
	want, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(apiKey))
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}
