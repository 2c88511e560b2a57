package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSecret generates a cryptographically secure random secret
func GenerateSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GeneratedSecrets is one full set of service secrets
type GeneratedSecrets struct {
	EsewaSecretKey  string
	KhaltiSecretKey string
	JWTSecret       string
}

// GenerateServiceSecrets generates 256-bit gateway HMAC secrets and a JWT secret
func GenerateServiceSecrets() (GeneratedSecrets, error) {
	var secrets GeneratedSecrets
	var err error

	if secrets.EsewaSecretKey, err = GenerateSecret(32); err != nil {
		return GeneratedSecrets{}, fmt.Errorf("failed to generate eSewa secret: %w", err)
	}
	if secrets.KhaltiSecretKey, err = GenerateSecret(32); err != nil {
		return GeneratedSecrets{}, fmt.Errorf("failed to generate Khalti secret: %w", err)
	}
	if secrets.JWTSecret, err = GenerateSecret(32); err != nil {
		return GeneratedSecrets{}, fmt.Errorf("failed to generate JWT secret: %w", err)
	}

	return secrets, nil
}
