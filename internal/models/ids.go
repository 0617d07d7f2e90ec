package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ID prefixes.
const (
	RequestIDPrefix  = "req-"
	SessionIDPrefix  = "ses-"
	MechanicIDPrefix = "mec-"
)

// GenerateID returns prefix followed by 12 random hex characters.
func GenerateID(prefix string) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("models: generate %sID: %w", prefix, err)
	}
	return prefix + hex.EncodeToString(b), nil
}
