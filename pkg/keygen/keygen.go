package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const bridgeKeyBytes = 32

// GenerateBridgeKey generates the API key a terminal bridge presents on
// every call. 64 hex characters from a CSPRNG.
func GenerateBridgeKey() (string, error) {
	buf := make([]byte, bridgeKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ConnectionID generates the identifier for one viewer connection
func ConnectionID() string {
	return uuid.NewString()
}

// MaskKey renders a key safe for logs, keeping only the first 8 characters
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "***"
}
