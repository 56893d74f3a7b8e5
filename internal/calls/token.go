package calls

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// reconnectTokenBytes is the entropy of a reconnect token (256 bits).
const reconnectTokenBytes = 32

// GenerateReconnectToken returns a new opaque, URL-safe reconnect token.
func GenerateReconnectToken() (string, error) {
	b := make([]byte, reconnectTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate reconnect token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
