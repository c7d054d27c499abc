package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Connection ID prefixes, one per negotiated connection kind.
const (
	MediaConnPrefix = "mc"
	DataConnPrefix  = "dc"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateConnectionID generates the identifier both sides of a relay
// negotiation use to address one peer connection.
func GenerateConnectionID(prefix string) string {
	return GenerateID(prefix)
}

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
