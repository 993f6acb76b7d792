package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// maxIDDigits is the hex length of one UUID.
const maxIDDigits = 32

// NewID returns prefix followed by digits hex characters of a random UUID.
// digits is clamped to 1..32.
func NewID(prefix string, digits int) string {
	digits = max(1, min(digits, maxIDDigits))
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])[:digits]
}

// GenerateTurnID identifies one aggregated inbound turn.
func GenerateTurnID() string {
	return NewID("t_", 16)
}

// GenerateRequestID identifies one control API request.
func GenerateRequestID() string {
	return NewID("req_", 16)
}
