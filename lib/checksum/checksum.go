package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Chunk returns the hex digest recorded for a relayed chunk payload.
func Chunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data matches a previously recorded digest.
func Verify(data []byte, digest string) bool {
	return Chunk(data) == digest
}
