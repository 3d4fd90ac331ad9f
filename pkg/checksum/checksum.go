// Package checksum provides SHA-256 checksum utilities for file integrity
// verification. Scan intake hashes every upload before archiving it so the
// stored document row can vouch for the archived bytes, and the storage layer
// records the same hash on upload. Keeping this logic in a dedicated package
// applies consistent hashing behaviour across the intake, archive, and storage
// layers without duplicating crypto/sha256 wiring throughout the codebase.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// SumBytes returns the hex-encoded SHA256 of an in-memory buffer. Scan intake
// holds the whole upload in memory already, so this avoids threading a reader
// through just to hash it.
func SumBytes(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}
