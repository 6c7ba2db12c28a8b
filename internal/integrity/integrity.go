// Package integrity provides the chunk checksum and whole-file digest used
// by the transfer protocol.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// DigestSize is the length of a hex-encoded digest.
const DigestSize = sha256.Size * 2

// Checksum returns the CRC-32 (IEEE) of data, the value carried in chunk headers.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// DigestReader returns the hex SHA-256 of everything read from r.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash data: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the hex SHA-256 of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return DigestReader(f)
}

// ValidDigest reports whether s looks like a hex digest produced by this package.
func ValidDigest(s string) bool {
	if len(s) != DigestSize {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
