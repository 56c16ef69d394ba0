// Package sha256 provides SHA-256 hashing utilities for artifact checksums and
// stable file names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher computes hex-encoded SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through the digest.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	digest := sha256.New()
	n, err := io.Copy(digest, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), n, nil
}

// HashFile returns the digest of the file at path.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path is produced by the pipeline
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	sum, _, err := h.HashReader(f)
	return sum, err
}

// Prefix returns the first n hex characters of the digest of s. n is clamped
// to the digest length.
func Prefix(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	encoded := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(encoded) {
		n = len(encoded)
	}
	return encoded[:n]
}
