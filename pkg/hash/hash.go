// Package hash computes and verifies the SHA-256 content hashes that
// identify packages throughout the server.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Bytes returns the hex-encoded SHA-256 hash of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader returns the hex-encoded SHA-256 hash of everything read from r.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex-encoded SHA-256 hash of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for checksum")
	}
	defer func() { _ = f.Close() }()
	return Reader(f)
}

// Verify checks data against a hex-encoded hash and returns ErrHashMismatch
// if they differ.
func Verify(data []byte, want string) error {
	if got := Bytes(data); got != Normalize(want) {
		return errors.Wrapf(errors.ErrHashMismatch, "want %s, got %s", want, got)
	}
	return nil
}

// Normalize lowercases a hex hash and strips an optional "sha256:" prefix.
func Normalize(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "sha256:"))
}

// Valid reports whether s looks like a hex-encoded SHA-256 hash.
func Valid(s string) bool {
	return hexPattern.MatchString(Normalize(s))
}
