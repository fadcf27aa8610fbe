// Package checksum computes and verifies content digests of staged artifacts.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// bufferSize is the read chunk used while hashing.
const bufferSize = 1024

// ErrNotAFile is returned when a digest is requested for something that is
// not a regular file.
var ErrNotAFile = errors.New("not a regular file")

// Algorithm identifies a digest function.
type Algorithm int

const (
	SHA256 Algorithm = iota
	BLAKE3
)

// String returns the recipe spelling of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case BLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// HexLen is the length of a hex digest produced by the algorithm.
func (a Algorithm) HexLen() int {
	return 64
}

func (a Algorithm) newHash() hash.Hash {
	if a == BLAKE3 {
		return blake3.New(32, nil)
	}
	return sha256.New()
}

// ParseAlgorithm maps a name such as "sha256" or "blake3" to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha256", "sha-256":
		return SHA256, nil
	case "blake3", "b3":
		return BLAKE3, nil
	default:
		return 0, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

// IOError wraps a filesystem failure that happened while hashing.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("hashing %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Digest returns the lowercase hex SHA-256 digest of the file at path.
func Digest(path string) (string, error) {
	return DigestWith(SHA256, path)
}

// DigestWith returns the lowercase hex digest of the file at path using algo.
func DigestWith(algo Algorithm, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, ErrNotAFile)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	defer f.Close()

	h := algo.newHash()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, onlyReader{f}, buf); err != nil {
		return "", &IOError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// onlyReader hides io.WriterTo so CopyBuffer reads in bufferSize chunks.
type onlyReader struct{ r io.Reader }

func (o onlyReader) Read(p []byte) (int, error) { return o.r.Read(p) }

// Sum is a declared digest: an algorithm and its normalized hex value.
type Sum struct {
	Algorithm Algorithm
	Hex       string
}

// Parse validates a hex digest for algo and returns it normalized to lowercase.
func Parse(algo Algorithm, digest string) (Sum, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if len(digest) != algo.HexLen() {
		return Sum{}, fmt.Errorf("%s digest must be %d hex characters, got %d", algo, algo.HexLen(), len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return Sum{}, fmt.Errorf("%s digest is not hex: %w", algo, err)
	}
	return Sum{Algorithm: algo, Hex: digest}, nil
}

// IsZero reports whether no digest was declared.
func (s Sum) IsZero() bool { return s.Hex == "" }

// Matches compares a computed digest against the declared one, ignoring case.
func (s Sum) Matches(digest string) bool {
	return s.Hex != "" && strings.EqualFold(s.Hex, digest)
}

func (s Sum) String() string {
	return s.Algorithm.String() + ":" + s.Hex
}

// MismatchError reports a declared digest that differs from the computed one.
type MismatchError struct {
	Path     string
	Expected Sum
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s %s, got %s",
		e.Path, e.Expected.Algorithm, e.Expected.Hex, e.Actual)
}

// Verify hashes path and fails with *MismatchError when it differs from s.
func (s Sum) Verify(path string) error {
	actual, err := DigestWith(s.Algorithm, path)
	if err != nil {
		return err
	}
	return s.VerifyDigest(path, actual)
}

// VerifyDigest fails with *MismatchError when actual, a digest already
// computed for path, differs from s.
func (s Sum) VerifyDigest(path, actual string) error {
	if !s.Matches(actual) {
		return &MismatchError{Path: path, Expected: s, Actual: actual}
	}
	return nil
}
