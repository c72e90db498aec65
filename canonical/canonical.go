// Package canonical provides RFC 8785 (JCS) canonical JSON encoding and the
// hashing and codec conventions shared by receipts, commitments, and input
// attestations. Two independent implementations of this package's contract
// must produce byte-identical output for the same logical value.
package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON encoding of v as UTF-8 bytes.
// Object keys are sorted, whitespace removed, numbers rendered in their
// shortest form. Values that cannot be canonicalized (non-finite numbers,
// channels, cycles) yield an error.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical encoding of v.
// This is the sole hashing convention for commitments.
func Hash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashText returns the lowercase hex SHA-256 digest of the UTF-8 bytes of s.
// Text hashes (output hashes) use this convention, not JCS.
func HashText(s string) string {
	return HashBytes([]byte(s))
}

// B64URL encodes bytes as base64url without padding.
func B64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// FromB64URL decodes a base64url string without padding.
func FromB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// HexLower encodes bytes as lowercase hex with no 0x prefix.
func HexLower(data []byte) string {
	return hex.EncodeToString(data)
}

// FromHex decodes a lowercase or uppercase hex string.
func FromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
