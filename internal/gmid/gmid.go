// Package gmid implements the global media identifier: a 32-character
// lowercase hex digest of the media file's content bytes. Identical bytes
// always produce the same GMID, which is what makes uploads idempotent.
package gmid

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Length is the exact length of a GMID in hex characters.
const Length = 32

// ErrInvalid indicates a string that is not a well-formed GMID.
var ErrInvalid = errors.New("invalid gmid")

// FromBytes derives the GMID for a blob of content bytes.
func FromBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// FromReader derives the GMID by streaming content through the hash.
func FromReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Parse validates and canonicalizes a GMID string. Uppercase hex is
// accepted and lowered; anything else is rejected.
func Parse(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != Length {
		return "", fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalid, Length, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %q is not hex", ErrInvalid, s)
	}
	return s, nil
}

// Valid reports whether s is a well-formed GMID.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// PointUUID renders a GMID as an RFC 4122 style UUID string. Qdrant point
// ids must be UUIDs or unsigned integers; a GMID is exactly 16 bytes of
// hash, so the mapping is a pure reformatting and is reversible.
func PointUUID(g string) string {
	raw, err := hex.DecodeString(g)
	if err != nil || len(raw) != md5.Size {
		// Callers pass GMIDs that already went through Parse; a bad one
		// here is a programming error, render it inert rather than panic.
		return g
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return g
	}
	return u.String()
}

// FromPointUUID recovers the GMID from a point UUID produced by PointUUID.
func FromPointUUID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a point uuid", ErrInvalid, s)
	}
	return hex.EncodeToString(u[:]), nil
}
