// Package hmacsign implements the gateway's canonical HMAC signer and
// verifier: a fixed lexicographic field ordering, a fixed-length hex digest
// format, and constant-time comparison, with support for dual-secret
// rotation so an in-flight secret change never invalidates an outstanding
// challenge.
package hmacsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrEmptySecret is returned when Sign or Verify is called with no secret
// material configured at all (neither current nor previous).
var ErrEmptySecret = errors.New("hmacsign: no secret configured")

const digestHexLen = sha256.Size * 2

// Fields is the canonical field set to be signed. Values are rendered as
// base-10 strings by the caller before being added here; Sign and Verify
// never perform numeric formatting themselves so the same canonicalization
// is trivially reproducible on the verifying side.
type Fields map[string]string

// canonicalMessage renders fields in a fixed pipe-delimited lexicographic
// key order: "k1=v1|k2=v2|...". The HMAC field itself must never be a
// member of Fields; callers add it only to the envelope they transmit.
func canonicalMessage(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, "|")
}

// Sign computes the canonical message for fields and returns its hex-encoded
// HMAC-SHA256 digest under secret.
func Sign(fields Fields, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalMessage(fields)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignMessage is like Sign but takes an already-canonicalized message,
// for callers (e.g. the WAL or receipt verifier) signing a value that is
// not itself a Fields map.
func SignMessage(message string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks that hmacHex is a valid hex-encoded HMAC-SHA256 digest of
// fields under secret, or, if secret fails, under secretPrev (rotation).
// It returns false for any malformed input without distinguishing the
// reason, by design: the length guard is the only input-independent
// rejection and no further timing signal is given.
func Verify(fields Fields, hmacHex string, secret, secretPrev []byte) bool {
	return VerifyMessage(canonicalMessage(fields), hmacHex, secret, secretPrev)
}

// VerifyMessage is the Fields-free counterpart of Verify.
func VerifyMessage(message, hmacHex string, secret, secretPrev []byte) bool {
	if len(hmacHex) != digestHexLen {
		return false
	}
	decoded, err := hex.DecodeString(hmacHex)
	if err != nil || len(decoded) != sha256.Size {
		return false
	}

	if len(secret) > 0 && verifyWithSecret(message, decoded, secret) {
		return true
	}
	if len(secretPrev) > 0 && verifyWithSecret(message, decoded, secretPrev) {
		return true
	}
	return false
}

func verifyWithSecret(message string, decoded, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	expected := mac.Sum(nil)
	return hmac.Equal(decoded, expected)
}

// RotatingSecret holds a current and previous signing secret so a secret
// rotation never invalidates challenges or WAL entries signed moments
// before the rotation took effect. Reads and writes are safe for
// concurrent use.
type RotatingSecret struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte
}

// NewRotatingSecret constructs a RotatingSecret with an initial current
// secret and no previous secret.
func NewRotatingSecret(current []byte) *RotatingSecret {
	return &RotatingSecret{current: cloneBytes(current)}
}

// Rotate replaces the current secret, demoting the old current to
// previous. Verification against the previous secret keeps working until
// the next rotation evicts it.
func (r *RotatingSecret) Rotate(next []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous = r.current
	r.current = cloneBytes(next)
}

// Current returns the active signing secret.
func (r *RotatingSecret) Current() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneBytes(r.current)
}

// Previous returns the prior signing secret, or nil if there has been no
// rotation yet.
func (r *RotatingSecret) Previous() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneBytes(r.previous)
}

// Sign signs fields with the current secret.
func (r *RotatingSecret) Sign(fields Fields) (string, error) {
	return Sign(fields, r.Current())
}

// Verify verifies fields against both the current and previous secret.
func (r *RotatingSecret) Verify(fields Fields, hmacHex string) bool {
	return Verify(fields, hmacHex, r.Current(), r.Previous())
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// FormatNumber renders an integer as a base-10 string for inclusion in a
// Fields map, matching the signer's canonicalization rule that numbers are
// emitted as base-10 strings.
func FormatNumber(n int64) string {
	return fmt.Sprintf("%d", n)
}
