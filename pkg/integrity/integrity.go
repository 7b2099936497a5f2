// Package integrity computes content digests and verifies stored bytes
// against them.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// Prefix tags every digest with its algorithm.
const Prefix = "sha256:"

// ZeroDigest is the genesis value used as prev_hash for the first ledger entry.
var ZeroDigest = Prefix + strings.Repeat("0", sha256.Size*2)

// Digest returns the prefixed SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// DigestReader streams r through SHA-256.
func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("digest stream: %w", err)
	}
	return Prefix + hex.EncodeToString(h.Sum(nil)), n, nil
}

// ParseDigest validates the prefixed form and returns the raw hex.
func ParseDigest(d string) (string, error) {
	if !strings.HasPrefix(d, Prefix) {
		return "", fmt.Errorf("invalid digest format: %s", d)
	}
	raw := d[len(Prefix):]
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length: %d", len(raw))
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw, nil
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verify recomputes the digest of data and compares it with expected.
// It returns the resulting integrity state and, on mismatch, an
// *evidence.IntegrityError.
func Verify(recordID string, data []byte, expected string) (evidence.IntegrityState, error) {
	actual := Digest(data)
	if !Equal(actual, expected) {
		return evidence.IntegrityCorrupt, &evidence.IntegrityError{
			RecordID: recordID,
			Expected: expected,
			Actual:   actual,
		}
	}
	return evidence.IntegrityVerified, nil
}
