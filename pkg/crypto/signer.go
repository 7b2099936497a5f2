// Package crypto signs exported manifest bundles with Ed25519 and verifies
// them offline.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a well-formed signature does not match.
var ErrBadSignature = errors.New("signature does not verify")

// Signer signs the canonical bytes of a manifest bundle.
type Signer interface {
	KeyID() string
	// PublicKey is the hex verification key embedded in every bundle.
	PublicKey() string
	Sign(msg []byte) (string, error)
}

// Ed25519Signer holds one private key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
	id  string
}

// NewEd25519Signer generates an ephemeral key. Bundles it signs can only be
// verified against the public key they embed.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewEd25519SignerFromKey(priv, keyID), nil
}

// NewEd25519SignerFromKey wraps priv. An empty keyID becomes the key
// fingerprint.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	if keyID == "" {
		keyID = Fingerprint(priv.Public().(ed25519.PublicKey))
	}
	return &Ed25519Signer{key: priv, id: keyID}
}

// Fingerprint names a public key by the first 8 bytes of its SHA-256.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(sum[:8])
}

func (s *Ed25519Signer) KeyID() string { return s.id }

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Sign returns the hex signature over msg.
func (s *Ed25519Signer) Sign(msg []byte) (string, error) {
	if len(s.key) != ed25519.PrivateKeySize {
		return "", errors.New("signer has no private key")
	}
	return hex.EncodeToString(ed25519.Sign(s.key, msg)), nil
}

// Verify checks a hex signature over msg against a hex public key. Malformed
// input is reported as such; a mismatch is ErrBadSignature.
func Verify(pubHex, sigHex string, msg []byte) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed public key %q", pubHex)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return errors.New("malformed signature")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
