package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const hkdfSalt = "attest-manifest-export"

// DeriveSigner deterministically derives an Ed25519 signer from a shared
// secret using HKDF-SHA256. The shard name is the HKDF info so every shard
// signs with its own key.
func DeriveSigner(secret []byte, shard string) (*Ed25519Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("signing secret must be at least 16 bytes")
	}
	if shard == "" {
		return nil, fmt.Errorf("shard must not be empty")
	}
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(shard))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), "hkdf:"+shard), nil
}

// LoadOrGenerateSigner reads a hex seed from path. When the file does not
// exist and create is true, a fresh key is generated and written (0600) along
// with a sibling ".pub" file.
func LoadOrGenerateSigner(path string, create bool) (*Ed25519Signer, bool, error) {
	keyHex, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(keyHex)))
		if err != nil {
			return nil, false, fmt.Errorf("invalid signing key format: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, false, fmt.Errorf("invalid signing key size: %d", len(seed))
		}
		return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), ""), false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read signing key: %w", err)
	}
	if !create {
		return nil, false, fmt.Errorf("signing key %s does not exist", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, false, fmt.Errorf("save signing key: %w", err)
	}
	_ = os.WriteFile(path+".pub", []byte(hex.EncodeToString(pub)), 0o644)
	return NewEd25519SignerFromKey(priv, ""), true, nil
}
