package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/canonicalize"
	"github.com/Mindburn-Labs/attest/pkg/crypto"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
)

// BundleVersion identifies the export format.
const BundleVersion = "1"

// ExportBundle is a signed, self-verifying slice of the manifest.
type ExportBundle struct {
	Version    string    `json:"version"`
	Shard      string    `json:"shard"`
	From       uint64    `json:"from"`
	To         uint64    `json:"to"`
	AnchorHash string    `json:"anchor_hash"`
	HeadHash   string    `json:"head_hash"`
	Entries    []Entry   `json:"entries"`
	ExportedAt time.Time `json:"exported_at"`
	KeyID      string    `json:"key_id"`
	PublicKey  string    `json:"public_key"`
	Signature  string    `json:"signature,omitempty"`
}

// signingBytes is the canonical form the signature covers.
func (b ExportBundle) signingBytes() ([]byte, error) {
	b.Signature = ""
	return canonicalize.JCS(b)
}

// Export verifies [from, to] and returns it as a signed bundle. A broken
// chain is never exported.
func (l *Ledger) Export(ctx context.Context, from, to uint64, signer crypto.Signer) (*ExportBundle, error) {
	rep, err := l.Verify(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("refusing to export: %w", err)
	}
	entries, err := l.Range(ctx, rep.From, rep.To)
	if err != nil {
		return nil, err
	}

	b := &ExportBundle{
		Version:    BundleVersion,
		Shard:      l.shard,
		From:       rep.From,
		To:         rep.To,
		AnchorHash: integrity.ZeroDigest,
		HeadHash:   integrity.ZeroDigest,
		Entries:    entries,
		ExportedAt: normalizeTime(l.now()),
		KeyID:      signer.KeyID(),
		PublicKey:  signer.PublicKey(),
	}
	if len(entries) > 0 {
		b.AnchorHash = entries[0].PrevHash
		b.HeadHash = entries[len(entries)-1].EntryHash
	}

	msg, err := b.signingBytes()
	if err != nil {
		return nil, err
	}
	if b.Signature, err = signer.Sign(msg); err != nil {
		return nil, fmt.Errorf("sign export: %w", err)
	}
	return b, nil
}

// VerifyBundle checks a bundle offline: the signature against trustedKey
// (hex Ed25519 public key; when empty the embedded key is used, which proves
// integrity but not origin), then every entry hash, link and sequence.
func VerifyBundle(b *ExportBundle, trustedKey string) (VerificationReport, error) {
	rep := VerificationReport{Shard: b.Shard, From: b.From, To: b.To, OK: true}

	key := b.PublicKey
	if trustedKey != "" {
		if trustedKey != b.PublicKey {
			return rep, fmt.Errorf("bundle signed by %s, expected %s", b.PublicKey, trustedKey)
		}
		key = trustedKey
	}
	msg, err := b.signingBytes()
	if err != nil {
		return rep, err
	}
	switch err := crypto.Verify(key, b.Signature, msg); {
	case errors.Is(err, crypto.ErrBadSignature):
		return rep, fmt.Errorf("%w: bundle signature invalid", evidence.ErrIntegrityViolation)
	case err != nil:
		return rep, fmt.Errorf("verify bundle signature: %w", err)
	}

	prev := b.AnchorHash
	for i, e := range b.Entries {
		want := b.From + uint64(i)
		if e.Sequence != want {
			return rep.broken(want, fmt.Sprintf("sequence gap: found %d", e.Sequence))
		}
		if e.PrevHash != prev {
			return rep.broken(e.Sequence, "prev_hash does not match predecessor")
		}
		h, err := ComputeHash(e)
		if err != nil || h != e.EntryHash {
			return rep.broken(e.Sequence, "entry_hash mismatch")
		}
		prev = e.EntryHash
		rep.Checked++
	}
	if len(b.Entries) > 0 && prev != b.HeadHash {
		return rep.broken(b.To, "head hash mismatch")
	}
	rep.HeadHash = b.HeadHash
	return rep, nil
}
