package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/crypto"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

func TestExport_RoundTripVerifies(t *testing.T) {
	l, _ := seeded(t, 6)
	signer, err := crypto.NewEd25519Signer("export-test")
	require.NoError(t, err)

	bundle, err := l.Export(context.Background(), 3, 5, signer)
	require.NoError(t, err)
	assert.Len(t, bundle.Entries, 3)
	assert.Equal(t, uint64(3), bundle.From)
	assert.Equal(t, bundle.Entries[0].PrevHash, bundle.AnchorHash)
	assert.Equal(t, "export-test", bundle.KeyID)

	// Bundles travel as JSON; verification must survive the trip.
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	var decoded ExportBundle
	require.NoError(t, json.Unmarshal(raw, &decoded))

	rep, err := VerifyBundle(&decoded, signer.PublicKey())
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, bundle.HeadHash, rep.HeadHash)
}

func TestExport_WholeLedgerAnchorsOnGenesis(t *testing.T) {
	l, _ := seeded(t, 2)
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)
	bundle, err := l.Export(context.Background(), 0, 0, signer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bundle.From)
	assert.Equal(t, uint64(2), bundle.To)

	_, err = VerifyBundle(bundle, "")
	require.NoError(t, err)
}

func TestExport_RefusesBrokenChain(t *testing.T) {
	l, backend := seeded(t, 4)
	backend.shards[DefaultShard][1].Tool = "forged"
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)

	_, err = l.Export(context.Background(), 0, 0, signer)
	assert.ErrorIs(t, err, evidence.ErrChainBroken)
}

func TestVerifyBundle_DetectsTampering(t *testing.T) {
	l, _ := seeded(t, 4)
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("edited entry breaks signature", func(t *testing.T) {
		b, err := l.Export(ctx, 0, 0, signer)
		require.NoError(t, err)
		b.Entries[2].Category = "forged"
		_, err = VerifyBundle(b, signer.PublicKey())
		assert.ErrorIs(t, err, evidence.ErrIntegrityViolation)
	})

	t.Run("re-signed edit breaks chain", func(t *testing.T) {
		b, err := l.Export(ctx, 0, 0, signer)
		require.NoError(t, err)
		b.Entries[2].Category = "forged"
		msg, err := b.signingBytes()
		require.NoError(t, err)
		b.Signature, err = signer.Sign(msg)
		require.NoError(t, err)

		rep, err := VerifyBundle(b, signer.PublicKey())
		assert.ErrorIs(t, err, evidence.ErrChainBroken)
		assert.Equal(t, uint64(3), rep.BrokenAt)
	})

	t.Run("dropped entry breaks sequence", func(t *testing.T) {
		b, err := l.Export(ctx, 0, 0, signer)
		require.NoError(t, err)
		b.Entries = append(b.Entries[:1], b.Entries[2:]...)
		msg, err := b.signingBytes()
		require.NoError(t, err)
		b.Signature, err = signer.Sign(msg)
		require.NoError(t, err)

		rep, err := VerifyBundle(b, "")
		assert.ErrorIs(t, err, evidence.ErrChainBroken)
		assert.Equal(t, uint64(2), rep.BrokenAt)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		b, err := l.Export(ctx, 0, 0, signer)
		require.NoError(t, err)
		other, err := crypto.NewEd25519Signer("other")
		require.NoError(t, err)
		_, err = VerifyBundle(b, other.PublicKey())
		assert.Error(t, err)
	})
}
