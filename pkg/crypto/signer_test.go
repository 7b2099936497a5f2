package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_RoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", signer.KeyID())

	msg := []byte(`{"head_hash":"sha256:00"}`)
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	require.NoError(t, Verify(signer.PublicKey(), sig, msg))
	err = Verify(signer.PublicKey(), sig, []byte(`{"head_hash":"sha256:01"}`))
	assert.ErrorIs(t, err, ErrBadSignature, "tampered message accepted")
}

func TestVerify_MalformedInput(t *testing.T) {
	signer, err := NewEd25519Signer("")
	require.NoError(t, err)
	assert.Contains(t, signer.KeyID(), "ed25519:")

	err = Verify("zz", "00", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadSignature)
	assert.Error(t, Verify("abcd", "00", nil))
	assert.Error(t, Verify(signer.PublicKey(), "00", nil))
}

func TestDeriveSigner_Deterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	a, err := DeriveSigner(secret, "default")
	require.NoError(t, err)
	b, err := DeriveSigner(secret, "default")
	require.NoError(t, err)
	c, err := DeriveSigner(secret, "other")
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())
	assert.NotEqual(t, a.PublicKey(), c.PublicKey())

	_, err = DeriveSigner([]byte("short"), "default")
	assert.Error(t, err)
}

func TestLoadOrGenerateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "export.key")

	_, _, err := LoadOrGenerateSigner(path, false)
	require.Error(t, err)

	first, created, err := LoadOrGenerateSigner(path, true)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrGenerateSigner(path, true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}
