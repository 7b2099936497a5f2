package artifacts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_DefaultLocal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(context.Background(), StoreConfig{DataDir: dir})
	require.NoError(t, err)

	fs, ok := store.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", store)
	assert.Equal(t, filepath.Join(dir, "evidence"), fs.baseDir)
}

func TestNewStore_CloudMissingBucket(t *testing.T) {
	_, err := NewStore(context.Background(), StoreConfig{Backend: BackendCloud, Provider: ProviderS3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	_, err = NewStore(context.Background(), StoreConfig{Backend: BackendCloud, Provider: ProviderGCS})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestNewStore_Unsupported(t *testing.T) {
	_, err := NewStore(context.Background(), StoreConfig{Backend: "tape"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store backend")

	_, err = NewStore(context.Background(), StoreConfig{Backend: BackendCloud, Provider: "azure", Bucket: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported cloud provider")
}
