//go:build !gcp

package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore_GCSNotEnabled(t *testing.T) {
	_, err := NewStore(context.Background(), StoreConfig{Backend: BackendCloud, Provider: ProviderGCS, Bucket: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enabled")
}
