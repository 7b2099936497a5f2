//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	s, err := NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	if err != nil {
		return nil, err
	}
	if err := s.EnsureLifecycle(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
