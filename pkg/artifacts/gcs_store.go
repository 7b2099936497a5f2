//go:build gcp

package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/retention"
)

const (
	gcsScheme  = "gs"
	metaTier   = "tier"
	lockedMode = "Locked"
)

// GCSStore implements Store on a bucket with object retention enabled.
// Objects are written with a Locked retention, which cannot be shortened or
// removed. Storage-class transitions are driven by bucket lifecycle rules
// (see EnsureLifecycle) because locked objects cannot be rewritten in place.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a new GCS-backed evidence store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	// Uses ADC by default.
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, now: time.Now}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + key)
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, class retention.Class, retainUntil time.Time) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	w := s.object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.StorageClass = "STANDARD"
	w.Metadata = map[string]string{
		metaRetentionKey: string(class),
		metaTier:         string(retention.TierHot),
	}
	w.Retention = &storage.ObjectRetention{Mode: lockedMode, RetainUntil: retainUntil.UTC()}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return "", classifyGCS("write", key, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return formatRef(gcsScheme, s.bucket, key), fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return "", classifyGCS("close", key, err)
	}
	return formatRef(gcsScheme, s.bucket, key), nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := parseRef(ref, gcsScheme, s.bucket)
	if err != nil {
		return nil, err
	}
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		return nil, classifyGCS("get", key, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(io.LimitReader(reader, MaxObjectSize+1))
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	key, err := parseRef(ref, gcsScheme, s.bucket)
	if err != nil {
		return false, err
	}
	if _, err := s.object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, classifyGCS("attrs", key, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	key, err := parseRef(ref, gcsScheme, s.bucket)
	if err != nil {
		return err
	}
	info, err := s.stat(ctx, key)
	if err != nil {
		return err
	}
	if info.Locked(s.now()) {
		return fmt.Errorf("%w: %s retained until %s", evidence.ErrRetentionLocked, ref, info.RetainUntil.Format(time.RFC3339))
	}
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return classifyGCS("delete", key, err)
	}
	return nil
}

func (s *GCSStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	key, err := parseRef(ref, gcsScheme, s.bucket)
	if err != nil {
		return ObjectInfo{}, err
	}
	return s.stat(ctx, key)
}

func (s *GCSStore) stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, classifyGCS("attrs", key, err)
	}
	return s.infoFromAttrs(key, attrs), nil
}

func (s *GCSStore) infoFromAttrs(key string, attrs *storage.ObjectAttrs) ObjectInfo {
	info := ObjectInfo{
		Ref:            formatRef(gcsScheme, s.bucket, key),
		Key:            key,
		Size:           attrs.Size,
		RetentionClass: retention.Class(attrs.Metadata[metaRetentionKey]),
		Tier:           tierForGCSClass(attrs.StorageClass),
		CreatedAt:      attrs.Created,
	}
	if attrs.Retention != nil {
		info.RetainUntil = attrs.Retention.RetainUntil
	}
	return info
}

// SetTier records the requested tier as object metadata. The physical
// storage class follows from the bucket lifecycle rules installed by
// EnsureLifecycle, which apply the same thresholds.
func (s *GCSStore) SetTier(ctx context.Context, ref string, tier retention.Tier) error {
	key, err := parseRef(ref, gcsScheme, s.bucket)
	if err != nil {
		return err
	}
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		return classifyGCS("attrs", key, err)
	}
	if attrs.Metadata[metaTier] == string(tier) {
		return nil
	}
	md := make(map[string]string, len(attrs.Metadata)+1)
	for k, v := range attrs.Metadata {
		md[k] = v
	}
	md[metaTier] = string(tier)
	if _, err := s.object(key).Update(ctx, storage.ObjectAttrsToUpdate{Metadata: md}); err != nil {
		return classifyGCS("update", key, err)
	}
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGCS("list", prefix, err)
		}
		out = append(out, s.infoFromAttrs(strings.TrimPrefix(attrs.Name, s.prefix), attrs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// EnsureLifecycle installs SetStorageClass lifecycle rules matching the tier
// policy for every retention class prefix.
func (s *GCSStore) EnsureLifecycle(ctx context.Context) error {
	var rules []storage.LifecycleRule
	for _, c := range retention.Classes() {
		prefix := []string{s.prefix + string(c) + "/"}
		rules = append(rules,
			storage.LifecycleRule{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "NEARLINE"},
				Condition: storage.LifecycleCondition{AgeInDays: int64(retention.WarmAfter / (24 * time.Hour)), MatchesPrefix: prefix},
			},
			storage.LifecycleRule{
				Action:    storage.LifecycleAction{Type: storage.SetStorageClassAction, StorageClass: "COLDLINE"},
				Condition: storage.LifecycleCondition{AgeInDays: int64(c.ColdAfter() / (24 * time.Hour)), MatchesPrefix: prefix},
			},
		)
	}
	_, err := s.client.Bucket(s.bucket).Update(ctx, storage.BucketAttrsToUpdate{
		Lifecycle: &storage.Lifecycle{Rules: rules},
	})
	if err != nil {
		return classifyGCS("lifecycle", s.bucket, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func tierForGCSClass(c string) retention.Tier {
	switch c {
	case "NEARLINE":
		return retention.TierWarm
	case "COLDLINE", "ARCHIVE":
		return retention.TierCold
	default:
		return retention.TierHot
	}
}

func classifyGCS(op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", evidence.ErrNotFound, key)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests) {
		return fmt.Errorf("%w: gcs %s %s: %v", evidence.ErrStoreUnavailable, op, key, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: gcs %s %s: %v", evidence.ErrStoreUnavailable, op, key, err)
	}
	return fmt.Errorf("gcs %s failed for %s: %w", op, key, err)
}
