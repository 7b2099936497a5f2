package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/retention"
)

const (
	s3Scheme         = "s3"
	metaRetentionKey = "retention-class"
	metaCreatedAtKey = "created-at"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements Store on a bucket with Object Lock enabled. Every object
// is written in COMPLIANCE mode so not even the account root can shorten the
// retention.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Store creates a new S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}
	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, clientOpts), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3Store) objectKey(key string) string { return s.prefix + key }

func (s *S3Store) keyFromRef(ref string) (string, error) {
	return parseRef(ref, s3Scheme, s.bucket)
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, class retention.Class, retainUntil time.Time) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:                    aws.String(s.bucket),
		Key:                       aws.String(s.objectKey(key)),
		Body:                      bytes.NewReader(data),
		ContentType:               aws.String("application/octet-stream"),
		IfNoneMatch:               aws.String("*"),
		ChecksumAlgorithm:         types.ChecksumAlgorithmSha256,
		ObjectLockMode:            types.ObjectLockModeCompliance,
		ObjectLockRetainUntilDate: aws.Time(retainUntil.UTC()),
		StorageClass:              storageClassFor(retention.TierHot),
		Metadata: map[string]string{
			metaRetentionKey: string(class),
			metaCreatedAtKey: s.now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		if apiCode(err) == "PreconditionFailed" {
			return formatRef(s3Scheme, s.bucket, key), fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return "", classifyS3("put", key, err)
	}
	return formatRef(s3Scheme, s.bucket, key), nil
}

func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, classifyS3("get", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(result.Body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: s3 read %s: %v", evidence.ErrStoreUnavailable, key, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, ref string) (bool, error) {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.head(ctx, key)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, ref string) error {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return err
	}
	info, err := s.head(ctx, key)
	if err != nil {
		return err
	}
	// S3 enforces the lock as well; checking first gives callers the
	// precise error instead of AccessDenied.
	if info.Locked(s.now()) {
		return fmt.Errorf("%w: %s retained until %s", evidence.ErrRetentionLocked, ref, info.RetainUntil.Format(time.RFC3339))
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if apiCode(err) == "AccessDenied" {
			return fmt.Errorf("%w: %s", evidence.ErrRetentionLocked, ref)
		}
		return classifyS3("delete", key, err)
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return ObjectInfo{}, err
	}
	return s.head(ctx, key)
}

func (s *S3Store) head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return ObjectInfo{}, classifyS3("head", key, err)
	}
	info := ObjectInfo{
		Ref:            formatRef(s3Scheme, s.bucket, key),
		Key:            key,
		Size:           aws.ToInt64(out.ContentLength),
		RetentionClass: retention.Class(out.Metadata[metaRetentionKey]),
		Tier:           tierForStorageClass(out.StorageClass),
		RetainUntil:    aws.ToTime(out.ObjectLockRetainUntilDate),
	}
	if ts, err := time.Parse(time.RFC3339Nano, out.Metadata[metaCreatedAtKey]); err == nil {
		info.CreatedAt = ts
	} else {
		info.CreatedAt = aws.ToTime(out.LastModified)
	}
	return info, nil
}

// SetTier rewrites the object in place with a new storage class. On a
// versioned, lock-enabled bucket the copy becomes the current version and the
// retention settings are re-applied to it.
func (s *S3Store) SetTier(ctx context.Context, ref string, tier retention.Tier) error {
	key, err := s.keyFromRef(ref)
	if err != nil {
		return err
	}
	info, err := s.head(ctx, key)
	if err != nil {
		return err
	}
	if info.Tier == tier {
		return nil
	}
	source := url.PathEscape(s.bucket + "/" + s.objectKey(key))
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:                    aws.String(s.bucket),
		Key:                       aws.String(s.objectKey(key)),
		CopySource:                aws.String(strings.ReplaceAll(source, "%2F", "/")),
		StorageClass:              storageClassFor(tier),
		MetadataDirective:         types.MetadataDirectiveCopy,
		ObjectLockMode:            types.ObjectLockModeCompliance,
		ObjectLockRetainUntilDate: aws.Time(info.RetainUntil),
	})
	if err != nil {
		return classifyS3("copy", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	var out []ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classifyS3("list", prefix, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			info, err := s.head(ctx, key)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func storageClassFor(t retention.Tier) types.StorageClass {
	switch t {
	case retention.TierWarm:
		return types.StorageClassStandardIa
	case retention.TierCold:
		return types.StorageClassGlacierIr
	default:
		return types.StorageClassStandard
	}
}

func tierForStorageClass(c types.StorageClass) retention.Tier {
	switch c {
	case types.StorageClassStandardIa:
		return retention.TierWarm
	case types.StorageClassGlacierIr:
		return retention.TierCold
	default:
		return retention.TierHot
	}
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// classifyS3 maps SDK errors onto the evidence error taxonomy. Throttling and
// server-side failures are transient; everything else is surfaced as is.
func classifyS3(op, key string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", evidence.ErrNotFound, key)
	}
	switch apiCode(err) {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %s", evidence.ErrNotFound, key)
	case "SlowDown", "Throttling", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return fmt.Errorf("%w: s3 %s %s: %v", evidence.ErrStoreUnavailable, op, key, err)
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if code := respErr.HTTPStatusCode(); code >= 500 || code == 429 {
			return fmt.Errorf("%w: s3 %s %s: %v", evidence.ErrStoreUnavailable, op, key, err)
		}
		if respErr.HTTPStatusCode() == 404 {
			return fmt.Errorf("%w: %s", evidence.ErrNotFound, key)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: s3 %s %s: %v", evidence.ErrStoreUnavailable, op, key, err)
	}
	return fmt.Errorf("s3 %s failed for %s: %w", op, key, err)
}
