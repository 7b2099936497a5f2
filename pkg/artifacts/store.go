// Package artifacts is the write-once, retention-locked evidence object
// store. Backends are a local filesystem, S3 (Object Lock) and, with the gcp
// build tag, Google Cloud Storage (locked object retention).
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/retention"
)

// ErrObjectExists is returned by Put when the key is already occupied.
// Objects are write-once.
var ErrObjectExists = errors.New("object already exists")

// MaxObjectSize bounds a single evidence payload.
const MaxObjectSize = 10 << 20

// Store defines the contract for durable evidence payload storage.
type Store interface {
	// Put writes data under key with a retention lock until retainUntil and
	// returns an opaque reference. It fails with ErrObjectExists if key is
	// taken, still returning the reference of the existing object.
	Put(ctx context.Context, key string, data []byte, class retention.Class, retainUntil time.Time) (string, error)
	// Get returns the bytes stored at ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether ref is present.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes ref. It fails with evidence.ErrRetentionLocked before
	// the object's retain-until instant.
	Delete(ctx context.Context, ref string) error
	// Stat returns object metadata.
	Stat(ctx context.Context, ref string) (ObjectInfo, error)
	// SetTier moves ref to another storage tier. The reference and content
	// are unchanged.
	SetTier(ctx context.Context, ref string, tier retention.Tier) error
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Ref            string          `json:"ref"`
	Key            string          `json:"key"`
	Size           int64           `json:"size"`
	RetentionClass retention.Class `json:"retention_class"`
	RetainUntil    time.Time       `json:"retain_until"`
	Tier           retention.Tier  `json:"tier"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Locked reports whether the retention lock is still in force at now.
func (o ObjectInfo) Locked(now time.Time) bool {
	return now.Before(o.RetainUntil)
}

// ValidateKey rejects keys that could escape the store namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid object key %q", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("object key %q is not canonical", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}

// refs have the form <scheme>://<bucket>/<key>.
func formatRef(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

func parseRef(ref, scheme, bucket string) (string, error) {
	prefix := scheme + "://" + bucket + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("reference %q does not belong to %s://%s", ref, scheme, bucket)
	}
	key := ref[len(prefix):]
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}
