package artifacts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/retention"
)

// RetryPolicy bounds RetryingStore.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint
	OpTimeout       time.Duration
}

// DefaultRetryPolicy is 1s base, 30s cap, five attempts, 30s per attempt.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	MaxAttempts:     5,
	OpTimeout:       30 * time.Second,
}

// RetryingStore retries transient failures of the wrapped store with
// exponential backoff. Permanent errors (not found, retention locked, object
// exists, invalid key) are returned at once.
type RetryingStore struct {
	next   Store
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryingStore wraps next.
func NewRetryingStore(next Store, policy RetryPolicy, logger *slog.Logger) *RetryingStore {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.OpTimeout == 0 {
		policy.OpTimeout = DefaultRetryPolicy.OpTimeout
	}
	if policy.InitialInterval == 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval == 0 {
		policy.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return &RetryingStore{next: next, policy: policy, logger: logger.With("component", "artifacts")}
}

// Unwrap returns the underlying store.
func (r *RetryingStore) Unwrap() Store { return r.next }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, evidence.ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func retry[T any](ctx context.Context, r *RetryingStore, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.OpTimeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.WarnContext(ctx, "store operation failed, retrying",
				"op", op, "attempt", attempt, "next", next, "error", err)
		}),
	)
	if err != nil && IsTransient(err) && !errors.Is(err, evidence.ErrStoreUnavailable) {
		err = errors.Join(evidence.ErrStoreUnavailable, err)
	}
	return res, err
}

// Put retries transient failures. A retry that lands on ErrObjectExists
// still reports the existing reference so the caller can compare content.
func (r *RetryingStore) Put(ctx context.Context, key string, data []byte, class retention.Class, retainUntil time.Time) (string, error) {
	var existing string
	ref, err := retry(ctx, r, "put", func(ctx context.Context) (string, error) {
		ref, err := r.next.Put(ctx, key, data, class, retainUntil)
		if errors.Is(err, ErrObjectExists) {
			existing = ref
		}
		return ref, err
	})
	if errors.Is(err, ErrObjectExists) {
		return existing, err
	}
	return ref, err
}

func (r *RetryingStore) Get(ctx context.Context, ref string) ([]byte, error) {
	return retry(ctx, r, "get", func(ctx context.Context) ([]byte, error) {
		return r.next.Get(ctx, ref)
	})
}

func (r *RetryingStore) Exists(ctx context.Context, ref string) (bool, error) {
	return retry(ctx, r, "exists", func(ctx context.Context) (bool, error) {
		return r.next.Exists(ctx, ref)
	})
}

func (r *RetryingStore) Delete(ctx context.Context, ref string) error {
	_, err := retry(ctx, r, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Delete(ctx, ref)
	})
	return err
}

func (r *RetryingStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	return retry(ctx, r, "stat", func(ctx context.Context) (ObjectInfo, error) {
		return r.next.Stat(ctx, ref)
	})
}

func (r *RetryingStore) SetTier(ctx context.Context, ref string, tier retention.Tier) error {
	_, err := retry(ctx, r, "set_tier", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.SetTier(ctx, ref, tier)
	})
	return err
}

func (r *RetryingStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return retry(ctx, r, "list", func(ctx context.Context) ([]ObjectInfo, error) {
		return r.next.List(ctx, prefix)
	})
}
