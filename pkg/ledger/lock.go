package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive append rights on a shard.
type Locker interface {
	Lock(ctx context.Context, shard string) (unlock func(), err error)
}

// MutexLocker serializes appends within one process.
type MutexLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{slots: make(map[string]chan struct{})}
}

func (m *MutexLocker) slot(shard string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[shard]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[shard] = ch
	}
	return ch
}

// Lock waits for the shard or for ctx to end.
func (m *MutexLocker) Lock(ctx context.Context, shard string) (func(), error) {
	ch := m.slot(shard)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker coordinates shard writers across instances with a
// SET NX PX lease. The lease TTL must exceed the append timeout.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

// NewRedisLocker creates a locker on the given client.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * DefaultAppendTimeout
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 25 * time.Millisecond, prefix: "attest:ledger:lock:"}
}

// NewRedisLockerFromAddr dials addr.
func NewRedisLockerFromAddr(addr, password string, db int, ttl time.Duration) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLocker(rdb, ttl)
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLocker) Lock(ctx context.Context, shard string) (func(), error) {
	key := r.prefix + shard
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		err := r.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Err()
		if err == nil {
			break
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redis lock %s: %w", shard, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Released with a fresh context: the caller's may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = redisUnlockScript.Run(ctx, r.client, []string{key}, token).Err()
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
