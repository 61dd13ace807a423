package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Distributed guards a key across processes. A false acquired value means another
// holder owns the key; the caller skips its work instead of waiting.
type Distributed interface {
	TryAcquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// Noop always grants the lock.
type Noop struct{}

// TryAcquire implements Distributed.
func (Noop) TryAcquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds locks as expiring keys owned by a random token.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedis returns a Redis lock with the given lease time.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, ttl: ttl, prefix: "kleinsniper:cycle:"}
}

// ConnectRedis parses url and verifies the server answers.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = 5 * time.Second
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = 2
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// TryAcquire implements Distributed with SET NX PX.
func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	name := r.prefix + key
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctxRelease, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// an unreleased key expires with its ttl
		_ = releaseScript.Run(ctxRelease, r.client, []string{name}, token).Err()
	}
	return release, true, nil
}

// AdvisoryLocker is satisfied by storage.Postgres.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Advisory maps keys onto Postgres session advisory locks.
type Advisory struct {
	locker AdvisoryLocker
}

// NewAdvisory wraps an advisory lock provider.
func NewAdvisory(locker AdvisoryLocker) (*Advisory, error) {
	if locker == nil {
		return nil, errors.New("advisory locker is required")
	}
	return &Advisory{locker: locker}, nil
}

// TryAcquire implements Distributed.
func (a *Advisory) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	unlock, ok, err := a.locker.TryAdvisoryLock(ctx, AdvisoryKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return unlock, ok, nil
}

// AdvisoryKey hashes key into the int64 space used by pg_try_advisory_lock.
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("kleinsniper:" + key))
	return int64(h.Sum64())
}

var (
	_ Distributed = Noop{}
	_ Distributed = (*Redis)(nil)
	_ Distributed = (*Advisory)(nil)
)
