package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/credit-pipeline/internal/core/domain"
)

const (
	defaultTTL       = 10 * time.Minute
	defaultKeyPrefix = "credit-pipeline:run-lock:"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another worker is never released by us.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type commander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

// Locker is a single-instance Redis lease guarding one run per application.
type Locker struct {
	client    commander
	ttl       time.Duration
	keyPrefix string
}

func NewLocker(client commander, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Locker{client: client, ttl: ttl, keyPrefix: defaultKeyPrefix}
}

func Dial(addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (l *Locker) Acquire(ctx context.Context, applicationID string) (func(context.Context) error, error) {
	key := l.keyPrefix + applicationID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "acquire run lock", err)
	}
	if !ok {
		return nil, domain.WrapError(domain.ErrConflict, "acquire run lock",
			fmt.Errorf("application %s is being processed", applicationID))
	}

	release := func(ctx context.Context) error {
		released, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("release run lock: %w", err)
		}
		if released == 0 {
			return domain.WrapError(domain.ErrConflict, "release run lock",
				fmt.Errorf("lease for %s expired before release", applicationID))
		}
		return nil
	}
	return release, nil
}
