package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pharmatrace:session:"

// RedisRotationStore shares rotation state between API instances. Consumes
// use GETDEL so a refresh token or challenge can be spent exactly once.
type RedisRotationStore struct {
	client redis.Cmdable
}

func NewRedisRotationStore(client redis.Cmdable) *RedisRotationStore {
	return &RedisRotationStore{client: client}
}

func (r *RedisRotationStore) SaveRefresh(ctx context.Context, jti string, entry RefreshEntry, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisKeyPrefix+"refresh:"+jti, entry.Family+"|"+entry.Subject, ttl).Err(); err != nil {
		return fmt.Errorf("session: save refresh: %w", err)
	}
	return nil
}

func (r *RedisRotationStore) ConsumeRefresh(ctx context.Context, jti string) (RefreshEntry, bool, error) {
	raw, err := r.client.GetDel(ctx, redisKeyPrefix+"refresh:"+jti).Result()
	if errors.Is(err, redis.Nil) {
		return RefreshEntry{}, false, nil
	}
	if err != nil {
		return RefreshEntry{}, false, fmt.Errorf("session: consume refresh: %w", err)
	}
	family, subject, ok := strings.Cut(raw, "|")
	if !ok {
		return RefreshEntry{}, false, nil
	}
	return RefreshEntry{Family: family, Subject: subject}, true, nil
}

func (r *RedisRotationStore) RevokeFamily(ctx context.Context, family string, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisKeyPrefix+"family-revoked:"+family, 1, ttl).Err(); err != nil {
		return fmt.Errorf("session: revoke family: %w", err)
	}
	return nil
}

func (r *RedisRotationStore) FamilyRevoked(ctx context.Context, family string) (bool, error) {
	return r.exists(ctx, redisKeyPrefix+"family-revoked:"+family)
}

func (r *RedisRotationStore) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisKeyPrefix+"token-revoked:"+jti, 1, ttl).Err(); err != nil {
		return fmt.Errorf("session: revoke token: %w", err)
	}
	return nil
}

func (r *RedisRotationStore) TokenRevoked(ctx context.Context, jti string) (bool, error) {
	return r.exists(ctx, redisKeyPrefix+"token-revoked:"+jti)
}

func (r *RedisRotationStore) SaveChallenge(ctx context.Context, wallet, message string, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisKeyPrefix+"challenge:"+wallet, message, ttl).Err(); err != nil {
		return fmt.Errorf("session: save challenge: %w", err)
	}
	return nil
}

func (r *RedisRotationStore) ConsumeChallenge(ctx context.Context, wallet string) (string, bool, error) {
	msg, err := r.client.GetDel(ctx, redisKeyPrefix+"challenge:"+wallet).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session: consume challenge: %w", err)
	}
	return msg, true, nil
}

func (r *RedisRotationStore) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("session: lookup %s: %w", key, err)
	}
	return n > 0, nil
}
