package docstore

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "pharmatrace:doc:"

// CachedStore is a read-through Redis cache in front of another Store.
// Documents are immutable per identifier, so entries never need
// invalidation; the TTL only bounds memory. Cache failures are logged and
// never fail the call.
type CachedStore struct {
	inner  Store
	client redis.Cmdable
	ttl    time.Duration
	logger *log.Logger
}

func NewCachedStore(inner Store, client redis.Cmdable, ttl time.Duration, logger *log.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CachedStore{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (c *CachedStore) Put(ctx context.Context, doc []byte) (string, error) {
	cid, err := c.inner.Put(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+cid, doc, c.ttl).Err(); err != nil {
		c.logger.Printf("docstore: cache set %s: %v", cid, err)
	}
	return cid, nil
}

// Get serves from the cache when possible. Cached bytes are not re-hashed
// here; verification recomputes digests over whatever is returned, so a
// poisoned cache entry shows up as a tampered document.
func (c *CachedStore) Get(ctx context.Context, cid string) ([]byte, error) {
	doc, err := c.client.Get(ctx, cacheKeyPrefix+cid).Bytes()
	switch {
	case err == nil:
		return doc, nil
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Printf("docstore: cache get %s: %v", cid, err)
	}

	doc, err = c.inner.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+cid, doc, c.ttl).Err(); err != nil {
		c.logger.Printf("docstore: cache fill %s: %v", cid, err)
	}
	return doc, nil
}
