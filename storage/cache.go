package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/remote"
)

// Cache keeps List results in Redis. Every collection has a generation
// counter that is part of each key; a write bumps the counter so older
// entries are never read again and expire on their own.
type Cache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{redis: client, prefix: prefix, ttl: ttl}
}

type cachedDoc struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

func (c *Cache) genKey(collection string) string {
	return c.prefix + ":gen:" + collection
}

// Lookup returns the cache key for a query and the cached documents if
// present. The key must be computed before fetching so a result read before a
// concurrent write is stored under the old generation.
func (c *Cache) Lookup(ctx context.Context, collection, filter string) (string, []remote.Document, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", nil, false
	}
	gen, err := c.redis.Get(ctx, c.genKey(collection)).Int64()
	if err != nil && err != redis.Nil {
		// On redis errors fall back to the store without caching.
		return "", nil, false
	}
	key := fmt.Sprintf("%s:list:%s:%d:%s", c.prefix, collection, gen, filter)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return key, nil, false
	}
	var cached []cachedDoc
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return key, nil, false
	}
	docs := make([]remote.Document, 0, len(cached))
	for _, d := range cached {
		if d.Data == nil {
			d.Data = map[string]any{}
		}
		docs = append(docs, remote.Document{ID: d.ID, Data: d.Data})
	}
	return key, docs, true
}

func (c *Cache) Store(ctx context.Context, key string, docs []remote.Document) {
	if c.redis == nil || c.ttl == 0 || key == "" {
		return
	}
	cached := make([]cachedDoc, 0, len(docs))
	for _, d := range docs {
		cached = append(cached, cachedDoc{ID: d.ID, Data: d.Data})
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

// Invalidate retires every cached query of the collection.
func (c *Cache) Invalidate(ctx context.Context, collection string) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Incr(ctx, c.genKey(collection)).Err()
}
