package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingCreate marks a key whose task creation has not finished yet.
const pendingCreate = "pending"

// CreateKey identifies one task creation request: the Idempotency-Key a user
// sent for a given project. The same header value used for another project
// is a different request.
type CreateKey struct {
	UserID    string
	ProjectID string
	Key       string
}

func (k CreateKey) String() string {
	return fmt.Sprintf("idem:%s:%s:%s", k.UserID, k.ProjectID, k.Key)
}

// RedisDeduper remembers which task each Idempotency-Key created, in Redis so
// every instance sees the same keys. A key is claimed before the task is
// written and then either completed with the task id or released.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper whose keys expire after ttl.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Claim records k as in progress. When k is already known it reports
// claimed=false together with the id of the task it created, or an empty id
// while that creation is still running.
func (r *RedisDeduper) Claim(ctx context.Context, k CreateKey) (taskID string, claimed bool, err error) {
	added, err := r.client.SetNX(ctx, k.String(), pendingCreate, r.ttl).Result()
	if err != nil || added {
		return "", added, err
	}
	v, err := r.client.Get(ctx, k.String()).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; the caller may retry.
		return "", false, nil
	case err != nil:
		return "", false, err
	case v == pendingCreate:
		return "", false, nil
	}
	return v, false, nil
}

// Complete stores the id of the task created for k, so retries get that task
// back instead of creating another.
func (r *RedisDeduper) Complete(ctx context.Context, k CreateKey, taskID string) error {
	return r.client.Set(ctx, k.String(), taskID, r.ttl).Err()
}

// Release forgets k after a creation that wrote nothing, so the client may
// retry with the same key.
func (r *RedisDeduper) Release(ctx context.Context, k CreateKey) error {
	return r.client.Del(ctx, k.String()).Err()
}
