package cache

import (
	"context"
	"time"

	"github.com/kiranshivaraju/churnguard/pkg/models"
	"github.com/redis/go-redis/v9"
)

// StatusTTL is how long a mirrored job status stays readable.
const StatusTTL = 30 * time.Minute

// Cache mirrors job status for fast polling by the dashboard.
// The job store stays authoritative; writes here are best effort.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, tenantID, jobID string, status models.JobStatus, ttl time.Duration) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCacheFromClient shares an existing client, e.g. the queue's.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, tenantID, jobID string, status models.JobStatus, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(tenantID, jobID), status.String(), ttl).Err()
}
