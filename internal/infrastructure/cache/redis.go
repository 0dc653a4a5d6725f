// Package cache provides a Redis-backed read-through layer over the
// projection store, for deployments where status reads dominate.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/application/port"
	"github.com/mischa23v/caseflow/internal/domain/workflow"
)

const projectionPrefix = "caseflow:projection:"

// Options configures the Redis connection
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	// TTL bounds staleness if an invalidation is ever lost; zero disables
	// expiry.
	TTL time.Duration
}

// RedisProjectionCache implements port.ProjectionStore by caching single
// instance reads in Redis in front of a durable backing store. Entity and
// status queries always go to the backing store, which has the indexes.
type RedisProjectionCache struct {
	client  *redis.Client
	backing port.ProjectionStore
	ttl     time.Duration
	logger  *zap.Logger
}

// NewRedisProjectionCache connects to Redis and wraps the backing store
func NewRedisProjectionCache(opts Options, backing port.ProjectionStore, logger *zap.Logger) (*RedisProjectionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProjectionCache{
		client:  client,
		backing: backing,
		ttl:     opts.TTL,
		logger:  logger,
	}, nil
}

func projectionKey(instanceID string) string {
	return projectionPrefix + instanceID
}

// Save writes through to the backing store, then refreshes the cache entry.
// Cache errors are logged, never propagated: the backing store is truth.
func (c *RedisProjectionCache) Save(ctx context.Context, inst *workflow.Instance) error {
	if err := c.backing.Save(ctx, inst); err != nil {
		return err
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal projection: %w", err)
	}
	if err := c.client.Set(ctx, projectionKey(inst.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to cache projection",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
	return nil
}

// Get serves from Redis when possible and falls back to the backing store,
// filling the cache on a miss.
func (c *RedisProjectionCache) Get(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	data, err := c.client.Get(ctx, projectionKey(instanceID)).Bytes()
	if err == nil {
		inst := workflow.NewInstance()
		if uerr := json.Unmarshal(data, inst); uerr == nil {
			return inst, nil
		}
		c.logger.Warn("Discarding corrupt cache entry", zap.String("instance_id", instanceID))
	} else if err != redis.Nil {
		c.logger.Warn("Redis read failed, falling back",
			zap.String("instance_id", instanceID), zap.Error(err))
	}

	inst, err := c.backing.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if data, merr := json.Marshal(inst); merr == nil {
		if serr := c.client.Set(ctx, projectionKey(instanceID), data, c.ttl).Err(); serr != nil {
			c.logger.Warn("Failed to fill projection cache",
				zap.String("instance_id", instanceID), zap.Error(serr))
		}
	}
	return inst, nil
}

// GetByEntityRef delegates to the backing store's entity index
func (c *RedisProjectionCache) GetByEntityRef(ctx context.Context, ref workflow.EntityRef) (*workflow.Instance, error) {
	return c.backing.GetByEntityRef(ctx, ref)
}

// ListByStatus delegates to the backing store's status index
func (c *RedisProjectionCache) ListByStatus(ctx context.Context, status workflow.Status) ([]*workflow.Instance, error) {
	return c.backing.ListByStatus(ctx, status)
}

// Close releases the Redis connection
func (c *RedisProjectionCache) Close() error {
	return c.client.Close()
}
