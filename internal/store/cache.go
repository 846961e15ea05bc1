package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepscribe/deepscribe/config"
	"github.com/deepscribe/deepscribe/internal/session"
)

// SnapshotCache keeps terminal session snapshots in redis so point queries
// after in-memory eviction skip the relational reconstruction.
type SnapshotCache struct {
	client *redis.Client
}

func NewSnapshotCache(cfg config.RedisConfig) *SnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &SnapshotCache{client: client}
}

func snapshotKey(id string) string {
	return fmt.Sprintf("deepscribe:session:%s", id)
}

// PutSnapshot stores one snapshot with the given TTL.
func (c *SnapshotCache) PutSnapshot(ctx context.Context, snap session.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return c.client.Set(ctx, snapshotKey(snap.ID), data, ttl).Err()
}

// GetSnapshot fetches a cached snapshot; the second return is false on a
// cache miss.
func (c *SnapshotCache) GetSnapshot(ctx context.Context, id string) (session.Snapshot, bool, error) {
	val, err := c.client.Get(ctx, snapshotKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Snapshot{}, false, nil
		}
		return session.Snapshot{}, false, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Close releases the redis connection.
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
