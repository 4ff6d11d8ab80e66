package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedKeyPrefix = "taskhub:processed:"

// RedisProcessedSet keeps processed event IDs as expiring Redis keys.
type RedisProcessedSet struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisProcessedSet creates a processed set whose entries expire after
// retention.
func NewRedisProcessedSet(client *redis.Client, retention time.Duration) *RedisProcessedSet {
	return &RedisProcessedSet{client: client, retention: retention}
}

func processedKey(group, eventID string) string {
	return processedKeyPrefix + group + ":" + eventID
}

// Contains reports whether eventID is still remembered for group.
func (s *RedisProcessedSet) Contains(ctx context.Context, group, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKey(group, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", group, eventID, err)
	}
	return n > 0, nil
}

// Add remembers eventID for group. An existing entry keeps its expiry.
func (s *RedisProcessedSet) Add(ctx context.Context, group, eventID string) error {
	if err := s.client.SetNX(ctx, processedKey(group, eventID), time.Now().UTC().Format(time.RFC3339), s.retention).Err(); err != nil {
		return fmt.Errorf("mark processed %s/%s: %w", group, eventID, err)
	}
	return nil
}

// NewRedisClient builds a client and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
