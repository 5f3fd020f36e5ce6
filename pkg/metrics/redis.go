package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink pushes JSON records onto a capped list per run and kind
type RedisSink struct {
	client *redis.Client
	keep   int64
}

func NewRedisSink(ctx context.Context, addr string, db int, keep int64) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisSink{client: client, keep: keep}, nil
}

func RedisKey(runID, kind string) string {
	return fmt.Sprintf("oprrl:%s:%s", runID, kind)
}

func (s *RedisSink) Log(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	key := RedisKey(rec.RunID, rec.Kind)
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push record: %w", err)
	}
	if s.keep > 0 {
		if err := s.client.LTrim(ctx, key, 0, s.keep-1).Err(); err != nil {
			return fmt.Errorf("failed to trim %s: %w", key, err)
		}
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
