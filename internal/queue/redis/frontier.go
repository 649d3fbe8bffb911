// Package redis provides a crawl frontier stored in a Redis list so several
// processes can share the pending URLs of a job.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// Config captures the Redis connection and key layout.
type Config struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type listClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Frontier is a FIFO backed by one Redis list per job.
type Frontier struct {
	client listClient
	key    string
}

// NewClient opens a Redis client from cfg.
func NewClient(cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// NewFrontier returns the frontier for jobID.
func NewFrontier(client *redis.Client, prefix string, jobID string) *Frontier {
	return newFrontier(client, prefix, jobID)
}

func newFrontier(client listClient, prefix string, jobID string) *Frontier {
	if prefix == "" {
		prefix = "frontier:"
	}
	return &Frontier{client: client, key: prefix + jobID}
}

// Key returns the Redis list key.
func (f *Frontier) Key() string { return f.key }

// Enqueue appends urls to the tail of the list.
func (f *Frontier) Enqueue(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	values := make([]interface{}, len(urls))
	for i, u := range urls {
		values[i] = u
	}
	if err := f.client.RPush(ctx, f.key, values...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", f.key, err)
	}
	return nil
}

// Dequeue pops the head of the list.
func (f *Frontier) Dequeue(ctx context.Context) (string, bool, error) {
	val, err := f.client.LPop(ctx, f.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lpop %s: %w", f.key, err)
	}
	return val, true, nil
}

// Clear deletes the list.
func (f *Frontier) Clear(ctx context.Context) error {
	if err := f.client.Del(ctx, f.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", f.key, err)
	}
	return nil
}
