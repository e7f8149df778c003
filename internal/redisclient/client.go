package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/rate_limit.lua
var rateLimitScript string

type Client struct {
	rdb             *redis.Client
	rateLimitScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:             rdb,
		rateLimitScript: redis.NewScript(rateLimitScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Allow runs the fixed-window rate limiter for key. Returns false once the
// window's budget is spent.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := c.rateLimitScript.Run(ctx, c.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)},
		limit, int(window.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return allowed == 1, nil
}

// ReviewCache stores TTL'd notes about orders flagged for human review. It
// replaces what used to be a process-global map, so every instance sees the
// same annotations.
type ReviewCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewReviewCache creates a review cache with the given entry TTL.
func NewReviewCache(c *Client, ttl time.Duration) *ReviewCache {
	return &ReviewCache{rdb: c.rdb, ttl: ttl}
}

// MarkForReview records a review note for an order.
func (rc *ReviewCache) MarkForReview(ctx context.Context, orderID int64, reason string) error {
	key := fmt.Sprintf("review:order:%d", orderID)
	if err := rc.rdb.Set(ctx, key, reason, rc.ttl).Err(); err != nil {
		return fmt.Errorf("mark order %d for review: %w", orderID, err)
	}
	return nil
}

// ReviewReason returns the review note for an order, or "" when none exists.
func (rc *ReviewCache) ReviewReason(ctx context.Context, orderID int64) (string, error) {
	key := fmt.Sprintf("review:order:%d", orderID)
	reason, err := rc.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return reason, nil
}
