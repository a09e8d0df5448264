package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gavelworks/auctiond/internal/domain/auctions"
)

// RedisAuctionCache is a best-effort read-through cache of auction rows. A
// miss or a Redis failure just falls through to Postgres; mutating paths
// invalidate the key after commit. The TTL is short because Dutch prices and
// deadlines move without writes.
type RedisAuctionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisAuctionCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisAuctionCache {
	return &RedisAuctionCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(id uuid.UUID) string {
	return "auction:" + id.String()
}

func (c *RedisAuctionCache) Get(ctx context.Context, id uuid.UUID) (*auctions.Auction, bool) {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "auction_id", id, "error", err)
		}
		return nil, false
	}

	var a auctions.Auction
	if err := json.Unmarshal(data, &a); err != nil {
		c.logger.Warn("cache entry corrupt, evicting", "auction_id", id, "error", err)
		c.client.Del(ctx, cacheKey(id))
		return nil, false
	}
	return &a, true
}

func (c *RedisAuctionCache) Set(ctx context.Context, auction *auctions.Auction) {
	data, err := json.Marshal(auction)
	if err != nil {
		c.logger.Warn("cache marshal failed", "auction_id", auction.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(auction.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "auction_id", auction.ID, "error", err)
	}
}

func (c *RedisAuctionCache) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "auction_id", id, "error", err)
	}
}

// NoopAuctionCache satisfies the cache port without caching anything. Used in
// tests and when Redis is not configured.
type NoopAuctionCache struct{}

func (NoopAuctionCache) Get(ctx context.Context, id uuid.UUID) (*auctions.Auction, bool) {
	return nil, false
}

func (NoopAuctionCache) Set(ctx context.Context, auction *auctions.Auction) {}

func (NoopAuctionCache) Invalidate(ctx context.Context, id uuid.UUID) {}
