package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedTradeLog wraps a primary TradeLog with a Redis read-through cache.
// Writes go to the primary log and invalidate the owner's cache entry;
// reads check Redis first then fall back to the primary.
//
// Each owner's cached queries live as fields of one hash (trades:{owner}),
// so a single DEL drops every cached page for that owner.
type CachedTradeLog struct {
	primary TradeLog
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedTradeLog creates a cached wrapper around a primary trade log.
func NewCachedTradeLog(primary TradeLog, rdb *redis.Client, ttl time.Duration) *CachedTradeLog {
	return &CachedTradeLog{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (c *CachedTradeLog) AppendTrade(ctx context.Context, t *model.Trade) error {
	if err := c.primary.AppendTrade(ctx, t); err != nil {
		return err
	}
	c.rdb.Del(ctx, tradesKey(t.Owner))
	return nil
}

func (c *CachedTradeLog) PurgeTrades(ctx context.Context, owner string) error {
	if err := c.primary.PurgeTrades(ctx, owner); err != nil {
		return err
	}
	c.rdb.Del(ctx, tradesKey(owner))
	return nil
}

// Invalidate drops the cached pages of owner. Used when trades reach the
// primary log through another path, such as a transactional commit.
func (c *CachedTradeLog) Invalidate(ctx context.Context, owner string) {
	c.rdb.Del(ctx, tradesKey(owner))
}

// --- Read-through (check cache first) ---

func (c *CachedTradeLog) RecentTrades(ctx context.Context, owner string, limit int, token string) ([]model.Trade, error) {
	key := tradesKey(owner)
	field := fmt.Sprintf("%d:%s", limit, token)

	data, err := c.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	// Cache miss.
	trades, err := c.primary.RecentTrades(ctx, owner, limit, token)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		pipe := c.rdb.Pipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, c.ttl)
		pipe.Exec(ctx)
	}
	return trades, nil
}
