package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// RedisStore keeps each aggregate as one JSON document under a single key.
// Redis has no multi-key transactions with reads, so it only implements
// Store: the conditional update is a WATCH/MULTI/EXEC check-and-set on the
// portfolio key.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed portfolio store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode portfolio: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, portfolioKey(p.Owner), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", p.Owner, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, p.Owner)
	}
	return nil
}

func (s *RedisStore) GetPortfolio(ctx context.Context, owner string) (*model.Portfolio, error) {
	return getPortfolio(ctx, s.rdb, owner)
}

func (s *RedisStore) UpdatePortfolioIf(ctx context.Context, next *model.Portfolio, expectedRev int64) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode portfolio: %w", err)
	}
	key := portfolioKey(next.Owner)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getPortfolio(ctx, tx, next.Owner)
		if err != nil {
			return err
		}
		if cur.Revision != expectedRev {
			return ErrRevisionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	return casError(err)
}

// casError maps an aborted EXEC, where the key changed between WATCH and
// EXEC, onto ErrRevisionConflict.
func casError(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return ErrRevisionConflict
	}
	return err
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getPortfolio(ctx context.Context, c getter, owner string) (*model.Portfolio, error) {
	data, err := c.Get(ctx, portfolioKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", owner, err)
	}
	var p model.Portfolio
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode portfolio %s: %w", owner, err)
	}
	if p.Positions == nil {
		p.Positions = make(map[string]model.Position)
	}
	return &p, nil
}

// RedisQuotes reads last traded prices from ltp:{token} keys.
type RedisQuotes struct {
	rdb *redis.Client
}

// NewRedisQuotes creates a QuoteSource over Redis.
func NewRedisQuotes(rdb *redis.Client) *RedisQuotes {
	return &RedisQuotes{rdb: rdb}
}

func (q *RedisQuotes) LatestPrices(ctx context.Context, tokens []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(tokens))
	if len(tokens) == 0 {
		return prices, nil
	}
	keys := make([]string, len(tokens))
	for i, tok := range tokens {
		keys[i] = quoteKey(tok)
	}
	vals, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(s)
		if err != nil || !p.IsPositive() {
			continue
		}
		prices[tokens[i]] = p
	}
	return prices, nil
}

func portfolioKey(owner string) string { return fmt.Sprintf("portfolio:%s", owner) }
func quoteKey(token string) string     { return fmt.Sprintf("ltp:%s", token) }
func tradesKey(owner string) string    { return fmt.Sprintf("trades:%s", owner) }
