package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/model"
)

// redisClient connects to REDIS_URL or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return rdb
}

// uniqueOwner returns an owner id no other run uses and deletes its keys
// when the test ends.
func uniqueOwner(t *testing.T, rdb *redis.Client) string {
	t.Helper()
	owner := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		rdb.Del(context.Background(), portfolioKey(owner), tradesKey(owner))
	})
	return owner
}

func TestCASError(t *testing.T) {
	if err := casError(redis.TxFailedErr); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("TxFailedErr: got %v, want ErrRevisionConflict", err)
	}
	if err := casError(fmt.Errorf("exec: %w", redis.TxFailedErr)); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("wrapped TxFailedErr: got %v, want ErrRevisionConflict", err)
	}
	if err := casError(nil); err != nil {
		t.Errorf("nil: got %v", err)
	}
	down := errors.New("connection refused")
	if err := casError(down); err != down {
		t.Errorf("other errors must pass through, got %v", err)
	}
}

func TestRedisStore_UpdatePortfolioIf(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	s := NewRedisStore(rdb)
	owner := uniqueOwner(t, rdb)

	p := model.NewPortfolio(owner, d(1000), t0)
	if err := s.CreatePortfolio(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePortfolio(ctx, p); !errors.Is(err, ErrExists) {
		t.Errorf("second create: expected ErrExists, got %v", err)
	}

	next := p.Clone()
	next.Cash = d(900)
	next.Revision = 1
	if err := s.UpdatePortfolioIf(ctx, next, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePortfolioIf(ctx, next, 0); !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("stale revision: expected ErrRevisionConflict, got %v", err)
	}

	got, err := s.GetPortfolio(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Cash.Equal(d(900)) || got.Revision != 1 {
		t.Errorf("stored = cash %s rev %d, want 900 rev 1", got.Cash, got.Revision)
	}

	ghost := model.NewPortfolio(owner+"-ghost", d(1), t0)
	if err := s.UpdatePortfolioIf(ctx, ghost, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing owner: expected ErrNotFound, got %v", err)
	}
}

// Writers racing from the same revision: exactly one wins, the rest see a
// conflict whether the revision check or an aborted EXEC caught them.
func TestRedisStore_ConcurrentCAS(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	s := NewRedisStore(rdb)
	owner := uniqueOwner(t, rdb)

	p := model.NewPortfolio(owner, d(1000), t0)
	if err := s.CreatePortfolio(ctx, p); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := p.Clone()
			next.Cash = d(float64(100 * i))
			next.Revision = 1
			errs <- s.UpdatePortfolioIf(ctx, next, 0)
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrRevisionConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d writers won, want 1", wins)
	}
}

func TestCachedTradeLog_Invalidation(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	owner := uniqueOwner(t, rdb)

	primary := NewMemoryStore()
	c := NewCachedTradeLog(primary, rdb, time.Minute)

	count := func() int {
		t.Helper()
		trades, err := c.RecentTrades(ctx, owner, 10, "")
		if err != nil {
			t.Fatal(err)
		}
		return len(trades)
	}

	if err := c.AppendTrade(ctx, trade(owner, "2885", 1, t0)); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 1 {
		t.Fatalf("first read = %d, want 1", got)
	}

	// Written behind the cache's back: still served from cache.
	primary.AppendTrade(ctx, trade(owner, "2885", 2, t0.Add(time.Second)))
	if got := count(); got != 1 {
		t.Errorf("cached read = %d, want 1", got)
	}

	c.Invalidate(ctx, owner)
	if got := count(); got != 2 {
		t.Errorf("after Invalidate = %d, want 2", got)
	}

	if err := c.AppendTrade(ctx, trade(owner, "2885", 3, t0.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 3 {
		t.Errorf("after AppendTrade = %d, want 3", got)
	}

	if err := c.PurgeTrades(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if got := count(); got != 0 {
		t.Errorf("after PurgeTrades = %d, want 0", got)
	}
}

func TestRedisQuotes(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	good := fmt.Sprintf("tok%d", time.Now().UnixNano())
	bad := good + "-bad"
	t.Cleanup(func() { rdb.Del(context.Background(), quoteKey(good), quoteKey(bad)) })

	rdb.Set(ctx, quoteKey(good), "2950.45", 0)
	rdb.Set(ctx, quoteKey(bad), "n/a", 0)

	prices, err := NewRedisQuotes(rdb).LatestPrices(ctx, []string{good, bad, good + "-missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(prices) != 1 || !prices[good].Equal(d(2950.45)) {
		t.Errorf("prices = %v, want only %s at 2950.45", prices, good)
	}
}
