// Package app assembles the engine and its storage from configuration. It
// is shared by the HTTP server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/trade"
)

// App is a wired engine plus the resources it holds open.
type App struct {
	Engine  *trade.Engine
	Backend string // postgres, redis or memory

	cleanup []func()
}

// Close releases every connection opened by New, most recent first.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// New connects the configured stores and builds the engine:
//
//   - DATABASE_URL: PostgreSQL holds aggregates and trades; transactional.
//   - REDIS_URL only: Redis holds aggregates; optimistic updates.
//   - neither: in-memory store.
//
// TRADE_JOURNAL_PATH adds a SQLite trade journal to the Redis store, which
// has no trade table of its own. With Redis configured, trade listings are
// cached there and quotes are read from its ltp:{token} keys.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	var (
		st     store.Store
		tlog   store.TradeLog
		quotes store.QuoteSource
	)

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st, tlog = pg, pg
		a.Backend = "postgres"
		logger.Info("connected to PostgreSQL")

	case rdb != nil:
		st = store.NewRedisStore(rdb)
		a.Backend = "redis"
		logger.Info("using Redis aggregate store")

	default:
		ms := store.NewMemoryStore()
		st, tlog, quotes = ms, ms, ms
		a.Backend = "memory"
		logger.Warn("DATABASE_URL and REDIS_URL not set, using in-memory store (data will not persist)")
	}

	// Only the Redis store lacks a trade table of its own.
	if cfg.TradeJournalPath != "" && a.Backend != "redis" {
		logger.Warn("TRADE_JOURNAL_PATH ignored, the store keeps its own trade table", "backend", a.Backend)
	}
	if cfg.TradeJournalPath != "" && a.Backend == "redis" {
		j, err := store.OpenSQLiteTradeLog(cfg.TradeJournalPath)
		if err != nil {
			return nil, fmt.Errorf("open trade journal: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { j.Close() })
		tlog = j
	}

	if rdb != nil {
		quotes = store.NewRedisQuotes(rdb)
		if tlog != nil {
			tlog = store.NewCachedTradeLog(tlog, rdb, cfg.CacheTTL)
			logger.Info("Redis trade cache enabled", "ttl", cfg.CacheTTL)
		}
	}

	opts := []trade.Option{
		trade.WithLogger(logger),
		trade.WithMaxRetries(cfg.MaxRetries),
		trade.WithHistoryCap(cfg.HistoryCap),
		trade.WithStartingCash(cfg.StartingCash),
		trade.WithMaxCash(cfg.MaxCash),
	}
	if quotes != nil {
		opts = append(opts, trade.WithQuotes(quotes))
	}
	if cfg.ForceOCC {
		opts = append(opts, trade.ForceOCC())
	}

	a.Engine = trade.NewEngine(ctx, st, tlog, opts...)
	ok = true
	return a, nil
}
