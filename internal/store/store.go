// Package store defines the persistence interfaces for the ledger engine.
// Implementations include PostgreSQL (multi-record transactions and
// conditional updates), Redis (single-key optimistic updates), SQLite (the
// independent trade log) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when no portfolio exists for the owner.
	ErrNotFound = errors.New("store: portfolio not found")

	// ErrExists is returned by CreatePortfolio when the owner already has one.
	ErrExists = errors.New("store: portfolio already exists")

	// ErrRevisionConflict is returned by a conditional update whose expected
	// revision no longer matches the stored one.
	ErrRevisionConflict = errors.New("store: revision conflict")
)

// Portfolios is point access to aggregates by owner.
type Portfolios interface {
	// CreatePortfolio inserts a new aggregate. Returns ErrExists if the
	// owner already has one.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio returns the aggregate for owner or ErrNotFound.
	GetPortfolio(ctx context.Context, owner string) (*model.Portfolio, error)
}

// Store is the minimum every backing store offers: point reads and a
// single-record conditional update.
type Store interface {
	Portfolios

	// UpdatePortfolioIf replaces the stored aggregate with next only if the
	// stored revision equals expectedRev. next carries the full new state,
	// including its (already capped) embedded history and incremented
	// revision. Returns ErrRevisionConflict when the precondition fails and
	// ErrNotFound when the owner has no aggregate.
	UpdatePortfolioIf(ctx context.Context, next *model.Portfolio, expectedRev int64) error
}

// Commit is the outcome of one transactional mutation: the next aggregate
// and, for order fills, the trade record to insert alongside it.
// PurgeTrades deletes the owner's trade rows in the same unit; a portfolio
// reset sets it.
type Commit struct {
	Next        *model.Portfolio
	Trade       *model.Trade
	PurgeTrades bool
}

// MutateFunc computes a commit from the aggregate read inside a transaction.
// Returning an error aborts the transaction with no effect.
type MutateFunc func(cur *model.Portfolio) (*Commit, error)

// Transactional is implemented by stores with multi-record atomic commits.
type Transactional interface {
	// SupportsTransactions probes whether the backing deployment can run
	// multi-record transactions.
	SupportsTransactions(ctx context.Context) bool

	// Atomically reads the owner's aggregate, applies fn, then writes the
	// aggregate, inserts the commit's trade and honours PurgeTrades in one
	// atomic unit. Either all take effect or none does.
	Atomically(ctx context.Context, owner string, fn MutateFunc) (*Commit, error)
}

// TradeLog is the independent append-only trade history.
type TradeLog interface {
	// AppendTrade inserts one trade record.
	AppendTrade(ctx context.Context, t *model.Trade) error

	// RecentTrades returns up to limit trades for owner, newest first. An
	// empty token matches every instrument.
	RecentTrades(ctx context.Context, owner string, limit int, token string) ([]model.Trade, error)

	// PurgeTrades deletes every trade of owner. Only used by portfolio reset.
	PurgeTrades(ctx context.Context, owner string) error
}

// QuoteSource returns the latest known market prices. Prices are written by
// the market-data ingestion process; a token with no quote is omitted.
type QuoteSource interface {
	LatestPrices(ctx context.Context, tokens []string) (map[string]decimal.Decimal, error)
}
