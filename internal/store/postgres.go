package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Schema creates the tables used by PostgresStore. Positions and the
// embedded history live in JSONB columns of the portfolio row so that the
// aggregate stays a single record.
const Schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	owner       TEXT PRIMARY KEY,
	cash        NUMERIC NOT NULL CHECK (cash >= 0),
	realized_pl NUMERIC NOT NULL DEFAULT 0,
	positions   JSONB NOT NULL DEFAULT '{}',
	history     JSONB NOT NULL DEFAULT '[]',
	rev         BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id          UUID PRIMARY KEY,
	owner       TEXT NOT NULL,
	token       TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity    BIGINT NOT NULL CHECK (quantity > 0),
	price       NUMERIC NOT NULL,
	amount      NUMERIC NOT NULL,
	realized_pl NUMERIC NOT NULL DEFAULT 0,
	executed_at TIMESTAMPTZ NOT NULL,
	seq         BIGSERIAL
);
ALTER TABLE trades ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
CREATE INDEX IF NOT EXISTS idx_trades_owner_executed ON trades (owner, executed_at DESC, seq DESC);
`

// PostgresStore implements Store, Transactional and TradeLog on PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const selectPortfolio = `
	SELECT owner, cash::TEXT, realized_pl::TEXT, positions, history, rev, created_at, updated_at
	FROM portfolios WHERE owner = $1`

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	positions, history, err := encodeBook(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (owner, cash, realized_pl, positions, history, rev, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::JSONB, $5::JSONB, $6, $7, $8)
		 ON CONFLICT (owner) DO NOTHING`,
		p.Owner, p.Cash.String(), p.RealizedPL.String(),
		positions, history, p.Revision, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", p.Owner, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrExists, p.Owner)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, owner string) (*model.Portfolio, error) {
	return scanPortfolio(s.pool.QueryRow(ctx, selectPortfolio, owner), owner)
}

func (s *PostgresStore) UpdatePortfolioIf(ctx context.Context, next *model.Portfolio, expectedRev int64) error {
	positions, history, err := encodeBook(next)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios
		 SET cash = $3::NUMERIC, realized_pl = $4::NUMERIC,
		     positions = $5::JSONB, history = $6::JSONB,
		     rev = $7, updated_at = $8
		 WHERE owner = $1 AND rev = $2`,
		next.Owner, expectedRev,
		next.Cash.String(), next.RealizedPL.String(),
		positions, history, next.Revision, next.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", next.Owner, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched: either the row is gone or the revision moved on.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM portfolios WHERE owner = $1)`, next.Owner).Scan(&exists); err != nil {
		return fmt.Errorf("update portfolio %s: %w", next.Owner, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, next.Owner)
	}
	return ErrRevisionConflict
}

// SupportsTransactions is always true for PostgreSQL.
func (s *PostgresStore) SupportsTransactions(context.Context) bool {
	return true
}

// Atomically locks the portfolio row with SELECT ... FOR UPDATE, so
// concurrent writers on the same owner queue behind each other for the
// lifetime of the transaction.
func (s *PostgresStore) Atomically(ctx context.Context, owner string, fn MutateFunc) (*Commit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	cur, err := scanPortfolio(tx.QueryRow(ctx, selectPortfolio+` FOR UPDATE`, owner), owner)
	if err != nil {
		return nil, err
	}

	c, err := fn(cur)
	if err != nil {
		return nil, err
	}

	positions, history, err := encodeBook(c.Next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET cash = $2::NUMERIC, realized_pl = $3::NUMERIC,
		     positions = $4::JSONB, history = $5::JSONB,
		     rev = $6, updated_at = $7
		 WHERE owner = $1`,
		owner, c.Next.Cash.String(), c.Next.RealizedPL.String(),
		positions, history, c.Next.Revision, c.Next.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update portfolio %s: %w", owner, err)
	}

	if c.PurgeTrades {
		if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE owner = $1`, owner); err != nil {
			return nil, fmt.Errorf("purge trades %s: %w", owner, err)
		}
	}
	if c.Trade != nil {
		if err := insertTrade(ctx, tx, c.Trade); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return c, nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.Trade) error {
	return insertTrade(ctx, s.pool, t)
}

func (s *PostgresStore) RecentTrades(ctx context.Context, owner string, limit int, token string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, owner, token, symbol, side, quantity,
		        price::TEXT, amount::TEXT, realized_pl::TEXT, executed_at
		 FROM trades
		 WHERE owner = $1 AND ($2::TEXT = '' OR token = $2::TEXT)
		 ORDER BY executed_at DESC, seq DESC
		 LIMIT $3`, owner, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) PurgeTrades(ctx context.Context, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE owner = $1`, owner)
	return err
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertTrade(ctx context.Context, db execer, t *model.Trade) error {
	_, err := db.Exec(ctx,
		`INSERT INTO trades (id, owner, token, symbol, side, quantity, price, amount, realized_pl, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.Owner, t.Token, t.Symbol, string(t.Side), t.Quantity,
		t.Price.String(), t.Amount.String(), t.RealizedPL.String(), t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func scanPortfolio(row pgx.Row, owner string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cashS, realizedS string
	var positions, history []byte

	err := row.Scan(&p.Owner, &cashS, &realizedS, &positions, &history,
		&p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", owner, err)
	}

	if p.Cash, err = decimal.NewFromString(cashS); err != nil {
		return nil, fmt.Errorf("parse cash: %w", err)
	}
	if p.RealizedPL, err = decimal.NewFromString(realizedS); err != nil {
		return nil, fmt.Errorf("parse realized_pl: %w", err)
	}
	if err := json.Unmarshal(positions, &p.Positions); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	if p.Positions == nil {
		p.Positions = make(map[string]model.Position)
	}
	if err := json.Unmarshal(history, &p.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &p, nil
}

func encodeBook(p *model.Portfolio) (positions, history string, err error) {
	pos := p.Positions
	if pos == nil {
		pos = map[string]model.Position{}
	}
	hist := p.History
	if hist == nil {
		hist = []model.Trade{}
	}
	pb, err := json.Marshal(pos)
	if err != nil {
		return "", "", fmt.Errorf("encode positions: %w", err)
	}
	hb, err := json.Marshal(hist)
	if err != nil {
		return "", "", fmt.Errorf("encode history: %w", err)
	}
	return string(pb), string(hb), nil
}

// scanTrades reads pgx rows into Trade slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, priceS, amountS, realizedS string

		if err := rows.Scan(&t.ID, &t.Owner, &t.Token, &t.Symbol, &side, &t.Quantity,
			&priceS, &amountS, &realizedS, &t.ExecutedAt); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.RealizedPL, _ = decimal.NewFromString(realizedS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
