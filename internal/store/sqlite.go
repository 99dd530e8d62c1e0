package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// SQLiteTradeLog persists trade records to a local SQLite journal. It is the
// independent append-only log used alongside optimistic-concurrency stores
// that cannot insert trades atomically with the aggregate.
type SQLiteTradeLog struct {
	db *sql.DB
}

// OpenSQLiteTradeLog opens (or creates) a SQLite trade journal at path.
// Use ":memory:" for a throwaway journal.
func OpenSQLiteTradeLog(path string) (*SQLiteTradeLog, error) {
	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		owner        TEXT NOT NULL,
		token        TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		side         TEXT NOT NULL,
		quantity     INTEGER NOT NULL,
		price        TEXT NOT NULL,
		amount       TEXT NOT NULL,
		realized_pl  TEXT NOT NULL,
		executed_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_owner_executed ON trades(owner, executed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("opened trade journal", "path", path)
	return &SQLiteTradeLog{db: db}, nil
}

// AppendTrade inserts t. Re-inserting the same trade id is a no-op, so a
// retried duplicate write cannot double-count.
func (j *SQLiteTradeLog) AppendTrade(ctx context.Context, t *model.Trade) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (id, owner, token, symbol, side, quantity, price, amount, realized_pl, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Owner, t.Token, t.Symbol, string(t.Side), t.Quantity,
		t.Price.String(), t.Amount.String(), t.RealizedPL.String(),
		t.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal trade %s: %w", t.ID, err)
	}
	return nil
}

// RecentTrades returns the last limit trades of owner, newest first.
func (j *SQLiteTradeLog) RecentTrades(ctx context.Context, owner string, limit int, token string) ([]model.Trade, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, owner, token, symbol, side, quantity, price, amount, realized_pl, executed_at
		 FROM trades
		 WHERE owner = ? AND (? = '' OR token = ?)
		 ORDER BY executed_at DESC, seq DESC
		 LIMIT ?`, owner, token, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, priceS, amountS, realizedS string
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.Owner, &t.Token, &t.Symbol, &side, &t.Quantity,
			&priceS, &amountS, &realizedS, &executedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.RealizedPL, _ = decimal.NewFromString(realizedS)
		t.ExecutedAt = time.Unix(0, executedAt).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// PurgeTrades deletes every trade of owner.
func (j *SQLiteTradeLog) PurgeTrades(ctx context.Context, owner string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM trades WHERE owner = ?`, owner)
	return err
}

// Close closes the journal database.
func (j *SQLiteTradeLog) Close() error {
	return j.db.Close()
}
