package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// Defaults applied by NewEngine.
const (
	DefaultMaxRetries = 8
	DefaultHistoryCap = 500

	DefaultTradeLimit = 20
	MaxTradeLimit     = 200
)

var (
	DefaultStartingCash = decimal.NewFromInt(1_000_000)
	DefaultMaxCash      = decimal.NewFromInt(1_000_000_000)
)

// ErrNoQuote is returned by LatestPrice when no market price is known.
var ErrNoQuote = errors.New("trade: no quote for token")

// Engine executes orders against portfolio aggregates. It is safe for
// concurrent use: every mutation is committed through the selected Strategy,
// which serializes writers on the same owner.
type Engine struct {
	store    store.Store
	log      store.TradeLog
	quotes   store.QuoteSource
	strategy Strategy
	occ      *OCC
	logger   *slog.Logger
	now      func() time.Time

	maxRetries   int
	historyCap   int
	startingCash decimal.Decimal
	maxCash      decimal.Decimal
	forceOCC     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxRetries bounds the optimistic retry loop.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithHistoryCap bounds the history embedded in each aggregate.
func WithHistoryCap(n int) Option {
	return func(e *Engine) { e.historyCap = n }
}

// WithStartingCash sets the cash a reset restores and a default open uses.
func WithStartingCash(c decimal.Decimal) Option {
	return func(e *Engine) { e.startingCash = c }
}

// WithMaxCash caps the total cash a deposit may reach.
func WithMaxCash(c decimal.Decimal) Option {
	return func(e *Engine) { e.maxCash = c }
}

// WithQuotes sets the market price source used for valuation and live fills.
func WithQuotes(q store.QuoteSource) Option {
	return func(e *Engine) { e.quotes = q }
}

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// ForceOCC selects optimistic concurrency even when the store supports
// transactions.
func ForceOCC() Option {
	return func(e *Engine) { e.forceOCC = true }
}

// NewEngine creates an engine over st. log is the independent trade log and
// may be nil; with a transactional store it should be the store itself (or a
// cache in front of it), since trades are inserted inside the transaction.
func NewEngine(ctx context.Context, st store.Store, log store.TradeLog, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		log:          log,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		maxRetries:   DefaultMaxRetries,
		historyCap:   DefaultHistoryCap,
		startingCash: DefaultStartingCash,
		maxCash:      DefaultMaxCash,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.occ = NewOCC(st, log, e.maxRetries, e.logger)
	e.strategy = SelectStrategy(ctx, st, log, e.maxRetries, e.forceOCC, e.logger)
	e.logger.Info("ledger engine ready",
		"strategy", e.strategy.Name(),
		"max_retries", e.maxRetries,
		"history_cap", e.historyCap,
	)
	return e
}

// Strategy returns the name of the concurrency strategy in use.
func (e *Engine) Strategy() string { return e.strategy.Name() }

// StartingCash is the cash balance of a freshly opened or reset portfolio.
func (e *Engine) StartingCash() decimal.Decimal { return e.startingCash }

// Execute fills o against the owner's portfolio and returns the committed
// state with the trade record. Business rule failures leave no trace.
func (e *Engine) Execute(ctx context.Context, o model.Order) (model.Snapshot, *model.Trade, error) {
	start := time.Now()

	if err := ledger.ValidateOrder(o); err != nil {
		metrics.TradeRejections.WithLabelValues(ledger.KindOf(err).String()).Inc()
		return model.Snapshot{}, nil, err
	}

	c, err := e.strategy.Commit(ctx, o.Owner, func(cur *model.Portfolio) (*store.Commit, error) {
		next, t, err := ledger.Apply(cur, o, e.now())
		if err != nil {
			return nil, err
		}
		ledger.AppendHistory(next, *t, e.historyCap)
		return &store.Commit{Next: next, Trade: t}, nil
	})
	if err != nil {
		kind := ledger.KindOf(err)
		metrics.TradeRejections.WithLabelValues(kind.String()).Inc()
		e.logger.Info("order rejected",
			"owner", o.Owner,
			"token", o.Token,
			"side", o.Side,
			"qty", o.Quantity,
			"kind", kind.String(),
			"err", err,
		)
		return model.Snapshot{}, nil, err
	}

	t := c.Trade
	metrics.TradesTotal.WithLabelValues(string(t.Side), e.strategy.Name()).Inc()
	metrics.TradeLatency.WithLabelValues(e.strategy.Name()).Observe(time.Since(start).Seconds())

	e.logger.Info("trade executed",
		"trade_id", t.ID,
		"owner", t.Owner,
		"token", t.Token,
		"side", t.Side,
		"qty", t.Quantity,
		"price", t.Price.String(),
		"amount", t.Amount.String(),
		"realized_pl", t.RealizedPL.String(),
		"rev", c.Next.Revision,
		"strategy", e.strategy.Name(),
	)
	return c.Next.Snapshot(), t, nil
}

// Deposit adds amount to the owner's cash. It always commits optimistically.
func (e *Engine) Deposit(ctx context.Context, owner string, amount decimal.Decimal) (model.Snapshot, error) {
	if owner == "" {
		return model.Snapshot{}, fmt.Errorf("%w: owner is required", ledger.ErrInvalidOrder)
	}
	amount = amount.Round(ledger.CashPlaces)
	if !amount.IsPositive() {
		return model.Snapshot{}, fmt.Errorf("%w: deposit amount must be at least 0.01", ledger.ErrInvalidOrder)
	}

	c, err := e.occ.Commit(ctx, owner, func(cur *model.Portfolio) (*store.Commit, error) {
		next, err := ledger.Deposit(cur, amount, e.maxCash, e.now())
		if err != nil {
			return nil, err
		}
		return &store.Commit{Next: next}, nil
	})
	if err != nil {
		return model.Snapshot{}, err
	}

	e.logger.Info("deposit",
		"owner", owner,
		"amount", amount.StringFixed(ledger.CashPlaces),
		"cash", c.Next.Cash.String(),
		"rev", c.Next.Revision,
	)
	return c.Next.Snapshot(), nil
}

// Reset restores the owner's portfolio to the starting cash with no
// positions and wipes the owner's trade log, an administrative exception to
// its append-only contract. With a transactional store the wipe is part of
// the same atomic unit, so an order committed after the reset keeps its
// trade row. Under OCC the wipe follows the commit on a best-effort basis
// and a failed wipe does not undo the reset.
func (e *Engine) Reset(ctx context.Context, owner string) (model.Snapshot, error) {
	if owner == "" {
		return model.Snapshot{}, fmt.Errorf("%w: owner is required", ledger.ErrInvalidOrder)
	}

	c, err := e.strategy.Commit(ctx, owner, func(cur *model.Portfolio) (*store.Commit, error) {
		return &store.Commit{
			Next:        ledger.Reset(cur, e.startingCash, e.now()),
			PurgeTrades: true,
		}, nil
	})
	if err != nil {
		return model.Snapshot{}, err
	}

	e.logger.Warn("portfolio reset",
		"owner", owner,
		"cash", c.Next.Cash.String(),
		"rev", c.Next.Revision,
	)
	return c.Next.Snapshot(), nil
}

// Open creates the owner's portfolio with initialCash if it does not exist
// yet, and returns the existing one unchanged otherwise.
func (e *Engine) Open(ctx context.Context, owner string, initialCash decimal.Decimal) (model.Snapshot, error) {
	if owner == "" {
		return model.Snapshot{}, fmt.Errorf("%w: owner is required", ledger.ErrInvalidOrder)
	}
	if !initialCash.IsPositive() {
		return model.Snapshot{}, fmt.Errorf("%w: initial cash must be > 0", ledger.ErrInvalidOrder)
	}
	if e.maxCash.IsPositive() && initialCash.GreaterThan(e.maxCash) {
		return model.Snapshot{}, fmt.Errorf("%w: initial cash above the %s cap",
			ledger.ErrInvalidOrder, e.maxCash.StringFixed(ledger.CashPlaces))
	}

	p := model.NewPortfolio(owner, initialCash.Round(ledger.CashPlaces), e.now())
	err := e.store.CreatePortfolio(ctx, p)
	switch {
	case err == nil:
		e.logger.Info("portfolio opened", "owner", owner, "cash", p.Cash.String())
		return p.Snapshot(), nil
	case errors.Is(err, store.ErrExists):
		return e.GetPortfolio(ctx, owner)
	default:
		return model.Snapshot{}, translate(err)
	}
}

// GetPortfolio returns the owner's current state.
func (e *Engine) GetPortfolio(ctx context.Context, owner string) (model.Snapshot, error) {
	p, err := e.store.GetPortfolio(ctx, owner)
	if err != nil {
		return model.Snapshot{}, translate(err)
	}
	return p.Snapshot(), nil
}

// Valuate marks the owner's positions to the latest quotes. A quote source
// failure degrades to an unpriced valuation rather than failing the read.
func (e *Engine) Valuate(ctx context.Context, owner string) (model.Valuation, error) {
	p, err := e.store.GetPortfolio(ctx, owner)
	if err != nil {
		return model.Valuation{}, translate(err)
	}

	prices := map[string]decimal.Decimal{}
	if e.quotes != nil && len(p.Positions) > 0 {
		tokens := make([]string, 0, len(p.Positions))
		for tok := range p.Positions {
			tokens = append(tokens, tok)
		}
		if got, err := e.quotes.LatestPrices(ctx, tokens); err != nil {
			e.logger.Warn("quotes unavailable, valuing without prices", "owner", owner, "err", err)
		} else {
			prices = got
		}
	}
	return ledger.Valuate(p, prices), nil
}

// LatestPrice returns the last known market price of token rounded to cash
// precision, or ErrNoQuote.
func (e *Engine) LatestPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	if e.quotes == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, token)
	}
	prices, err := e.quotes.LatestPrices(ctx, []string{token})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
	}
	p, ok := prices[token]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, token)
	}
	return p.Round(ledger.CashPlaces), nil
}

// ListRecentTrades returns up to limit trades of owner, newest first,
// optionally restricted to one token. limit is clamped to
// [1, MaxTradeLimit]; zero means DefaultTradeLimit. When the independent log
// holds nothing for the owner the embedded history is used instead.
func (e *Engine) ListRecentTrades(ctx context.Context, owner string, limit int, token string) ([]model.Trade, error) {
	switch {
	case limit == 0:
		limit = DefaultTradeLimit
	case limit < 1:
		limit = 1
	case limit > MaxTradeLimit:
		limit = MaxTradeLimit
	}

	if e.log != nil {
		trades, err := e.log.RecentTrades(ctx, owner, limit, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
		}
		if len(trades) > 0 {
			return trades, nil
		}
	}

	p, err := e.store.GetPortfolio(ctx, owner)
	if err != nil {
		return nil, translate(err)
	}
	return ledger.RecentHistory(p, limit, token), nil
}
