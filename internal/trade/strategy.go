package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// Strategy commits one mutation of an owner's aggregate. Implementations
// differ only in how they keep concurrent writers on the same owner from
// interleaving; the mutation itself is the same pure function either way.
type Strategy interface {
	// Name is the label used in logs and metrics.
	Name() string

	// Commit reads the owner's aggregate, applies fn and persists the result
	// together with the commit's trade, if any. Errors are already
	// translated into the ledger taxonomy.
	Commit(ctx context.Context, owner string, fn store.MutateFunc) (*store.Commit, error)
}

const (
	StrategyTransactional = "transactional"
	StrategyOCC           = "occ"
)

// Transactional commits through a multi-record atomic unit. The store's own
// trade table receives the trade inside that unit.
type Transactional struct {
	tx  store.Transactional
	log store.TradeLog
}

// NewTransactional creates the transactional strategy. log is the trade log
// the engine reads from; if it caches the store's trade table it is
// invalidated after every commit.
func NewTransactional(tx store.Transactional, log store.TradeLog) *Transactional {
	return &Transactional{tx: tx, log: log}
}

func (s *Transactional) Name() string { return StrategyTransactional }

func (s *Transactional) Commit(ctx context.Context, owner string, fn store.MutateFunc) (*store.Commit, error) {
	c, err := s.tx.Atomically(ctx, owner, checked(fn))
	if err != nil {
		return nil, translate(err)
	}
	if c.Trade != nil || c.PurgeTrades {
		if inv, ok := s.log.(invalidator); ok {
			inv.Invalidate(ctx, owner)
		}
	}
	return c, nil
}

type invalidator interface {
	Invalidate(ctx context.Context, owner string)
}

// checked refuses to let fn's aggregate reach the store when it breaks the
// ledger invariants.
func checked(fn store.MutateFunc) store.MutateFunc {
	return func(cur *model.Portfolio) (*store.Commit, error) {
		c, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if err := ledger.CheckInvariants(c.Next); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// OCC commits with a conditional single-record update guarded by the
// aggregate revision, retrying from a fresh read on conflict. After a
// successful commit the trade is copied into the independent log, or the
// owner's log is purged, on a best-effort basis: the embedded history inside
// the aggregate is the authoritative record in this mode.
type OCC struct {
	st         store.Store
	log        store.TradeLog
	maxRetries int
	logger     *slog.Logger
}

// NewOCC creates the optimistic strategy. log may be nil.
func NewOCC(st store.Store, log store.TradeLog, maxRetries int, logger *slog.Logger) *OCC {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OCC{st: st, log: log, maxRetries: maxRetries, logger: logger}
}

func (s *OCC) Name() string { return StrategyOCC }

func (s *OCC) Commit(ctx context.Context, owner string, fn store.MutateFunc) (*store.Commit, error) {
	var done *store.Commit
	fn = checked(fn)

	err := retry(ctx, s.maxRetries, func(attempt int) error {
		cur, err := s.st.GetPortfolio(ctx, owner)
		if err != nil {
			return translate(err)
		}
		c, err := fn(cur)
		if err != nil {
			return err
		}
		if err := s.st.UpdatePortfolioIf(ctx, c.Next, cur.Revision); err != nil {
			err = translate(err)
			if errors.Is(err, ledger.ErrConcurrencyConflict) {
				metrics.OCCConflicts.Inc()
				s.logger.Debug("revision conflict",
					"owner", owner,
					"rev", cur.Revision,
					"attempt", attempt,
				)
			}
			return err
		}
		done = c
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConcurrencyExhausted) {
			metrics.OCCExhausted.Inc()
			s.logger.Warn("retries exhausted", "owner", owner, "attempts", s.maxRetries)
		}
		return nil, err
	}

	if done.PurgeTrades && s.log != nil {
		if err := s.log.PurgeTrades(ctx, owner); err != nil {
			metrics.TradeLogFailures.WithLabelValues("purge").Inc()
			s.logger.Warn("trade log purge failed after reset", "owner", owner, "err", err)
		}
	}
	if done.Trade != nil && s.log != nil {
		if err := s.log.AppendTrade(ctx, done.Trade); err != nil {
			metrics.TradeLogFailures.WithLabelValues("append").Inc()
			s.logger.Warn("trade log append failed, embedded history still holds the trade",
				"owner", owner,
				"trade_id", done.Trade.ID,
				"err", err,
			)
		}
	}
	return done, nil
}

// SelectStrategy probes st for multi-record transaction support and returns
// the transactional strategy when it is available, OCC otherwise. forceOCC
// skips the probe.
func SelectStrategy(ctx context.Context, st store.Store, log store.TradeLog, maxRetries int, forceOCC bool, logger *slog.Logger) Strategy {
	if !forceOCC {
		if tx, ok := st.(store.Transactional); ok && tx.SupportsTransactions(ctx) {
			return NewTransactional(tx, log)
		}
	}
	return NewOCC(st, log, maxRetries, logger)
}

type outcome int

const (
	committed outcome = iota
	conflicted
	fatal
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return committed
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return conflicted
	default:
		return fatal
	}
}

// retry runs attempt until it commits or fails fatally, at most limit times.
// Only conflicts are retried, with no backoff.
func retry(ctx context.Context, limit int, attempt func(n int) error) error {
	var last error
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
		}
		err := attempt(n)
		switch classify(err) {
		case committed:
			return nil
		case fatal:
			return err
		}
		last = err
	}
	return fmt.Errorf("%w after %d attempts: %w", ledger.ErrConcurrencyExhausted, limit, last)
}

// translate maps store errors onto the ledger taxonomy. Errors that already
// carry a ledger kind, such as a business rule failure raised inside a
// mutation, pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ledger.ErrAggregateNotFound, err)
	case errors.Is(err, store.ErrRevisionConflict):
		return fmt.Errorf("%w: %w", ledger.ErrConcurrencyConflict, err)
	case errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, ledger.ErrInvariantViolated):
		return err
	case ledger.KindOf(err) != ledger.KindUnknown && ledger.KindOf(err) != ledger.KindStorageUnavailable:
		return err
	default:
		return fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
	}
}
