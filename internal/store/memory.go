package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// MemoryStore implements Store, Transactional, TradeLog and QuoteSource with
// in-memory maps. Used for testing and development. Not suitable for
// production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	portfolios map[string]*model.Portfolio
	trades     []model.Trade
	quotes     map[string]decimal.Decimal
	noTx       bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithoutTransactions makes the store report no transaction support, so the
// engine falls back to optimistic concurrency.
func WithoutTransactions() MemoryOption {
	return func(s *MemoryStore) { s.noTx = true }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		portfolios: make(map[string]*model.Portfolio),
		quotes:     make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.Owner]; ok {
		return fmt.Errorf("%w: %s", ErrExists, p.Owner)
	}
	// Store a copy to avoid external mutation.
	s.portfolios[p.Owner] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, owner string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) UpdatePortfolioIf(_ context.Context, next *model.Portfolio, expectedRev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.portfolios[next.Owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, next.Owner)
	}
	if cur.Revision != expectedRev {
		return ErrRevisionConflict
	}
	s.portfolios[next.Owner] = next.Clone()
	return nil
}

func (s *MemoryStore) SupportsTransactions(context.Context) bool {
	return !s.noTx
}

// Atomically holds the store lock for the whole read-compute-write, which
// serializes writers the way a row lock would.
func (s *MemoryStore) Atomically(_ context.Context, owner string, fn MutateFunc) (*Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.portfolios[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, owner)
	}
	c, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	s.portfolios[owner] = c.Next.Clone()
	if c.PurgeTrades {
		s.purgeLocked(owner)
	}
	if c.Trade != nil {
		s.trades = append(s.trades, *c.Trade)
	}
	return c, nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, owner string, limit int, token string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest insertion first, so equal timestamps keep that order.
	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.Owner == owner && (token == "" || t.Token == token) {
			result = append(result, t)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ExecutedAt.After(result[j].ExecutedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) PurgeTrades(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked(owner)
	return nil
}

func (s *MemoryStore) purgeLocked(owner string) {
	kept := s.trades[:0]
	for _, t := range s.trades {
		if t.Owner != owner {
			kept = append(kept, t)
		}
	}
	s.trades = kept
}

// SetQuote records the latest price for token.
func (s *MemoryStore) SetQuote(token string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotes[token] = price
}

func (s *MemoryStore) LatestPrices(_ context.Context, tokens []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make(map[string]decimal.Decimal, len(tokens))
	for _, tok := range tokens {
		if p, ok := s.quotes[tok]; ok {
			prices[tok] = p
		}
	}
	return prices, nil
}
