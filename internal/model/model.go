// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Position is one holding in the position book. A token absent from the
// book means zero holding; a stored position always has Quantity > 0.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Trade is an immutable record of one executed fill.
// Once created, these are never modified; they are only removed by an
// administrative portfolio reset.
type Trade struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Token      string          `json:"token"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`      // quantity × price
	RealizedPL decimal.Decimal `json:"realized_pl"` // zero for BUY
	ExecutedAt time.Time       `json:"executed_at"`
}

// Portfolio is the aggregate for one owner: the unit of atomic mutation.
type Portfolio struct {
	Owner      string              `json:"owner"`
	Cash       decimal.Decimal     `json:"cash"`
	RealizedPL decimal.Decimal     `json:"realized_pl"`
	Positions  map[string]Position `json:"positions"` // token → position
	History    []Trade             `json:"history"`   // capped, oldest first
	Revision   int64               `json:"rev"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// NewPortfolio returns an empty aggregate at revision 0.
func NewPortfolio(owner string, cash decimal.Decimal, now time.Time) *Portfolio {
	return &Portfolio{
		Owner:      owner,
		Cash:       cash,
		RealizedPL: decimal.Zero,
		Positions:  make(map[string]Position),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so callers can compute a next state without
// touching the loaded snapshot.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Positions = make(map[string]Position, len(p.Positions))
	for tok, pos := range p.Positions {
		c.Positions[tok] = pos
	}
	if p.History != nil {
		c.History = make([]Trade, len(p.History))
		copy(c.History, p.History)
	}
	return &c
}

// Snapshot is the read view returned to callers; it omits the embedded history.
type Snapshot struct {
	Owner      string              `json:"owner"`
	Cash       decimal.Decimal     `json:"cash"`
	RealizedPL decimal.Decimal     `json:"realized_pl"`
	Positions  map[string]Position `json:"positions"`
	Revision   int64               `json:"rev"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Snapshot copies the externally visible state of p.
func (p *Portfolio) Snapshot() Snapshot {
	positions := make(map[string]Position, len(p.Positions))
	for tok, pos := range p.Positions {
		positions[tok] = pos
	}
	return Snapshot{
		Owner:      p.Owner,
		Cash:       p.Cash,
		RealizedPL: p.RealizedPL,
		Positions:  positions,
		Revision:   p.Revision,
		UpdatedAt:  p.UpdatedAt,
	}
}

// Order is a request to buy or sell Quantity units of Token at Price.
type Order struct {
	Owner    string          `json:"owner"`
	Token    string          `json:"token"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// PositionValue is a position marked to the latest known price.
type PositionValue struct {
	Token        string           `json:"token"`
	Symbol       string           `json:"symbol"`
	Quantity     int64            `json:"quantity"`
	AvgPrice     decimal.Decimal  `json:"avg_price"`
	LastPrice    *decimal.Decimal `json:"last_price"`    // nil when no quote is known
	UnrealizedPL *decimal.Decimal `json:"unrealized_pl"` // nil when no quote is known
}

// Valuation aggregates a portfolio with mark-to-market totals.
type Valuation struct {
	Owner             string          `json:"owner"`
	Cash              decimal.Decimal `json:"cash"`
	RealizedPL        decimal.Decimal `json:"realized_pl"`
	Positions         []PositionValue `json:"positions"`
	MarketValue       decimal.Decimal `json:"market_value"`
	TotalUnrealizedPL decimal.Decimal `json:"total_unrealized_pl"`
	NetLiquidation    decimal.Decimal `json:"net_liquidation"` // cash + market value
	Revision          int64           `json:"rev"`
}
