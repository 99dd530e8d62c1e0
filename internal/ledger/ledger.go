// Package ledger holds the pure portfolio arithmetic: applying an order to a
// portfolio aggregate, deposits, resets and mark-to-market valuation.
//
// Nothing in this package touches storage. Every function takes the current
// aggregate and returns a new one, leaving the input untouched, so a caller
// that loses a concurrency race can simply discard the result and recompute.
//
// Rounding is half away from zero (decimal.Round): currency amounts to
// CashPlaces, average prices to PricePlaces.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

const (
	// CashPlaces is the precision of cash, amounts and realized P&L.
	CashPlaces = 2
	// PricePlaces is the precision of stored average prices.
	PricePlaces = 6
)

// ValidateOrder checks the order preconditions. It has no side effects.
func ValidateOrder(o model.Order) error {
	if o.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidOrder)
	}
	if o.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidOrder)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidOrder, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be > 0", ErrInvalidOrder)
	}
	// A sub-cent price would let qty × price round to a free fill.
	if !o.Price.Equal(o.Price.Round(CashPlaces)) {
		return fmt.Errorf("%w: price %s has more than %d decimal places",
			ErrInvalidOrder, o.Price, CashPlaces)
	}
	return nil
}

// Apply computes the aggregate that results from filling o against cur, and
// the trade record for the fill. The returned aggregate carries
// Revision = cur.Revision+1 and UpdatedAt = now.
func Apply(cur *model.Portfolio, o model.Order, now time.Time) (*model.Portfolio, *model.Trade, error) {
	if err := ValidateOrder(o); err != nil {
		return nil, nil, err
	}

	pos, held := cur.Positions[o.Token]
	if !held {
		pos = model.Position{Symbol: o.Symbol, AvgPrice: decimal.Zero}
	}
	symbol := o.Symbol
	if symbol == "" {
		symbol = pos.Symbol
	}

	qty := decimal.NewFromInt(o.Quantity)
	amount := qty.Mul(o.Price).Round(CashPlaces)
	realized := decimal.Zero

	next := cur.Clone()

	switch o.Side {
	case model.Buy:
		if cur.Cash.LessThan(amount) {
			return nil, nil, fmt.Errorf("%w: need %s, have %s",
				ErrInsufficientFunds, amount.StringFixed(CashPlaces), cur.Cash.StringFixed(CashPlaces))
		}
		newQty := pos.Quantity + o.Quantity
		cost := decimal.NewFromInt(pos.Quantity).Mul(pos.AvgPrice).Add(amount)
		next.Positions[o.Token] = model.Position{
			Symbol:   symbol,
			Quantity: newQty,
			AvgPrice: cost.DivRound(decimal.NewFromInt(newQty), PricePlaces),
		}
		next.Cash = cur.Cash.Sub(amount)

	case model.Sell:
		if pos.Quantity < o.Quantity {
			return nil, nil, fmt.Errorf("%w: hold %d of %s, selling %d",
				ErrInsufficientQuantity, pos.Quantity, o.Token, o.Quantity)
		}
		realized = o.Price.Sub(pos.AvgPrice).Mul(qty).Round(CashPlaces)
		if remaining := pos.Quantity - o.Quantity; remaining == 0 {
			delete(next.Positions, o.Token)
		} else {
			next.Positions[o.Token] = model.Position{
				Symbol:   symbol,
				Quantity: remaining,
				AvgPrice: pos.AvgPrice,
			}
		}
		next.Cash = cur.Cash.Add(amount)
		next.RealizedPL = cur.RealizedPL.Add(realized)
	}

	next.Revision = cur.Revision + 1
	next.UpdatedAt = now

	trade := &model.Trade{
		ID:         uuid.New().String(),
		Owner:      cur.Owner,
		Token:      o.Token,
		Symbol:     symbol,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      o.Price,
		Amount:     amount,
		RealizedPL: realized,
		ExecutedAt: now,
	}
	return next, trade, nil
}

// Deposit adds amount to the cash balance. The resulting cash may not exceed
// maxCash; a zero maxCash disables the cap.
func Deposit(cur *model.Portfolio, amount, maxCash decimal.Decimal, now time.Time) (*model.Portfolio, error) {
	amount = amount.Round(CashPlaces)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be at least 0.01", ErrInvalidOrder)
	}
	total := cur.Cash.Add(amount)
	if maxCash.IsPositive() && total.GreaterThan(maxCash) {
		return nil, fmt.Errorf("%w: deposit would raise cash to %s, above the %s cap",
			ErrInvalidOrder, total.StringFixed(CashPlaces), maxCash.StringFixed(CashPlaces))
	}
	next := cur.Clone()
	next.Cash = total
	next.Revision = cur.Revision + 1
	next.UpdatedAt = now
	return next, nil
}

// Reset returns the aggregate to its starting state: starting cash, zero
// realized P&L, no positions and an empty embedded history.
func Reset(cur *model.Portfolio, startingCash decimal.Decimal, now time.Time) *model.Portfolio {
	next := cur.Clone()
	next.Cash = startingCash.Round(CashPlaces)
	next.RealizedPL = decimal.Zero
	next.Positions = make(map[string]model.Position)
	next.History = nil
	next.Revision = cur.Revision + 1
	next.UpdatedAt = now
	return next
}

// AppendHistory pushes t onto p's embedded history and drops the oldest
// entries beyond limit.
func AppendHistory(p *model.Portfolio, t model.Trade, limit int) {
	p.History = append(p.History, t)
	if limit > 0 && len(p.History) > limit {
		trimmed := make([]model.Trade, limit)
		copy(trimmed, p.History[len(p.History)-limit:])
		p.History = trimmed
	}
}

// RecentHistory returns up to limit entries of the embedded history, newest
// first, optionally filtered by token.
func RecentHistory(p *model.Portfolio, limit int, token string) []model.Trade {
	out := make([]model.Trade, 0, limit)
	for i := len(p.History) - 1; i >= 0 && len(out) < limit; i-- {
		if token != "" && p.History[i].Token != token {
			continue
		}
		out = append(out, p.History[i])
	}
	return out
}

// CheckInvariants verifies the aggregate invariants: non-negative cash and
// strictly positive quantities with non-negative average prices. Failures
// wrap ErrInvariantViolated.
func CheckInvariants(p *model.Portfolio) error {
	if p.Cash.IsNegative() {
		return fmt.Errorf("%w: portfolio %s: negative cash %s", ErrInvariantViolated, p.Owner, p.Cash)
	}
	for tok, pos := range p.Positions {
		if pos.Quantity <= 0 {
			return fmt.Errorf("%w: portfolio %s: position %s has quantity %d",
				ErrInvariantViolated, p.Owner, tok, pos.Quantity)
		}
		if pos.AvgPrice.IsNegative() {
			return fmt.Errorf("%w: portfolio %s: position %s has negative average price",
				ErrInvariantViolated, p.Owner, tok)
		}
	}
	return nil
}

// Valuate marks every position to prices. Positions without a price keep a
// nil last price and are left out of the totals.
func Valuate(p *model.Portfolio, prices map[string]decimal.Decimal) model.Valuation {
	v := model.Valuation{
		Owner:             p.Owner,
		Cash:              p.Cash,
		RealizedPL:        p.RealizedPL,
		Positions:         make([]model.PositionValue, 0, len(p.Positions)),
		MarketValue:       decimal.Zero,
		TotalUnrealizedPL: decimal.Zero,
		Revision:          p.Revision,
	}

	tokens := make([]string, 0, len(p.Positions))
	for tok := range p.Positions {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	for _, tok := range tokens {
		pos := p.Positions[tok]
		pv := model.PositionValue{
			Token:    tok,
			Symbol:   pos.Symbol,
			Quantity: pos.Quantity,
			AvgPrice: pos.AvgPrice,
		}
		if last, ok := prices[tok]; ok {
			qty := decimal.NewFromInt(pos.Quantity)
			unrealized := last.Sub(pos.AvgPrice).Mul(qty).Round(CashPlaces)
			pv.LastPrice = &last
			pv.UnrealizedPL = &unrealized
			v.MarketValue = v.MarketValue.Add(last.Mul(qty))
			v.TotalUnrealizedPL = v.TotalUnrealizedPL.Add(unrealized)
		}
		v.Positions = append(v.Positions, pv)
	}

	v.MarketValue = v.MarketValue.Round(CashPlaces)
	v.NetLiquidation = p.Cash.Add(v.MarketValue)
	return v
}
