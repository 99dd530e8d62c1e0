package ledger

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 9, 15, 0, 0, time.UTC)

func newPortfolio(cash float64) *model.Portfolio {
	return model.NewPortfolio("user1", d(cash), t0)
}

func order(side model.Side, qty int64, price float64) model.Order {
	return model.Order{
		Owner:    "user1",
		Token:    "2885",
		Symbol:   "RELIANCE-EQ",
		Side:     side,
		Quantity: qty,
		Price:    d(price),
	}
}

func mustApply(t *testing.T, p *model.Portfolio, o model.Order) (*model.Portfolio, *model.Trade) {
	t.Helper()
	next, trade, err := Apply(p, o, t0)
	if err != nil {
		t.Fatalf("apply %s %d @ %s: %v", o.Side, o.Quantity, o.Price, err)
	}
	return next, trade
}

func TestApply_AveragePriceWeighting(t *testing.T) {
	p := newPortfolio(100000)
	p, _ = mustApply(t, p, order(model.Buy, 10, 100))
	p, _ = mustApply(t, p, order(model.Buy, 10, 200))

	pos := p.Positions["2885"]
	if pos.Quantity != 20 {
		t.Errorf("quantity = %d, want 20", pos.Quantity)
	}
	if !pos.AvgPrice.Equal(d(150)) {
		t.Errorf("avg price = %s, want 150", pos.AvgPrice)
	}
	if !p.Cash.Equal(d(97000)) {
		t.Errorf("cash = %s, want 97000", p.Cash)
	}
	if p.Revision != 2 {
		t.Errorf("revision = %d, want 2", p.Revision)
	}
}

func TestApply_InsufficientFundsBoundary(t *testing.T) {
	p := newPortfolio(1000)

	_, _, err := Apply(p, order(model.Buy, 10, 100.01), t0)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	next, trade := mustApply(t, p, order(model.Buy, 10, 100))
	if !next.Cash.IsZero() {
		t.Errorf("cash = %s, want 0.00", next.Cash)
	}
	if !trade.Amount.Equal(d(1000)) {
		t.Errorf("amount = %s, want 1000", trade.Amount)
	}
	if !trade.RealizedPL.IsZero() {
		t.Errorf("BUY realized P&L = %s, want 0", trade.RealizedPL)
	}
}

func TestApply_InsufficientQuantityBoundary(t *testing.T) {
	p := newPortfolio(1000)
	p, _ = mustApply(t, p, order(model.Buy, 5, 10))

	_, _, err := Apply(p, order(model.Sell, 6, 10), t0)
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}

	next, _ := mustApply(t, p, order(model.Sell, 5, 10))
	if _, ok := next.Positions["2885"]; ok {
		t.Error("position sold down to zero should be removed")
	}
}

func TestApply_SellWithoutPosition(t *testing.T) {
	_, _, err := Apply(newPortfolio(1000), order(model.Sell, 1, 10), t0)
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}
}

func TestApply_RealizedPL(t *testing.T) {
	p := newPortfolio(5000)
	p, _ = mustApply(t, p, order(model.Buy, 10, 100))
	if !p.Cash.Equal(d(4000)) {
		t.Fatalf("cash after buy = %s, want 4000", p.Cash)
	}

	p, trade := mustApply(t, p, order(model.Sell, 4, 150))

	if !trade.RealizedPL.Equal(d(200)) {
		t.Errorf("trade realized P&L = %s, want 200", trade.RealizedPL)
	}
	if !p.RealizedPL.Equal(d(200)) {
		t.Errorf("portfolio realized P&L = %s, want 200", p.RealizedPL)
	}
	pos := p.Positions["2885"]
	if pos.Quantity != 6 || !pos.AvgPrice.Equal(d(100)) {
		t.Errorf("position = %d @ %s, want 6 @ 100", pos.Quantity, pos.AvgPrice)
	}
	if !p.Cash.Equal(d(4600)) {
		t.Errorf("cash = %s, want 4600", p.Cash)
	}
}

func TestApply_SellLossIsNegative(t *testing.T) {
	p := newPortfolio(5000)
	p, _ = mustApply(t, p, order(model.Buy, 10, 100))
	p, trade := mustApply(t, p, order(model.Sell, 10, 90.5))

	if !trade.RealizedPL.Equal(d(-95)) {
		t.Errorf("realized P&L = %s, want -95", trade.RealizedPL)
	}
	if !p.Cash.Equal(d(4905)) {
		t.Errorf("cash = %s, want 4905", p.Cash)
	}
}

func TestApply_RoundTripConservesCash(t *testing.T) {
	prices := []float64{100, 33.33, 0.05, 1234.56, 99.99, 7.13}
	for _, price := range prices {
		p := newPortfolio(1000000)
		start := p.Cash

		p, _ = mustApply(t, p, order(model.Buy, 7, price))
		p, _ = mustApply(t, p, order(model.Sell, 7, price))

		if _, ok := p.Positions["2885"]; ok {
			t.Errorf("price %v: position not removed", price)
		}
		residue := p.Cash.Sub(start).Abs()
		if residue.GreaterThan(d(0.01)) {
			t.Errorf("price %v: cash residue %s exceeds one minor unit", price, residue)
		}
		if p.RealizedPL.Abs().GreaterThan(d(0.01)) {
			t.Errorf("price %v: realized P&L %s, want ~0", price, p.RealizedPL)
		}
	}
}

func TestApply_RoundingHalfAwayFromZero(t *testing.T) {
	// avg 0.015; selling one at 0.01 realizes -0.005 → -0.01
	p := newPortfolio(10)
	p, _ = mustApply(t, p, order(model.Buy, 1, 0.01))
	p, _ = mustApply(t, p, order(model.Buy, 1, 0.02))
	if got := p.Positions["2885"].AvgPrice; !got.Equal(d(0.015)) {
		t.Fatalf("avg price = %s, want 0.015", got)
	}
	p, trade := mustApply(t, p, order(model.Sell, 1, 0.01))
	if !trade.RealizedPL.Equal(d(-0.01)) {
		t.Errorf("realized = %s, want -0.01", trade.RealizedPL)
	}
	if !p.Cash.Equal(d(9.98)) {
		t.Errorf("cash = %s, want 9.98", p.Cash)
	}
}

// Sub-cent prices are rejected: otherwise 1 × 0.004 fills for 0.00 and a
// later sell at 0.005 pays out 0.01 that was never paid in.
func TestApply_RejectsSubCentPrice(t *testing.T) {
	p := newPortfolio(1000)
	for _, price := range []float64{0.004, 0.005, 100.001, 7.123456789} {
		next, trade, err := Apply(p, order(model.Buy, 1, price), t0)
		if !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("price %v: expected ErrInvalidOrder, got %v", price, err)
		}
		if next != nil || trade != nil {
			t.Errorf("price %v: rejected order returned a result", price)
		}
	}
	if !p.Cash.Equal(d(1000)) || len(p.Positions) != 0 {
		t.Errorf("portfolio changed: cash %s positions %v", p.Cash, p.Positions)
	}

	// Trailing zeros beyond two places are still whole cents.
	o := order(model.Buy, 1, 0)
	o.Price = decimal.RequireFromString("12.5000")
	if _, tr := mustApply(t, p, o); !tr.Amount.Equal(d(12.5)) {
		t.Errorf("amount = %s, want 12.5", tr.Amount)
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	p := newPortfolio(1000)
	p, _ = mustApply(t, p, order(model.Buy, 5, 10))
	before := p.Clone()

	if _, _, err := Apply(p, order(model.Sell, 5, 12), t0); err != nil {
		t.Fatal(err)
	}
	if !p.Cash.Equal(before.Cash) || p.Positions["2885"] != before.Positions["2885"] || p.Revision != before.Revision {
		t.Error("Apply mutated its input aggregate")
	}
}

func TestApply_InvalidOrders(t *testing.T) {
	tests := []struct {
		name string
		o    model.Order
	}{
		{"zero quantity", order(model.Buy, 0, 10)},
		{"negative quantity", order(model.Sell, -1, 10)},
		{"zero price", order(model.Buy, 1, 0)},
		{"negative price", order(model.Buy, 1, -5)},
		{"unknown side", order("HOLD", 1, 10)},
		{"lowercase side", order("buy", 1, 10)},
		{"missing token", model.Order{Owner: "user1", Side: model.Buy, Quantity: 1, Price: d(1)}},
		{"missing owner", model.Order{Token: "2885", Side: model.Buy, Quantity: 1, Price: d(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Apply(newPortfolio(1000), tt.o, t0)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
			if KindOf(err) != KindInvalidOrder {
				t.Errorf("kind = %s, want invalid_order", KindOf(err))
			}
		})
	}
}

func TestApply_KeepsSymbolOfExistingPosition(t *testing.T) {
	p := newPortfolio(1000)
	p, _ = mustApply(t, p, order(model.Buy, 2, 10))

	o := order(model.Sell, 1, 10)
	o.Symbol = ""
	_, trade := mustApply(t, p, o)
	if trade.Symbol != "RELIANCE-EQ" {
		t.Errorf("symbol = %q, want RELIANCE-EQ", trade.Symbol)
	}
}

// Random order sequences must never break the aggregate invariants.
func TestApply_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tokens := []string{"2885", "11536", "1594"}

	p := newPortfolio(50000)
	for i := 0; i < 2000; i++ {
		side := model.Buy
		if rng.Intn(2) == 0 {
			side = model.Sell
		}
		o := model.Order{
			Owner:    "user1",
			Token:    tokens[rng.Intn(len(tokens))],
			Side:     side,
			Quantity: int64(rng.Intn(20) + 1),
			Price:    decimal.New(int64(rng.Intn(500000)+1), -2),
		}
		next, _, err := Apply(p, o, t0)
		if err != nil {
			if !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrInsufficientQuantity) {
				t.Fatalf("step %d: unexpected error %v", i, err)
			}
			continue
		}
		if next.Revision != p.Revision+1 {
			t.Fatalf("step %d: revision %d → %d", i, p.Revision, next.Revision)
		}
		if err := CheckInvariants(next); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		p = next
	}
}

func TestDeposit(t *testing.T) {
	p := newPortfolio(1000)

	next, err := Deposit(p, d(500.255), d(10000), t0)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Cash.Equal(d(1500.26)) {
		t.Errorf("cash = %s, want 1500.26", next.Cash)
	}
	if next.Revision != 1 {
		t.Errorf("revision = %d, want 1", next.Revision)
	}

	if _, err := Deposit(p, d(9000), d(10000), t0); err != nil {
		t.Errorf("deposit up to the cap should succeed: %v", err)
	}
	if _, err := Deposit(p, d(9000.01), d(10000), t0); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("deposit above cap: expected ErrInvalidOrder, got %v", err)
	}
	if next, err := Deposit(p, d(0.005), d(10000), t0); err != nil || !next.Cash.Equal(d(1000.01)) {
		t.Errorf("deposit 0.005 should round up to 0.01: cash %v err %v", next, err)
	}
	// 0.004 rounds to 0.00 and must not commit an empty revision.
	for _, amt := range []float64{0, -1, 0.004, -0.001} {
		if _, err := Deposit(p, d(amt), d(10000), t0); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("deposit %v: expected ErrInvalidOrder, got %v", amt, err)
		}
	}
}

func TestReset(t *testing.T) {
	p := newPortfolio(5000)
	p, tr := mustApply(t, p, order(model.Buy, 10, 100))
	AppendHistory(p, *tr, 10)
	p, _ = mustApply(t, p, order(model.Sell, 5, 120))

	next := Reset(p, d(1000000), t0)
	if !next.Cash.Equal(d(1000000)) || !next.RealizedPL.IsZero() {
		t.Errorf("reset state = cash %s realized %s", next.Cash, next.RealizedPL)
	}
	if len(next.Positions) != 0 || len(next.History) != 0 {
		t.Errorf("reset left %d positions and %d history entries", len(next.Positions), len(next.History))
	}
	if next.Revision != p.Revision+1 {
		t.Errorf("revision = %d, want %d", next.Revision, p.Revision+1)
	}
	if len(p.Positions) == 0 {
		t.Error("Reset mutated its input")
	}
}

func TestAppendHistory_SlidingWindow(t *testing.T) {
	p := newPortfolio(0)
	for i := 1; i <= 7; i++ {
		AppendHistory(p, model.Trade{Quantity: int64(i)}, 5)
	}
	if len(p.History) != 5 {
		t.Fatalf("history length = %d, want 5", len(p.History))
	}
	if p.History[0].Quantity != 3 || p.History[4].Quantity != 7 {
		t.Errorf("history window = %d..%d, want 3..7", p.History[0].Quantity, p.History[4].Quantity)
	}

	recent := RecentHistory(p, 2, "")
	if len(recent) != 2 || recent[0].Quantity != 7 || recent[1].Quantity != 6 {
		t.Errorf("recent history not newest first: %+v", recent)
	}
}

func TestRecentHistory_TokenFilter(t *testing.T) {
	p := newPortfolio(0)
	AppendHistory(p, model.Trade{Token: "a", Quantity: 1}, 0)
	AppendHistory(p, model.Trade{Token: "b", Quantity: 2}, 0)
	AppendHistory(p, model.Trade{Token: "a", Quantity: 3}, 0)

	got := RecentHistory(p, 10, "a")
	if len(got) != 2 || got[0].Quantity != 3 || got[1].Quantity != 1 {
		t.Errorf("filtered history = %+v", got)
	}
}

func TestValuate(t *testing.T) {
	p := newPortfolio(10000)
	p, _ = mustApply(t, p, order(model.Buy, 10, 100))
	o := order(model.Buy, 4, 50)
	o.Token, o.Symbol = "11536", "TCS-EQ"
	p, _ = mustApply(t, p, o)

	v := Valuate(p, map[string]decimal.Decimal{"2885": d(110)})

	if len(v.Positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(v.Positions))
	}
	// Sorted by token: "11536" < "2885".
	if v.Positions[0].LastPrice != nil {
		t.Error("position without a quote should have no last price")
	}
	if got := v.Positions[1].UnrealizedPL; got == nil || !got.Equal(d(100)) {
		t.Errorf("unrealized P&L = %v, want 100", got)
	}
	if !v.MarketValue.Equal(d(1100)) {
		t.Errorf("market value = %s, want 1100", v.MarketValue)
	}
	if !v.NetLiquidation.Equal(d(9900)) {
		t.Errorf("net liquidation = %s, want 9900", v.NetLiquidation)
	}
}

func TestKindOf(t *testing.T) {
	exhausted := errors.Join(ErrConcurrencyExhausted, ErrConcurrencyConflict)
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindUnknown},
		{ErrInsufficientFunds, KindInsufficientFunds},
		{exhausted, KindConcurrencyExhausted},
		{ErrConcurrencyConflict, KindConcurrencyConflict},
		{errors.Join(ErrStorageUnavailable, errors.New("dial tcp")), KindStorageUnavailable},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !KindConcurrencyExhausted.Retryable() || KindInsufficientFunds.Retryable() {
		t.Error("unexpected Retryable classification")
	}
}

func TestCheckInvariants(t *testing.T) {
	ok := newPortfolio(10)
	ok.Positions["2885"] = model.Position{Quantity: 1, AvgPrice: d(5)}
	if err := CheckInvariants(ok); err != nil {
		t.Fatalf("valid aggregate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(p *model.Portfolio)
	}{
		{"negative cash", func(p *model.Portfolio) { p.Cash = d(-0.01) }},
		{"zero quantity", func(p *model.Portfolio) { p.Positions["2885"] = model.Position{Quantity: 0, AvgPrice: d(5)} }},
		{"negative average", func(p *model.Portfolio) { p.Positions["2885"] = model.Position{Quantity: 1, AvgPrice: d(-1)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok.Clone()
			tt.mut(p)
			err := CheckInvariants(p)
			if !errors.Is(err, ErrInvariantViolated) {
				t.Fatalf("expected ErrInvariantViolated, got %v", err)
			}
			if KindOf(err) != KindUnknown {
				t.Errorf("kind = %s, want unknown", KindOf(err))
			}
		})
	}
}
