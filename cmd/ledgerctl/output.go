package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/ledger-engine/internal/model"
)

// printer renders results as aligned text, JSON or YAML.
type printer struct {
	w        io.Writer
	format   string
	currency string
}

func newPrinter(w io.Writer, format, currency string) (*printer, error) {
	switch format {
	case "text", "json", "yaml":
	default:
		return nil, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
	if money.GetCurrency(currency) == nil {
		return nil, fmt.Errorf("unknown currency %q", currency)
	}
	return &printer{w: w, format: format, currency: currency}, nil
}

// amount formats d in the configured currency, e.g. ₹1,234.50.
func (p *printer) amount(d decimal.Decimal) string {
	cur := money.GetCurrency(p.currency)
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), p.currency).Display()
}

// structured writes v as JSON or YAML. YAML goes through JSON first so
// decimals keep their exact string form.
func (p *printer) structured(v any) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(plain)
}

func (p *printer) snapshot(s model.Snapshot) error {
	if p.format != "text" {
		return p.structured(s)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "owner\t%s\n", s.Owner)
	fmt.Fprintf(tw, "cash\t%s\n", p.amount(s.Cash))
	fmt.Fprintf(tw, "realized p&l\t%s\n", p.amount(s.RealizedPL))
	fmt.Fprintf(tw, "rev\t%d\n", s.Revision)
	if len(s.Positions) > 0 {
		fmt.Fprintln(tw, "\nTOKEN\tSYMBOL\tQTY\tAVG PRICE")
		for _, tok := range sortedTokens(s.Positions) {
			pos := s.Positions[tok]
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", tok, pos.Symbol, pos.Quantity, pos.AvgPrice.String())
		}
	}
	return tw.Flush()
}

func (p *printer) fill(t *model.Trade, s model.Snapshot) error {
	if p.format != "text" {
		return p.structured(map[string]any{"trade": t, "portfolio": s})
	}
	fmt.Fprintf(p.w, "%s %d %s @ %s = %s", t.Side, t.Quantity, t.Token, t.Price.String(), p.amount(t.Amount))
	if t.Side == model.Sell {
		fmt.Fprintf(p.w, " (realized %s)", p.amount(t.RealizedPL))
	}
	fmt.Fprintf(p.w, "\ntrade %s\n\n", t.ID)
	return p.snapshot(s)
}

func (p *printer) valuation(v model.Valuation) error {
	if p.format != "text" {
		return p.structured(v)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "owner\t%s\n", v.Owner)
	fmt.Fprintf(tw, "cash\t%s\n", p.amount(v.Cash))
	fmt.Fprintf(tw, "market value\t%s\n", p.amount(v.MarketValue))
	fmt.Fprintf(tw, "net liquidation\t%s\n", p.amount(v.NetLiquidation))
	fmt.Fprintf(tw, "realized p&l\t%s\n", p.amount(v.RealizedPL))
	fmt.Fprintf(tw, "unrealized p&l\t%s\n", p.amount(v.TotalUnrealizedPL))
	if len(v.Positions) > 0 {
		fmt.Fprintln(tw, "\nTOKEN\tSYMBOL\tQTY\tAVG PRICE\tLAST\tUNREALIZED")
		for _, pv := range v.Positions {
			last, unrealized := "-", "-"
			if pv.LastPrice != nil {
				last = pv.LastPrice.String()
				unrealized = p.amount(*pv.UnrealizedPL)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				pv.Token, pv.Symbol, pv.Quantity, pv.AvgPrice.String(), last, unrealized)
		}
	}
	return tw.Flush()
}

func (p *printer) trades(trades []model.Trade) error {
	if trades == nil {
		trades = []model.Trade{}
	}
	if p.format != "text" {
		return p.structured(trades)
	}
	if len(trades) == 0 {
		_, err := fmt.Fprintln(p.w, "no trades")
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTED\tSIDE\tTOKEN\tQTY\tPRICE\tAMOUNT\tREALIZED")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ExecutedAt.Format("2006-01-02 15:04:05"), t.Side, t.Token, t.Quantity,
			t.Price.String(), p.amount(t.Amount), p.amount(t.RealizedPL))
	}
	return tw.Flush()
}

func sortedTokens(positions map[string]model.Position) []string {
	tokens := make([]string, 0, len(positions))
	for tok := range positions {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}
